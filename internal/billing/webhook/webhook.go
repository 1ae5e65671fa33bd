// Package webhook ingests provider event deliveries. Every delivery is
// verified, recorded once by provider event ID, applied, and only then marked
// processed. A delivery that fails mid-apply stays unprocessed so the
// provider's retry picks the work back up.
package webhook

import (
	"context"

	"github.com/docuply/backend/internal/billing/catalog"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/billing/reconcile"
	"github.com/docuply/backend/internal/clock"
	obsmetrics "github.com/docuply/backend/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type IngestorParam struct {
	fx.In

	Log       *zap.Logger
	Repo      billingdomain.Repository
	Provider  billingdomain.BillingProvider
	Catalog   *catalog.Catalog
	Billing   billingdomain.Service
	Reconcile *reconcile.Engine
	Clock     clock.Clock
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Ingestor struct {
	log       *zap.Logger
	repo      billingdomain.Repository
	provider  billingdomain.BillingProvider
	catalog   *catalog.Catalog
	billing   billingdomain.Service
	reconcile *reconcile.Engine
	clock     clock.Clock
	metrics   *obsmetrics.Metrics
}

func NewIngestor(p IngestorParam) *Ingestor {
	return &Ingestor{
		log:       p.Log.Named("billing.webhook"),
		repo:      p.Repo,
		provider:  p.Provider,
		catalog:   p.Catalog,
		billing:   p.Billing,
		reconcile: p.Reconcile,
		clock:     p.Clock,
		metrics:   p.Metrics,
	}
}

// HandleWebhook processes one raw delivery. Signature verification fails
// closed; replays of processed events are acknowledged without effect.
func (i *Ingestor) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := i.provider.VerifyWebhook(payload, signatureHeader)
	if err != nil {
		i.log.Warn("webhook rejected", zap.Error(err))
		i.metrics.RecordWebhookEvent(ctx, "unknown", "rejected")
		return err
	}

	if event.Type == billingdomain.EventIgnored {
		return nil
	}

	row := &billingdomain.BillingEvent{
		ProviderEventID: event.ID,
		Type:            string(event.Type),
		Payload:         event.Raw,
		ReceivedAt:      i.clock.Now(),
	}
	inserted, err := i.repo.InsertEvent(ctx, row)
	if err != nil {
		return err
	}
	if !inserted {
		existing, err := i.repo.FindEvent(ctx, event.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return billingdomain.ErrInvalidSession
		}
		if existing.Processed() {
			i.log.Info("webhook replayed, ignoring",
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)))
			i.metrics.RecordWebhookEvent(ctx, string(event.Type), "replayed")
			return nil
		}
		// Recorded but never finished: a previous attempt crashed
		// mid-apply. Run it again off the retry.
		row = existing
	}

	if err := i.apply(ctx, event); err != nil {
		i.log.Error("webhook apply failed, leaving unprocessed",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		i.metrics.RecordWebhookEvent(ctx, string(event.Type), "failed")
		return err
	}

	if err := i.repo.MarkEventProcessed(ctx, row.ID, i.clock.Now()); err != nil {
		return err
	}
	i.log.Info("webhook processed",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))
	i.metrics.RecordWebhookEvent(ctx, string(event.Type), "processed")
	return nil
}

func (i *Ingestor) apply(ctx context.Context, event *billingdomain.ProviderEvent) error {
	switch event.Type {
	case billingdomain.EventSubscriptionCreated, billingdomain.EventSubscriptionUpdated:
		return i.applySubscription(ctx, event)
	case billingdomain.EventSubscriptionDeleted:
		return i.applySubscriptionDeleted(ctx, event)
	case billingdomain.EventCheckoutCompleted:
		return i.applyCheckout(ctx, event)
	case billingdomain.EventInvoicePaid:
		// Nothing to do locally; invoices settle on the provider side.
		return nil
	default:
		return nil
	}
}

func (i *Ingestor) applySubscription(ctx context.Context, event *billingdomain.ProviderEvent) error {
	sub := event.Subscription
	if sub == nil {
		return nil
	}

	customer, err := i.repo.FindCustomerByProviderID(ctx, sub.CustomerID)
	if err != nil {
		return err
	}
	if customer == nil {
		// The checkout-completed event that links customer to org may
		// still be in flight; the reconciliation sweep repairs this.
		i.log.Warn("subscription event for unknown customer",
			zap.String("event_id", event.ID),
			zap.String("customer_id", sub.CustomerID))
		return nil
	}

	if !sub.Active() {
		return i.clearSubscription(ctx, customer, event.ID)
	}

	tier, ok := i.catalog.TierForPrice(sub.PriceID)
	if !ok {
		i.log.Warn("subscription event on unknown price",
			zap.String("event_id", event.ID),
			zap.String("price_id", sub.PriceID))
		return nil
	}

	state := billingdomain.SubscriptionState{
		Tier:                   tier,
		Allowance:              i.catalog.AllowanceForPrice(sub.PriceID, tier),
		ProviderSubscriptionID: &sub.ID,
		PeriodStart:            &sub.PeriodStart,
		PeriodEnd:              &sub.PeriodEnd,
	}
	return i.repo.UpdateSubscriptionState(ctx, customer.OrgID, state)
}

func (i *Ingestor) applySubscriptionDeleted(ctx context.Context, event *billingdomain.ProviderEvent) error {
	sub := event.Subscription
	if sub == nil {
		return nil
	}

	customer, err := i.repo.FindCustomerByProviderID(ctx, sub.CustomerID)
	if err != nil {
		return err
	}
	if customer == nil {
		return nil
	}
	return i.clearSubscription(ctx, customer, event.ID)
}

func (i *Ingestor) clearSubscription(ctx context.Context, customer *billingdomain.PaymentCustomer, eventID string) error {
	// Unlimited tiers are assigned locally; a remote lapse never
	// downgrades them.
	if customer.Tier.Unlimited() {
		i.log.Info("ignoring subscription teardown for unlimited tier",
			zap.String("event_id", eventID),
			zap.String("org_id", customer.OrgID.String()))
		return nil
	}
	return i.repo.UpdateSubscriptionState(ctx, customer.OrgID, billingdomain.SubscriptionState{
		Tier: billingdomain.TierNone,
	})
}

func (i *Ingestor) applyCheckout(ctx context.Context, event *billingdomain.ProviderEvent) error {
	info := event.Checkout
	if info == nil {
		return nil
	}
	if info.OrgID == 0 {
		i.log.Warn("checkout event without organization tag",
			zap.String("event_id", event.ID),
			zap.String("session_id", info.SessionID))
		return nil
	}

	switch info.Mode {
	case billingdomain.CheckoutModeSubscription:
		if info.ProviderCustomerID != "" {
			if _, err := i.repo.EnsureCustomer(ctx, info.OrgID); err != nil {
				return err
			}
			if err := i.repo.SetProviderCustomerID(ctx, info.OrgID, info.ProviderCustomerID); err != nil {
				return err
			}
		}
		return i.reconcile.SyncOne(ctx, info.OrgID)
	case billingdomain.CheckoutModePayment:
		// A malformed session would otherwise fail on every redelivery,
		// so acknowledge it instead of letting the provider retry forever.
		if info.Credits <= 0 {
			i.log.Warn("payment checkout without credits metadata, acknowledging",
				zap.String("event_id", event.ID),
				zap.String("session_id", info.SessionID),
				zap.String("org_id", info.OrgID.String()))
			return nil
		}
		_, err := i.billing.ApplyPurchase(ctx, billingdomain.ApplyPurchaseRequest{
			OrgID:     info.OrgID,
			SessionID: info.SessionID,
			Credits:   info.Credits,
		})
		return err
	default:
		return nil
	}
}
