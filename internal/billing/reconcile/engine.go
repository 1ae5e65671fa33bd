// Package reconcile keeps local billing state and the provider in sync.
// Identity flows outward (organizations own their provider customer), while
// subscription state flows inward (the provider is authoritative for tier,
// allowance, and period boundaries).
package reconcile

import (
	"context"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/internal/billing/catalog"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	obsmetrics "github.com/docuply/backend/internal/observability/metrics"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// syncConcurrency bounds parallel provider calls during a sweep.
const syncConcurrency = 10

// SyncReport summarizes one reconciliation sweep.
type SyncReport struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Errors    int `json:"errors"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
}

type EngineParam struct {
	fx.In

	Log      *zap.Logger
	Repo     billingdomain.Repository
	Provider billingdomain.BillingProvider
	Catalog  *catalog.Catalog
	Orgs     orgdomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Engine struct {
	log      *zap.Logger
	repo     billingdomain.Repository
	provider billingdomain.BillingProvider
	catalog  *catalog.Catalog
	orgs     orgdomain.Service
	metrics  *obsmetrics.Metrics
}

func NewEngine(p EngineParam) *Engine {
	return &Engine{
		log:      p.Log.Named("billing.reconcile"),
		repo:     p.Repo,
		provider: p.Provider,
		catalog:  p.Catalog,
		orgs:     p.Orgs,
		metrics:  p.Metrics,
	}
}

// SyncAll diffs organizations against provider customers and repairs both
// directions: missing remote customers are created, orphaned remote customers
// are deleted, and everything present on both sides gets its subscription
// state pulled. Individual failures are counted, never fatal to the sweep.
func (e *Engine) SyncAll(ctx context.Context) (SyncReport, error) {
	if !e.provider.Enabled() {
		return SyncReport{}, nil
	}

	if err := e.catalog.Refresh(ctx); err != nil {
		e.log.Warn("price catalog refresh failed, using previous catalog", zap.Error(err))
	}

	orgs, err := e.orgs.List(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	remote, err := e.provider.ListCustomers(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	orgIDs := make(map[snowflake.ID]struct{}, len(orgs))
	for _, org := range orgs {
		orgIDs[org.ID] = struct{}{}
	}
	remoteByOrg := make(map[snowflake.ID]billingdomain.ProviderCustomer, len(remote))
	var orphans []billingdomain.ProviderCustomer
	for _, cust := range remote {
		if _, ok := orgIDs[cust.OrgID]; !ok {
			orphans = append(orphans, cust)
			continue
		}
		if _, dup := remoteByOrg[cust.OrgID]; dup {
			e.log.Warn("duplicate provider customers for organization",
				zap.String("org_id", cust.OrgID.String()),
				zap.String("customer_id", cust.ID))
			continue
		}
		remoteByOrg[cust.OrgID] = cust
	}

	var succeeded, failed, created, updated, deleted atomic.Int64

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(syncConcurrency)

	for _, org := range orgs {
		org := org
		group.Go(func() error {
			remoteCust, exists := remoteByOrg[org.ID]
			if !exists {
				if err := e.createRemoteCustomer(groupCtx, org); err != nil {
					e.log.Error("creating provider customer failed",
						zap.String("org_id", org.ID.String()),
						zap.Error(err))
					failed.Add(1)
					return nil
				}
				created.Add(1)
				succeeded.Add(1)
				return nil
			}

			if params, drifted := identityDrift(org, remoteCust); drifted {
				if _, err := e.provider.ModifyCustomer(groupCtx, remoteCust.ID, params); err != nil {
					e.log.Error("pushing identity drift failed",
						zap.String("org_id", org.ID.String()),
						zap.String("customer_id", remoteCust.ID),
						zap.Error(err))
					failed.Add(1)
					return nil
				}
				updated.Add(1)
			}

			if err := e.syncCustomer(groupCtx, org.ID, remoteCust.ID); err != nil {
				e.log.Error("subscription sync failed",
					zap.String("org_id", org.ID.String()),
					zap.Error(err))
				failed.Add(1)
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}

	for _, orphan := range orphans {
		orphan := orphan
		group.Go(func() error {
			if err := e.deleteOrphan(groupCtx, orphan); err != nil {
				failed.Add(1)
				return nil
			}
			deleted.Add(1)
			succeeded.Add(1)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return SyncReport{}, err
	}

	report := SyncReport{
		Total:     len(orgs) + len(orphans),
		Succeeded: int(succeeded.Load()),
		Errors:    int(failed.Load()),
		Created:   int(created.Load()),
		Updated:   int(updated.Load()),
		Deleted:   int(deleted.Load()),
	}
	e.metrics.RecordReconcileOutcome(ctx, "succeeded", int64(report.Succeeded))
	e.metrics.RecordReconcileOutcome(ctx, "failed", int64(report.Errors))
	e.metrics.RecordReconcileOutcome(ctx, "created", int64(report.Created))
	e.metrics.RecordReconcileOutcome(ctx, "updated", int64(report.Updated))
	e.metrics.RecordReconcileOutcome(ctx, "deleted", int64(report.Deleted))
	e.log.Info("reconciliation sweep finished",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("errors", report.Errors),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("deleted", report.Deleted))
	return report, nil
}

// SyncOne pulls the provider subscription state for a single organization and
// writes it through to the ledger. Used after checkout completion and for
// targeted repair.
func (e *Engine) SyncOne(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return billingdomain.ErrInvalidOrganization
	}
	if !e.provider.Enabled() {
		return billingdomain.ErrBillingDisabled
	}

	customer, err := e.repo.EnsureCustomer(ctx, orgID)
	if err != nil {
		return err
	}

	providerCustomerID := ""
	if customer.ProviderCustomerID != nil {
		providerCustomerID = *customer.ProviderCustomerID
	}
	if providerCustomerID == "" {
		found, err := e.provider.SearchCustomersByOrgID(ctx, orgID)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return billingdomain.ErrCustomerNotFound
		}
		providerCustomerID = found[0].ID
		if err := e.repo.SetProviderCustomerID(ctx, orgID, providerCustomerID); err != nil {
			return err
		}
	}

	return e.syncCustomer(ctx, orgID, providerCustomerID)
}

func (e *Engine) createRemoteCustomer(ctx context.Context, org orgdomain.Organization) error {
	customer, err := e.repo.EnsureCustomer(ctx, org.ID)
	if err != nil {
		return err
	}
	// The ledger may already point at a customer the listing missed, for
	// example one created between the list call and this goroutine.
	if customer.ProviderCustomerID != nil && *customer.ProviderCustomerID != "" {
		return e.syncCustomer(ctx, org.ID, *customer.ProviderCustomerID)
	}

	created, err := e.provider.CreateCustomer(ctx, billingdomain.CustomerParams{
		OrgID: org.ID,
		Name:  org.Name,
		Email: org.SupportEmail,
	})
	if err != nil {
		return err
	}
	return e.repo.SetProviderCustomerID(ctx, org.ID, created.ID)
}

// identityDrift reports whether the remote customer's identity fields have
// fallen out of step with the organization. Local identity is authoritative
// outward, so any mismatch gets the full local view pushed back.
func identityDrift(org orgdomain.Organization, remote billingdomain.ProviderCustomer) (billingdomain.CustomerParams, bool) {
	if remote.Name == org.Name && remote.Email == org.SupportEmail {
		return billingdomain.CustomerParams{}, false
	}
	return billingdomain.CustomerParams{
		OrgID: org.ID,
		Name:  org.Name,
		Email: org.SupportEmail,
	}, true
}

func (e *Engine) syncCustomer(ctx context.Context, orgID snowflake.ID, providerCustomerID string) error {
	customer, err := e.repo.EnsureCustomer(ctx, orgID)
	if err != nil {
		return err
	}
	if customer.ProviderCustomerID == nil || *customer.ProviderCustomerID != providerCustomerID {
		if err := e.repo.SetProviderCustomerID(ctx, orgID, providerCustomerID); err != nil {
			return err
		}
	}

	subs, err := e.provider.ListSubscriptions(ctx, providerCustomerID)
	if err != nil {
		return err
	}

	var active []billingdomain.ProviderSubscription
	for _, sub := range subs {
		if sub.Active() {
			active = append(active, sub)
		}
	}

	switch len(active) {
	case 0:
		// Unlimited tiers are assigned locally and have no remote
		// subscription to lose.
		if !customer.Tier.Subscribed() {
			return nil
		}
		e.log.Info("clearing lapsed subscription",
			zap.String("org_id", orgID.String()),
			zap.String("tier", string(customer.Tier)))
		return e.repo.UpdateSubscriptionState(ctx, orgID, billingdomain.SubscriptionState{
			Tier: billingdomain.TierNone,
		})
	case 1:
		// fallthrough below
	default:
		e.log.Error("multiple active subscriptions for organization",
			zap.String("org_id", orgID.String()),
			zap.String("customer_id", providerCustomerID),
			zap.Int("count", len(active)))
		return billingdomain.ErrMultipleActiveSubscriptions
	}

	sub := active[0]
	tier, ok := e.catalog.TierForPrice(sub.PriceID)
	if !ok {
		e.log.Warn("active subscription on unknown price, leaving local state",
			zap.String("org_id", orgID.String()),
			zap.String("price_id", sub.PriceID))
		return nil
	}

	state := billingdomain.SubscriptionState{
		Tier:                   tier,
		Allowance:              e.catalog.AllowanceForPrice(sub.PriceID, tier),
		ProviderSubscriptionID: &sub.ID,
		PeriodStart:            &sub.PeriodStart,
		PeriodEnd:              &sub.PeriodEnd,
	}
	return e.repo.UpdateSubscriptionState(ctx, orgID, state)
}

// deleteOrphan removes a provider customer whose organization no longer
// exists. Customers still carrying an active subscription are skipped; those
// need the subscription resolved first, and deleting them would drop billing
// history on the provider side.
func (e *Engine) deleteOrphan(ctx context.Context, orphan billingdomain.ProviderCustomer) error {
	subs, err := e.provider.ListSubscriptions(ctx, orphan.ID)
	if err != nil {
		e.log.Error("orphan subscription lookup failed",
			zap.String("customer_id", orphan.ID),
			zap.Error(err))
		return err
	}
	for _, sub := range subs {
		if sub.Active() {
			e.log.Warn("orphaned customer still has an active subscription, skipping delete",
				zap.String("customer_id", orphan.ID),
				zap.String("org_id", orphan.OrgID.String()),
				zap.String("subscription_id", sub.ID))
			return billingdomain.ErrSubscriptionActive
		}
	}

	if err := e.provider.DeleteCustomer(ctx, orphan.ID); err != nil {
		e.log.Error("orphan delete failed",
			zap.String("customer_id", orphan.ID),
			zap.Error(err))
		return err
	}
	e.log.Info("deleted orphaned provider customer",
		zap.String("customer_id", orphan.ID),
		zap.String("org_id", orphan.OrgID.String()))

	// The ledger may hold a row still pointing at the deleted customer,
	// left behind when the organization was removed out of band.
	local, err := e.repo.FindCustomerByProviderID(ctx, orphan.ID)
	if err != nil {
		e.log.Error("orphan local lookup failed",
			zap.String("customer_id", orphan.ID),
			zap.Error(err))
		return err
	}
	if local != nil {
		if err := e.repo.DeleteCustomer(ctx, local.OrgID); err != nil {
			e.log.Error("orphan local delete failed",
				zap.String("customer_id", orphan.ID),
				zap.String("org_id", local.OrgID.String()),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// DeleteOrganizationBilling tears down billing for a deleted organization:
// active subscriptions are canceled, the provider customer is removed, and
// the local balance row goes away. Usage records stay for accounting.
func (e *Engine) DeleteOrganizationBilling(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return billingdomain.ErrInvalidOrganization
	}

	customer, err := e.repo.FindCustomer(ctx, orgID)
	if err != nil {
		return err
	}
	if customer == nil {
		return nil
	}

	if e.provider.Enabled() && customer.ProviderCustomerID != nil && *customer.ProviderCustomerID != "" {
		subs, err := e.provider.ListSubscriptions(ctx, *customer.ProviderCustomerID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			if !sub.Active() {
				continue
			}
			if err := e.provider.CancelSubscription(ctx, sub.ID); err != nil {
				return err
			}
		}
		if err := e.provider.DeleteCustomer(ctx, *customer.ProviderCustomerID); err != nil {
			return err
		}
	}

	if err := e.repo.DeleteCustomer(ctx, orgID); err != nil {
		return err
	}
	e.log.Info("organization billing removed", zap.String("org_id", orgID.String()))
	return nil
}
