// Package stripe adapts the Stripe API to the billing provider contract.
// Organizations map to Stripe customers through org_id metadata; that tag is
// what reconciliation diffs against, so every object created here carries it.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/config"
	stripe "github.com/stripe/stripe-go/v81"
	portalsession "github.com/stripe/stripe-go/v81/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/price"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

type Provider struct {
	webhookSecret string
	timeout       time.Duration
	log           *zap.Logger
}

func New(cfg config.Config, log *zap.Logger) *Provider {
	stripe.Key = cfg.Billing.StripeSecretKey
	return &Provider{
		webhookSecret: cfg.Billing.StripeWebhookSecret,
		timeout:       cfg.Billing.ProviderTimeout,
		log:           log.Named("billing.stripe"),
	}
}

func (p *Provider) Enabled() bool { return true }

func (p *Provider) CreateCustomer(ctx context.Context, params billingdomain.CustomerParams) (*billingdomain.ProviderCustomer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	in := &stripe.CustomerParams{
		Name:  stripe.String(params.Name),
		Email: stripe.String(params.Email),
	}
	if params.Description != "" {
		in.Description = stripe.String(params.Description)
	}
	in.Context = ctx
	in.Metadata = map[string]string{"org_id": params.OrgID.String()}

	cust, err := customer.New(in)
	if err != nil {
		return nil, fmt.Errorf("stripe: create customer: %w", err)
	}
	p.log.Info("created customer",
		zap.String("org_id", params.OrgID.String()),
		zap.String("customer_id", cust.ID))
	return mapCustomer(cust), nil
}

func (p *Provider) ModifyCustomer(ctx context.Context, providerCustomerID string, params billingdomain.CustomerParams) (*billingdomain.ProviderCustomer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	in := &stripe.CustomerParams{
		Name:  stripe.String(params.Name),
		Email: stripe.String(params.Email),
	}
	if params.Description != "" {
		in.Description = stripe.String(params.Description)
	}
	in.Context = ctx
	in.Metadata = map[string]string{"org_id": params.OrgID.String()}

	cust, err := customer.Update(providerCustomerID, in)
	if err != nil {
		return nil, fmt.Errorf("stripe: modify customer %s: %w", providerCustomerID, err)
	}
	return mapCustomer(cust), nil
}

// ListCustomers walks every customer the account knows about. Customers that
// carry no org_id tag belong to someone else and are skipped.
func (p *Provider) ListCustomers(ctx context.Context) ([]billingdomain.ProviderCustomer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CustomerListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var customers []billingdomain.ProviderCustomer
	iter := customer.List(params)
	for iter.Next() {
		mapped := mapCustomer(iter.Customer())
		if mapped.OrgID == 0 {
			continue
		}
		customers = append(customers, *mapped)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list customers: %w", err)
	}
	return customers, nil
}

func (p *Provider) SearchCustomersByOrgID(ctx context.Context, orgID snowflake.ID) ([]billingdomain.ProviderCustomer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['org_id']:'%s'", orgID.String()),
			Context: ctx,
		},
	}

	var customers []billingdomain.ProviderCustomer
	iter := customer.Search(params)
	for iter.Next() {
		customers = append(customers, *mapCustomer(iter.Customer()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: search customers for org %s: %w", orgID, err)
	}
	return customers, nil
}

func (p *Provider) DeleteCustomer(ctx context.Context, providerCustomerID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.CustomerParams{}
	params.Context = ctx
	if _, err := customer.Del(providerCustomerID, params); err != nil {
		return fmt.Errorf("stripe: delete customer %s: %w", providerCustomerID, err)
	}
	p.log.Info("deleted customer", zap.String("customer_id", providerCustomerID))
	return nil
}

func (p *Provider) CreateSubscription(ctx context.Context, providerCustomerID, priceID string) (*billingdomain.ProviderSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(providerCustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	params.Context = ctx

	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create subscription: %w", err)
	}
	return mapSubscription(sub), nil
}

func (p *Provider) ModifySubscription(ctx context.Context, subscriptionID, priceID string) (*billingdomain.ProviderSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	current, err := subscription.Get(subscriptionID, getParams)
	if err != nil {
		return nil, fmt.Errorf("stripe: get subscription %s: %w", subscriptionID, err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, billingdomain.ErrSubscriptionNotFound
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx

	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: modify subscription %s: %w", subscriptionID, err)
	}
	return mapSubscription(sub), nil
}

func (p *Provider) ListSubscriptions(ctx context.Context, providerCustomerID string) ([]billingdomain.ProviderSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(providerCustomerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx

	var subs []billingdomain.ProviderSubscription
	iter := subscription.List(params)
	for iter.Next() {
		subs = append(subs, *mapSubscription(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list subscriptions for %s: %w", providerCustomerID, err)
	}
	return subs, nil
}

func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := subscription.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("stripe: cancel subscription %s: %w", subscriptionID, err)
	}
	p.log.Info("canceled subscription", zap.String("subscription_id", subscriptionID))
	return nil
}

func (p *Provider) CreateCheckoutSession(ctx context.Context, params billingdomain.CheckoutParams) (*billingdomain.ProviderCheckoutSession, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	quantity := params.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	in := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(params.Mode)),
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(quantity),
			},
		},
		ClientReferenceID: stripe.String(params.OrgID.String()),
	}
	if params.ProviderCustomerID != "" {
		in.Customer = stripe.String(params.ProviderCustomerID)
	}
	in.Context = ctx
	in.AddMetadata("org_id", params.OrgID.String())
	if params.Mode == billingdomain.CheckoutModePayment {
		in.AddMetadata("credits", strconv.FormatInt(quantity, 10))
	}

	sess, err := checkoutsession.New(in)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &billingdomain.ProviderCheckoutSession{
		ID:   sess.ID,
		URL:  sess.URL,
		Mode: params.Mode,
	}, nil
}

func (p *Provider) CreatePortalSession(ctx context.Context, providerCustomerID, returnURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(providerCustomerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create portal session: %w", err)
	}
	return sess.URL, nil
}

func (p *Provider) VerifyWebhook(payload []byte, signatureHeader string) (*billingdomain.ProviderEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, p.webhookSecret)
	if err != nil {
		return nil, billingdomain.ErrInvalidWebhookSignature
	}

	parsed := &billingdomain.ProviderEvent{
		ID:   event.ID,
		Type: billingdomain.EventIgnored,
		Raw:  payload,
	}

	switch event.Type {
	case "customer.subscription.created":
		parsed.Type = billingdomain.EventSubscriptionCreated
		return parseSubscriptionEvent(parsed, event.Data.Raw)
	case "customer.subscription.updated":
		parsed.Type = billingdomain.EventSubscriptionUpdated
		return parseSubscriptionEvent(parsed, event.Data.Raw)
	case "customer.subscription.deleted":
		parsed.Type = billingdomain.EventSubscriptionDeleted
		return parseSubscriptionEvent(parsed, event.Data.Raw)
	case "checkout.session.completed":
		parsed.Type = billingdomain.EventCheckoutCompleted
		return parseCheckoutEvent(parsed, event.Data.Raw)
	case "invoice.paid":
		parsed.Type = billingdomain.EventInvoicePaid
		return parsed, nil
	default:
		return parsed, nil
	}
}

func (p *Provider) ListPrices(ctx context.Context, productTag string) ([]billingdomain.ProviderPrice, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := &stripe.PriceListParams{
		Active: stripe.Bool(true),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	params.AddExpand("data.product")

	var prices []billingdomain.ProviderPrice
	iter := price.List(params)
	for iter.Next() {
		pr := iter.Price()
		if !priceMatchesProduct(pr, productTag) {
			continue
		}
		prices = append(prices, mapPrice(pr))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list prices: %w", err)
	}
	return prices, nil
}

func priceMatchesProduct(pr *stripe.Price, productTag string) bool {
	if productTag == "" {
		return true
	}
	if pr.Metadata["product"] == productTag {
		return true
	}
	return pr.Product != nil && pr.Product.Metadata["product"] == productTag
}

func mapPrice(pr *stripe.Price) billingdomain.ProviderPrice {
	mapped := billingdomain.ProviderPrice{
		ID:              pr.ID,
		UnitAmountCents: pr.UnitAmount,
		Recurring:       pr.Recurring != nil,
		Tier:            pr.Metadata["tier"],
		Metadata:        pr.Metadata,
	}
	if raw := strings.TrimSpace(pr.Metadata["included_spus"]); raw != "" {
		if spus, err := strconv.ParseInt(raw, 10, 64); err == nil {
			mapped.IncludedSPUs = &spus
		}
	}
	return mapped
}

func mapCustomer(cust *stripe.Customer) *billingdomain.ProviderCustomer {
	mapped := &billingdomain.ProviderCustomer{
		ID:          cust.ID,
		Name:        cust.Name,
		Email:       cust.Email,
		Description: cust.Description,
		Metadata:    cust.Metadata,
	}
	if raw := cust.Metadata["org_id"]; raw != "" {
		if orgID, err := snowflake.ParseString(raw); err == nil {
			mapped.OrgID = orgID
		}
	}
	return mapped
}

func mapSubscription(sub *stripe.Subscription) *billingdomain.ProviderSubscription {
	mapped := &billingdomain.ProviderSubscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		PeriodStart:       time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:         time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		mapped.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		mapped.PriceID = sub.Items.Data[0].Price.ID
	}
	return mapped
}

func parseSubscriptionEvent(parsed *billingdomain.ProviderEvent, raw json.RawMessage) (*billingdomain.ProviderEvent, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("stripe: decode subscription event %s: %w", parsed.ID, err)
	}
	parsed.Subscription = mapSubscription(&sub)
	return parsed, nil
}

func parseCheckoutEvent(parsed *billingdomain.ProviderEvent, raw json.RawMessage) (*billingdomain.ProviderEvent, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("stripe: decode checkout event %s: %w", parsed.ID, err)
	}

	info := &billingdomain.CheckoutInfo{
		SessionID: sess.ID,
		Mode:      billingdomain.CheckoutMode(sess.Mode),
	}
	if sess.Customer != nil {
		info.ProviderCustomerID = sess.Customer.ID
	}

	orgRaw := sess.Metadata["org_id"]
	if orgRaw == "" {
		orgRaw = sess.ClientReferenceID
	}
	if orgRaw != "" {
		if orgID, err := snowflake.ParseString(orgRaw); err == nil {
			info.OrgID = orgID
		}
	}
	if raw := strings.TrimSpace(sess.Metadata["credits"]); raw != "" {
		if credits, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.Credits = credits
		}
	}

	parsed.Checkout = info
	return parsed, nil
}
