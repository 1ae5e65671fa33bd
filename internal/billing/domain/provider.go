package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CheckoutMode mirrors the provider checkout modes we use.
type CheckoutMode string

const (
	CheckoutModePayment      CheckoutMode = "payment"
	CheckoutModeSubscription CheckoutMode = "subscription"
)

// EventType is the provider-neutral classification of a billing event.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription_created"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventInvoicePaid         EventType = "invoice_paid"
	EventIgnored             EventType = "ignored"
)

// ProviderCustomer is the remote customer object, tagged with the owning org
// through metadata.
type ProviderCustomer struct {
	ID          string
	OrgID       snowflake.ID
	Name        string
	Email       string
	Description string
	Metadata    map[string]string
}

// CustomerParams carries the local identity fields pushed to the provider.
type CustomerParams struct {
	OrgID       snowflake.ID
	Name        string
	Email       string
	Description string
}

// ProviderSubscription is the remote subscription object; its period
// boundaries are authoritative for subscribed tiers.
type ProviderSubscription struct {
	ID                string
	CustomerID        string
	PriceID           string
	Status            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

func (s ProviderSubscription) Active() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// CheckoutParams opens a hosted checkout session.
type CheckoutParams struct {
	OrgID              snowflake.ID
	ProviderCustomerID string
	Mode               CheckoutMode
	PriceID            string
	Quantity           int64
	SuccessURL         string
	CancelURL          string
}

type ProviderCheckoutSession struct {
	ID   string       `json:"id"`
	URL  string       `json:"url"`
	Mode CheckoutMode `json:"mode"`
}

// CheckoutInfo is the parsed payload of a checkout-completed event.
type CheckoutInfo struct {
	SessionID          string
	Mode               CheckoutMode
	ProviderCustomerID string
	OrgID              snowflake.ID
	Credits            int64
}

// ProviderPrice is one entry of the provider's price catalog, filtered by
// the configured product tag.
type ProviderPrice struct {
	ID              string
	UnitAmountCents int64
	Recurring       bool
	Tier            string
	IncludedSPUs    *int64
	Metadata        map[string]string
}

// ProviderEvent is a verified, parsed billing event.
type ProviderEvent struct {
	ID           string
	Type         EventType
	Raw          []byte
	Subscription *ProviderSubscription
	Checkout     *CheckoutInfo
}

// BillingProvider abstracts the external billing authority. All operations
// are remote and wrapped with explicit timeouts by implementations. A
// disabled implementation stands in when billing is not configured, so call
// sites never branch on a nullable global.
type BillingProvider interface {
	Enabled() bool

	CreateCustomer(ctx context.Context, params CustomerParams) (*ProviderCustomer, error)
	ModifyCustomer(ctx context.Context, providerCustomerID string, params CustomerParams) (*ProviderCustomer, error)
	ListCustomers(ctx context.Context) ([]ProviderCustomer, error)
	SearchCustomersByOrgID(ctx context.Context, orgID snowflake.ID) ([]ProviderCustomer, error)
	DeleteCustomer(ctx context.Context, providerCustomerID string) error

	CreateSubscription(ctx context.Context, providerCustomerID, priceID string) (*ProviderSubscription, error)
	ModifySubscription(ctx context.Context, subscriptionID, priceID string) (*ProviderSubscription, error)
	ListSubscriptions(ctx context.Context, providerCustomerID string) ([]ProviderSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error

	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*ProviderCheckoutSession, error)
	CreatePortalSession(ctx context.Context, providerCustomerID, returnURL string) (string, error)

	// VerifyWebhook authenticates and parses a raw delivery. It fails
	// closed: a bad signature returns ErrInvalidWebhookSignature and no
	// event.
	VerifyWebhook(payload []byte, signatureHeader string) (*ProviderEvent, error)

	ListPrices(ctx context.Context, productTag string) ([]ProviderPrice, error)
}
