// Package domain contains the credit ledger data model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Tier is the subscription tier of an organization. It is a closed set; call
// sites branch through the methods below, never through string comparison.
type Tier string

const (
	TierNone       Tier = "none"
	TierIndividual Tier = "individual"
	TierTeam       Tier = "team"
	TierEnterprise Tier = "enterprise"
)

// Unlimited reports whether the tier bypasses overage blocking. Unlimited
// organizations never hold a remote subscription; their usage past the credit
// pools is metered as paid overage instead of being rejected.
func (t Tier) Unlimited() bool { return t == TierEnterprise }

// Subscribed reports whether the tier is backed by a remote subscription.
func (t Tier) Subscribed() bool { return t == TierIndividual || t == TierTeam }

func (t Tier) Valid() bool {
	switch t {
	case TierNone, TierIndividual, TierTeam, TierEnterprise:
		return true
	default:
		return false
	}
}

// PaymentCustomer is the per-organization balance record; the single source
// of truth for local accounting state. One row per org.
type PaymentCustomer struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID                  snowflake.ID `gorm:"not null;uniqueIndex:ux_payment_customers_org" json:"org_id"`
	ProviderCustomerID     *string      `gorm:"type:text;index" json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID *string      `gorm:"type:text" json:"provider_subscription_id,omitempty"`
	Tier                   Tier         `gorm:"type:text;not null;default:'none'" json:"tier"`

	// SubscriptionSPUAllowance is the per-period included allowance; nil
	// means the tier carries no metered subscription pool.
	SubscriptionSPUAllowance *int64 `gorm:"column:subscription_spu_allowance" json:"subscription_spu_allowance,omitempty"`
	SubscriptionSPUsUsed     int64  `gorm:"column:subscription_spus_used;not null;default:0" json:"subscription_spus_used"`

	// Purchased and granted pools are monotonically increasing and never
	// reset on period rollover.
	PurchasedCredits     int64 `gorm:"not null;default:0" json:"purchased_credits"`
	PurchasedCreditsUsed int64 `gorm:"not null;default:0" json:"purchased_credits_used"`
	GrantedCredits       int64 `gorm:"not null;default:0" json:"granted_credits"`
	GrantedCreditsUsed   int64 `gorm:"not null;default:0" json:"granted_credits_used"`

	BillingPeriodStart *time.Time `gorm:"" json:"billing_period_start,omitempty"`
	BillingPeriodEnd   *time.Time `gorm:"" json:"billing_period_end,omitempty"`

	// PortalEnabled is monotonic: once an org has visited the billing
	// portal it never reverts.
	PortalEnabled bool `gorm:"not null;default:false" json:"portal_enabled"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (PaymentCustomer) TableName() string { return "payment_customers" }

// Balances returns the pool snapshot used for allocation decisions. The
// snapshot is advisory; commits go through atomic increments.
func (c *PaymentCustomer) Balances() Balances {
	return Balances{
		Unlimited:             c.Tier.Unlimited(),
		SubscriptionAllowance: c.SubscriptionSPUAllowance,
		SubscriptionUsed:      c.SubscriptionSPUsUsed,
		PurchasedCredits:      c.PurchasedCredits,
		PurchasedUsed:         c.PurchasedCreditsUsed,
		GrantedCredits:        c.GrantedCredits,
		GrantedUsed:           c.GrantedCreditsUsed,
	}
}

// HasActiveSubscription reports whether a remote subscription backs this
// customer.
func (c *PaymentCustomer) HasActiveSubscription() bool {
	return c.ProviderSubscriptionID != nil && *c.ProviderSubscriptionID != "" && c.Tier.Subscribed()
}

// Balances is a point-in-time snapshot of an organization's credit pools.
type Balances struct {
	Unlimited             bool
	SubscriptionAllowance *int64
	SubscriptionUsed      int64
	PurchasedCredits      int64
	PurchasedUsed         int64
	GrantedCredits        int64
	GrantedUsed           int64
}

// SubscriptionRemaining is the unconsumed part of the period allowance. A nil
// allowance has no metered subscription pool and contributes zero.
func (b Balances) SubscriptionRemaining() int64 {
	if b.SubscriptionAllowance == nil {
		return 0
	}
	remaining := *b.SubscriptionAllowance - b.SubscriptionUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b Balances) PurchasedRemaining() int64 {
	remaining := b.PurchasedCredits - b.PurchasedUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b Balances) GrantedRemaining() int64 {
	remaining := b.GrantedCredits - b.GrantedUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// TotalRemaining sums the three metered pools.
func (b Balances) TotalRemaining() int64 {
	return b.SubscriptionRemaining() + b.PurchasedRemaining() + b.GrantedRemaining()
}

// Allocation is how a usage request splits across pools. The four fields
// always sum to the requested SPUs.
type Allocation struct {
	FromSubscription int64 `json:"from_subscription"`
	FromPurchased    int64 `json:"from_purchased"`
	FromGranted      int64 `json:"from_granted"`
	FromPaid         int64 `json:"from_paid"`
}

func (a Allocation) Total() int64 {
	return a.FromSubscription + a.FromPurchased + a.FromGranted + a.FromPaid
}

// Usage operations recorded in the audit trail.
const (
	OperationDocumentProcessing = "document_processing"
	OperationPaidUsage          = "paid_usage"
)

// UsageRecord is the append-only audit entry for one usage event. Rows are
// never mutated after insert.
type UsageRecord struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID `gorm:"not null;index:ix_usage_records_org_recorded,priority:1" json:"org_id"`
	SPUs       int64        `gorm:"column:spus;not null" json:"spus"`
	Operation  string       `gorm:"type:text;not null" json:"operation"`
	Source     string       `gorm:"type:text" json:"source"`
	RecordedAt time.Time    `gorm:"not null;index:ix_usage_records_org_recorded,priority:2" json:"recorded_at"`

	// Optional LLM metrics for extraction operations.
	LLMProvider  *string  `gorm:"type:text;column:llm_provider" json:"llm_provider,omitempty"`
	LLMModel     *string  `gorm:"type:text;column:llm_model" json:"llm_model,omitempty"`
	InputTokens  *int64   `gorm:"" json:"input_tokens,omitempty"`
	OutputTokens *int64   `gorm:"" json:"output_tokens,omitempty"`
	CostUSD      *float64 `gorm:"column:cost_usd" json:"cost_usd,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// CreditTransaction is the idempotency record for credit purchases. The
// checkout session ID is the idempotency key: a purchase is applied to the
// ledger iff no transaction with that session exists yet.
type CreditTransaction struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	SessionID string       `gorm:"type:text;not null;uniqueIndex:ux_credit_transactions_session" json:"session_id"`
	OrgID     snowflake.ID `gorm:"not null;index" json:"org_id"`
	Credits   int64        `gorm:"not null" json:"credits"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// BillingEvent is the idempotency record for provider webhooks. Providers
// retry deliveries, so an event is applied iff its provider event ID has not
// been recorded, or was recorded but never marked processed.
type BillingEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey" json:"id"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex:ux_billing_events_provider_event" json:"provider_event_id"`
	Type            string         `gorm:"type:text;not null" json:"type"`
	Payload         datatypes.JSON `gorm:"type:jsonb" json:"payload"`
	ReceivedAt      time.Time      `gorm:"not null" json:"received_at"`
	ProcessedAt     *time.Time     `gorm:"" json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

func (e *BillingEvent) Processed() bool { return e.ProcessedAt != nil }
