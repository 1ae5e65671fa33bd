package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/pkg/db/pagination"
)

var (
	ErrInvalidOrganization         = errors.New("invalid_organization")
	ErrInvalidSPUs                 = errors.New("invalid_spus")
	ErrInvalidCredits              = errors.New("invalid_credits")
	ErrInvalidTier                 = errors.New("invalid_tier")
	ErrInvalidSession              = errors.New("invalid_session")
	ErrInvalidPeriod               = errors.New("invalid_period")
	ErrCustomerNotFound            = errors.New("customer_not_found")
	ErrSubscriptionNotFound        = errors.New("subscription_not_found")
	ErrSubscriptionActive          = errors.New("subscription_active")
	ErrMultipleActiveSubscriptions = errors.New("multiple_active_subscriptions_detected")
	ErrBillingDisabled             = errors.New("billing_disabled")
	ErrStaleBalance                = errors.New("stale_balance")
	ErrInvalidWebhookSignature     = errors.New("invalid_webhook_signature")
	ErrProviderUnavailable         = errors.New("provider_unavailable")
	ErrPurchaseOutOfBounds         = errors.New("purchase_out_of_bounds")
	ErrPriceNotFound               = errors.New("price_not_found")
)

// InsufficientCreditsError is surfaced to the caller as a payment-required
// condition, never silently downgraded.
type InsufficientCreditsError struct {
	OrgID     snowflake.ID
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: org %s requires %d, has %d", e.OrgID, e.Required, e.Available)
}

// RecordUsageRequest describes one metered usage event.
type RecordUsageRequest struct {
	OrgID      snowflake.ID
	SPUs       int64
	Operation  string
	Source     string
	RecordedAt time.Time

	LLMProvider  string
	LLMModel     string
	InputTokens  *int64
	OutputTokens *int64
	CostUSD      *float64
}

// CheckLimitResult is the read-only admission decision. When Allowed is
// false, Required and Available let the caller render an "insufficient
// credits, need X more" error.
type CheckLimitResult struct {
	Allowed   bool  `json:"allowed"`
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
	Unlimited bool  `json:"unlimited"`
}

// CurrentUsage is the pool snapshot exposed to the dashboard.
type CurrentUsage struct {
	OrgID                 snowflake.ID `json:"org_id"`
	Tier                  Tier         `json:"tier"`
	SubscriptionAllowance *int64       `json:"subscription_spu_allowance,omitempty"`
	SubscriptionUsed      int64        `json:"subscription_spus_used"`
	PurchasedRemaining    int64        `json:"purchased_remaining"`
	GrantedRemaining      int64        `json:"granted_remaining"`
	TotalRemaining        int64        `json:"total_remaining"`
	PaidSPUsThisPeriod    int64        `json:"paid_spus_this_period"`
	PeriodStart           *time.Time   `json:"period_start,omitempty"`
	PeriodEnd             *time.Time   `json:"period_end,omitempty"`
}

// UsageDay is one day bucket in a usage range query.
type UsageDay struct {
	Day  time.Time `json:"day"`
	SPUs int64     `json:"spus"`
}

// SubscriptionInfo mirrors the provider-side subscription state.
type SubscriptionInfo struct {
	Tier              Tier       `json:"tier"`
	Allowance         *int64     `json:"allowance,omitempty"`
	Active            bool       `json:"active"`
	PeriodStart       *time.Time `json:"period_start,omitempty"`
	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	PortalEnabled     bool       `json:"portal_enabled"`
	ProviderCustomer  string     `json:"provider_customer_id,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
}

// CheckoutRequest opens a provider checkout session. Payment mode purchases
// credits; subscription mode starts a plan.
type CheckoutRequest struct {
	OrgID   snowflake.ID
	Mode    CheckoutMode
	Tier    Tier  // subscription mode
	Credits int64 // payment mode
}

// ApplyPurchaseRequest credits the purchased pool, gated by the checkout
// session idempotency key.
type ApplyPurchaseRequest struct {
	OrgID     snowflake.ID
	SessionID string
	Credits   int64
}

type Service interface {
	// CheckLimit decides whether the organization may consume spus more
	// units right now. The decision is best-effort under races; the commit
	// path stays correct regardless.
	CheckLimit(ctx context.Context, orgID snowflake.ID, spus int64) (CheckLimitResult, error)

	// Record meters one usage event: rollover, allocation, atomic commit,
	// audit append.
	Record(ctx context.Context, req RecordUsageRequest) (Allocation, error)

	AddGrantedCredits(ctx context.Context, orgID snowflake.ID, credits int64) error

	// ApplyPurchase credits the purchased pool at most once per session ID.
	// Returns false when the session was already applied.
	ApplyPurchase(ctx context.Context, req ApplyPurchaseRequest) (bool, error)

	GetCurrentUsage(ctx context.Context, orgID snowflake.ID) (CurrentUsage, error)
	GetUsageRange(ctx context.Context, orgID snowflake.ID, from, to time.Time) ([]UsageDay, error)
	GetUsageRecords(ctx context.Context, orgID snowflake.ID, page pagination.Pagination) ([]UsageRecord, pagination.PageInfo, error)

	GetSubscriptionInfo(ctx context.Context, orgID snowflake.ID) (SubscriptionInfo, error)
	ActivateSubscription(ctx context.Context, orgID snowflake.ID, tier Tier) (SubscriptionInfo, error)
	CancelSubscription(ctx context.Context, orgID snowflake.ID) error

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*ProviderCheckoutSession, error)
	CreatePortalSession(ctx context.Context, orgID snowflake.ID) (string, error)
}
