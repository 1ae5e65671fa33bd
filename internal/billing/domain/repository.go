package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/pkg/db/pagination"
)

// SubscriptionState is the provider-sourced slice of a payment customer,
// written by reconciliation and webhook ingestion. Remote is authoritative
// for these fields; local is authoritative for identity.
type SubscriptionState struct {
	Tier                   Tier
	Allowance              *int64
	ProviderSubscriptionID *string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
}

// Repository is the credit ledger store. Balance mutation happens through
// atomic field-scoped increments; whole-record overwrites of pool counters
// are not part of this contract.
type Repository interface {
	// EnsureCustomer lazily creates the per-org balance row and returns it.
	// Concurrent calls for the same org converge on one row.
	EnsureCustomer(ctx context.Context, orgID snowflake.ID) (*PaymentCustomer, error)
	FindCustomer(ctx context.Context, orgID snowflake.ID) (*PaymentCustomer, error)
	FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*PaymentCustomer, error)
	ListCustomers(ctx context.Context) ([]PaymentCustomer, error)

	// ApplyUsage commits an allocation and its audit records in one
	// transaction. Pool counters advance via atomic increments; the update
	// carries WHERE guards on remaining purchased/granted balance and
	// fails with ErrStaleBalance when the snapshot the allocation was
	// computed from went stale.
	ApplyUsage(ctx context.Context, orgID snowflake.ID, alloc Allocation, records []*UsageRecord) error

	// ResetPeriod rolls the billing period forward. The update only fires
	// when the stored period start differs from newStart, which makes it
	// idempotent and the reset exactly-once per boundary. zeroUsed controls
	// whether subscription_spus_used is cleared (finite allowances only).
	ResetPeriod(ctx context.Context, orgID snowflake.ID, newStart, newEnd time.Time, zeroUsed bool) (bool, error)

	AddGrantedCredits(ctx context.Context, orgID snowflake.ID, credits int64) error

	// AddPurchasedCredits applies a purchase at most once per session ID.
	// Returns false when the session was already recorded.
	AddPurchasedCredits(ctx context.Context, orgID snowflake.ID, credits int64, sessionID string) (bool, error)

	UpdateSubscriptionState(ctx context.Context, orgID snowflake.ID, state SubscriptionState) error
	SetProviderCustomerID(ctx context.Context, orgID snowflake.ID, providerCustomerID string) error
	// SetPortalEnabled flips the monotonic portal flag to true.
	SetPortalEnabled(ctx context.Context, orgID snowflake.ID) error
	DeleteCustomer(ctx context.Context, orgID snowflake.ID) error

	// InsertEvent conditionally inserts a webhook idempotency record.
	// Returns false when the provider event ID was already recorded.
	InsertEvent(ctx context.Context, event *BillingEvent) (bool, error)
	FindEvent(ctx context.Context, providerEventID string) (*BillingEvent, error)
	MarkEventProcessed(ctx context.Context, id snowflake.ID, at time.Time) error

	SumUsage(ctx context.Context, orgID snowflake.ID, operation string, from, to time.Time) (int64, error)
	UsageByDay(ctx context.Context, orgID snowflake.ID, from, to time.Time) ([]UsageDay, error)

	// ListUsageRecords pages through the audit trail, newest first.
	ListUsageRecords(ctx context.Context, orgID snowflake.ID, page pagination.Pagination) ([]UsageRecord, pagination.PageInfo, error)
}
