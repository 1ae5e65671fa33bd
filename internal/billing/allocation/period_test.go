package allocation

import (
	"testing"
	"time"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestCalendarPeriod(t *testing.T) {
	now := time.Date(2025, time.March, 17, 15, 4, 5, 0, time.UTC)
	period := CalendarPeriod(now)

	assert.Equal(t, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), period.Start)
	assert.Equal(t, time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), period.End)
}

func TestResolvePeriod_SubscriptionBoundariesAuthoritative(t *testing.T) {
	start := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	customer := &billingdomain.PaymentCustomer{
		Tier:                     billingdomain.TierIndividual,
		ProviderSubscriptionID:   strPtr("sub_123"),
		SubscriptionSPUAllowance: int64Ptr(500),
		BillingPeriodStart:       timePtr(start),
		BillingPeriodEnd:         timePtr(end),
	}

	period := ResolvePeriod(customer, start.AddDate(0, 0, 5))

	assert.Equal(t, start, period.Start)
	assert.Equal(t, end, period.End)
}

func TestResolvePeriod_RollsForwardPastStoredEnd(t *testing.T) {
	start := time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	customer := &billingdomain.PaymentCustomer{
		Tier:                     billingdomain.TierTeam,
		ProviderSubscriptionID:   strPtr("sub_456"),
		SubscriptionSPUAllowance: int64Ptr(5000),
		BillingPeriodStart:       timePtr(start),
		BillingPeriodEnd:         timePtr(end),
	}

	// Two cycles later; no webhook arrived yet.
	now := time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)
	period := ResolvePeriod(customer, now)

	assert.Equal(t, time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC), period.Start)
	assert.Equal(t, time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC), period.End)
}

func TestResolvePeriod_EnterpriseUsesCalendar(t *testing.T) {
	// Unlimited orgs never hold a remote subscription; stored boundaries,
	// if any, are ignored.
	customer := &billingdomain.PaymentCustomer{
		Tier:               billingdomain.TierEnterprise,
		BillingPeriodStart: timePtr(time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC)),
		BillingPeriodEnd:   timePtr(time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC))}

	now := time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)
	period := ResolvePeriod(customer, now)

	assert.Equal(t, CalendarPeriod(now), period)
}

func TestResolvePeriod_NoSubscriptionUsesCalendar(t *testing.T) {
	customer := &billingdomain.PaymentCustomer{Tier: billingdomain.TierNone}
	now := time.Date(2025, time.June, 2, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, CalendarPeriod(now), ResolvePeriod(customer, now))
}

func TestShouldReset(t *testing.T) {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, ShouldReset(nil, start), "missing stored period always resets")
	assert.True(t, ShouldReset(timePtr(start.AddDate(0, -1, 0)), start))
	assert.False(t, ShouldReset(timePtr(start), start), "same boundary is a no-op")
}
