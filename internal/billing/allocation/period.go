package allocation

import (
	"time"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
)

// Period is one billing window.
type Period struct {
	Start time.Time
	End   time.Time
}

// CalendarPeriod synthesizes the calendar-month window containing now. Used
// when no remote subscription exists; enterprise organizations always fall
// back here because they never hold a remote subscription.
func CalendarPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// ResolvePeriod computes the billing period a usage event at now belongs to.
// Stored subscription boundaries are authoritative while now falls inside
// them; once now passes the stored end the window rolls forward in whole
// cycles until it contains now (the next webhook or sync overwrites these
// with provider truth). Without a subscription the calendar month applies.
func ResolvePeriod(customer *billingdomain.PaymentCustomer, now time.Time) Period {
	now = now.UTC()

	if customer.Tier.Unlimited() || !customer.HasActiveSubscription() ||
		customer.BillingPeriodStart == nil || customer.BillingPeriodEnd == nil {
		return CalendarPeriod(now)
	}

	start := customer.BillingPeriodStart.UTC()
	end := customer.BillingPeriodEnd.UTC()
	if !end.After(start) {
		return CalendarPeriod(now)
	}

	for !now.Before(end) {
		start = end
		end = nextCycleEnd(start, *customer.BillingPeriodStart, *customer.BillingPeriodEnd)
	}
	if now.Before(start) {
		// Clock skew against provider-reported boundaries; keep the
		// stored window rather than inventing an earlier one.
		start = customer.BillingPeriodStart.UTC()
		end = customer.BillingPeriodEnd.UTC()
	}

	return Period{Start: start, End: end}
}

// nextCycleEnd advances one subscription cycle. Month-aligned cycles stay
// month-aligned; anything else repeats the original duration.
func nextCycleEnd(start, origStart, origEnd time.Time) time.Time {
	if origStart.AddDate(0, 1, 0).Equal(origEnd) {
		return start.AddDate(0, 1, 0)
	}
	return start.Add(origEnd.Sub(origStart))
}

// ShouldReset reports whether the stored period start differs from the newly
// resolved one. Calling reset twice with the same start is a no-op because
// the first reset stored it.
func ShouldReset(stored *time.Time, newStart time.Time) bool {
	if stored == nil {
		return true
	}
	return !stored.UTC().Equal(newStart.UTC())
}
