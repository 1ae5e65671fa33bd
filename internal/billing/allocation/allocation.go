// Package allocation holds the pure accounting arithmetic: pool allocation
// and billing-period resolution. Nothing here touches the store or the
// provider, which keeps the invariants unit-testable in isolation.
package allocation

import (
	billingdomain "github.com/docuply/backend/internal/billing/domain"
)

// Allocate splits a usage request across credit pools in fixed order:
// subscription allowance remainder, then purchased credits, then granted
// credits, then paid overage. It never fails; for bounded tiers a non-zero
// FromPaid means the caller should already have rejected the request.
func Allocate(spus int64, balances billingdomain.Balances) billingdomain.Allocation {
	if spus <= 0 {
		return billingdomain.Allocation{}
	}

	var alloc billingdomain.Allocation
	remaining := spus

	alloc.FromSubscription = min64(remaining, balances.SubscriptionRemaining())
	remaining -= alloc.FromSubscription

	alloc.FromPurchased = min64(remaining, balances.PurchasedRemaining())
	remaining -= alloc.FromPurchased

	alloc.FromGranted = min64(remaining, balances.GrantedRemaining())
	remaining -= alloc.FromGranted

	alloc.FromPaid = remaining

	return alloc
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
