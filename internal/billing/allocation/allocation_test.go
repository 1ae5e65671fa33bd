package allocation

import (
	"testing"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/stretchr/testify/assert"
)

func int64Ptr(v int64) *int64 { return &v }

func TestAllocate_Ordering(t *testing.T) {
	tests := []struct {
		name     string
		spus     int64
		balances billingdomain.Balances
		want     billingdomain.Allocation
	}{
		{
			name: "subscription covers everything",
			spus: 10,
			balances: billingdomain.Balances{
				SubscriptionAllowance: int64Ptr(100),
				PurchasedCredits:      50,
				GrantedCredits:        50,
			},
			want: billingdomain.Allocation{FromSubscription: 10},
		},
		{
			name: "spills into purchased before granted",
			spus: 30,
			balances: billingdomain.Balances{
				SubscriptionAllowance: int64Ptr(100),
				SubscriptionUsed:      90,
				PurchasedCredits:      20,
				PurchasedUsed:         5,
				GrantedCredits:        40,
			},
			want: billingdomain.Allocation{FromSubscription: 10, FromPurchased: 15, FromGranted: 5},
		},
		{
			name: "granted drained before paid",
			spus: 25,
			balances: billingdomain.Balances{
				SubscriptionAllowance: int64Ptr(10),
				SubscriptionUsed:      10,
				GrantedCredits:        20,
				GrantedUsed:           5,
			},
			want: billingdomain.Allocation{FromGranted: 15, FromPaid: 10},
		},
		{
			name:     "no pools at all lands in paid",
			spus:     7,
			balances: billingdomain.Balances{},
			want:     billingdomain.Allocation{FromPaid: 7},
		},
		{
			name: "nil allowance contributes no subscription pool",
			spus: 12,
			balances: billingdomain.Balances{
				Unlimited:        true,
				PurchasedCredits: 4,
			},
			want: billingdomain.Allocation{FromPurchased: 4, FromPaid: 8},
		},
		{
			name: "allowance already overdrawn counts as zero",
			spus: 5,
			balances: billingdomain.Balances{
				SubscriptionAllowance: int64Ptr(10),
				SubscriptionUsed:      15,
				PurchasedCredits:      5,
			},
			want: billingdomain.Allocation{FromPurchased: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(tt.spus, tt.balances)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.spus, got.Total(), "allocation must sum to input")
		})
	}
}

// The worked example from the product docs: allowance 100 with 90 used,
// purchased 20 with 5 used, granted pool empty, bounded tier.
func TestAllocate_WorkedExample(t *testing.T) {
	balances := billingdomain.Balances{
		SubscriptionAllowance: int64Ptr(100),
		SubscriptionUsed:      90,
		PurchasedCredits:      20,
		PurchasedUsed:         5,
	}

	got := Allocate(30, balances)

	assert.Equal(t, int64(10), got.FromSubscription)
	assert.Equal(t, int64(15), got.FromPurchased)
	assert.Equal(t, int64(0), got.FromGranted)
	assert.Equal(t, int64(5), got.FromPaid)
}

func TestAllocate_SumsToInput(t *testing.T) {
	balances := []billingdomain.Balances{
		{},
		{SubscriptionAllowance: int64Ptr(1)},
		{SubscriptionAllowance: int64Ptr(100), SubscriptionUsed: 37, PurchasedCredits: 11, GrantedCredits: 3},
		{PurchasedCredits: 1000, PurchasedUsed: 999, GrantedCredits: 2},
		{Unlimited: true, GrantedCredits: 50, GrantedUsed: 49},
	}

	for _, b := range balances {
		for _, spus := range []int64{1, 2, 10, 99, 12345} {
			got := Allocate(spus, b)
			assert.Equal(t, spus, got.Total())
			assert.GreaterOrEqual(t, got.FromSubscription, int64(0))
			assert.GreaterOrEqual(t, got.FromPurchased, int64(0))
			assert.GreaterOrEqual(t, got.FromGranted, int64(0))
			assert.GreaterOrEqual(t, got.FromPaid, int64(0))
			assert.LessOrEqual(t, got.FromPurchased, b.PurchasedRemaining())
			assert.LessOrEqual(t, got.FromGranted, b.GrantedRemaining())
		}
	}
}

func TestAllocate_NonPositive(t *testing.T) {
	assert.Equal(t, billingdomain.Allocation{}, Allocate(0, billingdomain.Balances{PurchasedCredits: 10}))
	assert.Equal(t, billingdomain.Allocation{}, Allocate(-3, billingdomain.Balances{PurchasedCredits: 10}))
}
