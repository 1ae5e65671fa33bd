// Package providers selects the billing provider implementation.
package providers

import (
	"context"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
)

// Disabled is the provider used when no billing credentials are configured.
// Local accounting keeps working (grants, usage metering); every remote
// operation fails with ErrBillingDisabled. Call sites check Enabled() when
// they want to skip remote work instead of surfacing the error.
type Disabled struct{}

func NewDisabled() *Disabled { return &Disabled{} }

func (Disabled) Enabled() bool { return false }

func (Disabled) CreateCustomer(context.Context, billingdomain.CustomerParams) (*billingdomain.ProviderCustomer, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) ModifyCustomer(context.Context, string, billingdomain.CustomerParams) (*billingdomain.ProviderCustomer, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) ListCustomers(context.Context) ([]billingdomain.ProviderCustomer, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) SearchCustomersByOrgID(context.Context, snowflake.ID) ([]billingdomain.ProviderCustomer, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) DeleteCustomer(context.Context, string) error {
	return billingdomain.ErrBillingDisabled
}

func (Disabled) CreateSubscription(context.Context, string, string) (*billingdomain.ProviderSubscription, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) ModifySubscription(context.Context, string, string) (*billingdomain.ProviderSubscription, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) ListSubscriptions(context.Context, string) ([]billingdomain.ProviderSubscription, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) CancelSubscription(context.Context, string) error {
	return billingdomain.ErrBillingDisabled
}

func (Disabled) CreateCheckoutSession(context.Context, billingdomain.CheckoutParams) (*billingdomain.ProviderCheckoutSession, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) CreatePortalSession(context.Context, string, string) (string, error) {
	return "", billingdomain.ErrBillingDisabled
}

func (Disabled) VerifyWebhook([]byte, string) (*billingdomain.ProviderEvent, error) {
	return nil, billingdomain.ErrBillingDisabled
}

func (Disabled) ListPrices(context.Context, string) ([]billingdomain.ProviderPrice, error) {
	return nil, billingdomain.ErrBillingDisabled
}
