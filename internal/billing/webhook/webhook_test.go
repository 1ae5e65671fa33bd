package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/internal/billing/catalog"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/billing/reconcile"
	billingrepo "github.com/docuply/backend/internal/billing/repository"
	billingservice "github.com/docuply/backend/internal/billing/service"
	"github.com/docuply/backend/internal/clock"
	"github.com/docuply/backend/internal/config"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Mocks --

type providerMock struct {
	mock.Mock
}

func (m *providerMock) Enabled() bool { return true }

func (m *providerMock) CreateCustomer(ctx context.Context, params billingdomain.CustomerParams) (*billingdomain.ProviderCustomer, error) {
	return nil, nil
}

func (m *providerMock) ModifyCustomer(ctx context.Context, id string, params billingdomain.CustomerParams) (*billingdomain.ProviderCustomer, error) {
	return nil, nil
}

func (m *providerMock) ListCustomers(ctx context.Context) ([]billingdomain.ProviderCustomer, error) {
	return nil, nil
}

func (m *providerMock) SearchCustomersByOrgID(ctx context.Context, orgID snowflake.ID) ([]billingdomain.ProviderCustomer, error) {
	args := m.Called(ctx, orgID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billingdomain.ProviderCustomer), args.Error(1)
}

func (m *providerMock) DeleteCustomer(ctx context.Context, id string) error { return nil }

func (m *providerMock) CreateSubscription(ctx context.Context, customerID, priceID string) (*billingdomain.ProviderSubscription, error) {
	return nil, nil
}

func (m *providerMock) ModifySubscription(ctx context.Context, subID, priceID string) (*billingdomain.ProviderSubscription, error) {
	return nil, nil
}

func (m *providerMock) ListSubscriptions(ctx context.Context, customerID string) ([]billingdomain.ProviderSubscription, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billingdomain.ProviderSubscription), args.Error(1)
}

func (m *providerMock) CancelSubscription(ctx context.Context, subID string) error { return nil }

func (m *providerMock) CreateCheckoutSession(ctx context.Context, params billingdomain.CheckoutParams) (*billingdomain.ProviderCheckoutSession, error) {
	return nil, nil
}

func (m *providerMock) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "", nil
}

func (m *providerMock) VerifyWebhook(payload []byte, sig string) (*billingdomain.ProviderEvent, error) {
	args := m.Called(payload, sig)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billingdomain.ProviderEvent), args.Error(1)
}

func (m *providerMock) ListPrices(ctx context.Context, productTag string) ([]billingdomain.ProviderPrice, error) {
	args := m.Called(ctx, productTag)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billingdomain.ProviderPrice), args.Error(1)
}

type orgsMock struct {
	mock.Mock
}

func (m *orgsMock) GetByID(ctx context.Context, id snowflake.ID) (orgdomain.Organization, error) {
	return orgdomain.Organization{ID: id, Name: "Org"}, nil
}

func (m *orgsMock) List(ctx context.Context) ([]orgdomain.Organization, error) {
	return nil, nil
}

// -- Fixture --

func int64Ptr(v int64) *int64 { return &v }

type fixture struct {
	ingestor *Ingestor
	repo     billingdomain.Repository
	cat      *catalog.Catalog
	node     *snowflake.Node
	orgID    snowflake.ID
}

func newFixture(t *testing.T, provider billingdomain.BillingProvider) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(
		&billingdomain.PaymentCustomer{},
		&billingdomain.UsageRecord{},
		&billingdomain.CreditTransaction{},
		&billingdomain.BillingEvent{},
	); err != nil {
		t.Fatal(err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	repo := billingrepo.New(db, node)

	holder, err := config.NewBillingConfigHolder()
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{Billing: config.BillingEnv{ProductTag: "docuply"}}
	cat := catalog.New(cfg, holder, provider, zap.NewNop())
	fake := clock.NewFakeClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))

	svc := billingservice.NewService(billingservice.ServiceParam{
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Repo:     repo,
		Provider: provider,
		Catalog:  cat,
		Orgs:     &orgsMock{},
		Clock:    fake,
		GenID:    node,
	})
	engine := reconcile.NewEngine(reconcile.EngineParam{
		Log:      zap.NewNop(),
		Repo:     repo,
		Provider: provider,
		Catalog:  cat,
		Orgs:     &orgsMock{},
	})

	ingestor := NewIngestor(IngestorParam{
		Log:       zap.NewNop(),
		Repo:      repo,
		Provider:  provider,
		Catalog:   cat,
		Billing:   svc,
		Reconcile: engine,
		Clock:     fake,
	})

	return &fixture{
		ingestor: ingestor,
		repo:     repo,
		cat:      cat,
		node:     node,
		orgID:    node.Generate(),
	}
}

func (f *fixture) refreshCatalog(t *testing.T, provider *providerMock) {
	t.Helper()
	provider.On("ListPrices", mock.Anything, "docuply").Return([]billingdomain.ProviderPrice{
		{ID: "price_team", Recurring: true, Tier: "team", IncludedSPUs: int64Ptr(5000)},
	}, nil)
	if err := f.cat.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// -- Tests --

func TestHandleWebhook_BadSignatureFailsClosed(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)

	provider.On("VerifyWebhook", mock.Anything, "bad").
		Return(nil, billingdomain.ErrInvalidWebhookSignature)

	err := f.ingestor.HandleWebhook(context.Background(), []byte(`{}`), "bad")
	assert.ErrorIs(t, err, billingdomain.ErrInvalidWebhookSignature)

	// Nothing was recorded.
	event, err := f.repo.FindEvent(context.Background(), "evt_any")
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestHandleWebhook_PurchaseAppliedOncePerSession(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_purchase"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_purchase",
		Type: billingdomain.EventCheckoutCompleted,
		Raw:  payload,
		Checkout: &billingdomain.CheckoutInfo{
			SessionID:          "cs_1",
			Mode:               billingdomain.CheckoutModePayment,
			ProviderCustomerID: "cus_1",
			OrgID:              f.orgID,
			Credits:            500,
		},
	}, nil)

	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Equal(t, int64(500), customer.PurchasedCredits)

	// Provider retries the same delivery: acknowledged, nothing changes.
	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	customer, err = f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Equal(t, int64(500), customer.PurchasedCredits)

	event, err := f.repo.FindEvent(ctx, "evt_purchase")
	assert.NoError(t, err)
	assert.True(t, event.Processed())
}

func TestHandleWebhook_PurchaseWithoutCreditsAcknowledged(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()

	_, err := f.repo.EnsureCustomer(ctx, f.orgID)
	assert.NoError(t, err)

	payload := []byte(`{"id":"evt_zero"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_zero",
		Type: billingdomain.EventCheckoutCompleted,
		Raw:  payload,
		Checkout: &billingdomain.CheckoutInfo{
			SessionID: "cs_zero",
			Mode:      billingdomain.CheckoutModePayment,
			OrgID:     f.orgID,
		},
	}, nil)

	// No credits metadata on the session; rejecting would make the
	// provider redeliver the same broken event forever.
	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	event, err := f.repo.FindEvent(ctx, "evt_zero")
	assert.NoError(t, err)
	assert.True(t, event.Processed())

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Zero(t, customer.PurchasedCredits)
}

func TestHandleWebhook_SubscriptionCheckoutSyncsState(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()
	f.refreshCatalog(t, provider)

	start := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	provider.On("ListSubscriptions", mock.Anything, "cus_1").
		Return([]billingdomain.ProviderSubscription{
			{ID: "sub_1", CustomerID: "cus_1", PriceID: "price_team", Status: "active", PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)},
		}, nil)

	payload := []byte(`{"id":"evt_sub_checkout"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_sub_checkout",
		Type: billingdomain.EventCheckoutCompleted,
		Raw:  payload,
		Checkout: &billingdomain.CheckoutInfo{
			SessionID:          "cs_sub",
			Mode:               billingdomain.CheckoutModeSubscription,
			ProviderCustomerID: "cus_1",
			OrgID:              f.orgID,
		},
	}, nil)

	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Equal(t, billingdomain.TierTeam, customer.Tier)
	assert.Equal(t, int64(5000), *customer.SubscriptionSPUAllowance)
	assert.Equal(t, "sub_1", *customer.ProviderSubscriptionID)
}

func TestHandleWebhook_SubscriptionUpdatedWritesState(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()
	f.refreshCatalog(t, provider)

	_, err := f.repo.EnsureCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.NoError(t, f.repo.SetProviderCustomerID(ctx, f.orgID, "cus_1"))

	start := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	payload := []byte(`{"id":"evt_sub_updated"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_sub_updated",
		Type: billingdomain.EventSubscriptionUpdated,
		Raw:  payload,
		Subscription: &billingdomain.ProviderSubscription{
			ID:          "sub_1",
			CustomerID:  "cus_1",
			PriceID:     "price_team",
			Status:      "active",
			PeriodStart: start,
			PeriodEnd:   start.AddDate(0, 1, 0),
		},
	}, nil)

	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Equal(t, billingdomain.TierTeam, customer.Tier)
	assert.True(t, customer.BillingPeriodStart.Equal(start))
}

func TestHandleWebhook_SubscriptionDeletedClearsState(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()

	_, err := f.repo.EnsureCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.NoError(t, f.repo.SetProviderCustomerID(ctx, f.orgID, "cus_1"))
	subID := "sub_1"
	allowance := int64(5000)
	err = f.repo.UpdateSubscriptionState(ctx, f.orgID, billingdomain.SubscriptionState{
		Tier:                   billingdomain.TierTeam,
		Allowance:              &allowance,
		ProviderSubscriptionID: &subID,
	})
	assert.NoError(t, err)

	payload := []byte(`{"id":"evt_sub_deleted"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_sub_deleted",
		Type: billingdomain.EventSubscriptionDeleted,
		Raw:  payload,
		Subscription: &billingdomain.ProviderSubscription{
			ID:         subID,
			CustomerID: "cus_1",
			Status:     "canceled",
		},
	}, nil)

	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Equal(t, billingdomain.TierNone, customer.Tier)
	assert.Nil(t, customer.ProviderSubscriptionID)
}

func TestHandleWebhook_SubscriptionDeletedSparesUnlimitedTier(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()

	_, err := f.repo.EnsureCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.NoError(t, f.repo.SetProviderCustomerID(ctx, f.orgID, "cus_1"))
	err = f.repo.UpdateSubscriptionState(ctx, f.orgID, billingdomain.SubscriptionState{
		Tier: billingdomain.TierEnterprise,
	})
	assert.NoError(t, err)

	payload := []byte(`{"id":"evt_stray_delete"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_stray_delete",
		Type: billingdomain.EventSubscriptionDeleted,
		Raw:  payload,
		Subscription: &billingdomain.ProviderSubscription{
			ID:         "sub_old",
			CustomerID: "cus_1",
			Status:     "canceled",
		},
	}, nil)

	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Equal(t, billingdomain.TierEnterprise, customer.Tier)
}

func TestHandleWebhook_FailedApplyRetries(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()
	f.refreshCatalog(t, provider)

	payload := []byte(`{"id":"evt_flaky"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_flaky",
		Type: billingdomain.EventCheckoutCompleted,
		Raw:  payload,
		Checkout: &billingdomain.CheckoutInfo{
			SessionID:          "cs_flaky",
			Mode:               billingdomain.CheckoutModeSubscription,
			ProviderCustomerID: "cus_1",
			OrgID:              f.orgID,
		},
	}, nil)

	start := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	provider.On("ListSubscriptions", mock.Anything, "cus_1").
		Return(nil, errors.New("provider outage")).Once()
	provider.On("ListSubscriptions", mock.Anything, "cus_1").
		Return([]billingdomain.ProviderSubscription{
			{ID: "sub_1", CustomerID: "cus_1", PriceID: "price_team", Status: "active", PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)},
		}, nil)

	assert.Error(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	event, err := f.repo.FindEvent(ctx, "evt_flaky")
	assert.NoError(t, err)
	assert.False(t, event.Processed(), "failed apply must stay unprocessed")

	// The provider retry finishes the job.
	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	event, err = f.repo.FindEvent(ctx, "evt_flaky")
	assert.NoError(t, err)
	assert.True(t, event.Processed())

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	assert.NoError(t, err)
	assert.Equal(t, billingdomain.TierTeam, customer.Tier)
}

func TestHandleWebhook_IgnoredEventNotRecorded(t *testing.T) {
	provider := &providerMock{}
	f := newFixture(t, provider)
	ctx := context.Background()

	payload := []byte(`{"id":"evt_noise"}`)
	provider.On("VerifyWebhook", payload, "sig").Return(&billingdomain.ProviderEvent{
		ID:   "evt_noise",
		Type: billingdomain.EventIgnored,
		Raw:  payload,
	}, nil)

	assert.NoError(t, f.ingestor.HandleWebhook(ctx, payload, "sig"))

	event, err := f.repo.FindEvent(ctx, "evt_noise")
	assert.NoError(t, err)
	assert.Nil(t, event)
}
