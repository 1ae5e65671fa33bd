package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/internal/billing/catalog"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/billing/providers"
	"github.com/docuply/backend/internal/billing/reconcile"
	billingrepo "github.com/docuply/backend/internal/billing/repository"
	billingservice "github.com/docuply/backend/internal/billing/service"
	"github.com/docuply/backend/internal/billing/webhook"
	"github.com/docuply/backend/internal/clock"
	"github.com/docuply/backend/internal/config"
	"github.com/docuply/backend/internal/observability"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	orgrepo "github.com/docuply/backend/internal/organization/repository"
	orgservice "github.com/docuply/backend/internal/organization/service"
	"github.com/docuply/backend/pkg/db/pagination"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// badSignatureProvider rejects every webhook delivery while otherwise
// behaving like a disabled provider.
type badSignatureProvider struct {
	providers.Disabled
}

func (badSignatureProvider) Enabled() bool { return true }

func (badSignatureProvider) VerifyWebhook(payload []byte, sig string) (*billingdomain.ProviderEvent, error) {
	return nil, billingdomain.ErrInvalidWebhookSignature
}

type serverFixture struct {
	srv   *Server
	repo  billingdomain.Repository
	orgID snowflake.ID
}

func newServerFixture(t *testing.T, provider billingdomain.BillingProvider) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&orgdomain.Organization{},
		&billingdomain.PaymentCustomer{},
		&billingdomain.UsageRecord{},
		&billingdomain.CreditTransaction{},
		&billingdomain.BillingEvent{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	org := orgdomain.Organization{
		ID:        node.Generate(),
		Name:      "Acme",
		Slug:      "acme",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(&org).Error)

	holder, err := config.NewBillingConfigHolder()
	require.NoError(t, err)

	cfg := config.Config{
		HTTPAddr: ":0",
		Billing: config.BillingEnv{
			ProductTag:         "docuply",
			CheckoutSuccessURL: "https://app.example.com/billing?checkout=success",
			CheckoutCancelURL:  "https://app.example.com/billing?checkout=cancelled",
			PortalReturnURL:    "https://app.example.com/billing",
		},
	}

	repo := billingrepo.New(db, node)
	orgs := orgservice.NewService(orgservice.ServiceParam{
		Log:  zap.NewNop(),
		Repo: orgrepo.New(db),
	})
	cat := catalog.New(cfg, holder, provider, zap.NewNop())
	fake := clock.NewFakeClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))

	billingSvc := billingservice.NewService(billingservice.ServiceParam{
		Log:      zap.NewNop(),
		Cfg:      cfg,
		Repo:     repo,
		Provider: provider,
		Catalog:  cat,
		Orgs:     orgs,
		Clock:    fake,
		GenID:    node,
	})
	engine := reconcile.NewEngine(reconcile.EngineParam{
		Log:      zap.NewNop(),
		Repo:     repo,
		Provider: provider,
		Catalog:  cat,
		Orgs:     orgs,
	})
	ingestor := webhook.NewIngestor(webhook.IngestorParam{
		Log:       zap.NewNop(),
		Repo:      repo,
		Provider:  provider,
		Catalog:   cat,
		Billing:   billingSvc,
		Reconcile: engine,
		Clock:     fake,
	})

	r := NewEngine(observability.Config{ServiceName: "docuply-test", Environment: "test"})
	srv := NewServer(ServerParams{
		Gin:        r,
		Cfg:        cfg,
		BillingSvc: billingSvc,
		OrgSvc:     orgs,
		Ingestor:   ingestor,
		Reconciler: engine,
	})

	return &serverFixture{srv: srv, repo: repo, orgID: org.ID}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) orgPath(suffix string) string {
	return fmt.Sprintf("/api/orgs/%s%s", f.orgID, suffix)
}

func TestGrantAndRecordUsage(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodPost, f.orgPath("/credits/grants"), gin.H{"credits": 100})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, f.orgPath("/usage"), gin.H{"spus": 30, "source": "doc-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var alloc billingdomain.Allocation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alloc))
	assert.Equal(t, int64(30), alloc.FromGranted)
	assert.Zero(t, alloc.FromPaid)
}

func TestRecordUsageInsufficientCreditsReturns402(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodPost, f.orgPath("/usage"), gin.H{"spus": 10})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_credits", resp.Error.Type)
	assert.Equal(t, int64(10), resp.Error.Required)
	assert.Equal(t, int64(0), resp.Error.Available)
}

func TestCheckLimitEndpoint(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodPost, f.orgPath("/usage/check"), gin.H{"spus": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var result billingdomain.CheckLimitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Allowed)
	assert.Equal(t, int64(5), result.Required)
}

func TestCurrentUsageEndpoint(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodPost, f.orgPath("/credits/grants"), gin.H{"credits": 40})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, f.orgPath("/usage/current"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var usage billingdomain.CurrentUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, int64(40), usage.GrantedRemaining)
	assert.Equal(t, int64(40), usage.TotalRemaining)
}

func TestUsageRangeRequiresWindow(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodGet, f.orgPath("/usage/range"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, f.orgPath("/usage/range?from=2026-08-01&to=2026-08-31"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageRecordsPagination(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodPost, f.orgPath("/credits/grants"), gin.H{"credits": 100})
	require.Equal(t, http.StatusOK, rec.Code)
	for i := 0; i < 3; i++ {
		rec = f.do(t, http.MethodPost, f.orgPath("/usage"), gin.H{"spus": 10})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = f.do(t, http.MethodGet, f.orgPath("/usage/records?page_size=2"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Records  []billingdomain.UsageRecord `json:"records"`
		PageInfo pagination.PageInfo         `json:"page_info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Records, 2)
	assert.True(t, resp.PageInfo.HasMore)
}

func TestInvalidOrgIDRejected(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodGet, "/api/orgs/not-a-number/usage/current", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrganizationEndpoint(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodGet, f.orgPath(""), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var org orgdomain.Organization
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &org))
	assert.Equal(t, "acme", org.Slug)

	rec = f.do(t, http.MethodGet, "/api/orgs/12345/usage/current", nil)
	// Unknown orgs are auto-provisioned as free-tier customers.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckoutUnavailableWhenBillingDisabled(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodPost, f.orgPath("/billing/checkout"), gin.H{"mode": "payment", "credits": 500})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, f.orgPath("/billing/portal"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookBadSignatureReturns401(t *testing.T) {
	f := newServerFixture(t, badSignatureProvider{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bogus")
	rec := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminSyncDisabledProviderReturnsEmptyReport(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodPost, "/admin/billing/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report reconcile.SyncReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Zero(t, report.Total)
}

func TestAdminDeleteBillingRemovesCustomer(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())
	ctx := context.Background()

	_, err := f.repo.EnsureCustomer(ctx, f.orgID)
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/admin/orgs/%s/billing", f.orgID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	customer, err := f.repo.FindCustomer(ctx, f.orgID)
	require.NoError(t, err)
	assert.Nil(t, customer)
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, providers.NewDisabled())

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
