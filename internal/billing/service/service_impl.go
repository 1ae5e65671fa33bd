// Package service implements usage metering, limit checks, and the
// subscription lifecycle on top of the credit ledger.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuply/backend/internal/billing/allocation"
	"github.com/docuply/backend/internal/billing/catalog"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/clock"
	"github.com/docuply/backend/internal/config"
	obsmetrics "github.com/docuply/backend/internal/observability/metrics"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	"github.com/docuply/backend/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// maxCommitRetries bounds how often a recorder re-snapshots after losing a
// balance race. Contention on a single org's row is rare and short-lived.
const maxCommitRetries = 3

type ServiceParam struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Repo     billingdomain.Repository
	Provider billingdomain.BillingProvider
	Catalog  *catalog.Catalog
	Orgs     orgdomain.Service
	Clock    clock.Clock
	GenID    *snowflake.Node
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type service struct {
	log      *zap.Logger
	cfg      config.Config
	repo     billingdomain.Repository
	provider billingdomain.BillingProvider
	catalog  *catalog.Catalog
	orgs     orgdomain.Service
	clock    clock.Clock
	genID    *snowflake.Node
	metrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) billingdomain.Service {
	return &service{
		log:      p.Log.Named("billing.service"),
		cfg:      p.Cfg,
		repo:     p.Repo,
		provider: p.Provider,
		catalog:  p.Catalog,
		orgs:     p.Orgs,
		clock:    p.Clock,
		genID:    p.GenID,
		metrics:  p.Metrics,
	}
}

// currentCustomer returns the balance row with its billing period rolled
// forward to the one containing now. The conditional reset makes concurrent
// rollovers converge on a single zeroing per boundary.
func (s *service) currentCustomer(ctx context.Context, orgID snowflake.ID) (*billingdomain.PaymentCustomer, allocation.Period, error) {
	customer, err := s.repo.EnsureCustomer(ctx, orgID)
	if err != nil {
		return nil, allocation.Period{}, err
	}

	period := allocation.ResolvePeriod(customer, s.clock.Now())
	if !allocation.ShouldReset(customer.BillingPeriodStart, period.Start) {
		return customer, period, nil
	}

	zeroUsed := customer.SubscriptionSPUAllowance != nil
	applied, err := s.repo.ResetPeriod(ctx, orgID, period.Start, period.End, zeroUsed)
	if err != nil {
		return nil, allocation.Period{}, err
	}
	if applied {
		s.log.Info("billing period rolled over",
			zap.String("org_id", orgID.String()),
			zap.Time("period_start", period.Start),
			zap.Time("period_end", period.End),
			zap.Bool("allowance_reset", zeroUsed))
	}

	customer, err = s.repo.FindCustomer(ctx, orgID)
	if err != nil {
		return nil, allocation.Period{}, err
	}
	if customer == nil {
		return nil, allocation.Period{}, billingdomain.ErrCustomerNotFound
	}
	return customer, period, nil
}

// allowOverage reports whether usage past the pools is billable rather than
// blocked: unlimited tiers always, subscribed tiers when their plan meters
// overage and the subscription is live.
func (s *service) allowOverage(customer *billingdomain.PaymentCustomer) bool {
	if customer.Tier.Unlimited() {
		return true
	}
	return s.catalog.OverageAllowed(customer.Tier) && customer.HasActiveSubscription()
}

func (s *service) CheckLimit(ctx context.Context, orgID snowflake.ID, spus int64) (billingdomain.CheckLimitResult, error) {
	if orgID == 0 {
		return billingdomain.CheckLimitResult{}, billingdomain.ErrInvalidOrganization
	}
	if spus <= 0 {
		return billingdomain.CheckLimitResult{}, billingdomain.ErrInvalidSPUs
	}

	customer, _, err := s.currentCustomer(ctx, orgID)
	if err != nil {
		return billingdomain.CheckLimitResult{}, err
	}

	available := customer.Balances().TotalRemaining()
	result := billingdomain.CheckLimitResult{
		Required:  spus,
		Available: available,
		Unlimited: customer.Tier.Unlimited(),
	}
	result.Allowed = result.Unlimited || spus <= available || s.allowOverage(customer)
	return result, nil
}

func (s *service) Record(ctx context.Context, req billingdomain.RecordUsageRequest) (billingdomain.Allocation, error) {
	if req.OrgID == 0 {
		return billingdomain.Allocation{}, billingdomain.ErrInvalidOrganization
	}
	if req.SPUs <= 0 {
		return billingdomain.Allocation{}, billingdomain.ErrInvalidSPUs
	}
	operation := strings.TrimSpace(req.Operation)
	if operation == "" {
		operation = billingdomain.OperationDocumentProcessing
	}
	recordedAt := req.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.clock.Now()
	}
	recordedAt = recordedAt.UTC()

	for attempt := 1; ; attempt++ {
		customer, _, err := s.currentCustomer(ctx, req.OrgID)
		if err != nil {
			return billingdomain.Allocation{}, err
		}

		balances := customer.Balances()
		alloc := allocation.Allocate(req.SPUs, balances)
		if alloc.FromPaid > 0 && !s.allowOverage(customer) {
			s.metrics.RecordLimitDenied(ctx, string(customer.Tier))
			return billingdomain.Allocation{}, &billingdomain.InsufficientCreditsError{
				OrgID:     req.OrgID,
				Required:  req.SPUs,
				Available: balances.TotalRemaining(),
			}
		}

		records := []*billingdomain.UsageRecord{s.buildRecord(req, operation, req.SPUs, recordedAt)}
		if alloc.FromPaid > 0 {
			records = append(records, s.buildRecord(req, billingdomain.OperationPaidUsage, alloc.FromPaid, recordedAt))
		}

		err = s.repo.ApplyUsage(ctx, req.OrgID, alloc, records)
		if err == nil {
			s.metrics.RecordUsage(ctx, operation)
			s.metrics.RecordSPUs(ctx, "subscription", alloc.FromSubscription)
			s.metrics.RecordSPUs(ctx, "purchased", alloc.FromPurchased)
			s.metrics.RecordSPUs(ctx, "granted", alloc.FromGranted)
			s.metrics.RecordSPUs(ctx, "paid", alloc.FromPaid)
			s.log.Info("usage recorded",
				zap.String("org_id", req.OrgID.String()),
				zap.String("operation", operation),
				zap.Int64("spus", req.SPUs),
				zap.Int64("from_subscription", alloc.FromSubscription),
				zap.Int64("from_purchased", alloc.FromPurchased),
				zap.Int64("from_granted", alloc.FromGranted),
				zap.Int64("from_paid", alloc.FromPaid))
			return alloc, nil
		}
		if !errors.Is(err, billingdomain.ErrStaleBalance) {
			return billingdomain.Allocation{}, err
		}
		if attempt >= maxCommitRetries {
			s.log.Warn("usage commit kept losing balance races",
				zap.String("org_id", req.OrgID.String()),
				zap.Int("attempts", attempt))
			return billingdomain.Allocation{}, billingdomain.ErrStaleBalance
		}
	}
}

func (s *service) buildRecord(req billingdomain.RecordUsageRequest, operation string, spus int64, recordedAt time.Time) *billingdomain.UsageRecord {
	record := &billingdomain.UsageRecord{
		ID:           s.genID.Generate(),
		OrgID:        req.OrgID,
		SPUs:         spus,
		Operation:    operation,
		Source:       req.Source,
		RecordedAt:   recordedAt,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		CostUSD:      req.CostUSD,
	}
	if req.LLMProvider != "" {
		record.LLMProvider = &req.LLMProvider
	}
	if req.LLMModel != "" {
		record.LLMModel = &req.LLMModel
	}
	return record
}

func (s *service) AddGrantedCredits(ctx context.Context, orgID snowflake.ID, credits int64) error {
	if orgID == 0 {
		return billingdomain.ErrInvalidOrganization
	}
	if credits <= 0 {
		return billingdomain.ErrInvalidCredits
	}

	if _, err := s.repo.EnsureCustomer(ctx, orgID); err != nil {
		return err
	}
	if err := s.repo.AddGrantedCredits(ctx, orgID, credits); err != nil {
		return err
	}
	s.log.Info("granted credits added",
		zap.String("org_id", orgID.String()),
		zap.Int64("credits", credits))
	return nil
}

func (s *service) ApplyPurchase(ctx context.Context, req billingdomain.ApplyPurchaseRequest) (bool, error) {
	if req.OrgID == 0 {
		return false, billingdomain.ErrInvalidOrganization
	}
	if req.Credits <= 0 {
		return false, billingdomain.ErrInvalidCredits
	}
	if strings.TrimSpace(req.SessionID) == "" {
		return false, billingdomain.ErrInvalidSession
	}

	if _, err := s.repo.EnsureCustomer(ctx, req.OrgID); err != nil {
		return false, err
	}
	applied, err := s.repo.AddPurchasedCredits(ctx, req.OrgID, req.Credits, req.SessionID)
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Info("credit purchase applied",
			zap.String("org_id", req.OrgID.String()),
			zap.String("session_id", req.SessionID),
			zap.Int64("credits", req.Credits))
	} else {
		s.log.Info("credit purchase replayed, ignoring",
			zap.String("org_id", req.OrgID.String()),
			zap.String("session_id", req.SessionID))
	}
	return applied, nil
}

func (s *service) GetCurrentUsage(ctx context.Context, orgID snowflake.ID) (billingdomain.CurrentUsage, error) {
	if orgID == 0 {
		return billingdomain.CurrentUsage{}, billingdomain.ErrInvalidOrganization
	}

	customer, period, err := s.currentCustomer(ctx, orgID)
	if err != nil {
		return billingdomain.CurrentUsage{}, err
	}

	paid, err := s.repo.SumUsage(ctx, orgID, billingdomain.OperationPaidUsage, period.Start, period.End)
	if err != nil {
		return billingdomain.CurrentUsage{}, err
	}

	balances := customer.Balances()
	return billingdomain.CurrentUsage{
		OrgID:                 orgID,
		Tier:                  customer.Tier,
		SubscriptionAllowance: customer.SubscriptionSPUAllowance,
		SubscriptionUsed:      customer.SubscriptionSPUsUsed,
		PurchasedRemaining:    balances.PurchasedRemaining(),
		GrantedRemaining:      balances.GrantedRemaining(),
		TotalRemaining:        balances.TotalRemaining(),
		PaidSPUsThisPeriod:    paid,
		PeriodStart:           customer.BillingPeriodStart,
		PeriodEnd:             customer.BillingPeriodEnd,
	}, nil
}

func (s *service) GetUsageRange(ctx context.Context, orgID snowflake.ID, from, to time.Time) ([]billingdomain.UsageDay, error) {
	if orgID == 0 {
		return nil, billingdomain.ErrInvalidOrganization
	}
	if !from.Before(to) {
		return nil, billingdomain.ErrInvalidPeriod
	}
	return s.repo.UsageByDay(ctx, orgID, from, to)
}

func (s *service) GetUsageRecords(ctx context.Context, orgID snowflake.ID, page pagination.Pagination) ([]billingdomain.UsageRecord, pagination.PageInfo, error) {
	if orgID == 0 {
		return nil, pagination.PageInfo{}, billingdomain.ErrInvalidOrganization
	}
	return s.repo.ListUsageRecords(ctx, orgID, page)
}

func (s *service) GetSubscriptionInfo(ctx context.Context, orgID snowflake.ID) (billingdomain.SubscriptionInfo, error) {
	if orgID == 0 {
		return billingdomain.SubscriptionInfo{}, billingdomain.ErrInvalidOrganization
	}

	customer, _, err := s.currentCustomer(ctx, orgID)
	if err != nil {
		return billingdomain.SubscriptionInfo{}, err
	}

	info := billingdomain.SubscriptionInfo{
		Tier:          customer.Tier,
		Allowance:     customer.SubscriptionSPUAllowance,
		Active:        customer.HasActiveSubscription() || customer.Tier.Unlimited(),
		PeriodStart:   customer.BillingPeriodStart,
		PeriodEnd:     customer.BillingPeriodEnd,
		PortalEnabled: customer.PortalEnabled,
	}
	if customer.ProviderCustomerID != nil {
		info.ProviderCustomer = *customer.ProviderCustomerID
	}

	if !s.provider.Enabled() || customer.ProviderSubscriptionID == nil {
		return info, nil
	}

	// Remote state refines the local view but never blocks it.
	subs, err := s.provider.ListSubscriptions(ctx, info.ProviderCustomer)
	if err != nil {
		s.log.Warn("subscription lookup failed, serving local state",
			zap.String("org_id", orgID.String()),
			zap.Error(err))
		return info, nil
	}
	for _, sub := range subs {
		if sub.ID == *customer.ProviderSubscriptionID {
			info.Active = sub.Active()
			info.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
			break
		}
	}
	return info, nil
}

func (s *service) ActivateSubscription(ctx context.Context, orgID snowflake.ID, tier billingdomain.Tier) (billingdomain.SubscriptionInfo, error) {
	if orgID == 0 {
		return billingdomain.SubscriptionInfo{}, billingdomain.ErrInvalidOrganization
	}
	if !tier.Subscribed() {
		return billingdomain.SubscriptionInfo{}, billingdomain.ErrInvalidTier
	}
	if !s.provider.Enabled() {
		return billingdomain.SubscriptionInfo{}, billingdomain.ErrBillingDisabled
	}

	customer, _, err := s.currentCustomer(ctx, orgID)
	if err != nil {
		return billingdomain.SubscriptionInfo{}, err
	}
	if customer.HasActiveSubscription() {
		return billingdomain.SubscriptionInfo{}, billingdomain.ErrSubscriptionActive
	}

	providerCustomerID, err := s.ensureProviderCustomer(ctx, customer)
	if err != nil {
		return billingdomain.SubscriptionInfo{}, err
	}

	priceID, err := s.catalog.PriceForTier(tier)
	if err != nil {
		return billingdomain.SubscriptionInfo{}, err
	}

	sub, err := s.provider.CreateSubscription(ctx, providerCustomerID, priceID)
	if err != nil {
		return billingdomain.SubscriptionInfo{}, err
	}

	state := billingdomain.SubscriptionState{
		Tier:                   tier,
		Allowance:              s.catalog.AllowanceForPrice(priceID, tier),
		ProviderSubscriptionID: &sub.ID,
		PeriodStart:            &sub.PeriodStart,
		PeriodEnd:              &sub.PeriodEnd,
	}
	if err := s.repo.UpdateSubscriptionState(ctx, orgID, state); err != nil {
		return billingdomain.SubscriptionInfo{}, err
	}
	s.log.Info("subscription activated",
		zap.String("org_id", orgID.String()),
		zap.String("tier", string(tier)),
		zap.String("subscription_id", sub.ID))

	return s.GetSubscriptionInfo(ctx, orgID)
}

func (s *service) CancelSubscription(ctx context.Context, orgID snowflake.ID) error {
	if orgID == 0 {
		return billingdomain.ErrInvalidOrganization
	}

	customer, err := s.repo.FindCustomer(ctx, orgID)
	if err != nil {
		return err
	}
	if customer == nil {
		return billingdomain.ErrCustomerNotFound
	}
	if customer.ProviderSubscriptionID == nil || *customer.ProviderSubscriptionID == "" {
		return billingdomain.ErrSubscriptionNotFound
	}
	if !s.provider.Enabled() {
		return billingdomain.ErrBillingDisabled
	}

	if err := s.provider.CancelSubscription(ctx, *customer.ProviderSubscriptionID); err != nil {
		return err
	}
	if err := s.repo.UpdateSubscriptionState(ctx, orgID, billingdomain.SubscriptionState{Tier: billingdomain.TierNone}); err != nil {
		return err
	}
	s.log.Info("subscription canceled", zap.String("org_id", orgID.String()))
	return nil
}

func (s *service) CreateCheckoutSession(ctx context.Context, req billingdomain.CheckoutRequest) (*billingdomain.ProviderCheckoutSession, error) {
	if req.OrgID == 0 {
		return nil, billingdomain.ErrInvalidOrganization
	}
	if !s.provider.Enabled() {
		return nil, billingdomain.ErrBillingDisabled
	}

	customer, _, err := s.currentCustomer(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}

	params := billingdomain.CheckoutParams{
		OrgID:      req.OrgID,
		Mode:       req.Mode,
		SuccessURL: s.cfg.Billing.CheckoutSuccessURL,
		CancelURL:  s.cfg.Billing.CheckoutCancelURL,
	}

	switch req.Mode {
	case billingdomain.CheckoutModePayment:
		min, max := s.catalog.PurchaseBounds()
		if req.Credits < min || req.Credits > max {
			return nil, billingdomain.ErrPurchaseOutOfBounds
		}
		priceID, err := s.catalog.CreditPrice()
		if err != nil {
			return nil, err
		}
		params.PriceID = priceID
		params.Quantity = req.Credits
	case billingdomain.CheckoutModeSubscription:
		if !req.Tier.Subscribed() {
			return nil, billingdomain.ErrInvalidTier
		}
		if customer.HasActiveSubscription() {
			return nil, billingdomain.ErrSubscriptionActive
		}
		priceID, err := s.catalog.PriceForTier(req.Tier)
		if err != nil {
			return nil, err
		}
		params.PriceID = priceID
		params.Quantity = 1
	default:
		return nil, billingdomain.ErrInvalidSession
	}

	providerCustomerID, err := s.ensureProviderCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}
	params.ProviderCustomerID = providerCustomerID

	session, err := s.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	s.log.Info("checkout session created",
		zap.String("org_id", req.OrgID.String()),
		zap.String("mode", string(req.Mode)),
		zap.String("session_id", session.ID))
	return session, nil
}

func (s *service) CreatePortalSession(ctx context.Context, orgID snowflake.ID) (string, error) {
	if orgID == 0 {
		return "", billingdomain.ErrInvalidOrganization
	}
	if !s.provider.Enabled() {
		return "", billingdomain.ErrBillingDisabled
	}

	customer, err := s.repo.FindCustomer(ctx, orgID)
	if err != nil {
		return "", err
	}
	if customer == nil || customer.ProviderCustomerID == nil || *customer.ProviderCustomerID == "" {
		return "", billingdomain.ErrCustomerNotFound
	}

	url, err := s.provider.CreatePortalSession(ctx, *customer.ProviderCustomerID, s.cfg.Billing.PortalReturnURL)
	if err != nil {
		return "", err
	}
	if err := s.repo.SetPortalEnabled(ctx, orgID); err != nil {
		return "", err
	}
	return url, nil
}

// ensureProviderCustomer resolves the remote customer for an org, adopting an
// existing one found by its org_id tag before creating a new one. The remote
// ID is persisted so later calls short-circuit.
func (s *service) ensureProviderCustomer(ctx context.Context, customer *billingdomain.PaymentCustomer) (string, error) {
	if customer.ProviderCustomerID != nil && *customer.ProviderCustomerID != "" {
		return *customer.ProviderCustomerID, nil
	}

	existing, err := s.provider.SearchCustomersByOrgID(ctx, customer.OrgID)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		if err := s.repo.SetProviderCustomerID(ctx, customer.OrgID, existing[0].ID); err != nil {
			return "", err
		}
		return existing[0].ID, nil
	}

	org, err := s.orgs.GetByID(ctx, customer.OrgID)
	if err != nil {
		return "", err
	}
	created, err := s.provider.CreateCustomer(ctx, billingdomain.CustomerParams{
		OrgID: customer.OrgID,
		Name:  org.Name,
		Email: org.SupportEmail,
	})
	if err != nil {
		return "", err
	}
	if err := s.repo.SetProviderCustomerID(ctx, customer.OrgID, created.ID); err != nil {
		return "", err
	}
	return created.ID, nil
}
