// Package catalog maintains the price catalog: the mapping between provider
// prices and subscription tiers, plus credit pricing. The catalog is pulled
// from the provider at startup and refreshed on each reconciliation sweep;
// locally-configured tier defaults stand in whenever billing is disabled.
package catalog

import (
	"context"
	"sync"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/config"
	"go.uber.org/zap"
)

type Catalog struct {
	log        *zap.Logger
	provider   billingdomain.BillingProvider
	holder     *config.BillingConfigHolder
	productTag string

	mu          sync.RWMutex
	prices      map[string]billingdomain.ProviderPrice // price ID -> price
	priceByTier map[billingdomain.Tier]string
	creditPrice string
}

func New(cfg config.Config, holder *config.BillingConfigHolder, provider billingdomain.BillingProvider, log *zap.Logger) *Catalog {
	return &Catalog{
		log:         log.Named("billing.catalog"),
		provider:    provider,
		holder:      holder,
		productTag:  cfg.Billing.ProductTag,
		prices:      map[string]billingdomain.ProviderPrice{},
		priceByTier: map[billingdomain.Tier]string{},
	}
}

// Refresh pulls the provider price list and rebuilds the tier mapping.
// Recurring prices tagged with a valid tier become subscription prices; the
// one-time price becomes the credit price. With billing disabled this is a
// no-op and lookups fall through to the configured defaults.
func (c *Catalog) Refresh(ctx context.Context) error {
	if !c.provider.Enabled() {
		return nil
	}

	listed, err := c.provider.ListPrices(ctx, c.productTag)
	if err != nil {
		return err
	}

	prices := make(map[string]billingdomain.ProviderPrice, len(listed))
	priceByTier := map[billingdomain.Tier]string{}
	creditPrice := ""

	for _, price := range listed {
		prices[price.ID] = price
		if !price.Recurring {
			if creditPrice == "" {
				creditPrice = price.ID
			}
			continue
		}
		tier := billingdomain.Tier(price.Tier)
		if !tier.Valid() || tier == billingdomain.TierNone {
			c.log.Warn("skipping price with unknown tier",
				zap.String("price_id", price.ID),
				zap.String("tier", price.Tier))
			continue
		}
		priceByTier[tier] = price.ID
	}

	c.mu.Lock()
	c.prices = prices
	c.priceByTier = priceByTier
	c.creditPrice = creditPrice
	c.mu.Unlock()

	c.log.Info("price catalog refreshed",
		zap.Int("prices", len(prices)),
		zap.Int("tiers", len(priceByTier)),
		zap.Bool("credit_price", creditPrice != ""))
	return nil
}

// TierForPrice resolves a provider price to its tier. Unknown prices come
// back as TierNone with ok=false so callers can ignore foreign subscriptions.
func (c *Catalog) TierForPrice(priceID string) (billingdomain.Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.prices[priceID]
	if !ok {
		return billingdomain.TierNone, false
	}
	tier := billingdomain.Tier(price.Tier)
	if !tier.Valid() || tier == billingdomain.TierNone {
		return billingdomain.TierNone, false
	}
	return tier, true
}

func (c *Catalog) PriceForTier(tier billingdomain.Tier) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	priceID, ok := c.priceByTier[tier]
	if !ok {
		return "", billingdomain.ErrPriceNotFound
	}
	return priceID, nil
}

func (c *Catalog) CreditPrice() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creditPrice == "" {
		return "", billingdomain.ErrPriceNotFound
	}
	return c.creditPrice, nil
}

// AllowanceForPrice returns the per-period SPU allowance of a subscription
// price. Price metadata wins; the configured tier default is the fallback.
// nil means the tier has no metered subscription pool.
func (c *Catalog) AllowanceForPrice(priceID string, tier billingdomain.Tier) *int64 {
	c.mu.RLock()
	price, ok := c.prices[priceID]
	c.mu.RUnlock()
	if ok && price.IncludedSPUs != nil {
		spus := *price.IncludedSPUs
		return &spus
	}
	return c.AllowanceForTier(tier)
}

func (c *Catalog) AllowanceForTier(tier billingdomain.Tier) *int64 {
	for _, defaults := range c.holder.Get().Tiers {
		if defaults.Tier == string(tier) {
			if defaults.IncludedSPUs == nil {
				return nil
			}
			spus := *defaults.IncludedSPUs
			return &spus
		}
	}
	return nil
}

// OverageAllowed reports whether usage past the pools is billed instead of
// blocked for the tier.
func (c *Catalog) OverageAllowed(tier billingdomain.Tier) bool {
	for _, defaults := range c.holder.Get().Tiers {
		if defaults.Tier == string(tier) {
			return defaults.Overage
		}
	}
	return false
}

func (c *Catalog) PurchaseBounds() (min, max int64) {
	cfg := c.holder.Get()
	return cfg.MinPurchaseCredits, cfg.MaxPurchaseCredits
}

func (c *Catalog) CreditPriceCents() int64 {
	return c.holder.Get().CreditPriceCents
}
