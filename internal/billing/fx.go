package billing

import (
	"context"

	"github.com/docuply/backend/internal/billing/catalog"
	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/billing/providers"
	stripeprovider "github.com/docuply/backend/internal/billing/providers/stripe"
	"github.com/docuply/backend/internal/billing/reconcile"
	"github.com/docuply/backend/internal/billing/repository"
	"github.com/docuply/backend/internal/billing/service"
	"github.com/docuply/backend/internal/billing/webhook"
	"github.com/docuply/backend/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billing.service",
	fx.Provide(repository.New),
	fx.Provide(newProvider),
	fx.Provide(catalog.New),
	fx.Provide(service.NewService),
	fx.Provide(reconcile.NewEngine),
	fx.Provide(webhook.NewIngestor),
	fx.Invoke(warmCatalog),
)

func newProvider(cfg config.Config, log *zap.Logger) billingdomain.BillingProvider {
	if cfg.Billing.Enabled() {
		return stripeprovider.New(cfg, log)
	}
	log.Warn("billing provider not configured, remote billing disabled")
	return providers.NewDisabled()
}

// warmCatalog loads the price catalog on startup. Failure is survivable: the
// configured tier defaults cover lookups until the next sweep refreshes it.
func warmCatalog(lc fx.Lifecycle, cat *catalog.Catalog, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := cat.Refresh(ctx); err != nil {
				log.Warn("initial price catalog load failed", zap.Error(err))
			}
			return nil
		},
	})
}
