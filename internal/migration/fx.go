package migration

import (
	"strings"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/config"
	"github.com/docuply/backend/internal/seed"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if err := applySchema(conn, cfg); err != nil {
			return err
		}
		return seed.EnsureMainOrg(conn)
	}),
)

// applySchema runs the versioned migrations on postgres. Other dialects
// (local scratch setups) fall back to gorm auto-migration.
func applySchema(conn *gorm.DB, cfg config.Config) error {
	if strings.EqualFold(cfg.DBType, "postgres") {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}

	return conn.AutoMigrate(
		&orgdomain.Organization{},
		&billingdomain.PaymentCustomer{},
		&billingdomain.UsageRecord{},
		&billingdomain.CreditTransaction{},
		&billingdomain.BillingEvent{},
	)
}
