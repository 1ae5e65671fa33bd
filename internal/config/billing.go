package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierDefaults describes the locally-configured shape of a subscription tier.
// The provider price catalog refines these values at startup; they remain the
// source of truth when billing is disabled.
type TierDefaults struct {
	Tier         string `mapstructure:"tier"`
	IncludedSPUs *int64 `mapstructure:"includedSpus"` // nil means uncapped
	Overage      bool   `mapstructure:"overage"`      // provider bills usage past the allowance
}

// BillingConfig holds credit pricing and tier defaults.
type BillingConfig struct {
	CreditPriceCents   int64          `mapstructure:"creditPriceCents"`
	MinPurchaseCredits int64          `mapstructure:"minPurchaseCredits"`
	MaxPurchaseCredits int64          `mapstructure:"maxPurchaseCredits"`
	Tiers              []TierDefaults `mapstructure:"tiers"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		CreditPriceCents:   10,
		MinPurchaseCredits: 100,
		MaxPurchaseCredits: 100_000,
		Tiers: []TierDefaults{
			{Tier: "individual", IncludedSPUs: int64Ptr(500)},
			{Tier: "team", IncludedSPUs: int64Ptr(5_000), Overage: true},
			{Tier: "enterprise", IncludedSPUs: nil, Overage: true},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

// BillingConfigHolder serves the current billing config and hot-reloads it
// when the backing file changes.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/docuply/config") // Volume-mounted config
	v.AddConfigPath("/etc/docuply")            // System config
	v.AddConfigPath(".")                       // Current directory (dev mode)

	v.SetEnvPrefix("DOCUPLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.creditPriceCents", defaults.CreditPriceCents)
		v.SetDefault("billing.minPurchaseCredits", defaults.MinPurchaseCredits)
		v.SetDefault("billing.maxPurchaseCredits", defaults.MaxPurchaseCredits)
		v.SetDefault("billing.tiers", defaults.Tiers)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.CreditPriceCents <= 0 {
		return errors.New("billing.creditPriceCents must be positive")
	}
	if cfg.MinPurchaseCredits <= 0 || cfg.MaxPurchaseCredits < cfg.MinPurchaseCredits {
		return errors.New("billing purchase bounds are invalid")
	}
	if len(cfg.Tiers) == 0 {
		return errors.New("billing.tiers cannot be empty")
	}
	for _, tier := range cfg.Tiers {
		if strings.TrimSpace(tier.Tier) == "" {
			return errors.New("billing tier name cannot be empty")
		}
		if tier.IncludedSPUs != nil && *tier.IncludedSPUs < 0 {
			return errors.New("billing tier allowance cannot be negative")
		}
	}
	return nil
}
