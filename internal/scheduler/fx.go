package scheduler

import (
	"context"
	"errors"

	"github.com/docuply/backend/internal/config"
	"go.uber.org/fx"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Start),
)

func ProvideConfig(cfg config.Config) Config {
	return Config{SyncInterval: cfg.Billing.SyncInterval}.withDefaults()
}

// Start launches the sweep loop for the lifetime of the application. The
// loop is skipped when billing is disabled since there is nothing to sync.
func Start(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Billing.Enabled() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go sched.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
