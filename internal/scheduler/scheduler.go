// Package scheduler runs the periodic billing reconciliation sweep.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/docuply/backend/internal/billing/reconcile"
	"github.com/docuply/backend/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config controls the sweep cadence. A zero Jitter means "use the default";
// pass a negative value to disable jitter entirely.
type Config struct {
	SyncInterval time.Duration
	SyncTimeout  time.Duration
	Jitter       time.Duration
}

func DefaultConfig() Config {
	return Config{
		SyncInterval: time.Hour,
		SyncTimeout:  10 * time.Minute,
		Jitter:       time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaults.SyncTimeout
	}
	if c.Jitter == 0 {
		c.Jitter = defaults.Jitter
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	return c
}

type Params struct {
	fx.In

	Log    *zap.Logger
	Engine *reconcile.Engine
	Clock  clock.Clock
	Config Config `optional:"true"`
}

// Scheduler invokes the reconciliation engine on a fixed interval with
// jitter so that multiple replicas do not sweep in lockstep.
type Scheduler struct {
	log    *zap.Logger
	engine *reconcile.Engine
	clock  clock.Clock
	cfg    Config
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Engine == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:    p.Log.Named("scheduler"),
		engine: p.Engine,
		clock:  p.Clock,
		cfg:    p.Config.withDefaults(),
	}, nil
}

// RunOnce performs a single sweep. Per-customer failures are reported in
// the sweep counters, not as an error.
func (s *Scheduler) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.SyncTimeout)
	defer cancel()

	start := s.clock.Now()
	report, err := s.engine.SyncAll(ctx)
	if err != nil {
		s.log.Error("billing sync failed",
			zap.Error(err),
			zap.Duration("elapsed", s.clock.Now().Sub(start)),
		)
		return err
	}

	s.log.Info("billing sync complete",
		zap.Int("total", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("errors", report.Errors),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("deleted", report.Deleted),
		zap.Duration("elapsed", s.clock.Now().Sub(start)),
	)
	return nil
}

// RunForever sweeps until ctx is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	timer := time.NewTimer(s.nextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return
		}
		timer.Reset(s.nextDelay())
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	delay := s.cfg.SyncInterval
	if s.cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
	}
	return delay
}
