// Package sweeper runs the background reconciliation jobs: expiring overdue
// holds and applying pending external grants.
package sweeper

import (
	"context"
	"fmt"
	"sync"

	"github.com/meterline/creditledger/pkg/credits"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	// DefaultSchedule is the cron expression used when none is configured.
	DefaultSchedule = "@every 30s"
	// DefaultBatchLimit caps how many expired holds one sweep pass processes.
	DefaultBatchLimit = 100
)

// Reconciler is the slice of the credit service the sweeper drives.
type Reconciler interface {
	ExpireHolds(ctx context.Context, limit int) (int, error)
	SyncExternalGrants(ctx context.Context, source credits.GrantSource) (int, bool, error)
}

// Sweeper schedules reconciliation passes with cron. Hold expiry always runs;
// the external grant sync runs only when a grant source is configured.
type Sweeper struct {
	reconciler Reconciler
	source     credits.GrantSource
	schedule   string
	batchLimit int
	logger     *zap.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithSchedule overrides the cron schedule.
func WithSchedule(schedule string) Option {
	return func(sweeper *Sweeper) {
		if schedule != "" {
			sweeper.schedule = schedule
		}
	}
}

// WithBatchLimit overrides the per-pass expired hold limit.
func WithBatchLimit(limit int) Option {
	return func(sweeper *Sweeper) {
		if limit > 0 {
			sweeper.batchLimit = limit
		}
	}
}

// WithGrantSource enables the external grant sync job.
func WithGrantSource(source credits.GrantSource) Option {
	return func(sweeper *Sweeper) {
		sweeper.source = source
	}
}

// New wires a Sweeper.
func New(reconciler Reconciler, logger *zap.Logger, options ...Option) (*Sweeper, error) {
	if reconciler == nil {
		return nil, fmt.Errorf("%w: reconciler is nil", credits.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sweeper := &Sweeper{
		reconciler: reconciler,
		schedule:   DefaultSchedule,
		batchLimit: DefaultBatchLimit,
		logger:     logger,
		cron:       cron.New(),
	}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// Start schedules the reconciliation passes and stops them when ctx is
// cancelled.
func (sweeper *Sweeper) Start(ctx context.Context) error {
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if sweeper.running {
		return fmt.Errorf("sweeper already running")
	}

	if _, err := cron.ParseStandard(sweeper.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", sweeper.schedule, err)
	}
	if _, err := sweeper.cron.AddFunc(sweeper.schedule, func() {
		sweeper.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	sweeper.cron.Start()
	sweeper.running = true
	sweeper.logger.Info("sweeper started",
		zap.String("schedule", sweeper.schedule),
		zap.Int("batch_limit", sweeper.batchLimit),
		zap.Bool("grant_sync", sweeper.source != nil),
	)

	go func() {
		<-ctx.Done()
		sweeper.Stop()
	}()
	return nil
}

// RunOnce executes a single reconciliation pass.
func (sweeper *Sweeper) RunOnce(ctx context.Context) {
	expired, err := sweeper.reconciler.ExpireHolds(ctx, sweeper.batchLimit)
	if err != nil {
		sweeper.logger.Error("hold expiry sweep failed", zap.Int("expired", expired), zap.Error(err))
	} else if expired > 0 {
		sweeper.logger.Info("hold expiry sweep completed", zap.Int("expired", expired))
	}

	if sweeper.source == nil {
		return
	}
	applied, acquired, err := sweeper.reconciler.SyncExternalGrants(ctx, sweeper.source)
	if err != nil {
		sweeper.logger.Error("external grant sync failed", zap.Int("applied", applied), zap.Error(err))
		return
	}
	if !acquired {
		sweeper.logger.Debug("external grant sync skipped, lock held elsewhere")
		return
	}
	if applied > 0 {
		sweeper.logger.Info("external grant sync completed", zap.Int("applied", applied))
	}
}

// Stop halts the schedule and waits for a running pass to finish.
func (sweeper *Sweeper) Stop() {
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if !sweeper.running {
		return
	}
	stopCtx := sweeper.cron.Stop()
	<-stopCtx.Done()
	sweeper.running = false
	sweeper.logger.Info("sweeper stopped")
}

// IsRunning reports whether the schedule is active.
func (sweeper *Sweeper) IsRunning() bool {
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	return sweeper.running
}
