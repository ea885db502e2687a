package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/util"
)

// Scheduler runs the reconciliation jobs on their configured intervals until
// the context is cancelled. Each job runs on its own ticker; a slow run
// simply skips the ticks it misses.
type Scheduler struct {
	jobs            *Jobs
	sweepInterval   time.Duration
	cleanupInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewScheduler(jobs *Jobs, sweepInterval, cleanupInterval time.Duration) *Scheduler {
	return &Scheduler{
		jobs:            jobs,
		sweepInterval:   sweepInterval,
		cleanupInterval: cleanupInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.runLoop(ctx, "expiry_sweep", s.sweepInterval, func(ctx context.Context) {
		if _, err := s.jobs.RunExpirySweep(ctx); err != nil {
			util.Error("Scheduled expiry sweep failed", zap.Error(err))
		}
	})
	go s.runLoop(ctx, "retention_cleanup", s.cleanupInterval, func(ctx context.Context) {
		if _, err := s.jobs.RunRetentionCleanup(ctx, false); err != nil {
			util.Error("Scheduled retention cleanup failed", zap.Error(err))
		}
	})

	util.Info("Reconciliation scheduler started",
		zap.Duration("sweep_interval", s.sweepInterval),
		zap.Duration("cleanup_interval", s.cleanupInterval))
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	util.Info("Reconciliation scheduler stopped")
}

func (s *Scheduler) runLoop(ctx context.Context, name string, interval time.Duration, run func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			util.Debug("Reconciliation loop exiting", zap.String("job", name))
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}
