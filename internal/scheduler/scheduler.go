package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"content_sync/internal/domain"
)

// Syncer drains the sync retry queue.
type Syncer interface {
	DrainQueue(ctx context.Context) (*domain.DrainStats, error)
}

type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	timeout  time.Duration
	running  atomic.Bool
	logger   *slog.Logger
}

func NewScheduler(syncer Syncer, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:   syncer,
		interval: interval,
		timeout:  5 * time.Minute,
		logger:   logger.With("component", "scheduler"),
	}
}

// Running reports whether Start is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start drains once immediately and then on every tick until ctx is done.
// A tick that fires while a drain is still running is dropped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("scheduler started", "interval", s.interval)

	s.runDrain(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runDrain(ctx)
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stats, err := s.syncer.DrainQueue(drainCtx)
	if err != nil {
		s.logger.Error("queue drain failed", "error", err)
		return
	}
	if stats.Attempted > 0 {
		s.logger.Info("queue drained",
			"attempted", stats.Attempted,
			"succeeded", stats.Succeeded,
			"rescheduled", stats.Rescheduled,
			"failed", stats.Failed,
			"duration", stats.Duration,
		)
	}
}
