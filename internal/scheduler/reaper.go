package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"chatpulse/internal/config"
	"chatpulse/internal/types"
)

// StalledPlannedStore provides the operations for finding and requeueing
// records stuck between promotion and delivery.
type StalledPlannedStore interface {
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]*types.PlannedMessage, error)
	MarkRequeued(ctx context.Context, id string) error
}

// Reaper reconciles planned messages that were promoted but never delivered,
// typically because the consumer exhausted its retries and dropped the
// envelope. Stalled records are republished to the work queue and their
// updated_at is bumped so they are not re-reaped before the threshold passes
// again.
type Reaper struct {
	store     StalledPlannedStore
	publisher Publisher

	queue    string
	pipeline config.PipelineConfig
	logger   *slog.Logger
	now      func() time.Time

	running      atomic.Bool
	lastRequeued atomic.Int64
}

// ReaperConfig holds the dependencies for creating a Reaper.
type ReaperConfig struct {
	Store     StalledPlannedStore
	Publisher Publisher
	Queue     string
	Pipeline  config.PipelineConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewReaper creates a Reaper.
func NewReaper(cfg ReaperConfig) *Reaper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Reaper{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		queue:     cfg.Queue,
		pipeline:  cfg.Pipeline,
		logger:    logger,
		now:       now,
	}
}

// RunReapCycle requeues stalled records, bounded per cycle, and returns how
// many were requeued.
func (r *Reaper) RunReapCycle(ctx context.Context) (int, error) {
	if !r.running.CompareAndSwap(false, true) {
		return 0, types.NewAppError(types.ErrCodeConflictCycleRunning,
			"a reap cycle is already in progress", nil)
	}
	defer r.running.Store(false)

	cutoff := r.now().Add(-r.pipeline.StalledAfter)
	stalled, err := r.store.ListStalled(ctx, cutoff, r.pipeline.ReapBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing stalled planned messages: %w", err)
	}

	requeued := 0
	for _, pm := range stalled {
		if err := r.publisher.Publish(ctx, r.queue, types.NewQueueEnvelope(pm)); err != nil {
			r.logger.ErrorContext(ctx, "failed to requeue stalled planned message",
				"planned_message_id", pm.ID,
				"error", err,
			)
			continue
		}
		if err := r.store.MarkRequeued(ctx, pm.ID); err != nil {
			r.logger.ErrorContext(ctx, "failed to bump requeued planned message",
				"planned_message_id", pm.ID,
				"error", err,
			)
			continue
		}
		r.logger.WarnContext(ctx, "stalled planned message requeued",
			"planned_message_id", pm.ID,
			"scheduled_at", pm.ScheduledAt,
			"stalled_since", pm.UpdatedAt,
		)
		requeued++
	}

	r.lastRequeued.Store(int64(requeued))
	if requeued > 0 {
		r.logger.InfoContext(ctx, "reap cycle complete",
			"stalled", len(stalled),
			"requeued", requeued,
		)
	}
	return requeued, nil
}

// Start runs the reap cycle on a ticker until the context is canceled.
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.pipeline.ReapInterval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "reaper started",
		"interval", r.pipeline.ReapInterval,
		"stalled_after", r.pipeline.StalledAfter,
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunReapCycle(ctx); err != nil {
				r.logger.ErrorContext(ctx, "reap cycle failed", "error", err)
			}
		}
	}
}

// LastRequeued reports how many records the most recent reap cycle requeued.
func (r *Reaper) LastRequeued() int {
	return int(r.lastRequeued.Load())
}
