package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"chatpulse/internal/config"
	"chatpulse/internal/types"
)

// DuePlannedStore provides the planned-message operations the promoter needs.
type DuePlannedStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.PlannedMessage, error)
	GetByID(ctx context.Context, id string) (*types.PlannedMessage, error)
	MarkPromoted(ctx context.Context, id string) (bool, error)
	CountStatus(ctx context.Context, now time.Time) (*types.PlannedMessageCounts, error)
}

// Publisher sends envelopes to the broker's work queue.
type Publisher interface {
	Publish(ctx context.Context, queueName string, env types.QueueEnvelope) error
	IsConnected() bool
}

// RequeueReporter exposes the most recent reap cycle's requeue count, merged
// into the promoter status.
type RequeueReporter interface {
	LastRequeued() int
}

// Promoter moves due planned messages onto the broker work queue. A record is
// marked promoted only after its envelope was accepted by the broker, so a
// publish failure leaves it due and it is picked up again next cycle.
type Promoter struct {
	store     DuePlannedStore
	publisher Publisher
	reaper    RequeueReporter

	queue    string
	pipeline config.PipelineConfig
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	batchSize    atomic.Int64
	running      atomic.Bool
	tickerActive atomic.Bool
	lastPromoted atomic.Int64
	lastCycleAt  atomic.Int64
}

// PromoterConfig holds the dependencies for creating a Promoter.
type PromoterConfig struct {
	Store     DuePlannedStore
	Publisher Publisher
	Reaper    RequeueReporter // optional
	Queue     string
	Pipeline  config.PipelineConfig
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewPromoter creates a Promoter with the configured initial batch size.
func NewPromoter(cfg PromoterConfig) *Promoter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	p := &Promoter{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		reaper:    cfg.Reaper,
		queue:     cfg.Queue,
		pipeline:  cfg.Pipeline,
		logger:    logger,
		validate:  validator.New(),
		now:       now,
	}
	p.batchSize.Store(int64(cfg.Pipeline.BatchSize))
	return p
}

// BatchSize returns the current per-cycle promotion cap.
func (p *Promoter) BatchSize() int {
	return int(p.batchSize.Load())
}

// SetBatchSize changes the per-cycle promotion cap. Values outside 1..1000
// are rejected and the previous value stays in effect.
func (p *Promoter) SetBatchSize(n int) error {
	if err := p.validate.Var(n, "gte=1,lte=1000"); err != nil {
		return types.NewAppError(types.ErrCodeValidationBatchSize,
			fmt.Sprintf("batch size %d is outside the allowed range 1..1000", n), err)
	}
	p.batchSize.Store(int64(n))
	p.logger.Info("promotion batch size updated", "batch_size", n)
	return nil
}

// RunPromotionCycle publishes due planned messages, oldest scheduled first,
// up to the batch size. It returns how many records were promoted. Overlapping
// triggers are rejected with a conflict error.
func (p *Promoter) RunPromotionCycle(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.WarnContext(ctx, "promotion cycle already running, trigger dropped")
		return 0, types.NewAppError(types.ErrCodeConflictCycleRunning,
			"a promotion cycle is already in progress", nil)
	}
	defer p.running.Store(false)

	now := p.now()
	due, err := p.store.ListDue(ctx, now, p.BatchSize())
	if err != nil {
		return 0, fmt.Errorf("listing due planned messages: %w", err)
	}

	promoted := 0
	for _, pm := range due {
		if err := p.promote(ctx, pm); err != nil {
			// The record stays unpromoted and is re-selected next cycle.
			p.logger.ErrorContext(ctx, "failed to promote planned message",
				"planned_message_id", pm.ID,
				"error", err,
			)
			continue
		}
		promoted++
	}

	p.lastPromoted.Store(int64(promoted))
	p.lastCycleAt.Store(now.UnixNano())
	if len(due) > 0 {
		p.logger.InfoContext(ctx, "promotion cycle complete",
			"due", len(due),
			"promoted", promoted,
		)
	}
	return promoted, nil
}

// promote publishes one record's envelope and then flips its promoted flag.
func (p *Promoter) promote(ctx context.Context, pm *types.PlannedMessage) error {
	if err := p.publisher.Publish(ctx, p.queue, types.NewQueueEnvelope(pm)); err != nil {
		return fmt.Errorf("publishing envelope: %w", err)
	}

	ok, err := p.store.MarkPromoted(ctx, pm.ID)
	if err != nil {
		return fmt.Errorf("marking promoted: %w", err)
	}
	if !ok {
		// Another promoter instance got there first; the envelope is
		// duplicated on the queue and the consumer's idempotency check
		// absorbs it.
		p.logger.WarnContext(ctx, "planned message was already promoted",
			"planned_message_id", pm.ID)
	}
	return nil
}

// PromoteOne force-promotes a single planned message regardless of its
// scheduled time. Already promoted or delivered records are rejected.
func (p *Promoter) PromoteOne(ctx context.Context, id string) error {
	pm, err := p.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if pm.IsDelivered {
		return types.NewAppError(types.ErrCodeConflictAlreadyDelivered,
			fmt.Sprintf("planned message %s was already delivered", id), nil)
	}
	if pm.IsPromoted {
		return types.NewAppError(types.ErrCodeConflictAlreadyPromoted,
			fmt.Sprintf("planned message %s was already promoted", id), nil)
	}

	if err := p.promote(ctx, pm); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "planned message promoted manually", "planned_message_id", id)
	return nil
}

// Start runs the promotion cycle on a ticker until the context is canceled.
func (p *Promoter) Start(ctx context.Context) error {
	p.tickerActive.Store(true)
	defer p.tickerActive.Store(false)

	ticker := time.NewTicker(p.pipeline.PromotionInterval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "promoter started",
		"interval", p.pipeline.PromotionInterval,
		"batch_size", p.BatchSize(),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "promoter stopped")
			return nil
		case <-ticker.C:
			if _, err := p.RunPromotionCycle(ctx); err != nil {
				p.logger.ErrorContext(ctx, "promotion cycle failed", "error", err)
			}
		}
	}
}

// PromoterStatus reports the promoter's runtime state together with the
// pipeline's record counts.
type PromoterStatus struct {
	CycleRunning        bool       `json:"cycleRunning"`
	TickerActive        bool       `json:"tickerActive"`
	BrokerConnected     bool       `json:"brokerConnected"`
	BatchSize           int        `json:"batchSize"`
	LastCycleAt         *time.Time `json:"lastCycleAt,omitempty"`
	LastPromoted        int        `json:"lastPromoted"`
	DueUnpromoted       int        `json:"dueUnpromoted"`
	PromotedUndelivered int        `json:"promotedUndelivered"`
	DeliveredToday      int        `json:"deliveredToday"`
	RequeuedLastCycle   int        `json:"requeuedLastCycle"`
}

// Status reports promoter state and pipeline counts.
func (p *Promoter) Status(ctx context.Context) (*PromoterStatus, error) {
	counts, err := p.store.CountStatus(ctx, p.now())
	if err != nil {
		return nil, fmt.Errorf("counting planned messages: %w", err)
	}

	st := &PromoterStatus{
		CycleRunning:        p.running.Load(),
		TickerActive:        p.tickerActive.Load(),
		BrokerConnected:     p.publisher.IsConnected(),
		BatchSize:           p.BatchSize(),
		LastPromoted:        int(p.lastPromoted.Load()),
		DueUnpromoted:       counts.DueUnpromoted,
		PromotedUndelivered: counts.PromotedUndelivered,
		DeliveredToday:      counts.DeliveredToday,
	}
	if p.reaper != nil {
		st.RequeuedLastCycle = p.reaper.LastRequeued()
	}
	if nanos := p.lastCycleAt.Load(); nanos > 0 {
		t := time.Unix(0, nanos).UTC()
		st.LastCycleAt = &t
	}
	return st, nil
}
