// Package scheduler drives the three periodic cycles of the scheduled-message
// pipeline: planning (pairing users into future-dated planned messages),
// promotion (publishing due records to the broker), and reaping (requeueing
// records stuck between promotion and delivery).
//
// Each cycle holds a process-local overlap guard: a trigger that arrives while
// the same cycle is still running is dropped with a conflict error. The guard
// does not coordinate across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"chatpulse/internal/config"
	"chatpulse/internal/types"
)

// messageTemplates is the content pool for planned messages. One entry is
// drawn uniformly at random per pair.
var messageTemplates = []string{
	"Hey! How are you doing?",
	"Good morning! How is your day going?",
	"Good evening! Hope you had a nice day.",
	"Hi! What are you up to?",
	"Hello! How is the weather over there?",
	"Hi there! How is it going?",
	"Hey! Hope you are doing well.",
	"Hello! Any plans for today?",
	"Good evening! How is your day so far?",
	"Hey! What's new?",
	"Hello! What have you been up to today?",
	"Hi! How are you feeling today?",
	"Hey there! Are you in a good mood today?",
	"Hello! What's on your mind?",
	"Good evening! How did your day go?",
}

// UserLister provides the active user set the planner pairs up.
type UserLister interface {
	ListActive(ctx context.Context) ([]*types.User, error)
}

// ConversationStore resolves or creates the two-participant conversation a
// planned message will land in. FindByParticipants reports a missing
// conversation either as (nil, nil) or as a not-found AppError; the planner
// creates the conversation in both cases.
type ConversationStore interface {
	FindByParticipants(ctx context.Context, a, b string) (*types.Conversation, error)
	Create(ctx context.Context, c *types.Conversation) error
}

// PlannedMessageCreator persists a planning cycle's output in one batch.
type PlannedMessageCreator interface {
	CreateBatch(ctx context.Context, batch []*types.PlannedMessage) error
}

// StatusCounter summarizes pipeline record counts for status endpoints.
type StatusCounter interface {
	CountStatus(ctx context.Context, now time.Time) (*types.PlannedMessageCounts, error)
}

// Planner pairs active users and creates future-dated planned messages.
type Planner struct {
	users         UserLister
	conversations ConversationStore
	planned       PlannedMessageCreator
	counts        StatusCounter

	pipeline config.PipelineConfig
	logger   *slog.Logger
	rng      *rand.Rand
	now      func() time.Time

	running      atomic.Bool
	tickerActive atomic.Bool
	lastPlanned  atomic.Int64
	lastCycleAt  atomic.Int64 // unix nanos, 0 until the first cycle
}

// PlannerConfig holds the dependencies for creating a Planner.
type PlannerConfig struct {
	Users         UserLister
	Conversations ConversationStore
	Planned       PlannedMessageCreator
	Counts        StatusCounter
	Pipeline      config.PipelineConfig
	Logger        *slog.Logger

	// Rand and Now are injectable for tests; nil selects the defaults.
	Rand *rand.Rand
	Now  func() time.Time
}

// NewPlanner creates a Planner.
func NewPlanner(cfg PlannerConfig) *Planner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Planner{
		users:         cfg.Users,
		conversations: cfg.Conversations,
		planned:       cfg.Planned,
		counts:        cfg.Counts,
		pipeline:      cfg.Pipeline,
		logger:        logger,
		rng:           rng,
		now:           now,
	}
}

// RunPlanningCycle executes one planning pass and returns how many planned
// messages were created. Fewer than two active users is a no-op. A cycle that
// overlaps a still-running one is rejected with a conflict error.
func (p *Planner) RunPlanningCycle(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.WarnContext(ctx, "planning cycle already running, trigger dropped")
		return 0, types.NewAppError(types.ErrCodeConflictCycleRunning,
			"a planning cycle is already in progress", nil)
	}
	defer p.running.Store(false)

	p.logger.InfoContext(ctx, "planning cycle started")

	users, err := p.users.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active users: %w", err)
	}

	if len(users) < 2 {
		p.logger.InfoContext(ctx, "not enough active users to pair", "active_users", len(users))
		return 0, nil
	}

	pairs := p.pairUsers(users)
	now := p.now()

	batch := make([]*types.PlannedMessage, 0, len(pairs))
	for _, pair := range pairs {
		pm, err := p.planPair(ctx, pair, now)
		if err != nil {
			// One bad pair never aborts the cycle.
			p.logger.ErrorContext(ctx, "failed to plan pair",
				"sender_id", pair.sender.ID,
				"receiver_id", pair.receiver.ID,
				"error", err,
			)
			continue
		}
		batch = append(batch, pm)
	}

	if len(batch) > 0 {
		if err := p.planned.CreateBatch(ctx, batch); err != nil {
			return 0, fmt.Errorf("inserting planned message batch: %w", err)
		}
	}

	p.lastPlanned.Store(int64(len(batch)))
	p.lastCycleAt.Store(now.UnixNano())
	p.logger.InfoContext(ctx, "planning cycle complete",
		"active_users", len(users),
		"pairs", len(pairs),
		"planned", len(batch),
	)
	return len(batch), nil
}

// userPair is one sender/receiver assignment produced by a planning cycle.
type userPair struct {
	sender   *types.User
	receiver *types.User
}

// pairUsers shuffles the user set and pairs consecutive entries. With an odd
// count the last user sends to the first, so nobody is left out while no user
// is ever paired with themselves.
func (p *Planner) pairUsers(users []*types.User) []userPair {
	shuffled := make([]*types.User, len(users))
	copy(shuffled, users)
	p.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var pairs []userPair
	for i := 0; i+1 < len(shuffled); i += 2 {
		pairs = append(pairs, userPair{sender: shuffled[i], receiver: shuffled[i+1]})
	}
	if len(shuffled)%2 == 1 {
		pairs = append(pairs, userPair{sender: shuffled[len(shuffled)-1], receiver: shuffled[0]})
	}
	return pairs
}

// planPair resolves the pair's conversation and builds its planned message.
func (p *Planner) planPair(ctx context.Context, pair userPair, now time.Time) (*types.PlannedMessage, error) {
	conversationID, err := p.getOrCreateConversation(ctx, pair.sender.ID, pair.receiver.ID)
	if err != nil {
		return nil, err
	}

	return &types.PlannedMessage{
		SenderID:       pair.sender.ID,
		ReceiverID:     pair.receiver.ID,
		Content:        messageTemplates[p.rng.Intn(len(messageTemplates))],
		ScheduledAt:    p.randomSendTime(now),
		ConversationID: conversationID,
	}, nil
}

// getOrCreateConversation finds the existing two-participant conversation or
// creates one.
func (p *Planner) getOrCreateConversation(ctx context.Context, senderID, receiverID string) (string, error) {
	conv, err := p.conversations.FindByParticipants(ctx, senderID, receiverID)
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundConversation {
			return "", fmt.Errorf("finding conversation: %w", err)
		}
	}
	if conv != nil {
		return conv.ID, nil
	}

	conv = &types.Conversation{ParticipantIDs: []string{senderID, receiverID}}
	if err := p.conversations.Create(ctx, conv); err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	p.logger.InfoContext(ctx, "conversation created",
		"conversation_id", conv.ID,
		"sender_id", senderID,
		"receiver_id", receiverID,
	)
	return conv.ID, nil
}

// randomSendTime picks a uniform random instant inside the configured send
// window on the current day, rolling forward 24 hours when that instant has
// already passed. The result is always strictly after now.
func (p *Planner) randomSendTime(now time.Time) time.Time {
	start, end := p.pipeline.SendWindowStart, p.pipeline.SendWindowEnd
	hour := start + p.rng.Intn(end-start+1)
	minute := p.rng.Intn(60)

	sendTime := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !sendTime.After(now) {
		sendTime = sendTime.Add(24 * time.Hour)
	}
	return sendTime
}

// Start runs the planning cycle on a ticker until the context is canceled.
// Intended to run on its own errgroup goroutine. An in-flight cycle finishes
// before Start returns.
func (p *Planner) Start(ctx context.Context) error {
	p.tickerActive.Store(true)
	defer p.tickerActive.Store(false)

	ticker := time.NewTicker(p.pipeline.PlanningInterval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "planner started", "interval", p.pipeline.PlanningInterval)

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "planner stopped")
			return nil
		case <-ticker.C:
			if _, err := p.RunPlanningCycle(ctx); err != nil {
				p.logger.ErrorContext(ctx, "planning cycle failed", "error", err)
			}
		}
	}
}

// PlannerStatus reports the planner's runtime state.
type PlannerStatus struct {
	CycleRunning bool       `json:"cycleRunning"`
	TickerActive bool       `json:"tickerActive"`
	LastCycleAt  *time.Time `json:"lastCycleAt,omitempty"`
	LastPlanned  int        `json:"lastPlanned"`
	PlannedToday int        `json:"plannedToday"`
}

// Status reports whether a cycle is in flight, whether the ticker loop is
// active, and how many messages today's planning produced.
func (p *Planner) Status(ctx context.Context) (*PlannerStatus, error) {
	counts, err := p.counts.CountStatus(ctx, p.now())
	if err != nil {
		return nil, fmt.Errorf("counting planned messages: %w", err)
	}

	st := &PlannerStatus{
		CycleRunning: p.running.Load(),
		TickerActive: p.tickerActive.Load(),
		LastPlanned:  int(p.lastPlanned.Load()),
		PlannedToday: counts.PlannedToday,
	}
	if nanos := p.lastCycleAt.Load(); nanos > 0 {
		t := time.Unix(0, nanos).UTC()
		st.LastCycleAt = &t
	}
	return st, nil
}
