// Package consumer materializes delivered chat messages from queue envelopes.
// It is the only writer of the DELIVERED state: for each envelope it inserts
// the chat message, updates the conversation head, flips the planned record,
// and fans the delivery out to connected users.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatpulse/internal/broker"
	"chatpulse/internal/search"
	"chatpulse/internal/types"
)

// PlannedMessageStore provides the planned-message operations the consumer
// needs. GetByID hydrates sender, receiver, and conversation.
type PlannedMessageStore interface {
	GetByID(ctx context.Context, id string) (*types.PlannedMessage, error)
	MarkDelivered(ctx context.Context, id, messageID string, at time.Time) (bool, error)
}

// MessageStore persists materialized chat messages.
type MessageStore interface {
	Create(ctx context.Context, m *types.Message) error
}

// ConversationUpdater maintains the conversation's last-message head.
type ConversationUpdater interface {
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
}

// Broker is the subscription surface of the broker client.
type Broker interface {
	Consume(ctx context.Context, queueName string, handler broker.Handler) error
	Cancel() error
	IsConnected() bool
	QueueInfo(ctx context.Context, queueName string) (broker.QueueInfo, error)
}

// Indexer submits delivered messages to the search index.
type Indexer interface {
	IndexMessage(ctx context.Context, doc search.MessageDocument) error
}

// Notifier pushes delivery events to connected users.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload any) error
}

// Consumer subscribes to the work queue and processes envelopes. Returning an
// error from an envelope hands it to the broker's retry policy; returning nil
// acknowledges it. Redeliveries are absorbed by the delivered check, so
// processing is idempotent per planned message.
type Consumer struct {
	planned       PlannedMessageStore
	messages      MessageStore
	conversations ConversationUpdater
	broker        Broker
	indexer       Indexer // nil disables search indexing
	notifier      Notifier

	queue  string
	logger *slog.Logger
	now    func() time.Time

	running      atomic.Bool
	lastActivity atomic.Int64

	mu      sync.Mutex
	stopSub context.CancelFunc
}

// Config holds the dependencies for creating a Consumer.
type Config struct {
	Planned       PlannedMessageStore
	Messages      MessageStore
	Conversations ConversationUpdater
	Broker        Broker
	Indexer       Indexer // optional
	Notifier      Notifier
	Queue         string
	Logger        *slog.Logger
	Now           func() time.Time
}

// New creates a Consumer. Start must be called before envelopes flow.
func New(cfg Config) *Consumer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Consumer{
		planned:       cfg.Planned,
		messages:      cfg.Messages,
		conversations: cfg.Conversations,
		broker:        cfg.Broker,
		indexer:       cfg.Indexer,
		notifier:      cfg.Notifier,
		queue:         cfg.Queue,
		logger:        logger,
		now:           now,
	}
}

// Start subscribes to the work queue. Starting an already-running consumer is
// a conflict.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return types.NewAppError(types.ErrCodeConflictCycleRunning,
			"consumer is already running", nil)
	}

	subCtx, cancel := context.WithCancel(ctx)
	if err := c.broker.Consume(subCtx, c.queue, c.processEnvelope); err != nil {
		cancel()
		c.running.Store(false)
		return err
	}

	c.mu.Lock()
	c.stopSub = cancel
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "consumer started", "queue", c.queue)
	return nil
}

// Stop cancels the subscription. Stopping a stopped consumer is a no-op.
func (c *Consumer) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.mu.Lock()
	if c.stopSub != nil {
		c.stopSub()
		c.stopSub = nil
	}
	c.mu.Unlock()

	if err := c.broker.Cancel(); err != nil {
		return fmt.Errorf("canceling subscription: %w", err)
	}
	c.logger.Info("consumer stopped", "queue", c.queue)
	return nil
}

// processEnvelope runs the delivery sequence for one envelope.
func (c *Consumer) processEnvelope(ctx context.Context, env types.QueueEnvelope) error {
	c.lastActivity.Store(c.now().UnixNano())

	pm, err := c.planned.GetByID(ctx, env.ID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundPlannedMessage {
			// The record is gone; retrying cannot heal a missing row, so the
			// envelope is acknowledged and dropped.
			c.logger.ErrorContext(ctx, "planned message missing, dropping envelope",
				"planned_message_id", env.ID)
			return nil
		}
		return fmt.Errorf("loading planned message %s: %w", env.ID, err)
	}

	if pm.IsDelivered {
		c.logger.WarnContext(ctx, "planned message already delivered, redelivery ignored",
			"planned_message_id", pm.ID)
		return nil
	}

	now := c.now()
	msg := &types.Message{
		ConversationID: pm.ConversationID,
		SenderID:       pm.SenderID,
		Content:        pm.Content,
		Origin:         types.OriginScheduled,
	}
	if err := c.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("inserting message for %s: %w", pm.ID, err)
	}

	if err := c.conversations.SetLastMessage(ctx, pm.ConversationID, msg.ID, now); err != nil {
		return fmt.Errorf("updating conversation %s: %w", pm.ConversationID, err)
	}

	ok, err := c.planned.MarkDelivered(ctx, pm.ID, msg.ID, now)
	if err != nil {
		return fmt.Errorf("marking %s delivered: %w", pm.ID, err)
	}
	if !ok {
		// A concurrent consumer won the delivery race after our check; its
		// message stands and ours is an orphan worth flagging.
		c.logger.WarnContext(ctx, "lost delivery race",
			"planned_message_id", pm.ID, "orphan_message_id", msg.ID)
		return nil
	}

	c.indexMessage(ctx, pm, msg)
	c.notifyParties(ctx, pm, msg)

	c.logger.InfoContext(ctx, "planned message delivered",
		"planned_message_id", pm.ID,
		"message_id", msg.ID,
		"conversation_id", pm.ConversationID,
	)
	return nil
}

// indexMessage submits the delivered message to the search index. Indexing is
// best-effort and never fails the delivery.
func (c *Consumer) indexMessage(ctx context.Context, pm *types.PlannedMessage, msg *types.Message) {
	if c.indexer == nil {
		return
	}

	doc := search.MessageDocument{
		ID:             msg.ID,
		Content:        msg.Content,
		SenderID:       pm.SenderID,
		ReceiverID:     pm.ReceiverID,
		ConversationID: pm.ConversationID,
		Origin:         string(msg.Origin),
		CreatedAt:      msg.CreatedAt,
	}
	if pm.Sender != nil {
		doc.SenderUsername = pm.Sender.Username
	}
	if pm.Receiver != nil {
		doc.ReceiverUsername = pm.Receiver.Username
	}

	if err := c.indexer.IndexMessage(ctx, doc); err != nil {
		c.logger.ErrorContext(ctx, "search indexing failed",
			"message_id", msg.ID, "error", err)
	}
}

// notifyParties pushes message_received to the receiver and message_sent to
// the sender. Push failures are logged; the message is already delivered.
func (c *Consumer) notifyParties(ctx context.Context, pm *types.PlannedMessage, msg *types.Message) {
	if c.notifier == nil {
		return
	}

	received := types.MessageReceivedEvent{Message: msg, Sender: profileOf(pm.Sender, pm.SenderID)}
	if err := c.notifier.Notify(ctx, pm.ReceiverID, types.EventMessageReceived, received); err != nil {
		c.logger.ErrorContext(ctx, "failed to push message_received",
			"user_id", pm.ReceiverID, "message_id", msg.ID, "error", err)
	}

	sent := types.MessageSentEvent{Message: msg, Receiver: profileOf(pm.Receiver, pm.ReceiverID)}
	if err := c.notifier.Notify(ctx, pm.SenderID, types.EventMessageSent, sent); err != nil {
		c.logger.ErrorContext(ctx, "failed to push message_sent",
			"user_id", pm.SenderID, "message_id", msg.ID, "error", err)
	}
}

func profileOf(u *types.User, fallbackID string) types.UserProfile {
	if u != nil {
		return u.Profile()
	}
	return types.UserProfile{ID: fallbackID}
}

// Replay re-runs the delivery sequence for one planned message, bypassing the
// queue. Already-delivered records are rejected.
func (c *Consumer) Replay(ctx context.Context, id string) error {
	pm, err := c.planned.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if pm.IsDelivered {
		return types.NewAppError(types.ErrCodeConflictAlreadyDelivered,
			fmt.Sprintf("planned message %s was already delivered", id), nil)
	}

	c.logger.InfoContext(ctx, "replaying planned message", "planned_message_id", id)
	return c.processEnvelope(ctx, types.NewQueueEnvelope(pm))
}

// Status reports the consumer's runtime state.
type Status struct {
	Running      bool       `json:"running"`
	Connected    bool       `json:"connected"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

// CurrentStatus returns whether the consumer is subscribed, whether the
// broker connection is up, and when an envelope last arrived.
func (c *Consumer) CurrentStatus() Status {
	st := Status{
		Running:   c.running.Load(),
		Connected: c.broker.IsConnected(),
	}
	if nanos := c.lastActivity.Load(); nanos > 0 {
		t := time.Unix(0, nanos).UTC()
		st.LastActivity = &t
	}
	return st
}

// QueueDepth reports the work queue's depth and consumer count.
func (c *Consumer) QueueDepth(ctx context.Context) (broker.QueueInfo, error) {
	return c.broker.QueueInfo(ctx, c.queue)
}
