// Package broker owns connectivity to the AMQP message broker and the
// work-queue topology used by the scheduled-message pipeline.
//
// Topology: one durable work queue with a per-message TTL and a dead-letter
// binding to a retry queue through a direct exchange. Envelopes are published
// persistent with a retry counter in the message headers; the counter never
// travels in the body.
//
// Failure policy: connecting retries a bounded number of times with a delay
// that grows linearly with the attempt number. Exhausting the attempts
// surfaces the error to the caller -- the rest of the system degrades to
// accumulating planned messages without publishing or consuming them.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"chatpulse/internal/config"
	"chatpulse/internal/types"
)

// Handler processes one decoded queue envelope. Returning an error routes the
// delivery through the retry/dead-letter policy.
type Handler func(ctx context.Context, env types.QueueEnvelope) error

// QueueInfo reports queue depth and consumer count for observability.
type QueueInfo struct {
	Name      string `json:"name"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// channel is the subset of *amqp.Channel the client uses. Consuming it
// through an interface keeps the client testable without a live broker.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	QueueInspect(name string) (amqp.Queue, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// connection abstracts *amqp.Connection for the same reason.
type connection interface {
	Channel() (channel, error)
	IsClosed() bool
	Close() error
}

// dialFunc opens a broker connection. Production uses amqpDial; tests inject
// fakes.
type dialFunc func(url string) (connection, error)

// amqpConnection adapts *amqp.Connection to the connection interface
// (Channel returns a concrete type, which Go interfaces cannot absorb
// directly).
type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (channel, error) { return c.conn.Channel() }
func (c *amqpConnection) IsClosed() bool            { return c.conn.IsClosed() }
func (c *amqpConnection) Close() error              { return c.conn.Close() }

func amqpDial(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

// Client maintains a single broker connection and channel, declares the
// topology on every connect, and implements the publish/consume/inspect
// operations. All methods are safe for concurrent use.
type Client struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	dial  dialFunc
	sleep func(time.Duration)

	mu          sync.Mutex
	conn        connection
	ch          channel
	consumerTag string
}

// New creates a broker client. No connection is made until Connect or the
// first Publish/Consume call.
func New(cfg config.BrokerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dial:   amqpDial,
		sleep:  time.Sleep,
	}
}

// Connect establishes the connection and channel and declares the topology.
// On failure it retries up to the configured attempt cap with a linearly
// growing delay; exhausting the cap returns an upstream AppError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.connectOnceLocked(); err != nil {
			lastErr = err
			c.logger.Warn("broker connect attempt failed",
				"attempt", attempt,
				"max_attempts", c.cfg.ConnectAttempts,
				"error", err,
			)
			if attempt < c.cfg.ConnectAttempts {
				c.sleep(c.cfg.ConnectBaseDelay * time.Duration(attempt))
			}
			continue
		}

		c.logger.Info("broker connected", "queue", c.cfg.Queue)
		return nil
	}

	return types.NewAppError(types.ErrCodeBrokerUnavailable,
		"broker connection attempts exhausted", lastErr)
}

func (c *Client) connectOnceLocked() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if err := c.declareTopology(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	c.conn = conn
	c.ch = ch
	return nil
}

// declareTopology asserts the work queue, the dead-letter exchange, and the
// retry queue. Declarations are idempotent on the broker side.
func (c *Client) declareTopology(ch channel) error {
	if err := ch.ExchangeDeclare(c.cfg.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(c.cfg.RetryQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring retry queue: %w", err)
	}

	if err := ch.QueueBind(c.cfg.RetryQueue, c.cfg.RetryRoutingKey, c.cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("binding retry queue: %w", err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, amqp.Table{
		"x-message-ttl":             int32(c.cfg.MessageTTL.Milliseconds()),
		"x-dead-letter-exchange":    c.cfg.DeadLetterExchange,
		"x-dead-letter-routing-key": c.cfg.RetryRoutingKey,
	}); err != nil {
		return fmt.Errorf("declaring work queue: %w", err)
	}

	return nil
}

// ensureChannelLocked lazily (re)connects when no usable channel is present.
func (c *Client) ensureChannelLocked(ctx context.Context) (channel, error) {
	if c.ch != nil && c.conn != nil && !c.conn.IsClosed() {
		return c.ch, nil
	}
	c.ch = nil
	c.conn = nil
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	return c.ch, nil
}

// Publish serializes the envelope and sends it persistently to the given
// queue via the default exchange, with the retry counter header initialized
// to zero. Reconnects automatically when the channel is absent.
func (c *Client) Publish(ctx context.Context, queueName string, env types.QueueEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureChannelLocked(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshaling envelope %s: %w", env.ID, err)
	}

	err = ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{types.RetryCountHeader: int32(0)},
	})
	if err != nil {
		// Drop the channel so the next publish redials.
		c.ch = nil
		return types.NewAppError(types.ErrCodeBrokerUnavailable,
			fmt.Sprintf("failed to publish envelope %s", env.ID), err)
	}

	c.logger.Info("envelope published",
		"queue", queueName,
		"planned_message_id", env.ID,
		"sender_id", env.SenderID,
		"receiver_id", env.ReceiverID,
	)
	return nil
}

// Consume subscribes to the queue and invokes handler for every delivery.
// The subscription loop runs on its own goroutine until the context is
// canceled, Cancel is called, or the delivery channel closes.
//
// Per-delivery policy: handler success acknowledges the delivery. On handler
// failure the retry counter header is consulted; below the cap the body is
// republished through the dead-letter route with the counter incremented and
// the original is acknowledged (removing it from the work queue), at or above
// the cap the delivery is negatively acknowledged without requeue and
// dropped. The stalled-record reaper reconciles records lost this way.
func (c *Client) Consume(ctx context.Context, queueName string, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureChannelLocked(ctx)
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("chatpulse-consumer-%d", time.Now().UnixNano())
	deliveries, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable,
			fmt.Sprintf("failed to consume queue %s", queueName), err)
	}
	c.consumerTag = tag

	go c.consumeLoop(ctx, deliveries, handler)

	c.logger.Info("consuming queue", "queue", queueName, "consumer_tag", tag)
	return nil
}

func (c *Client) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed")
				return
			}
			c.handleDelivery(ctx, d, handler)
		}
	}
}

// handleDelivery runs the handler for one delivery and applies the
// ack/retry/dead-letter policy.
func (c *Client) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	var env types.QueueEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.logger.Error("dropping undecodable delivery", "error", err)
		_ = d.Nack(false, false)
		return
	}

	if err := handler(ctx, env); err != nil {
		c.retryOrDrop(d, env, err)
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack delivery", "planned_message_id", env.ID, "error", err)
	}
}

func (c *Client) retryOrDrop(d amqp.Delivery, env types.QueueEnvelope, cause error) {
	retries := headerRetryCount(d.Headers)

	if retries < c.cfg.MaxRetries {
		if err := c.republish(d.Body, retries+1); err != nil {
			c.logger.Error("failed to republish for retry, requeueing",
				"planned_message_id", env.ID, "error", err)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		c.logger.Warn("envelope routed to retry queue",
			"planned_message_id", env.ID,
			"attempt", retries+1,
			"max_retries", c.cfg.MaxRetries,
			"error", cause,
		)
		return
	}

	_ = d.Nack(false, false)
	c.logger.Error("envelope dropped after exhausting retries",
		"planned_message_id", env.ID,
		"retries", retries,
		"error", cause,
	)
}

// republish sends the original body through the dead-letter exchange with an
// incremented retry counter.
func (c *Client) republish(body []byte, retryCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "no channel for republish", nil)
	}

	return c.ch.Publish(c.cfg.DeadLetterExchange, c.cfg.RetryRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      amqp.Table{types.RetryCountHeader: int32(retryCount)},
	})
}

// Cancel stops the active subscription, if any. In-flight deliveries finish
// on the consume loop before it drains.
func (c *Client) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil || c.consumerTag == "" {
		return nil
	}
	tag := c.consumerTag
	c.consumerTag = ""
	if err := c.ch.Cancel(tag, false); err != nil {
		return fmt.Errorf("broker: canceling consumer %s: %w", tag, err)
	}
	return nil
}

// IsConnected reports whether a live connection and channel are present.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.ch != nil && !c.conn.IsClosed()
}

// QueueInfo inspects a queue, returning its depth and consumer count.
func (c *Client) QueueInfo(ctx context.Context, queueName string) (QueueInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, err := c.ensureChannelLocked(ctx)
	if err != nil {
		return QueueInfo{}, err
	}

	q, err := ch.QueueInspect(queueName)
	if err != nil {
		return QueueInfo{}, types.NewAppError(types.ErrCodeBrokerUnavailable,
			fmt.Sprintf("failed to inspect queue %s", queueName), err)
	}

	return QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// Close tears down the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// headerRetryCount reads the retry counter from delivery headers. AMQP
// numeric header types vary by client, so all integer widths are accepted.
func headerRetryCount(headers amqp.Table) int {
	switch v := headers[types.RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
