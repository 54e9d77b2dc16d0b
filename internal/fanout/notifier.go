// Package fanout decides which users receive a realtime push for a delivered
// message. It owns no connection state: presence lives in redis and sessions
// live in the websocket hub.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
)

// PresenceChecker answers whether a user currently holds a connection.
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// SessionSender pushes an event to every session of one user.
type SessionSender interface {
	SendToUser(userID string, event string, payload any)
}

// Notifier delivers events to online users and silently skips offline ones;
// offline users see the message when they next fetch the conversation.
type Notifier struct {
	presence PresenceChecker
	sender   SessionSender
	logger   *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(presence PresenceChecker, sender SessionSender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{presence: presence, sender: sender, logger: logger}
}

// Notify pushes one event to one user if they are online. A presence lookup
// failure is returned; an offline user is not an error.
func (n *Notifier) Notify(ctx context.Context, userID, event string, payload any) error {
	online, err := n.presence.IsOnline(ctx, userID)
	if err != nil {
		return fmt.Errorf("fanout: checking presence of %s: %w", userID, err)
	}

	if !online {
		n.logger.DebugContext(ctx, "user offline, push skipped",
			"user_id", userID, "event", event)
		return nil
	}

	n.sender.SendToUser(userID, event, payload)
	n.logger.InfoContext(ctx, "event pushed", "user_id", userID, "event", event)
	return nil
}
