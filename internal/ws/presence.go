// Package ws provides the realtime push surface: a websocket hub keyed by
// user ID and the redis-backed presence store the delivery fan-out consults.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"chatpulse/internal/config"
)

const (
	onlineUsersKey   = "online_users"
	userSocketKeyFmt = "user_socket:%s"
	sessionRecordTTL = time.Hour
)

// redisCommands is the subset of redis commands the presence store issues.
// *redis.Client satisfies it; tests use a fake.
type redisCommands interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
}

// sessionRecord is the JSON value stored per connected user.
type sessionRecord struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	OnlineAt     time.Time `json:"onlineAt"`
}

// Presence tracks which users currently hold a websocket connection. Users
// are members of the online_users set and carry a per-user session record
// with a TTL, so a crashed process leaks presence for at most an hour.
type Presence struct {
	client redisCommands
	logger *slog.Logger
}

// NewPresence connects a presence store to redis.
func NewPresence(cfg config.RedisConfig, logger *slog.Logger) *Presence {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewPresenceWithClient(client, logger)
}

// NewPresenceWithClient builds a presence store over an existing client.
func NewPresenceWithClient(client redisCommands, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{client: client, logger: logger}
}

// MarkOnline records a user's connection.
func (p *Presence) MarkOnline(ctx context.Context, userID, connectionID string) error {
	record, err := json.Marshal(sessionRecord{
		UserID:       userID,
		ConnectionID: connectionID,
		OnlineAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("ws: marshaling session record: %w", err)
	}

	key := fmt.Sprintf(userSocketKeyFmt, userID)
	if err := p.client.Set(ctx, key, record, sessionRecordTTL).Err(); err != nil {
		return fmt.Errorf("ws: storing session record for %s: %w", userID, err)
	}
	if err := p.client.SAdd(ctx, onlineUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("ws: adding %s to online set: %w", userID, err)
	}

	p.logger.InfoContext(ctx, "user online", "user_id", userID, "connection_id", connectionID)
	return nil
}

// MarkOffline removes a user's presence.
func (p *Presence) MarkOffline(ctx context.Context, userID string) error {
	key := fmt.Sprintf(userSocketKeyFmt, userID)
	if err := p.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("ws: deleting session record for %s: %w", userID, err)
	}
	if err := p.client.SRem(ctx, onlineUsersKey, userID).Err(); err != nil {
		return fmt.Errorf("ws: removing %s from online set: %w", userID, err)
	}

	p.logger.InfoContext(ctx, "user offline", "user_id", userID)
	return nil
}

// IsOnline reports whether the user has an active connection.
func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, err := p.client.SIsMember(ctx, onlineUsersKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("ws: checking presence of %s: %w", userID, err)
	}
	return online, nil
}

// OnlineUsers returns the IDs of all currently connected users.
func (p *Presence) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := p.client.SMembers(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ws: listing online users: %w", err)
	}
	return users, nil
}

// OnlineCount returns how many users are currently connected.
func (p *Presence) OnlineCount(ctx context.Context) (int64, error) {
	n, err := p.client.SCard(ctx, onlineUsersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("ws: counting online users: %w", err)
	}
	return n, nil
}
