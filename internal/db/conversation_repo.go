package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"chatpulse/internal/types"
)

// ConversationRepository provides data access for the conversations table.
// Participants are stored as a text array; lookup by participant pair uses
// containment in both directions so participant order never matters.
type ConversationRepository struct {
	db DBTX
}

// NewConversationRepository creates a new ConversationRepository backed by
// the given database connection (pool or transaction).
func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// FindByParticipants returns the conversation whose participant set is
// exactly {a, b}, or a not-found AppError when none exists.
func (r *ConversationRepository) FindByParticipants(ctx context.Context, a, b string) (*types.Conversation, error) {
	c := &types.Conversation{}
	err := r.db.QueryRow(ctx,
		`SELECT id, participant_ids, last_message_id, last_message_at, active, created_at
		 FROM conversations
		 WHERE participant_ids @> ARRAY[$1, $2]::text[]
		   AND cardinality(participant_ids) = 2`,
		a, b,
	).Scan(&c.ID, &c.ParticipantIDs, &c.LastMessageID, &c.LastMessageAt, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundConversation, "conversation not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find conversation", err)
	}
	return c, nil
}

// Create inserts a new active conversation for the given participants. If the
// ID is empty a new UUID is generated.
func (r *ConversationRepository) Create(ctx context.Context, c *types.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Active = true

	_, err := r.db.Exec(ctx,
		`INSERT INTO conversations (id, participant_ids, last_message_id, last_message_at, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ParticipantIDs, c.LastMessageID, c.LastMessageAt, c.Active, c.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create conversation", err)
	}
	return nil
}

// GetByID returns one conversation by id.
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*types.Conversation, error) {
	c := &types.Conversation{}
	err := r.db.QueryRow(ctx,
		`SELECT id, participant_ids, last_message_id, last_message_at, active, created_at
		 FROM conversations
		 WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.ParticipantIDs, &c.LastMessageID, &c.LastMessageAt, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundConversation, "conversation not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get conversation", err)
	}
	return c, nil
}

// SetLastMessage records the most recent materialized message on the
// conversation.
func (r *ConversationRepository) SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversations
		 SET last_message_id = $2, last_message_at = $3
		 WHERE id = $1`,
		conversationID, messageID, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update conversation last message", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundConversation, "conversation not found", nil)
	}
	return nil
}
