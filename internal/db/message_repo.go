package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chatpulse/internal/types"
)

// MessageRepository provides data access for the messages table. The pipeline
// only inserts scheduled-origin messages; reads happen through the external
// REST surface.
type MessageRepository struct {
	db DBTX
}

// NewMessageRepository creates a new MessageRepository backed by the given
// database connection (pool or transaction).
func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts a new message. If the ID is empty a new UUID is generated;
// CreatedAt defaults to now.
func (r *MessageRepository) Create(ctx context.Context, m *types.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, content, origin, is_read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, m.SenderID, m.Content, string(m.Origin), m.IsRead, m.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create message", err)
	}
	return nil
}
