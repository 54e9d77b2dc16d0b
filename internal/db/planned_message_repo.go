package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"chatpulse/internal/types"
)

// PlannedMessageRepository provides data access for the planned_messages
// table, the single shared mutable resource of the pipeline. The table is
// indexed on (scheduled_at, is_promoted) for due-selection and on
// (is_delivered) for status queries.
//
// State transitions are single-row updates guarded by WHERE clauses so that
// two components racing on the same record cannot move it backwards:
// MarkPromoted only touches unpromoted rows, MarkDelivered only undelivered
// ones.
type PlannedMessageRepository struct {
	db DBTX
}

// NewPlannedMessageRepository creates a new PlannedMessageRepository backed
// by the given database connection (pool or transaction).
func NewPlannedMessageRepository(db DBTX) *PlannedMessageRepository {
	return &PlannedMessageRepository{db: db}
}

// CreateBatch inserts a batch of planned messages in a single round trip.
// Empty IDs are assigned fresh UUIDs. An empty batch is a no-op.
func (r *PlannedMessageRepository) CreateBatch(ctx context.Context, batch []*types.PlannedMessage) error {
	if len(batch) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(batch))
	for _, pm := range batch {
		if pm.ID == "" {
			pm.ID = uuid.New().String()
		}
		if pm.CreatedAt.IsZero() {
			pm.CreatedAt = now
		}
		pm.UpdatedAt = pm.CreatedAt
		rows = append(rows, []any{
			pm.ID, pm.SenderID, pm.ReceiverID, pm.Content, pm.ScheduledAt,
			pm.ConversationID, pm.IsPromoted, pm.IsDelivered, pm.CreatedAt, pm.UpdatedAt,
		})
	}

	copyCount, err := copyFrom(ctx, r.db, pgx.Identifier{"planned_messages"},
		[]string{
			"id", "sender_id", "receiver_id", "content", "scheduled_at",
			"conversation_id", "is_promoted", "is_delivered", "created_at", "updated_at",
		},
		rows,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert planned message batch", err)
	}
	if copyCount != int64(len(batch)) {
		return types.NewAppError(types.ErrCodeInternalDB, "planned message batch insert incomplete", nil)
	}
	return nil
}

// copyFrom uses the pgx bulk-copy fast path when the connection supports it,
// falling back to row-by-row inserts for transactions and test doubles that
// only implement DBTX.
func copyFrom(ctx context.Context, db DBTX, table pgx.Identifier, columns []string, rows [][]any) (int64, error) {
	type copier interface {
		CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	}
	if c, ok := db.(copier); ok {
		return c.CopyFrom(ctx, table, columns, pgx.CopyFromRows(rows))
	}

	for _, row := range rows {
		_, err := db.Exec(ctx,
			`INSERT INTO planned_messages
			 (id, sender_id, receiver_id, content, scheduled_at,
			  conversation_id, is_promoted, is_delivered, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			row...,
		)
		if err != nil {
			return 0, err
		}
	}
	return int64(len(rows)), nil
}

// GetByID returns one planned message with its sender, receiver, and
// conversation hydrated. Returns a not-found AppError when the id is unknown.
func (r *PlannedMessageRepository) GetByID(ctx context.Context, id string) (*types.PlannedMessage, error) {
	pm := &types.PlannedMessage{
		Sender:       &types.User{},
		Receiver:     &types.User{},
		Conversation: &types.Conversation{},
	}

	err := r.db.QueryRow(ctx,
		`SELECT pm.id, pm.sender_id, pm.receiver_id, pm.content, pm.scheduled_at,
		        pm.conversation_id, pm.is_promoted, pm.is_delivered, pm.delivered_at,
		        pm.produced_message_id, pm.created_at, pm.updated_at,
		        s.id, s.username, s.email, s.is_active, s.created_at,
		        rcv.id, rcv.username, rcv.email, rcv.is_active, rcv.created_at,
		        c.id, c.participant_ids, c.last_message_id, c.last_message_at, c.active, c.created_at
		 FROM planned_messages pm
		 JOIN users s ON s.id = pm.sender_id
		 JOIN users rcv ON rcv.id = pm.receiver_id
		 JOIN conversations c ON c.id = pm.conversation_id
		 WHERE pm.id = $1`,
		id,
	).Scan(
		&pm.ID, &pm.SenderID, &pm.ReceiverID, &pm.Content, &pm.ScheduledAt,
		&pm.ConversationID, &pm.IsPromoted, &pm.IsDelivered, &pm.DeliveredAt,
		&pm.ProducedMessageID, &pm.CreatedAt, &pm.UpdatedAt,
		&pm.Sender.ID, &pm.Sender.Username, &pm.Sender.Email, &pm.Sender.IsActive, &pm.Sender.CreatedAt,
		&pm.Receiver.ID, &pm.Receiver.Username, &pm.Receiver.Email, &pm.Receiver.IsActive, &pm.Receiver.CreatedAt,
		&pm.Conversation.ID, &pm.Conversation.ParticipantIDs, &pm.Conversation.LastMessageID,
		&pm.Conversation.LastMessageAt, &pm.Conversation.Active, &pm.Conversation.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlannedMessage, "planned message not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get planned message", err)
	}
	return pm, nil
}

// ListDue returns up to limit unpromoted records whose scheduled time has
// arrived, oldest due first. This ordering is what makes promotion emit
// non-decreasing scheduled_at values within one cycle.
func (r *PlannedMessageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.PlannedMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, sender_id, receiver_id, content, scheduled_at, conversation_id,
		        is_promoted, is_delivered, delivered_at, produced_message_id, created_at, updated_at
		 FROM planned_messages
		 WHERE scheduled_at <= $1 AND is_promoted = FALSE
		 ORDER BY scheduled_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due planned messages", err)
	}
	defer rows.Close()

	return scanPlannedRows(rows)
}

// ListStalled returns up to limit promoted-but-undelivered records that have
// not been touched since the given cutoff. These are candidates for
// republication by the reaper.
func (r *PlannedMessageRepository) ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]*types.PlannedMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, sender_id, receiver_id, content, scheduled_at, conversation_id,
		        is_promoted, is_delivered, delivered_at, produced_message_id, created_at, updated_at
		 FROM planned_messages
		 WHERE is_promoted = TRUE AND is_delivered = FALSE AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stalled planned messages", err)
	}
	defer rows.Close()

	return scanPlannedRows(rows)
}

// MarkPromoted transitions a record PENDING -> PROMOTED. The WHERE clause
// keeps the transition monotonic: already-promoted rows are left untouched
// and reported via the returned flag.
func (r *PlannedMessageRepository) MarkPromoted(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE planned_messages
		 SET is_promoted = TRUE, updated_at = NOW()
		 WHERE id = $1 AND is_promoted = FALSE`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark planned message promoted", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkDelivered transitions a record to DELIVERED, recording the produced
// message and delivery time. Promotion is forced to true so a replayed record
// that skipped the promoter still satisfies isDelivered => isPromoted.
// Returns false when the record was already delivered.
func (r *PlannedMessageRepository) MarkDelivered(ctx context.Context, id, messageID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE planned_messages
		 SET is_promoted = TRUE, is_delivered = TRUE, delivered_at = $3,
		     produced_message_id = $2, updated_at = NOW()
		 WHERE id = $1 AND is_delivered = FALSE`,
		id, messageID, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark planned message delivered", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkRequeued bumps updated_at after the reaper republishes a stalled
// record, so the same record is not picked up again on the next reap cycle.
func (r *PlannedMessageRepository) MarkRequeued(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE planned_messages SET updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark planned message requeued", err)
	}
	return nil
}

// CountStatus computes the pipeline status counters relative to now.
func (r *PlannedMessageRepository) CountStatus(ctx context.Context, now time.Time) (*types.PlannedMessageCounts, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	counts := &types.PlannedMessageCounts{}
	err := r.db.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE scheduled_at <= $1 AND is_promoted = FALSE),
		   COUNT(*) FILTER (WHERE is_promoted = TRUE AND is_delivered = FALSE),
		   COUNT(*) FILTER (WHERE is_delivered = TRUE AND delivered_at >= $2 AND delivered_at < $3),
		   COUNT(*) FILTER (WHERE is_promoted = FALSE AND scheduled_at >= $2 AND scheduled_at < $3)
		 FROM planned_messages`,
		now, dayStart, dayEnd,
	).Scan(&counts.DueUnpromoted, &counts.PromotedUndelivered, &counts.DeliveredToday, &counts.PlannedToday)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count planned message status", err)
	}
	return counts, nil
}

// scanPlannedRows collects planned message rows without hydrated references.
func scanPlannedRows(rows pgx.Rows) ([]*types.PlannedMessage, error) {
	var out []*types.PlannedMessage
	for rows.Next() {
		pm := &types.PlannedMessage{}
		if err := rows.Scan(
			&pm.ID, &pm.SenderID, &pm.ReceiverID, &pm.Content, &pm.ScheduledAt,
			&pm.ConversationID, &pm.IsPromoted, &pm.IsDelivered, &pm.DeliveredAt,
			&pm.ProducedMessageID, &pm.CreatedAt, &pm.UpdatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan planned message row", err)
		}
		out = append(out, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate planned message rows", err)
	}
	return out, nil
}
