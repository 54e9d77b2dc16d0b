package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpulse/internal/types"
)

func TestFindByParticipants_NotFound(t *testing.T) {
	mock := &mockDBTX{rowScan: func(...any) error { return pgx.ErrNoRows }}
	repo := NewConversationRepository(mock)

	_, err := repo.FindByParticipants(context.Background(), "u1", "u2")
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundConversation, appErr.Code)

	// Exact two-participant match, order-insensitive.
	sql := mock.querySQL[0]
	assert.Contains(t, sql, "participant_ids @>")
	assert.Contains(t, sql, "cardinality(participant_ids) = 2")
}

func TestCreate_AssignsIDAndActivates(t *testing.T) {
	mock := &mockDBTX{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := NewConversationRepository(mock)

	c := &types.Conversation{ParticipantIDs: []string{"u1", "u2"}}
	require.NoError(t, repo.Create(context.Background(), c))

	assert.NotEmpty(t, c.ID)
	assert.True(t, c.Active)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestSetLastMessage_UnknownConversation(t *testing.T) {
	mock := &mockDBTX{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := NewConversationRepository(mock)

	err := repo.SetLastMessage(context.Background(), "missing", "msg1", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundConversation, appErr.Code)
}
