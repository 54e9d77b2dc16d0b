package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpulse/internal/types"
)

type mockStalledStore struct {
	stalled    []*types.PlannedMessage
	listErr    error
	cutoff     time.Time
	limit      int
	requeued   []string
	requeueErr map[string]error
}

func (m *mockStalledStore) ListStalled(_ context.Context, cutoff time.Time, limit int) ([]*types.PlannedMessage, error) {
	m.cutoff = cutoff
	m.limit = limit
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.stalled, nil
}

func (m *mockStalledStore) MarkRequeued(_ context.Context, id string) error {
	if err := m.requeueErr[id]; err != nil {
		return err
	}
	m.requeued = append(m.requeued, id)
	return nil
}

func stalledPlanned(id string) *types.PlannedMessage {
	pm := duePlanned(id, 0)
	pm.IsPromoted = true
	pm.UpdatedAt = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	return pm
}

func newTestReaper(store *mockStalledStore, pub *mockPublisher) *Reaper {
	return NewReaper(ReaperConfig{
		Store:     store,
		Publisher: pub,
		Queue:     "message_sending_queue",
		Pipeline:  testPipelineConfig(),
		Now:       func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) },
	})
}

func TestRunReapCycle_RequeuesStalledRecords(t *testing.T) {
	store := &mockStalledStore{stalled: []*types.PlannedMessage{
		stalledPlanned("pm1"),
		stalledPlanned("pm2"),
	}}
	pub := &mockPublisher{}
	r := newTestReaper(store, pub)

	requeued, err := r.RunReapCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, requeued)
	assert.Equal(t, 2, r.LastRequeued())

	// Cutoff is now minus the stalled threshold, capped at the reap batch.
	assert.Equal(t, time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC), store.cutoff)
	assert.Equal(t, 100, store.limit)

	require.Len(t, pub.published, 2)
	assert.Equal(t, "pm1", pub.published[0].env.ID)
	assert.Equal(t, []string{"pm1", "pm2"}, store.requeued)
}

func TestRunReapCycle_PublishFailureSkipsBump(t *testing.T) {
	store := &mockStalledStore{stalled: []*types.PlannedMessage{
		stalledPlanned("pm1"),
		stalledPlanned("pm2"),
	}}
	pub := &mockPublisher{failFor: map[string]error{"pm1": errors.New("broker gone")}}
	r := newTestReaper(store, pub)

	requeued, err := r.RunReapCycle(context.Background())
	require.NoError(t, err)

	// pm1 keeps its stale updated_at so the next cycle retries it.
	assert.Equal(t, 1, requeued)
	assert.Equal(t, []string{"pm2"}, store.requeued)
}

func TestRunReapCycle_NothingStalledIsNoOp(t *testing.T) {
	store := &mockStalledStore{}
	pub := &mockPublisher{}
	r := newTestReaper(store, pub)

	requeued, err := r.RunReapCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Empty(t, pub.published)
}

func TestRunReapCycle_ListErrorPropagates(t *testing.T) {
	store := &mockStalledStore{listErr: errors.New("connection reset")}
	r := newTestReaper(store, &mockPublisher{})

	_, err := r.RunReapCycle(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "listing stalled planned messages")
}
