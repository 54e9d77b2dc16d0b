package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpulse/internal/config"
	"chatpulse/internal/types"
)

// --- Mocks ---

type mockUserLister struct {
	users []*types.User
	err   error
}

func (m *mockUserLister) ListActive(_ context.Context) ([]*types.User, error) {
	return m.users, m.err
}

type mockConversationStore struct {
	existing  map[string]*types.Conversation // key "a|b"
	created   []*types.Conversation
	createErr map[string]error // key senderID, fails Create for that sender
	findErr   error            // overrides lookups with a non-not-found failure
}

func convKey(a, b string) string { return a + "|" + b }

func (m *mockConversationStore) FindByParticipants(_ context.Context, a, b string) (*types.Conversation, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if c, ok := m.existing[convKey(a, b)]; ok {
		return c, nil
	}
	// Mirrors the repository contract: a missing conversation is an AppError,
	// not a nil result.
	return nil, types.NewAppError(types.ErrCodeNotFoundConversation, "conversation not found", nil)
}

func (m *mockConversationStore) Create(_ context.Context, c *types.Conversation) error {
	if err := m.createErr[c.ParticipantIDs[0]]; err != nil {
		return err
	}
	c.ID = fmt.Sprintf("conv-%d", len(m.created)+1)
	m.created = append(m.created, c)
	return nil
}

type mockPlannedCreator struct {
	batches [][]*types.PlannedMessage
	err     error
}

func (m *mockPlannedCreator) CreateBatch(_ context.Context, batch []*types.PlannedMessage) error {
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, batch)
	return nil
}

type mockStatusCounter struct {
	counts types.PlannedMessageCounts
	err    error
}

func (m *mockStatusCounter) CountStatus(_ context.Context, _ time.Time) (*types.PlannedMessageCounts, error) {
	if m.err != nil {
		return nil, m.err
	}
	c := m.counts
	return &c, nil
}

// --- Helpers ---

func makeUsers(n int) []*types.User {
	users := make([]*types.User, n)
	for i := range users {
		users[i] = &types.User{
			ID:       fmt.Sprintf("u%d", i+1),
			Username: fmt.Sprintf("user%d", i+1),
			IsActive: true,
		}
	}
	return users
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		PlanningInterval:  10 * time.Minute,
		PromotionInterval: time.Minute,
		BatchSize:         50,
		SendWindowStart:   9,
		SendWindowEnd:     23,
		ReapInterval:      15 * time.Minute,
		StalledAfter:      time.Hour,
		ReapBatchSize:     100,
	}
}

func newTestPlanner(users *mockUserLister, convs *mockConversationStore, planned *mockPlannedCreator, now time.Time) *Planner {
	if convs.existing == nil {
		convs.existing = map[string]*types.Conversation{}
	}
	return NewPlanner(PlannerConfig{
		Users:         users,
		Conversations: convs,
		Planned:       planned,
		Counts:        &mockStatusCounter{},
		Pipeline:      testPipelineConfig(),
		Rand:          rand.New(rand.NewSource(42)),
		Now:           func() time.Time { return now },
	})
}

// --- Tests ---

func TestRunPlanningCycle_FewerThanTwoUsersIsNoOp(t *testing.T) {
	for _, n := range []int{0, 1} {
		planned := &mockPlannedCreator{}
		p := newTestPlanner(&mockUserLister{users: makeUsers(n)}, &mockConversationStore{}, planned, time.Now().UTC())

		created, err := p.RunPlanningCycle(context.Background())
		require.NoError(t, err)
		assert.Zero(t, created)
		assert.Empty(t, planned.batches)
	}
}

func TestRunPlanningCycle_EvenCountPairsEveryoneOnce(t *testing.T) {
	planned := &mockPlannedCreator{}
	p := newTestPlanner(&mockUserLister{users: makeUsers(6)}, &mockConversationStore{}, planned, time.Now().UTC())

	created, err := p.RunPlanningCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	require.Len(t, planned.batches, 1)
	seen := map[string]int{}
	for _, pm := range planned.batches[0] {
		assert.NotEqual(t, pm.SenderID, pm.ReceiverID)
		seen[pm.SenderID]++
		seen[pm.ReceiverID]++
	}
	// With an even count every user appears in exactly one pair.
	require.Len(t, seen, 6)
	for id, count := range seen {
		assert.Equal(t, 1, count, "user %s", id)
	}
}

func TestRunPlanningCycle_OddCountWrapsLastWithFirst(t *testing.T) {
	planned := &mockPlannedCreator{}
	p := newTestPlanner(&mockUserLister{users: makeUsers(5)}, &mockConversationStore{}, planned, time.Now().UTC())

	created, err := p.RunPlanningCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, created)

	seen := map[string]bool{}
	for _, pm := range planned.batches[0] {
		assert.NotEqual(t, pm.SenderID, pm.ReceiverID)
		seen[pm.SenderID] = true
		seen[pm.ReceiverID] = true
	}
	// Nobody is dropped: all five users participate.
	assert.Len(t, seen, 5)
}

func TestPairUsers_NeverSelfPairs(t *testing.T) {
	for n := 2; n <= 15; n++ {
		p := newTestPlanner(&mockUserLister{}, &mockConversationStore{}, &mockPlannedCreator{}, time.Now().UTC())
		pairs := p.pairUsers(makeUsers(n))

		expected := n / 2
		if n%2 == 1 {
			expected++
		}
		assert.Len(t, pairs, expected, "n=%d", n)
		for _, pair := range pairs {
			assert.NotEqual(t, pair.sender.ID, pair.receiver.ID, "n=%d", n)
		}
	}
}

func TestRandomSendTime_AlwaysFutureWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	p := newTestPlanner(&mockUserLister{}, &mockConversationStore{}, &mockPlannedCreator{}, now)

	for i := 0; i < 200; i++ {
		st := p.randomSendTime(now)
		assert.True(t, st.After(now), "send time %v not after %v", st, now)
		assert.GreaterOrEqual(t, st.Hour(), 9)
		assert.LessOrEqual(t, st.Hour(), 23)
	}
}

func TestRandomSendTime_RollsToNextDayWhenWindowPassed(t *testing.T) {
	// At 23:59 every slot in today's window has passed.
	now := time.Date(2026, 3, 10, 23, 59, 30, 0, time.UTC)
	p := newTestPlanner(&mockUserLister{}, &mockConversationStore{}, &mockPlannedCreator{}, now)

	for i := 0; i < 50; i++ {
		st := p.randomSendTime(now)
		assert.True(t, st.After(now))
		assert.Equal(t, 11, st.Day())
	}
}

func TestRunPlanningCycle_ReusesExistingConversation(t *testing.T) {
	users := makeUsers(2)
	conv := &types.Conversation{ID: "conv-existing", ParticipantIDs: []string{"u1", "u2"}, Active: true}
	convs := &mockConversationStore{existing: map[string]*types.Conversation{
		convKey("u1", "u2"): conv,
		convKey("u2", "u1"): conv,
	}}
	planned := &mockPlannedCreator{}
	p := newTestPlanner(&mockUserLister{users: users}, convs, planned, time.Now().UTC())

	_, err := p.RunPlanningCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, convs.created)
	require.Len(t, planned.batches, 1)
	assert.Equal(t, "conv-existing", planned.batches[0][0].ConversationID)
}

func TestRunPlanningCycle_CreatesConversationsWhenNoneExist(t *testing.T) {
	convs := &mockConversationStore{}
	planned := &mockPlannedCreator{}
	p := newTestPlanner(&mockUserLister{users: makeUsers(4)}, convs, planned, time.Now().UTC())

	created, err := p.RunPlanningCycle(context.Background())
	require.NoError(t, err)

	// A not-found lookup falls through to conversation creation; both pairs
	// get a fresh conversation and a planned message.
	assert.Equal(t, 2, created)
	require.Len(t, convs.created, 2)
	require.Len(t, planned.batches, 1)
	for _, pm := range planned.batches[0] {
		assert.NotEmpty(t, pm.ConversationID)
	}
}

func TestRunPlanningCycle_LookupFailureSkipsPair(t *testing.T) {
	convs := &mockConversationStore{
		findErr: types.NewAppError(types.ErrCodeInternalDB, "failed to find conversation", errors.New("connection reset")),
	}
	planned := &mockPlannedCreator{}
	p := newTestPlanner(&mockUserLister{users: makeUsers(4)}, convs, planned, time.Now().UTC())

	created, err := p.RunPlanningCycle(context.Background())
	require.NoError(t, err)

	// Only not-found errors trigger creation; other failures skip the pair.
	assert.Zero(t, created)
	assert.Empty(t, convs.created)
	assert.Empty(t, planned.batches)
}

func TestRunPlanningCycle_PairFailureDoesNotAbortBatch(t *testing.T) {
	users := makeUsers(4)
	convs := &mockConversationStore{createErr: map[string]error{}}
	planned := &mockPlannedCreator{}
	p := newTestPlanner(&mockUserLister{users: users}, convs, planned, time.Now().UTC())

	// Fail conversation creation for whichever user leads the first pair.
	pairs := p.pairUsers(users)
	convs.createErr[pairs[0].sender.ID] = errors.New("constraint violation")

	// Re-seed so the cycle shuffles identically to the probe above.
	p.rng = rand.New(rand.NewSource(42))
	created, err := p.RunPlanningCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, created)
	require.Len(t, planned.batches, 1)
	assert.Len(t, planned.batches[0], 1)
}

func TestRunPlanningCycle_ContentComesFromTemplatePool(t *testing.T) {
	planned := &mockPlannedCreator{}
	p := newTestPlanner(&mockUserLister{users: makeUsers(8)}, &mockConversationStore{}, planned, time.Now().UTC())

	_, err := p.RunPlanningCycle(context.Background())
	require.NoError(t, err)

	for _, pm := range planned.batches[0] {
		assert.Contains(t, messageTemplates, pm.Content)
		assert.LessOrEqual(t, len(pm.Content), types.MaxContentLength)
	}
}

func TestRunPlanningCycle_OverlappingTriggerRejected(t *testing.T) {
	p := newTestPlanner(&mockUserLister{users: makeUsers(2)}, &mockConversationStore{}, &mockPlannedCreator{}, time.Now().UTC())

	p.running.Store(true)
	_, err := p.RunPlanningCycle(context.Background())

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictCycleRunning, appErr.Code)

	// The rejected trigger must not clear the guard held by the real cycle.
	assert.True(t, p.running.Load())
}

func TestPlannerStatus_ReportsCountsAndLastCycle(t *testing.T) {
	counter := &mockStatusCounter{counts: types.PlannedMessageCounts{PlannedToday: 7}}
	p := NewPlanner(PlannerConfig{
		Users:         &mockUserLister{users: makeUsers(2)},
		Conversations: &mockConversationStore{existing: map[string]*types.Conversation{}},
		Planned:       &mockPlannedCreator{},
		Counts:        counter,
		Pipeline:      testPipelineConfig(),
		Rand:          rand.New(rand.NewSource(1)),
	})

	st, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.CycleRunning)
	assert.Nil(t, st.LastCycleAt)
	assert.Equal(t, 7, st.PlannedToday)

	_, err = p.RunPlanningCycle(context.Background())
	require.NoError(t, err)

	st, err = p.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.LastCycleAt)
	assert.Equal(t, 1, st.LastPlanned)
}
