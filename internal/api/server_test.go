package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatpulse/internal/broker"
	"chatpulse/internal/consumer"
	"chatpulse/internal/scheduler"
	"chatpulse/internal/types"
)

// --- Fakes ---

type fakePlanner struct {
	planned   int
	runErr    error
	status    *scheduler.PlannerStatus
	statusErr error
}

func (f *fakePlanner) RunPlanningCycle(_ context.Context) (int, error) {
	return f.planned, f.runErr
}

func (f *fakePlanner) Status(_ context.Context) (*scheduler.PlannerStatus, error) {
	return f.status, f.statusErr
}

type fakePromoter struct {
	promoted     int
	runErr       error
	promoteErr   error
	promotedIDs  []string
	batchSizeErr error
	batchSizes   []int
	status       *scheduler.PromoterStatus
}

func (f *fakePromoter) RunPromotionCycle(_ context.Context) (int, error) {
	return f.promoted, f.runErr
}

func (f *fakePromoter) PromoteOne(_ context.Context, id string) error {
	if f.promoteErr != nil {
		return f.promoteErr
	}
	f.promotedIDs = append(f.promotedIDs, id)
	return nil
}

func (f *fakePromoter) SetBatchSize(n int) error {
	if f.batchSizeErr != nil {
		return f.batchSizeErr
	}
	f.batchSizes = append(f.batchSizes, n)
	return nil
}

func (f *fakePromoter) Status(_ context.Context) (*scheduler.PromoterStatus, error) {
	return f.status, nil
}

type fakeConsumerService struct {
	startErr  error
	stopErr   error
	replayErr error
	replayed  []string
	status    consumer.Status
	info      broker.QueueInfo
	infoErr   error
}

func (f *fakeConsumerService) Start(_ context.Context) error { return f.startErr }
func (f *fakeConsumerService) Stop() error                   { return f.stopErr }
func (f *fakeConsumerService) Replay(_ context.Context, id string) error {
	if f.replayErr != nil {
		return f.replayErr
	}
	f.replayed = append(f.replayed, id)
	return nil
}
func (f *fakeConsumerService) CurrentStatus() consumer.Status { return f.status }
func (f *fakeConsumerService) QueueDepth(_ context.Context) (broker.QueueInfo, error) {
	return f.info, f.infoErr
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// --- Helpers ---

type testServer struct {
	server   *Server
	planner  *fakePlanner
	promoter *fakePromoter
	consumer *fakeConsumerService
	db       *fakePinger
}

func newTestServer() *testServer {
	ts := &testServer{
		planner:  &fakePlanner{status: &scheduler.PlannerStatus{PlannedToday: 3}},
		promoter: &fakePromoter{status: &scheduler.PromoterStatus{BatchSize: 50}},
		consumer: &fakeConsumerService{status: consumer.Status{Running: true, Connected: true}},
		db:       &fakePinger{},
	}
	ts.server = NewServer(ServerConfig{
		Planner:  ts.planner,
		Promoter: ts.promoter,
		Consumer: ts.consumer,
		DB:       ts.db,
	})
	return ts
}

func (ts *testServer) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

// --- Tests ---

func TestHealth_OKAndDegraded(t *testing.T) {
	ts := newTestServer()

	rec := ts.request(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Checks["database"])
	assert.Equal(t, "ok", health.Checks["broker"])

	ts.db.err = errors.New("connection refused")
	rec = ts.request(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSchedulerTrigger_ReportsPlannedCount(t *testing.T) {
	ts := newTestServer()
	ts.planner.planned = 12

	rec := ts.request(t, http.MethodPost, "/api/pipeline/scheduler/trigger", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "12 messages planned")
}

func TestSchedulerTrigger_ConflictWhileRunning(t *testing.T) {
	ts := newTestServer()
	ts.planner.runErr = types.NewAppError(types.ErrCodeConflictCycleRunning,
		"a planning cycle is already in progress", nil)

	rec := ts.request(t, http.MethodPost, "/api/pipeline/scheduler/trigger", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.ErrCodeConflictCycleRunning), decodeError(t, rec).Code)
}

func TestSchedulerStatus_ReturnsData(t *testing.T) {
	ts := newTestServer()

	rec := ts.request(t, http.MethodGet, "/api/pipeline/scheduler/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data scheduler.PlannerStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Data.PlannedToday)
}

func TestSetBatchSize_AcceptsValidBody(t *testing.T) {
	ts := newTestServer()

	rec := ts.request(t, http.MethodPut, "/api/pipeline/promoter/batch-size", `{"batchSize": 200}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{200}, ts.promoter.batchSizes)
}

func TestSetBatchSize_OutOfRangeIs400(t *testing.T) {
	ts := newTestServer()
	ts.promoter.batchSizeErr = types.NewAppError(types.ErrCodeValidationBatchSize,
		"batch size 1001 is outside the allowed range 1..1000", nil)

	rec := ts.request(t, http.MethodPut, "/api/pipeline/promoter/batch-size", `{"batchSize": 1001}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationBatchSize), decodeError(t, rec).Code)
}

func TestSetBatchSize_MalformedBodyIs400(t *testing.T) {
	ts := newTestServer()

	for _, body := range []string{"", "not json", `{"batchSize": 10, "extra": true}`} {
		rec := ts.request(t, http.MethodPut, "/api/pipeline/promoter/batch-size", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body=%q", body)
	}
	assert.Empty(t, ts.promoter.batchSizes)
}

func TestConsumerReplay_RunsAndRejects(t *testing.T) {
	ts := newTestServer()

	rec := ts.request(t, http.MethodPost, "/api/pipeline/consumer/replay/pm1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pm1"}, ts.consumer.replayed)

	ts.consumer.replayErr = types.NewAppError(types.ErrCodeConflictAlreadyDelivered,
		"planned message pm1 was already delivered", nil)
	rec = ts.request(t, http.MethodPost, "/api/pipeline/consumer/replay/pm1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.consumer.replayErr = types.NewAppError(types.ErrCodeNotFoundPlannedMessage,
		"planned message nope not found", nil)
	rec = ts.request(t, http.MethodPost, "/api/pipeline/consumer/replay/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConsumerStartStop(t *testing.T) {
	ts := newTestServer()

	rec := ts.request(t, http.MethodPost, "/api/pipeline/consumer/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.consumer.startErr = types.NewAppError(types.ErrCodeConflictCycleRunning,
		"consumer is already running", nil)
	rec = ts.request(t, http.MethodPost, "/api/pipeline/consumer/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/pipeline/consumer/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueInfo_ReturnsDepth(t *testing.T) {
	ts := newTestServer()
	ts.consumer.info = broker.QueueInfo{Name: "message_sending_queue", Messages: 9, Consumers: 1}

	rec := ts.request(t, http.MethodGet, "/api/pipeline/queue/info", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data broker.QueueInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 9, resp.Data.Messages)
}

func TestQueueInfo_BrokerDownIs503(t *testing.T) {
	ts := newTestServer()
	ts.consumer.infoErr = types.NewAppError(types.ErrCodeBrokerUnavailable,
		"failed to inspect queue message_sending_queue", nil)

	rec := ts.request(t, http.MethodGet, "/api/pipeline/queue/info", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGenericErrorDoesNotLeakInternals(t *testing.T) {
	ts := newTestServer()
	ts.planner.statusErr = errors.New("pq: relation planned_messages does not exist")

	rec := ts.request(t, http.MethodGet, "/api/pipeline/scheduler/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	detail := decodeError(t, rec)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), detail.Code)
	assert.NotContains(t, rec.Body.String(), "planned_messages")
}

func TestRequestIDEchoedOnResponse(t *testing.T) {
	ts := newTestServer()

	rec := ts.request(t, http.MethodGet, "/api/health", "")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec = httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
