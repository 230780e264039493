package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"autotrader/internal/decision"
	"autotrader/internal/engine"
	"autotrader/internal/monitor"
	"autotrader/internal/scheduler"
)

type mockCycle struct{ mock.Mock }

func (m *mockCycle) RunCycle(ctx context.Context, trigger decision.Trigger) (decision.LogEntry, error) {
	args := m.Called(ctx, trigger)
	return args.Get(0).(decision.LogEntry), args.Error(1)
}

func (m *mockCycle) State() engine.State       { return engine.StateIdle }
func (m *mockCycle) InFlight() bool            { return false }
func (m *mockCycle) LastCycle() engine.Summary { return engine.Summary{TraceID: "t-last", Outcome: engine.OutcomeSkipped} }
func (m *mockCycle) Config() engine.Config {
	return engine.Config{Symbol: "BTC/USDT", Strategy: "medium"}
}

type mockScheduler struct{ mock.Mock }

func (m *mockScheduler) Start(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockScheduler) Stop(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockScheduler) IsRunning() bool                 { return m.Called().Bool(0) }
func (m *mockScheduler) CurrentInterval() time.Duration  { return time.Hour }

type stubMonitor struct{}

func (stubMonitor) IsRunning() bool                { return true }
func (stubMonitor) LastCheck() monitor.CheckResult { return monitor.CheckResult{PnLPercent: -1.5, Holding: true} }
func (stubMonitor) PostAction() monitor.TrackerSnapshot {
	return monitor.TrackerSnapshot{State: monitor.StateHolding}
}

type stubLogs struct {
	entries []decision.LogEntry
	err     error
	limit   int
}

func (s *stubLogs) ListDecisions(_ context.Context, limit int) ([]decision.LogEntry, error) {
	s.limit = limit
	return s.entries, s.err
}

func newTestServer(t *testing.T, cycle *mockCycle, sched *mockScheduler, logs *stubLogs) http.Handler {
	t.Helper()
	cfg := ServerConfig{Cycle: cycle, Monitor: stubMonitor{}}
	if sched != nil {
		cfg.Scheduler = sched
	}
	if logs != nil {
		cfg.Logs = logs
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestNewServerRequiresCycle(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	w, body := do(t, newTestServer(t, &mockCycle{}, nil, nil), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	sched := &mockScheduler{}
	sched.On("IsRunning").Return(true)
	w, body := do(t, newTestServer(t, &mockCycle{}, sched, nil), http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BTC/USDT", body["symbol"])
	assert.Equal(t, string(engine.StateIdle), body["state"])
	assert.Equal(t, "t-last", body["last_cycle"].(map[string]any)["trace_id"])
	assert.Equal(t, true, body["scheduler"].(map[string]any)["running"])
	assert.Equal(t, "1h0m0s", body["scheduler"].(map[string]any)["interval"])
	assert.Equal(t, string(monitor.StateHolding), body["monitor"].(map[string]any)["post_action"].(map[string]any)["state"])
}

func TestSchedulerStartStop(t *testing.T) {
	sched := &mockScheduler{}
	sched.On("Start", mock.Anything).Return(nil).Once()
	sched.On("Start", mock.Anything).Return(scheduler.ErrAlreadyRunning).Once()
	sched.On("Start", mock.Anything).Return(scheduler.ErrStopping).Once()
	sched.On("Stop", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})).Return(scheduler.ErrDrainTimeout).Once()
	h := newTestServer(t, &mockCycle{}, sched, nil)

	w, _ := do(t, h, http.MethodPost, "/api/scheduler/start")
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, h, http.MethodPost, "/api/scheduler/start")
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = do(t, h, http.MethodPost, "/api/scheduler/start")
	assert.Equal(t, http.StatusConflict, w.Code, "draining counts as conflict")
	w, body := do(t, h, http.MethodPost, "/api/scheduler/stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["running"])
	assert.NotEmpty(t, body["warning"])
	sched.AssertExpectations(t)
}

func TestSchedulerNotConfigured(t *testing.T) {
	w, _ := do(t, newTestServer(t, &mockCycle{}, nil, nil), http.MethodPost, "/api/scheduler/start")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestTriggerCycle(t *testing.T) {
	cycle := &mockCycle{}
	cycle.On("RunCycle", mock.Anything, decision.TriggerManual).Return(decision.LogEntry{TraceID: "t-1", State: "executed"}, nil).Once()
	cycle.On("RunCycle", mock.Anything, decision.TriggerManual).Return(decision.LogEntry{}, engine.ErrCycleInFlight).Once()
	cycle.On("RunCycle", mock.Anything, decision.TriggerManual).Return(decision.LogEntry{TraceID: "t-2", State: "aborted"}, errors.New("price feed down")).Once()
	h := newTestServer(t, cycle, nil, nil)

	w, body := do(t, h, http.MethodPost, "/api/cycle/trigger")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t-1", body["entry"].(map[string]any)["trace_id"])

	w, _ = do(t, h, http.MethodPost, "/api/cycle/trigger")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = do(t, h, http.MethodPost, "/api/cycle/trigger")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "price feed down", body["error"])
	cycle.AssertExpectations(t)
}

func TestDecisions(t *testing.T) {
	logs := &stubLogs{entries: []decision.LogEntry{{TraceID: "a"}, {TraceID: "b"}}}
	h := newTestServer(t, &mockCycle{}, nil, logs)

	w, body := do(t, h, http.MethodGet, "/api/decisions?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, 2, logs.limit)

	_, _ = do(t, h, http.MethodGet, "/api/decisions?limit=9999")
	assert.Equal(t, 500, logs.limit)

	w, _ = do(t, h, http.MethodGet, "/api/decisions?limit=abc")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	logs.err = errors.New("db locked")
	w, _ = do(t, h, http.MethodGet, "/api/decisions")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestDecisionsNotConfigured(t *testing.T) {
	w, _ := do(t, newTestServer(t, &mockCycle{}, nil, nil), http.MethodGet, "/api/decisions")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
