package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"autotrader/internal/decision"
	"autotrader/internal/executor"
	"autotrader/internal/gateway/notifier"
	"autotrader/internal/market"
	"autotrader/internal/profile"
)

type mockFeed struct{ mock.Mock }

func (m *mockFeed) Price(ctx context.Context, symbol string) (float64, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockFeed) Account(ctx context.Context, symbol string, price float64) (market.AccountState, error) {
	args := m.Called(ctx, symbol, price)
	return args.Get(0).(market.AccountState), args.Error(1)
}

type mockExecutor struct{ mock.Mock }

func (m *mockExecutor) ExecuteMarketOrder(ctx context.Context, d decision.Decision, qty float64, leverage int, opts ...executor.OrderOption) (executor.Order, error) {
	args := m.Called(ctx, d, qty, leverage)
	return args.Get(0).(executor.Order), args.Error(1)
}

type recordingLogs struct {
	mu      sync.Mutex
	entries []decision.LogEntry
}

func (r *recordingLogs) SaveDecisionLog(_ context.Context, e decision.LogEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return int64(len(r.entries)), nil
}

func (r *recordingLogs) all() []decision.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]decision.LogEntry(nil), r.entries...)
}

type capturingNotifier struct {
	mu   sync.Mutex
	msgs []notifier.StructuredMessage
}

func (n *capturingNotifier) Notify(_ context.Context, m notifier.StructuredMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, m)
	return nil
}

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func testProfile() profile.RiskProfile {
	return profile.RiskProfile{
		UserID:             "u1",
		MaxLeverage:        1,
		MaxLossPercent:     -15,
		MaxPositionPercent: 10,
		StopLossPercent:    5,
		TakeProfitPercent:  10,
		PostStopLoss:       profile.PostActionWaitReentry,
		PostTakeProfit:     profile.PostActionHold,
	}
}

func filledSell(qty, price float64) executor.Order {
	return executor.Order{
		ID:               "ord-1",
		Symbol:           "BTC/USDT",
		Side:             executor.SideSell,
		Status:           executor.StatusFilled,
		Quantity:         qty,
		ExecutedQuantity: qty,
		ExecutedPrice:    price,
		Emergency:        true,
		UpdatedAt:        t0,
	}
}

func holding(pnl float64) market.AccountState {
	// invested 1000, value 1000*(1+pnl/100)
	qty := 10.0
	price := 100 * (1 + pnl/100)
	return market.NewAccountState(5000, 4000, qty, price, 1000, market.AccountSourceLedger, t0)
}

func TestEvaluateBoundaries(t *testing.T) {
	p := testProfile()
	b, hit := Evaluate(-5, p)
	require.True(t, hit)
	assert.Equal(t, BreachStopLoss, b.Kind)
	assert.Equal(t, -5.0, b.Threshold)

	_, hit = Evaluate(-4.99, p)
	assert.False(t, hit)

	b, hit = Evaluate(10, p)
	require.True(t, hit)
	assert.Equal(t, BreachTakeProfit, b.Kind)

	_, hit = Evaluate(9.99, p)
	assert.False(t, hit)
}

func TestEmergencyStopLossAppliesWaitReentry(t *testing.T) {
	exec := &mockExecutor{}
	logs := &recordingLogs{}
	n := &capturingNotifier{}
	tracker := NewPostActionTracker(30*time.Minute, 1)
	e := NewEmergencyExecutor("u1", 1, exec, logs, tracker, n)
	e.nowFn = func() time.Time { return t0 }

	acct := holding(-6)
	exec.On("ExecuteMarketOrder", mock.Anything, mock.MatchedBy(func(d decision.Decision) bool {
		return d.Stage == decision.StageEmergency && d.Action == decision.ActionSell && d.Confidence == 1
	}), acct.HoldingQuantity, 1).Return(filledSell(acct.HoldingQuantity, 94), nil).Once()

	order, err := e.Execute(context.Background(), "BTC/USDT", Breach{Kind: BreachStopLoss, PnLPercent: -6, Threshold: -5}, acct, 94, testProfile())
	require.NoError(t, err)
	assert.True(t, order.IsFilled())
	assert.False(t, e.InFlight())

	entries := logs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, decision.TriggerEmergency, entries[0].Trigger)
	assert.Equal(t, "executed", entries[0].State)
	assert.True(t, entries[0].Approved)
	assert.Contains(t, entries[0].RiskReason, "bypassed")

	snap := tracker.Snapshot()
	assert.Equal(t, StatePendingReentry, snap.State)
	assert.Equal(t, 94.0, snap.ExitPrice)
	require.Len(t, n.msgs, 1)
	exec.AssertExpectations(t)
}

func TestEmergencyTakeProfitHoldsFlat(t *testing.T) {
	exec := &mockExecutor{}
	tracker := NewPostActionTracker(time.Minute, 1)
	e := NewEmergencyExecutor("u1", 1, exec, &recordingLogs{}, tracker, nil)
	acct := holding(12)
	exec.On("ExecuteMarketOrder", mock.Anything, mock.Anything, acct.HoldingQuantity, 1).Return(filledSell(acct.HoldingQuantity, 112), nil)

	_, err := e.Execute(context.Background(), "BTC/USDT", Breach{Kind: BreachTakeProfit, PnLPercent: 12, Threshold: 10}, acct, 112, testProfile())
	require.NoError(t, err)
	assert.Equal(t, StateNone, tracker.Snapshot().State)
}

func TestEmergencyFailureLogsAndKeepsState(t *testing.T) {
	exec := &mockExecutor{}
	logs := &recordingLogs{}
	n := &capturingNotifier{}
	tracker := NewPostActionTracker(time.Minute, 1)
	tracker.Seed(true, t0)
	e := NewEmergencyExecutor("u1", 1, exec, logs, tracker, n)
	acct := holding(-8)
	failed := filledSell(acct.HoldingQuantity, 0)
	failed.Status = executor.StatusFailed
	exec.On("ExecuteMarketOrder", mock.Anything, mock.Anything, acct.HoldingQuantity, 1).Return(failed, errors.New("exchange down"))

	_, err := e.Execute(context.Background(), "BTC/USDT", Breach{Kind: BreachStopLoss, PnLPercent: -8, Threshold: -5}, acct, 92, testProfile())
	require.Error(t, err)
	entries := logs.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "execution_failed", entries[0].State)
	assert.Equal(t, "exchange down", entries[0].Error)
	assert.Equal(t, StateHolding, tracker.Snapshot().State)
	require.Len(t, n.msgs, 1)
}

func TestEmergencySingleFlight(t *testing.T) {
	exec := &mockExecutor{}
	release := make(chan struct{})
	entered := make(chan struct{})
	acct := holding(-6)
	exec.On("ExecuteMarketOrder", mock.Anything, mock.Anything, acct.HoldingQuantity, 1).
		Run(func(mock.Arguments) { close(entered); <-release }).
		Return(filledSell(acct.HoldingQuantity, 94), nil).Once()
	e := NewEmergencyExecutor("u1", 1, exec, &recordingLogs{}, NewPostActionTracker(time.Minute, 1), nil)
	b := Breach{Kind: BreachStopLoss, PnLPercent: -6, Threshold: -5}

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(context.Background(), "BTC/USDT", b, acct, 94, testProfile())
		done <- err
	}()
	<-entered
	_, err := e.Execute(context.Background(), "BTC/USDT", b, acct, 94, testProfile())
	assert.ErrorIs(t, err, ErrEmergencyInFlight)
	close(release)
	require.NoError(t, <-done)
	exec.AssertNumberOfCalls(t, "ExecuteMarketOrder", 1)
}

func TestTrackerReentryRequiresCooldownAndDip(t *testing.T) {
	tr := NewPostActionTracker(30*time.Minute, 2)
	tr.Apply(profile.PostActionWaitReentry, "stop_loss", 100, t0)

	ok, reason := tr.AllowBuy(t0.Add(10*time.Minute), 90)
	assert.False(t, ok)
	assert.Contains(t, reason, "cooldown")

	ok, reason = tr.AllowBuy(t0.Add(31*time.Minute), 99)
	assert.False(t, ok)
	assert.Contains(t, reason, "dip")

	ok, _ = tr.AllowBuy(t0.Add(31*time.Minute), 98)
	assert.True(t, ok)

	tr.OnFill(executor.Order{ID: "b1", Side: executor.SideBuy, Status: executor.StatusFilled, UpdatedAt: t0.Add(time.Hour)})
	assert.Equal(t, StateHolding, tr.Snapshot().State)
}

func TestTrackerQuickReentryAndReverse(t *testing.T) {
	tr := NewPostActionTracker(10*time.Minute, 1)
	assert.Equal(t, StatePendingQuickReentry, tr.Apply(profile.PostActionQuickReentry, "take_profit", 110, t0))
	ok, _ := tr.AllowBuy(t0, 111)
	assert.True(t, ok)

	assert.Equal(t, StatePendingReverse, tr.Apply(profile.PostActionReversePosition, "stop_loss", 95, t0))
	ok, _ = tr.AllowBuy(t0.Add(time.Minute), 90)
	assert.False(t, ok)
	ok, _ = tr.AllowBuy(t0.Add(11*time.Minute), 120)
	assert.True(t, ok)
}

func TestTrackerIgnoresUnfilledAndEmergencyFills(t *testing.T) {
	tr := NewPostActionTracker(time.Minute, 1)
	tr.OnFill(executor.Order{Side: executor.SideBuy, Status: executor.StatusFailed})
	assert.Equal(t, StateNone, tr.Snapshot().State)
	tr.Apply(profile.PostActionWaitReentry, "stop_loss", 100, t0)
	tr.OnFill(filledSell(1, 100))
	assert.Equal(t, StatePendingReentry, tr.Snapshot().State)
}

func newMonitor(feed *mockFeed, exec *mockExecutor, logs *recordingLogs, opts ...Option) *LossMonitor {
	e := NewEmergencyExecutor("u1", 1, exec, logs, NewPostActionTracker(time.Minute, 1), nil)
	return NewLossMonitor("u1", "BTC/USDT", feed, profile.Static{"u1": testProfile()}, e, opts...)
}

func TestCheckTriggersEmergencyOnStopLoss(t *testing.T) {
	feed := &mockFeed{}
	exec := &mockExecutor{}
	logs := &recordingLogs{}
	acct := holding(-7)
	feed.On("Price", mock.Anything, "BTC/USDT").Return(93.0, nil)
	feed.On("Account", mock.Anything, "BTC/USDT", 93.0).Return(acct, nil)
	exec.On("ExecuteMarketOrder", mock.Anything, mock.Anything, acct.HoldingQuantity, 1).Return(filledSell(acct.HoldingQuantity, 93), nil).Once()

	m := newMonitor(feed, exec, logs)
	require.NoError(t, m.Check(context.Background()))
	assert.Equal(t, "stop_loss", m.LastCheck().Breach)
	assert.Len(t, logs.all(), 1)
	exec.AssertExpectations(t)
}

func TestCheckWithinBandOrFlatDoesNothing(t *testing.T) {
	feed := &mockFeed{}
	exec := &mockExecutor{}
	feed.On("Price", mock.Anything, "BTC/USDT").Return(100.0, nil)
	feed.On("Account", mock.Anything, "BTC/USDT", 100.0).Return(holding(3), nil).Once()
	feed.On("Account", mock.Anything, "BTC/USDT", 100.0).Return(market.AccountState{TotalBalance: 1000}, nil).Once()

	m := newMonitor(feed, exec, &recordingLogs{})
	require.NoError(t, m.Check(context.Background()))
	assert.True(t, m.LastCheck().Holding)
	require.NoError(t, m.Check(context.Background()))
	assert.False(t, m.LastCheck().Holding)
	exec.AssertNotCalled(t, "ExecuteMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckReportsFeedError(t *testing.T) {
	feed := &mockFeed{}
	feed.On("Price", mock.Anything, "BTC/USDT").Return(0.0, errors.New("timeout"))
	m := newMonitor(feed, &mockExecutor{}, &recordingLogs{})
	err := m.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, m.LastCheck().Error, "timeout")
}

func TestStartStopRunsScheduledChecks(t *testing.T) {
	feed := &mockFeed{}
	var checks atomic.Int32
	feed.On("Price", mock.Anything, "BTC/USDT").Run(func(mock.Arguments) { checks.Add(1) }).Return(100.0, nil)
	feed.On("Account", mock.Anything, "BTC/USDT", 100.0).Return(market.AccountState{}, nil)

	m := newMonitor(feed, &mockExecutor{}, &recordingLogs{}, WithSchedule("@every 1s"))
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Error(t, m.Start(context.Background()))
	assert.Eventually(t, func() bool { return checks.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.IsRunning())
	assert.NoError(t, m.Stop(context.Background()))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	m := newMonitor(&mockFeed{}, &mockExecutor{}, &recordingLogs{}, WithSchedule("every minute"))
	assert.Error(t, m.Start(context.Background()))
	assert.False(t, m.IsRunning())
}
