package engine

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
	"autotrader/internal/risk"
)

type mockFeed struct{ mock.Mock }

func (m *mockFeed) Window(ctx context.Context, symbol, interval string, count int) (market.MarketWindow, error) {
	args := m.Called(ctx, symbol, interval, count)
	return args.Get(0).(market.MarketWindow), args.Error(1)
}

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
	err     error
}

func (r *recordingLogs) SaveDecisionLog(ctx context.Context, e decision.LogEntry) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return int64(len(r.entries)), r.err
}

func (r *recordingLogs) all() []decision.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]decision.LogEntry(nil), r.entries...)
}

type coordFunc func(ctx context.Context, w market.MarketWindow, p profile.RiskProfile) decision.Decision

func (f coordFunc) Coordinate(ctx context.Context, w market.MarketWindow, p profile.RiskProfile) decision.Decision {
	return f(ctx, w, p)
}

type countingNotifier struct{ calls atomic.Int32 }

func (n *countingNotifier) Notify(context.Context, notifier.StructuredMessage) error {
	n.calls.Add(1)
	return nil
}

type fillRecorder struct{ orders []executor.Order }

func (f *fillRecorder) OnFill(o executor.Order) { f.orders = append(f.orders, o) }

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedAction(action decision.Action, conf float64) coordFunc {
	return func(_ context.Context, w market.MarketWindow, _ profile.RiskProfile) decision.Decision {
		return decision.New(w.Symbol, decision.StagePreliminary, action, conf, "test", now, nil)
	}
}

func testProfile() profile.RiskProfile {
	return profile.RiskProfile{
		UserID:             "u1",
		LeverageAllowed:    false,
		MaxLeverage:        1,
		MaxLossPercent:     -15,
		MaxPositionPercent: 10,
		StopLossPercent:    5,
		TakeProfitPercent:  10,
	}
}

type fixture struct {
	feed   *mockFeed
	exec   *mockExecutor
	logs   *recordingLogs
	notify *countingNotifier
	fills  *fillRecorder
}

func newFixture(acct market.AccountState) *fixture {
	f := &fixture{feed: &mockFeed{}, exec: &mockExecutor{}, logs: &recordingLogs{}, notify: &countingNotifier{}, fills: &fillRecorder{}}
	window := market.MarketWindow{Symbol: "BTC/USDT", Interval: "1h", Candles: []market.Candle{{Close: 100}}}
	f.feed.On("Window", mock.Anything, "BTC/USDT", "1h", 100).Return(window, nil).Maybe()
	f.feed.On("Price", mock.Anything, "BTC/USDT").Return(100.0, nil).Maybe()
	f.feed.On("Account", mock.Anything, "BTC/USDT", 100.0).Return(acct, nil).Maybe()
	return f
}

func (f *fixture) orchestrator(t *testing.T, coord Coordinator, sizePct float64) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		UserID:                "u1",
		Symbol:                "BTC/USDT",
		Strategy:              "day",
		Interval:              "1h",
		CandleCount:           100,
		OrderSizePercent:      sizePct,
		Leverage:              1,
		StrategyMinConfidence: 0.6,
	}, Deps{
		Feed:        f.feed,
		Coordinator: coord,
		Gate:        risk.NewGate(0.5),
		Profiles:    profile.Static{"u1": testProfile()},
		Executor:    f.exec,
		Logs:        f.logs,
		Notifier:    f.notify,
		Observer:    f.fills,
	}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return o
}

func account(total, invested, qty, pnl float64) market.AccountState {
	return market.AccountState{TotalBalance: total, AvailableBalance: total - invested, InvestedAmount: invested,
		HoldingQuantity: qty, HoldingValue: qty * 100, PnLPercent: pnl}
}

func TestCycleExecutesApprovedBuy(t *testing.T) {
	f := newFixture(account(10000, 0, 0, 0))
	f.exec.On("ExecuteMarketOrder", mock.Anything, mock.MatchedBy(func(d decision.Decision) bool {
		return d.Stage == decision.StageFinal && d.Action == decision.ActionStrongBuy
	}), 9.0, 1).Return(executor.Order{ID: "o1", Status: executor.StatusFilled, Quantity: 9, ExecutedPrice: 100.5}, nil).Once()

	o := f.orchestrator(t, fixedAction(decision.ActionStrongBuy, 0.9), 9)
	entry, err := o.RunCycle(context.Background(), decision.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, string(OutcomeExecuted), entry.State)
	assert.True(t, entry.Approved)
	assert.Equal(t, "o1", entry.OrderID)
	assert.Equal(t, 100.5, entry.Price)
	require.NotNil(t, entry.Preliminary)
	require.NotNil(t, entry.Final)
	assert.NotEmpty(t, entry.Final.ParentID, "final derives from the filtered decision")
	assert.NotEqual(t, entry.Preliminary.ID, entry.Final.ID)
	assert.Len(t, f.logs.all(), 1)
	assert.Len(t, f.fills.orders, 1)
	assert.Equal(t, StateIdle, o.State())
	assert.False(t, o.InFlight())
	assert.Equal(t, OutcomeExecuted, o.LastCycle().Outcome)
	f.exec.AssertExpectations(t)
}

func TestCycleRiskScenarios(t *testing.T) {
	cases := []struct {
		name    string
		acct    market.AccountState
		action  decision.Action
		sizePct float64
		rule    risk.Rule
	}{
		{"max position", account(10000, 0, 0, 0), decision.ActionStrongBuy, 12, risk.RuleMaxPosition},
		{"circuit breaker", account(10000, 0, 1, -16), decision.ActionStrongBuy, 5, risk.RuleCircuitBreaker},
		{"exposure", account(10000, 800, 8, 0), decision.ActionStrongBuy, 5, risk.RuleExposure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(tc.acct)
			o := f.orchestrator(t, fixedAction(tc.action, 0.95), tc.sizePct)
			entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
			require.NoError(t, err)
			assert.Equal(t, string(OutcomeRejected), entry.State)
			assert.Equal(t, string(tc.rule), entry.RiskRule)
			assert.Equal(t, decision.ActionHold, entry.Final.Action)
			assert.Len(t, f.logs.all(), 1)
			f.exec.AssertNotCalled(t, "ExecuteMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestCycleAllAdvisorsFailStillLogsOnce(t *testing.T) {
	failing := func(name string) decision.Participant {
		return decision.Participant{Advisor: decision.AdvisorFunc{ID: name, Fn: func(context.Context, market.MarketWindow, profile.RiskProfile) (decision.Opinion, error) {
			return decision.Opinion{}, errors.New("down")
		}}}
	}
	coord := decision.NewCoordinator(decision.WeightedVote{}, []decision.Participant{failing("a"), failing("b")})
	f := newFixture(account(10000, 0, 0, 0))
	o := f.orchestrator(t, coord, 5)

	entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, decision.ActionHold, entry.Preliminary.Action)
	assert.Equal(t, 0.0, entry.Preliminary.Confidence)
	assert.Equal(t, string(OutcomeSkipped), entry.State)
	assert.Len(t, f.logs.all(), 1)
}

func TestCycleSellWithoutHoldingIsSkipped(t *testing.T) {
	f := newFixture(account(10000, 0, 0, 0))
	o := f.orchestrator(t, fixedAction(decision.ActionSell, 0.9), 5)
	entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, string(OutcomeSkipped), entry.State)
	assert.Contains(t, entry.RiskReason, "no holding")
	f.exec.AssertNotCalled(t, "ExecuteMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCycleSellLiquidatesHolding(t *testing.T) {
	f := newFixture(account(10000, 300, 3, 0))
	f.exec.On("ExecuteMarketOrder", mock.Anything, mock.Anything, 3.0, 1).
		Return(executor.Order{ID: "s1", Status: executor.StatusFilled, Quantity: 3}, nil).Once()
	o := f.orchestrator(t, fixedAction(decision.ActionStrongSell, 0.9), 5)
	entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, string(OutcomeExecuted), entry.State)
	f.exec.AssertExpectations(t)
}

func TestCycleSellIsCheckedAtLiquidationNotional(t *testing.T) {
	// 60 @ 100 = 6000，远超 10% 单笔上限 1000
	f := newFixture(account(10000, 1000, 60, 500))
	o := f.orchestrator(t, fixedAction(decision.ActionSell, 0.9), 5)

	entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, string(OutcomeRejected), entry.State)
	assert.Equal(t, string(risk.RuleMaxPosition), entry.RiskRule)
	assert.Contains(t, entry.RiskReason, "6000.00")
	assert.Equal(t, decision.ActionHold, entry.Final.Action)
	f.exec.AssertNotCalled(t, "ExecuteMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCycleExecutionFailureIsReported(t *testing.T) {
	f := newFixture(account(10000, 0, 0, 0))
	f.exec.On("ExecuteMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(executor.Order{ID: "o1", Status: executor.StatusFailed}, errors.New("exchange down")).Once()
	o := f.orchestrator(t, fixedAction(decision.ActionBuy, 0.9), 10)

	entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
	require.NoError(t, err, "execution failure does not abort the cycle")
	assert.Equal(t, string(OutcomeExecutionFailed), entry.State)
	assert.Equal(t, "exchange down", entry.Error)
	assert.Len(t, f.logs.all(), 1)
	assert.Empty(t, f.fills.orders)
	require.Eventually(t, func() bool { return f.notify.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCycleAbortsOnCollectErrorAndReleasesFlag(t *testing.T) {
	f := &fixture{feed: &mockFeed{}, exec: &mockExecutor{}, logs: &recordingLogs{}, notify: &countingNotifier{}, fills: &fillRecorder{}}
	f.feed.On("Window", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(market.MarketWindow{}, market.ErrEmptyWindow)
	o := f.orchestrator(t, fixedAction(decision.ActionBuy, 0.9), 5)

	for i := 0; i < 2; i++ {
		entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
		require.ErrorIs(t, err, market.ErrEmptyWindow)
		assert.Equal(t, string(OutcomeAborted), entry.State)
		assert.Nil(t, entry.Final)
	}
	assert.Len(t, f.logs.all(), 2, "every aborted cycle still writes one log")
	assert.False(t, o.InFlight())
	require.Eventually(t, func() bool { return f.notify.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCyclePanicIsRecovered(t *testing.T) {
	f := newFixture(account(10000, 0, 0, 0))
	o := f.orchestrator(t, coordFunc(func(context.Context, market.MarketWindow, profile.RiskProfile) decision.Decision {
		panic("boom")
	}), 5)
	entry, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
	require.Error(t, err)
	assert.Contains(t, entry.Error, "boom")
	assert.Len(t, f.logs.all(), 1)
	assert.False(t, o.InFlight())
}

func TestCycleLogFailureDoesNotFailCycle(t *testing.T) {
	f := newFixture(account(10000, 0, 0, 0))
	f.logs.err = errors.New("db locked")
	o := f.orchestrator(t, fixedAction(decision.ActionHold, 0.9), 5)
	_, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
	require.NoError(t, err)
	assert.False(t, o.LastCycle().LogSaved)
}

func TestSingleFlightDropsOverlappingTriggers(t *testing.T) {
	f := newFixture(account(10000, 0, 0, 0))
	entered := make(chan struct{})
	release := make(chan struct{})
	o := f.orchestrator(t, coordFunc(func(_ context.Context, w market.MarketWindow, _ profile.RiskProfile) decision.Decision {
		close(entered)
		<-release
		return decision.New(w.Symbol, decision.StagePreliminary, decision.ActionHold, 0.9, "wait", now, nil)
	}), 5)

	done := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(context.Background(), decision.TriggerScheduled)
		done <- err
	}()
	<-entered

	var dropped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.RunCycle(context.Background(), decision.TriggerManual); errors.Is(err, ErrCycleInFlight) {
				dropped.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, dropped.Load())
	assert.True(t, o.InFlight())
	assert.Equal(t, StateCoordinating, o.State())

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, f.logs.all(), 1)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}
