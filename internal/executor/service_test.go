package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"autotrader/internal/decision"
)

type mockPlacer struct{ mock.Mock }

func (m *mockPlacer) PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Fill), args.Error(1)
}

type mockTrades struct{ mock.Mock }

func (m *mockTrades) SaveTrade(ctx context.Context, order Order, userID string) (int64, error) {
	args := m.Called(ctx, order, userID)
	return int64(args.Int(0)), args.Error(1)
}

type fixedPrice float64

func (p fixedPrice) Price(context.Context, string) (float64, error) { return float64(p), nil }

func newDecision(action decision.Action, stage decision.Stage) decision.Decision {
	return decision.New("BTCUSDT", stage, action, 0.9, "", time.Now(), nil)
}

func TestExecuteBuyFills(t *testing.T) {
	placer := &mockPlacer{}
	placer.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool {
		return r.Side == SideBuy && !r.ReduceOnly && r.Quantity == 0.01 && r.ClientOrderID != ""
	})).Return(Fill{ExchangeOrderID: "42", ExecutedQuantity: 0.01, AvgPrice: 50000}, nil)
	trades := &mockTrades{}
	trades.On("SaveTrade", mock.Anything, mock.MatchedBy(func(o Order) bool { return o.Status == StatusFilled }), "alice").Return(1, nil)

	svc := NewService(placer, trades, "alice")
	d := newDecision(decision.ActionBuy, decision.StageFinal)
	order, err := svc.ExecuteMarketOrder(context.Background(), d, 0.01, 1, AtPrice(49990))
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
	assert.Equal(t, 500.0, order.TotalCost)
	assert.Equal(t, 49990.0, order.RequestedPrice)
	assert.Equal(t, d.ID, order.DecisionID)
	assert.False(t, order.SubmittedAt.IsZero())
	trades.AssertExpectations(t)
}

func TestExecuteSellIsReduceOnly(t *testing.T) {
	placer := &mockPlacer{}
	placer.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.ReduceOnly && r.Side == SideSell })).
		Return(Fill{ExecutedQuantity: 1, AvgPrice: 10, CumQuote: 10}, nil)
	svc := NewService(placer, nil, "u")
	order, err := svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionStrongSell, decision.StageFinal), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
}

func TestExecuteRejectAndFailure(t *testing.T) {
	placer := &mockPlacer{}
	placer.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Quantity == 1 })).
		Return(Fill{}, &RejectError{Code: -2019, Reason: "margin is insufficient"}).Once()
	placer.On("PlaceMarketOrder", mock.Anything, mock.MatchedBy(func(r OrderRequest) bool { return r.Quantity == 2 })).
		Return(Fill{}, errors.New("connection reset")).Once()
	trades := &mockTrades{}
	trades.On("SaveTrade", mock.Anything, mock.Anything, "u").Return(0, errors.New("disk full"))

	svc := NewService(placer, trades, "u")
	order, err := svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionBuy, decision.StageFinal), 1, 1)
	assert.Error(t, err)
	assert.Equal(t, StatusRejected, order.Status)
	assert.Contains(t, order.Error, "insufficient")

	order, err = svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionBuy, decision.StageFinal), 2, 1)
	assert.Error(t, err)
	assert.Equal(t, StatusFailed, order.Status)
	trades.AssertNumberOfCalls(t, "SaveTrade", 2)
}

func TestExecutePartialFillKeepsExecutedQuantity(t *testing.T) {
	placer := &mockPlacer{}
	placer.On("PlaceMarketOrder", mock.Anything, mock.Anything).
		Return(Fill{ExchangeOrderID: "11", ExecutedQuantity: 0.05, AvgPrice: 100, CumQuote: 5},
			&PartialFillError{ExchangeOrderID: "11", Status: "PARTIALLY_FILLED", Executed: 0.05, Requested: 0.2})
	trades := &mockTrades{}
	trades.On("SaveTrade", mock.Anything, mock.MatchedBy(func(o Order) bool {
		return o.Status == StatusFailed && o.ExecutedQuantity == 0.05 && o.ExchangeOrderID == "11"
	}), "u").Return(1, nil)

	svc := NewService(placer, trades, "u")
	order, err := svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionBuy, decision.StageFinal), 0.2, 1)
	assert.True(t, IsPartialFill(err))
	assert.Equal(t, StatusFailed, order.Status)
	assert.Equal(t, 0.05, order.ExecutedQuantity)
	assert.Equal(t, 5.0, order.TotalCost)
	assert.Contains(t, order.Error, "partially filled")
	trades.AssertExpectations(t)
}

func TestExecuteInvalidOrderNeverSubmitted(t *testing.T) {
	placer := &mockPlacer{}
	svc := NewService(placer, nil, "u")
	order, err := svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionHold, decision.StageFinal), 1, 1)
	assert.ErrorIs(t, err, ErrInvalidOrder)
	assert.Equal(t, StatusRejected, order.Status)
	assert.True(t, order.SubmittedAt.IsZero())
	placer.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything)
}

func TestOrderTransitionsAreTerminal(t *testing.T) {
	o := Order{ID: "x", Status: StatusPending}
	require.NoError(t, o.transition(StatusSubmitted, time.Now()))
	require.NoError(t, o.transition(StatusFilled, time.Now()))
	assert.Error(t, o.transition(StatusFailed, time.Now()))
	assert.True(t, o.Status.Terminal())
}

func TestPaperPlacerAppliesSlippage(t *testing.T) {
	p := NewPaperPlacer(fixedPrice(100), 10)
	fill, err := p.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Quantity: 2})
	require.NoError(t, err)
	assert.InDelta(t, 100.1, fill.AvgPrice, 1e-9)
	assert.InDelta(t, 200.2, fill.CumQuote, 1e-9)

	fill, err = p.PlaceMarketOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Quantity: 1})
	require.NoError(t, err)
	assert.InDelta(t, 99.9, fill.AvgPrice, 1e-9)
}

type blockingPlacer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingPlacer) PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	b.entered <- struct{}{}
	<-b.release
	return Fill{ExecutedQuantity: req.Quantity, AvgPrice: 1}, nil
}

func TestSharedLockGivesEmergencyPriority(t *testing.T) {
	bp := &blockingPlacer{entered: make(chan struct{}, 4), release: make(chan struct{})}
	svc := NewService(bp, nil, "u", WithSharedLock(NewOrderLock()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionBuy, decision.StageFinal), 1, 1)
		assert.NoError(t, err)
	}()
	<-bp.entered

	emergencyDone := make(chan Order, 1)
	go func() {
		o, _ := svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionSell, decision.StageEmergency), 1, 1)
		emergencyDone <- o
	}()
	require.Eventually(t, func() bool { return svc.lock.waitingEmergency.Load() == 1 }, time.Second, time.Millisecond)

	order, err := svc.ExecuteMarketOrder(context.Background(), newDecision(decision.ActionBuy, decision.StageFinal), 1, 1)
	assert.ErrorIs(t, err, ErrPreempted)
	assert.Equal(t, StatusRejected, order.Status)

	close(bp.release)
	o := <-emergencyDone
	assert.True(t, o.Emergency)
	assert.Equal(t, StatusFilled, o.Status)
	wg.Wait()
}
