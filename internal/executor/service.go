package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/logger"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidOrder 数量、杠杆或动作不合法，订单不会提交。
var ErrInvalidOrder = errors.New("invalid order")

// TradeRecorder 落地执行记录。失败只记日志，不重试。
type TradeRecorder interface {
	SaveTrade(ctx context.Context, order Order, userID string) (int64, error)
}

// Service 是周期与紧急平仓共用的执行组件。
type Service struct {
	placer Placer
	trades TradeRecorder
	userID string
	lock   *OrderLock
	nowFn  func() time.Time
	log    logger.Component
}

type ServiceOption func(*Service)

// WithSharedLock 启用全局下单互斥（紧急平仓优先）。
func WithSharedLock(l *OrderLock) ServiceOption {
	return func(s *Service) { s.lock = l }
}

func WithServiceClock(nowFn func() time.Time) ServiceOption {
	return func(s *Service) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewService(placer Placer, trades TradeRecorder, userID string, opts ...ServiceOption) *Service {
	s := &Service{
		placer: placer,
		trades: trades,
		userID: userID,
		nowFn:  time.Now,
		log:    logger.For("executor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type orderOptions struct {
	referencePrice float64
}

type OrderOption func(*orderOptions)

// AtPrice 记录下单时的参考价格。
func AtPrice(p float64) OrderOption {
	return func(o *orderOptions) { o.referencePrice = p }
}

// ExecuteMarketOrder 返回终态订单；失败时同时返回订单与错误。
// decision.StageEmergency 的决策在共享锁上享有优先权，卖出一律 reduce-only。
func (s *Service) ExecuteMarketOrder(ctx context.Context, d decision.Decision, quantity float64, leverage int, opts ...OrderOption) (Order, error) {
	var oo orderOptions
	for _, opt := range opts {
		opt(&oo)
	}
	now := s.nowFn()
	order := Order{
		ID:             uuid.NewString(),
		Symbol:         d.Symbol,
		Type:           OrderTypeMarket,
		Status:         StatusPending,
		Quantity:       quantity,
		RequestedPrice: oo.referencePrice,
		Leverage:       leverage,
		DecisionID:     d.ID,
		Action:         string(d.Action),
		Emergency:      d.Stage == decision.StageEmergency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("order.id", order.ID))

	switch {
	case d.Action.IsBuy():
		order.Side = SideBuy
	case d.Action.IsSell():
		order.Side = SideSell
	}
	if order.Side == "" || quantity <= 0 || leverage < 1 || d.Symbol == "" {
		err := fmt.Errorf("%w: action=%s qty=%v leverage=%d symbol=%q", ErrInvalidOrder, d.Action, quantity, leverage, d.Symbol)
		return s.finish(ctx, order, StatusRejected, err)
	}

	if s.lock != nil {
		release, err := s.lock.Acquire(ctx, order.Emergency)
		if err != nil {
			status := StatusFailed
			if errors.Is(err, ErrPreempted) {
				status = StatusRejected
			}
			return s.finish(ctx, order, status, err)
		}
		defer release()
	}

	if err := order.transition(StatusSubmitted, s.nowFn()); err != nil {
		return order, err
	}
	s.log.Infof("submit %s %s qty=%.6f lev=%dx decision=%s emergency=%v", order.Side, order.Symbol, order.Quantity, order.Leverage, d.ID, order.Emergency)
	fill, err := s.placer.PlaceMarketOrder(ctx, OrderRequest{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Leverage:      order.Leverage,
		ReduceOnly:    order.Side == SideSell,
	})
	if err != nil {
		status := StatusFailed
		if IsReject(err) {
			status = StatusRejected
		}
		if fill.ExecutedQuantity > 0 {
			// 部分成交：订单记为失败，但已成交数量必须落库
			order.ExchangeOrderID = fill.ExchangeOrderID
			order.ExecutedQuantity = fill.ExecutedQuantity
			order.ExecutedPrice = fill.AvgPrice
			order.TotalCost = fill.CumQuote
		}
		return s.finish(ctx, order, status, err)
	}
	order.ExchangeOrderID = fill.ExchangeOrderID
	order.ExecutedQuantity = fill.ExecutedQuantity
	order.ExecutedPrice = fill.AvgPrice
	order.TotalCost = fill.CumQuote
	if order.TotalCost == 0 {
		order.TotalCost = fill.ExecutedQuantity * fill.AvgPrice
	}
	return s.finish(ctx, order, StatusFilled, nil)
}

func (s *Service) finish(ctx context.Context, order Order, status OrderStatus, cause error) (Order, error) {
	if err := order.transition(status, s.nowFn()); err != nil {
		return order, errors.Join(cause, err)
	}
	if cause != nil {
		order.Error = cause.Error()
		s.log.Warnf("order %s %s %s: %v", order.ID, order.Side, order.Status, cause)
	} else {
		s.log.Infof("order %s filled %s %s qty=%.6f @ %.4f cost=%.2f",
			order.ID, order.Side, order.Symbol, order.ExecutedQuantity, order.ExecutedPrice, order.TotalCost)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("order.status", string(order.Status)))
	if s.trades != nil {
		if _, err := s.trades.SaveTrade(context.WithoutCancel(ctx), order, s.userID); err != nil {
			s.log.Errorf("save trade %s failed: %v", order.ID, err)
		}
	}
	return order, cause
}
