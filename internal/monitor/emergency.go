package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/executor"
	"autotrader/internal/gateway/notifier"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/profile"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmergencyInFlight 已有紧急平仓在执行。
var ErrEmergencyInFlight = errors.New("emergency action already in flight")

// BreachKind 触发紧急平仓的阈值类型。
type BreachKind string

const (
	BreachStopLoss   BreachKind = "stop_loss"
	BreachTakeProfit BreachKind = "take_profit"
)

// Breach 一次阈值穿越。
type Breach struct {
	Kind       BreachKind
	PnLPercent float64
	Threshold  float64
}

func (b Breach) String() string {
	return fmt.Sprintf("%s pnl=%.2f%% threshold=%.2f%%", b.Kind, b.PnLPercent, b.Threshold)
}

type OrderExecutor interface {
	ExecuteMarketOrder(ctx context.Context, d decision.Decision, quantity float64, leverage int, opts ...executor.OrderOption) (executor.Order, error)
}

type DecisionLogger interface {
	SaveDecisionLog(ctx context.Context, entry decision.LogEntry) (int64, error)
}

// EmergencyExecutor 绕过风控直接平仓，但复用执行与落库组件。
// 有独立的单飞标志，与主周期互不阻塞。
type EmergencyExecutor struct {
	userID   string
	leverage int
	exec     OrderExecutor
	logs     DecisionLogger
	tracker  *PostActionTracker
	notify   notifier.Notifier
	nowFn    func() time.Time
	tracer   trace.Tracer
	log      logger.Component
	inFlight atomic.Bool
}

func NewEmergencyExecutor(userID string, leverage int, exec OrderExecutor, logs DecisionLogger, tracker *PostActionTracker, n notifier.Notifier) *EmergencyExecutor {
	if n == nil {
		n = notifier.Nop{}
	}
	if leverage < 1 {
		leverage = 1
	}
	return &EmergencyExecutor{
		userID:   userID,
		leverage: leverage,
		exec:     exec,
		logs:     logs,
		tracker:  tracker,
		notify:   n,
		nowFn:    time.Now,
		tracer:   otel.Tracer("autotrader/monitor"),
		log:      logger.For("emergency"),
	}
}

func (e *EmergencyExecutor) InFlight() bool { return e.inFlight.Load() }

// Execute 全部平掉当前持仓。成功后按画像应用 post-action，只记录状态。
func (e *EmergencyExecutor) Execute(ctx context.Context, symbol string, b Breach, acct market.AccountState, price float64, p profile.RiskProfile) (executor.Order, error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.log.Infof("%s ignored: emergency already in flight", b)
		return executor.Order{}, ErrEmergencyInFlight
	}
	defer e.inFlight.Store(false)

	traceID := uuid.NewString()
	ctx = logger.WithTraceID(ctx, traceID)
	ctx, span := e.tracer.Start(ctx, "emergency.execute", trace.WithAttributes(
		attribute.String("emergency.kind", string(b.Kind)),
		attribute.Float64("emergency.pnl_percent", b.PnLPercent),
	))
	defer span.End()

	start := e.nowFn()
	rationale := "emergency " + b.String()
	d := decision.New(symbol, decision.StageEmergency, decision.ActionSell, 1, rationale, start, nil)
	e.log.Warnf("trace=%s %s, liquidating %.6f %s @ ~%.4f", traceID, b, acct.HoldingQuantity, symbol, price)

	order, err := e.exec.ExecuteMarketOrder(ctx, d, acct.HoldingQuantity, e.leverage, executor.AtPrice(price))
	if err == nil && !order.IsFilled() {
		err = fmt.Errorf("emergency order %s ended %s", order.ID, order.Status)
	}

	entry := decision.LogEntry{
		TraceID:     traceID,
		UserID:      e.userID,
		Symbol:      symbol,
		Trigger:     decision.TriggerEmergency,
		Final:       &d,
		Approved:    true,
		RiskReason:  "risk gate bypassed: " + b.String(),
		OrderID:     order.ID,
		OrderStatus: string(order.Status),
		Quantity:    acct.HoldingQuantity,
		Price:       order.ExecutedPrice,
		StartedAt:   start,
	}
	var post profile.PostAction
	if err != nil {
		entry.State = "execution_failed"
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		entry.State = "executed"
		post = p.PostStopLoss
		if b.Kind == BreachTakeProfit {
			post = p.PostTakeProfit
		}
		exitPrice := order.ExecutedPrice
		if exitPrice <= 0 {
			exitPrice = price
		}
		if e.tracker != nil {
			next := e.tracker.Apply(post, string(b.Kind), exitPrice, e.nowFn())
			span.SetAttributes(attribute.String("emergency.post_state", string(next)))
		}
	}
	entry.FinishedAt = e.nowFn()
	if _, lerr := e.logs.SaveDecisionLog(context.WithoutCancel(ctx), entry); lerr != nil {
		e.log.Errorf("save emergency log trace=%s failed: %v", traceID, lerr)
	}
	if nerr := e.notify.Notify(context.WithoutCancel(ctx), notifier.EmergencyAction(string(b.Kind), b.PnLPercent, order, string(post), err)); nerr != nil {
		e.log.Warnf("notify failed: %v", nerr)
	}
	return order, err
}
