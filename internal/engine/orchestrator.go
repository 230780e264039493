// Package engine 驱动一次完整的决策周期：采集 → 协调 → 策略过滤 → 风控 → 执行 → 落库。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/executor"
	"autotrader/internal/gateway/notifier"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/pkg/trading"
	"autotrader/internal/profile"
	"autotrader/internal/risk"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCycleInFlight 已有周期在运行，本次触发被丢弃（不排队、不重试）。
var ErrCycleInFlight = errors.New("cycle already in flight")

// MarketFeed 是周期所需的只读行情与账户接口。
type MarketFeed interface {
	Window(ctx context.Context, symbol, interval string, count int) (market.MarketWindow, error)
	Price(ctx context.Context, symbol string) (float64, error)
	Account(ctx context.Context, symbol string, price float64) (market.AccountState, error)
}

type Coordinator interface {
	Coordinate(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) decision.Decision
}

type OrderExecutor interface {
	ExecuteMarketOrder(ctx context.Context, d decision.Decision, quantity float64, leverage int, opts ...executor.OrderOption) (executor.Order, error)
}

// DecisionLogger 持久化周期日志；失败只记录，不影响周期。
type DecisionLogger interface {
	SaveDecisionLog(ctx context.Context, entry decision.LogEntry) (int64, error)
}

// FillObserver 在订单成交后收到通知（post-action 状态机用它跟踪持仓）。
type FillObserver interface {
	OnFill(order executor.Order)
}

// Config 周期参数，来自 engine 与当前策略配置。
type Config struct {
	UserID                string
	Symbol                string
	Strategy              string
	Interval              string
	CandleCount           int
	OrderSizePercent      float64
	Leverage              int
	StrategyMinConfidence float64
}

// Deps 周期依赖。Notifier、Observer、ReentryGate 可为空。
type Deps struct {
	Feed        MarketFeed
	Coordinator Coordinator
	Gate        risk.Gate
	Profiles    profile.Source
	Executor    OrderExecutor
	Logs        DecisionLogger
	Notifier    notifier.Notifier
	Observer    FillObserver
	ReentryGate decision.ReentryGate
}

// Summary 最近一次周期的摘要，供运维接口展示。
type Summary struct {
	TraceID    string        `json:"trace_id"`
	Trigger    string        `json:"trigger"`
	Outcome    Outcome       `json:"outcome"`
	Action     string        `json:"action,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	LogSaved   bool          `json:"log_saved"`
	TotalCount int64         `json:"total_cycles"`
}

// Orchestrator 单飞执行决策周期。
type Orchestrator struct {
	cfg    Config
	deps   Deps
	nowFn  func() time.Time
	tracer trace.Tracer
	log    logger.Component

	running atomic.Bool
	state   atomic.Value
	cycles  atomic.Int64

	lastMu sync.RWMutex
	last   Summary
}

type Option func(*Orchestrator)

func WithClock(nowFn func() time.Time) Option {
	return func(o *Orchestrator) {
		if nowFn != nil {
			o.nowFn = nowFn
		}
	}
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Feed == nil:
		return nil, fmt.Errorf("engine: market feed is required")
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("engine: coordinator is required")
	case deps.Profiles == nil:
		return nil, fmt.Errorf("engine: risk profile source is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("engine: executor is required")
	case deps.Logs == nil:
		return nil, fmt.Errorf("engine: decision logger is required")
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		nowFn:  time.Now,
		tracer: otel.Tracer("autotrader/engine"),
		log:    logger.For("engine"),
	}
	o.state.Store(StateIdle)
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

func (o *Orchestrator) State() State {
	s, _ := o.state.Load().(State)
	return s
}

func (o *Orchestrator) InFlight() bool { return o.running.Load() }

func (o *Orchestrator) LastCycle() Summary {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	return o.last
}

func (o *Orchestrator) Config() Config { return o.cfg }

func (o *Orchestrator) setState(s State) { o.state.Store(s) }

// Tick 供调度器调用：重叠触发只记录日志。
func (o *Orchestrator) Tick(ctx context.Context) {
	if _, err := o.RunCycle(ctx, decision.TriggerScheduled); err != nil && !errors.Is(err, ErrCycleInFlight) {
		o.log.Warnf("scheduled cycle failed: %v", err)
	}
}

// RunCycle 执行一个周期。已有周期在运行时立即返回 ErrCycleInFlight；
// 其余情况下无论结果如何都恰好写入一条决策日志。
func (o *Orchestrator) RunCycle(ctx context.Context, trigger decision.Trigger) (entry decision.LogEntry, err error) {
	if !o.running.CompareAndSwap(false, true) {
		o.log.Infof("trigger=%s ignored: previous cycle still running (state=%s)", trigger, o.State())
		return decision.LogEntry{}, ErrCycleInFlight
	}
	defer o.running.Store(false)

	traceID := uuid.NewString()
	ctx = logger.WithTraceID(ctx, traceID)
	ctx, span := o.tracer.Start(ctx, "cycle", trace.WithAttributes(
		attribute.String("cycle.trace_id", traceID),
		attribute.String("cycle.trigger", string(trigger)),
		attribute.String("cycle.symbol", o.cfg.Symbol),
	))
	start := o.nowFn()
	entry = decision.LogEntry{
		TraceID:   traceID,
		UserID:    o.cfg.UserID,
		Symbol:    o.cfg.Symbol,
		Strategy:  o.cfg.Strategy,
		Trigger:   trigger,
		StartedAt: start,
	}
	o.log.Infof("cycle start trace=%s trigger=%s symbol=%s strategy=%s", traceID, trigger, o.cfg.Symbol, o.cfg.Strategy)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
		}
		if err != nil {
			entry.State = string(OutcomeAborted)
			entry.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.setState(StatePersisting)
		entry.FinishedAt = o.nowFn()
		saved := o.persist(ctx, &entry)
		o.setState(StateIdle)
		o.remember(entry, saved)
		o.report(ctx, entry)
		span.SetAttributes(attribute.String("cycle.outcome", entry.State))
		span.End()
		o.log.Infof("cycle end trace=%s state=%s action=%s duration=%s",
			traceID, entry.State, entry.Action(), entry.FinishedAt.Sub(start).Truncate(time.Millisecond))
	}()

	err = o.pipeline(ctx, &entry)
	return entry, err
}

func (o *Orchestrator) pipeline(ctx context.Context, entry *decision.LogEntry) error {
	o.setState(StateCollectingData)
	snap, err := o.collect(ctx)
	if err != nil {
		return err
	}

	o.setState(StateCoordinating)
	coordCtx, span := o.tracer.Start(ctx, "cycle.coordinate")
	prelim := o.deps.Coordinator.Coordinate(coordCtx, snap.window, snap.profile)
	span.SetAttributes(attribute.String("decision.action", string(prelim.Action)))
	span.End()
	entry.Preliminary = &prelim
	o.log.Infof("preliminary %s (%s)", prelim, prelim.Rationale)

	o.setState(StateStrategyFiltering)
	filter := decision.StrategyFilter{
		Strategy:      o.cfg.Strategy,
		MinConfidence: o.cfg.StrategyMinConfidence,
		Gate:          o.deps.ReentryGate,
	}
	filtered := filter.Apply(prelim, snap.price, o.nowFn())

	o.setState(StateRiskChecking)
	sizing := o.size(filtered, snap.account, snap.price)
	if sizing.skipReason != "" {
		final := filtered.Derive(decision.StageFinal, decision.ActionHold, filtered.Confidence, sizing.skipReason, o.nowFn())
		entry.Final = &final
		entry.RiskReason = sizing.skipReason
		entry.State = string(OutcomeSkipped)
		o.setState(StateSkipped)
		return nil
	}
	verdict := o.deps.Gate.Validate(filtered, snap.account, sizing.amount, o.cfg.Leverage, snap.profile)
	entry.Approved = verdict.Approved
	entry.RiskRule = string(verdict.Rule)
	entry.RiskReason = verdict.Reason
	if !verdict.Approved {
		final := filtered.Promote(decision.StageFinal, o.nowFn())
		if !filtered.IsHold() {
			final = filtered.Derive(decision.StageFinal, decision.ActionHold, filtered.Confidence, "risk: "+verdict.Reason, o.nowFn())
			entry.State = string(OutcomeRejected)
		} else {
			entry.State = string(OutcomeSkipped)
		}
		entry.Final = &final
		o.log.Infof("no execution: %s", verdict)
		o.setState(StateSkipped)
		return nil
	}
	final := filtered.Promote(decision.StageFinal, o.nowFn())
	entry.Final = &final

	o.setState(StateExecuting)
	o.execute(ctx, entry, final, sizing.quantity, snap.price)
	return nil
}

type snapshot struct {
	window  market.MarketWindow
	price   float64
	account market.AccountState
	profile profile.RiskProfile
}

func (o *Orchestrator) collect(ctx context.Context) (snapshot, error) {
	ctx, span := o.tracer.Start(ctx, "cycle.collect")
	defer span.End()

	p, ok := o.deps.Profiles.Profile(o.cfg.UserID)
	if !ok {
		return snapshot{}, fmt.Errorf("collect: no risk profile for user %q", o.cfg.UserID)
	}
	window, err := o.deps.Feed.Window(ctx, o.cfg.Symbol, o.cfg.Interval, o.cfg.CandleCount)
	if err != nil {
		return snapshot{}, fmt.Errorf("collect: window: %w", err)
	}
	if err := window.Validate(); err != nil {
		return snapshot{}, fmt.Errorf("collect: %w", err)
	}
	price, err := o.deps.Feed.Price(ctx, o.cfg.Symbol)
	if err != nil {
		return snapshot{}, fmt.Errorf("collect: price: %w", err)
	}
	acct, err := o.deps.Feed.Account(ctx, o.cfg.Symbol, price)
	if err != nil {
		return snapshot{}, fmt.Errorf("collect: account: %w", err)
	}
	span.SetAttributes(
		attribute.Int("window.candles", window.Len()),
		attribute.Float64("account.pnl_percent", acct.PnLPercent),
	)
	return snapshot{window: window, price: price, account: acct, profile: p}, nil
}

type sizing struct {
	amount     float64
	quantity   float64
	skipReason string
}

// size 买入按余额比例下单（强信号满额）；卖出平掉全部持仓，没有持仓则跳过。
// 卖出时交给风控的金额是实际平仓名义价值（数量 × 现价），单笔上限对平仓同样生效。
func (o *Orchestrator) size(d decision.Decision, acct market.AccountState, price float64) sizing {
	switch {
	case d.Action.IsBuy():
		amount := trading.OrderAmount(acct.TotalBalance, o.cfg.OrderSizePercent, d.Action.IsStrong())
		return sizing{amount: amount, quantity: trading.BuyQuantity(amount, o.cfg.Leverage, price)}
	case d.Action.IsSell():
		if !acct.HasPosition() {
			return sizing{skipReason: fmt.Sprintf("%s skipped: no holding to sell", d.Action)}
		}
		qty := trading.CalcCloseAmount(acct.HoldingQuantity, 1)
		return sizing{amount: qty * price, quantity: qty}
	default:
		return sizing{}
	}
}

func (o *Orchestrator) execute(ctx context.Context, entry *decision.LogEntry, final decision.Decision, qty, price float64) {
	ctx, span := o.tracer.Start(ctx, "cycle.execute", trace.WithAttributes(
		attribute.String("decision.id", final.ID),
		attribute.String("decision.action", string(final.Action)),
	))
	defer span.End()

	order, err := o.deps.Executor.ExecuteMarketOrder(ctx, final, qty, o.cfg.Leverage, executor.AtPrice(price))
	entry.OrderID = order.ID
	entry.OrderStatus = string(order.Status)
	entry.Quantity = order.Quantity
	entry.Price = order.ExecutedPrice
	if entry.Price == 0 {
		entry.Price = price
	}
	if err != nil || !order.IsFilled() {
		if err == nil {
			err = fmt.Errorf("order %s ended %s", order.ID, order.Status)
		}
		entry.State = string(OutcomeExecutionFailed)
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	entry.State = string(OutcomeExecuted)
	if o.deps.Observer != nil {
		o.deps.Observer.OnFill(order)
	}
}

// persist 写日志的 context 不随周期取消。
func (o *Orchestrator) persist(ctx context.Context, entry *decision.LogEntry) bool {
	id, err := o.deps.Logs.SaveDecisionLog(context.WithoutCancel(ctx), *entry)
	if err != nil {
		o.log.Errorf("save decision log trace=%s failed: %v", entry.TraceID, err)
		return false
	}
	entry.ID = id
	return true
}

func (o *Orchestrator) remember(entry decision.LogEntry, saved bool) {
	n := o.cycles.Add(1)
	o.lastMu.Lock()
	o.last = Summary{
		TraceID:    entry.TraceID,
		Trigger:    string(entry.Trigger),
		Outcome:    Outcome(entry.State),
		Action:     string(entry.Action()),
		Error:      entry.Error,
		StartedAt:  entry.StartedAt,
		Duration:   entry.FinishedAt.Sub(entry.StartedAt),
		LogSaved:   saved,
		TotalCount: n,
	}
	o.lastMu.Unlock()
}

func (o *Orchestrator) report(ctx context.Context, entry decision.LogEntry) {
	var msg notifier.StructuredMessage
	switch Outcome(entry.State) {
	case OutcomeAborted:
		msg = notifier.CycleAborted(entry)
	case OutcomeExecutionFailed:
		msg = notifier.ExecutionFailed(entry)
	default:
		return
	}
	// 推送可能因限速而等待，不占用单飞标志
	go func() {
		if err := o.deps.Notifier.Notify(context.WithoutCancel(ctx), msg); err != nil {
			o.log.Warnf("notify failed: %v", err)
		}
	}()
}
