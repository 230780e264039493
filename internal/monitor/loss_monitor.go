package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/profile"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule     = "@every 1m"
	defaultDrainTimeout = 30 * time.Second
)

// ErrDrainTimeout 停止时检查任务未在限定时间内结束。
var ErrDrainTimeout = errors.New("loss monitor drain timed out")

// Feed 检查盈亏所需的行情与账户。
type Feed interface {
	Price(ctx context.Context, symbol string) (float64, error)
	Account(ctx context.Context, symbol string, price float64) (market.AccountState, error)
}

// LossMonitor 按固定间隔检查持仓盈亏，与策略周期无关。
type LossMonitor struct {
	userID       string
	symbol       string
	schedule     string
	drainTimeout time.Duration
	feed         Feed
	profiles     profile.Source
	emergency    *EmergencyExecutor
	log          logger.Component

	mu        sync.Mutex
	cron      *cron.Cron
	cancelRun context.CancelFunc
	lastCheck CheckResult
}

// CheckResult 最近一次检查结果。
type CheckResult struct {
	At         time.Time `json:"at"`
	PnLPercent float64   `json:"pnl_percent"`
	Holding    bool      `json:"holding"`
	Breach     string    `json:"breach,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type Option func(*LossMonitor)

func WithSchedule(spec string) Option {
	return func(m *LossMonitor) {
		if spec != "" {
			m.schedule = spec
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(m *LossMonitor) {
		if d > 0 {
			m.drainTimeout = d
		}
	}
}

func NewLossMonitor(userID, symbol string, feed Feed, profiles profile.Source, emergency *EmergencyExecutor, opts ...Option) *LossMonitor {
	m := &LossMonitor{
		userID:       userID,
		symbol:       symbol,
		schedule:     DefaultSchedule,
		drainTimeout: defaultDrainTimeout,
		feed:         feed,
		profiles:     profiles,
		emergency:    emergency,
		log:          logger.For("loss_monitor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *LossMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}

func (m *LossMonitor) LastCheck() CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck
}

// PostAction 返回紧急平仓后的状态。
func (m *LossMonitor) PostAction() TrackerSnapshot {
	if m.emergency == nil || m.emergency.tracker == nil {
		return TrackerSnapshot{State: StateNone}
	}
	return m.emergency.tracker.Snapshot()
}

// Start 注册定时检查；上一次检查未结束时跳过本次。
func (m *LossMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("loss monitor already running")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{m.log}), cron.SkipIfStillRunning(cronLogger{m.log})))
	if _, err := c.AddFunc(m.schedule, func() { _ = m.Check(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("loss monitor schedule %q: %w", m.schedule, err)
	}
	c.Start()
	m.cron = c
	m.cancelRun = cancel
	m.log.Infof("started schedule=%s symbol=%s", m.schedule, m.symbol)
	return nil
}

// Stop 不再触发新的检查，等待在途检查（含紧急平仓）结束，超时后取消其 context。
func (m *LossMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	c, cancel := m.cron, m.cancelRun
	m.cron, m.cancelRun = nil, nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	drained := c.Stop()
	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case <-drained.Done():
		cancel()
		m.log.Infof("stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	cancel()
	m.log.Warnf("in-flight check did not finish within %s, context cancelled", m.drainTimeout)
	return ErrDrainTimeout
}

// Check 执行一次盈亏检查，穿越阈值时调用紧急平仓。
func (m *LossMonitor) Check(ctx context.Context) error {
	res := CheckResult{At: time.Now()}
	err := m.check(ctx, &res)
	if err != nil {
		res.Error = err.Error()
	}
	m.mu.Lock()
	m.lastCheck = res
	m.mu.Unlock()
	if err != nil && !errors.Is(err, ErrEmergencyInFlight) {
		m.log.Warnf("check failed: %v", err)
	}
	return err
}

func (m *LossMonitor) check(ctx context.Context, res *CheckResult) error {
	p, ok := m.profiles.Profile(m.userID)
	if !ok {
		return fmt.Errorf("no risk profile for user %q", m.userID)
	}
	price, err := m.feed.Price(ctx, m.symbol)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	acct, err := m.feed.Account(ctx, m.symbol, price)
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}
	res.Holding = acct.HasPosition()
	res.PnLPercent = acct.PnLPercent
	if !res.Holding {
		return nil
	}
	breach, hit := Evaluate(acct.PnLPercent, p)
	if !hit {
		m.log.Debugf("pnl=%.2f%% within [%.2f%%, %.2f%%]", acct.PnLPercent, p.StopLossThreshold(), p.TakeProfitThreshold())
		return nil
	}
	res.Breach = string(breach.Kind)
	_, err = m.emergency.Execute(ctx, m.symbol, breach, acct, price, p)
	return err
}

// Evaluate 判断盈亏是否穿越止损或止盈阈值（含边界）。
func Evaluate(pnlPercent float64, p profile.RiskProfile) (Breach, bool) {
	if sl := p.StopLossThreshold(); p.StopLossPercent != 0 && pnlPercent <= sl {
		return Breach{Kind: BreachStopLoss, PnLPercent: pnlPercent, Threshold: sl}, true
	}
	if tp := p.TakeProfitThreshold(); p.TakeProfitPercent != 0 && pnlPercent >= tp {
		return Breach{Kind: BreachTakeProfit, PnLPercent: pnlPercent, Threshold: tp}, true
	}
	return Breach{}, false
}

// cronLogger 把 cron 内部日志接到组件日志。
type cronLogger struct {
	log logger.Component
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorf("cron %s: %v %v", msg, err, keysAndValues)
}
