// Package monitor 独立于主周期检查持仓盈亏，触发止盈/止损紧急平仓，并跟踪
// 平仓后的 post-action 状态。
package monitor

import (
	"fmt"
	"sync"
	"time"

	"autotrader/internal/executor"
	"autotrader/internal/logger"
	"autotrader/internal/profile"
)

// PositionState post-action 状态机的状态。
type PositionState string

const (
	StateNone                PositionState = "NONE"
	StateHolding             PositionState = "HOLDING"
	StatePendingReentry      PositionState = "PENDING_REENTRY"
	StatePendingReverse      PositionState = "PENDING_REVERSE"
	StatePendingQuickReentry PositionState = "PENDING_QUICK_REENTRY"
)

const (
	defaultReentryCooldown = 30 * time.Minute
	defaultReentryDip      = 1.0
)

// TrackerSnapshot 供运维接口展示。
type TrackerSnapshot struct {
	State     PositionState `json:"state"`
	Since     time.Time     `json:"since"`
	ExitPrice float64       `json:"exit_price,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// PostActionTracker 只记录状态并限制再次买入，不自动下单。
type PostActionTracker struct {
	cooldown   time.Duration
	dipPercent float64
	log        logger.Component

	mu   sync.RWMutex
	snap TrackerSnapshot
}

// NewPostActionTracker cooldown/dip 为 WAIT_REENTRY 的再入场条件：冷却时间已过且
// 价格较平仓价回落 dipPercent%。
func NewPostActionTracker(cooldown time.Duration, dipPercent float64) *PostActionTracker {
	if cooldown <= 0 {
		cooldown = defaultReentryCooldown
	}
	if dipPercent < 0 {
		dipPercent = defaultReentryDip
	}
	return &PostActionTracker{
		cooldown:   cooldown,
		dipPercent: dipPercent,
		log:        logger.For("post_action"),
		snap:       TrackerSnapshot{State: StateNone},
	}
}

func (t *PostActionTracker) Snapshot() TrackerSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Seed 启动时根据账户是否有持仓设置初始状态。
func (t *PostActionTracker) Seed(holding bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snap.State != StateNone {
		return
	}
	if holding {
		t.snap = TrackerSnapshot{State: StateHolding, Since: now}
	}
}

// OnFill 由执行路径在成交后调用。紧急平仓由 Apply 处理。
func (t *PostActionTracker) OnFill(order executor.Order) {
	if !order.IsFilled() || order.Emergency {
		return
	}
	at := order.UpdatedAt
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.snap.State
	switch order.Side {
	case executor.SideBuy:
		t.snap = TrackerSnapshot{State: StateHolding, Since: at}
	case executor.SideSell:
		t.snap = TrackerSnapshot{State: StateNone, Since: at, ExitPrice: order.ExecutedPrice}
	}
	if prev != t.snap.State {
		t.log.Infof("%s -> %s (order %s)", prev, t.snap.State, order.ID)
	}
}

// Apply 在紧急平仓成功后应用 post-action 策略。
func (t *PostActionTracker) Apply(action profile.PostAction, reason string, exitPrice float64, now time.Time) PositionState {
	next := StateNone
	switch action {
	case profile.PostActionWaitReentry:
		next = StatePendingReentry
	case profile.PostActionReversePosition:
		next = StatePendingReverse
	case profile.PostActionQuickReentry:
		next = StatePendingQuickReentry
	}
	t.mu.Lock()
	prev := t.snap.State
	t.snap = TrackerSnapshot{State: next, Since: now, ExitPrice: exitPrice, Reason: reason}
	t.mu.Unlock()
	t.log.Infof("post action %s after %s: %s -> %s (exit=%.4f)", action, reason, prev, next, exitPrice)
	if next == StatePendingReverse {
		t.log.Warnf("reverse position requested but short side is not automated; buys wait for cooldown %s", t.cooldown)
	}
	return next
}

// AllowBuy 实现 decision.ReentryGate。
func (t *PostActionTracker) AllowBuy(now time.Time, price float64) (bool, string) {
	snap := t.Snapshot()
	switch snap.State {
	case StatePendingReentry:
		if wait := snap.Since.Add(t.cooldown).Sub(now); wait > 0 {
			return false, fmt.Sprintf("re-entry cooldown, %s left", wait.Truncate(time.Second))
		}
		target := snap.ExitPrice * (1 - t.dipPercent/100)
		if snap.ExitPrice > 0 && price > target {
			return false, fmt.Sprintf("waiting for dip: price %.4f above %.4f (exit %.4f -%.2f%%)", price, target, snap.ExitPrice, t.dipPercent)
		}
		return true, ""
	case StatePendingReverse:
		if wait := snap.Since.Add(t.cooldown).Sub(now); wait > 0 {
			return false, fmt.Sprintf("reverse pending, %s left", wait.Truncate(time.Second))
		}
		return true, ""
	default:
		return true, ""
	}
}
