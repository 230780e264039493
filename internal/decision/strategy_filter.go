package decision

import (
	"fmt"
	"time"
)

// ReentryGate 在止盈/止损平仓后限制再次买入，由 post-action 状态机实现。
type ReentryGate interface {
	AllowBuy(now time.Time, price float64) (bool, string)
}

// StrategyFilter 是初步决策之后的策略过滤阶段：置信度不足或被再入场条件
// 阻止的买入降级为 HOLD。
type StrategyFilter struct {
	Strategy      string
	MinConfidence float64
	Gate          ReentryGate
}

func (f StrategyFilter) Apply(d Decision, price float64, now time.Time) Decision {
	if d.IsHold() {
		return d.Promote(StageStrategyFiltered, now)
	}
	if d.Confidence < f.MinConfidence {
		reason := fmt.Sprintf("strategy %s: confidence %.2f below %.2f (was %s)", f.Strategy, d.Confidence, f.MinConfidence, d.Action)
		return d.Derive(StageStrategyFiltered, ActionHold, d.Confidence, reason, now)
	}
	if d.Action.IsBuy() && f.Gate != nil {
		if ok, why := f.Gate.AllowBuy(now, price); !ok {
			reason := fmt.Sprintf("strategy %s: %s blocked by re-entry policy: %s", f.Strategy, d.Action, why)
			return d.Derive(StageStrategyFiltered, ActionHold, d.Confidence, reason, now)
		}
	}
	return d.Promote(StageStrategyFiltered, now)
}
