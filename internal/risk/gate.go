// Package risk 实现下单前的确定性风控校验。
//
// Gate 是纯函数式的：相同输入总是得到相同结论，不读时钟、不做 I/O。
package risk

import (
	"fmt"
	"math"

	"autotrader/internal/decision"
	"autotrader/internal/market"
	"autotrader/internal/profile"
)

// Rule 标识触发拒绝的规则。
type Rule string

const (
	RuleNone           Rule = ""
	RuleInvalidOrder   Rule = "invalid_order"
	RuleMaxPosition    Rule = "max_position"
	RuleLeverage       Rule = "leverage"
	RuleExposure       Rule = "aggregate_exposure"
	RuleCircuitBreaker Rule = "circuit_breaker"
	RuleMinConfidence  Rule = "min_confidence"
	RuleHold           Rule = "hold"
)

// Verdict 风控结论。
type Verdict struct {
	Approved bool   `json:"approved"`
	Rule     Rule   `json:"rule,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func approve() Verdict { return Verdict{Approved: true} }

func reject(rule Rule, format string, args ...any) Verdict {
	return Verdict{Rule: rule, Reason: fmt.Sprintf(format, args...)}
}

func (v Verdict) String() string {
	if v.Approved {
		return "approved"
	}
	return fmt.Sprintf("rejected[%s]: %s", v.Rule, v.Reason)
}

// Gate 按固定顺序执行规则，第一条失败的规则决定结果。
type Gate struct {
	MinConfidence float64
}

func NewGate(minConfidence float64) Gate {
	return Gate{MinConfidence: minConfidence}
}

// Validate 校验顺序：
//  1. 单笔上限 orderAmount <= total * maxPosition%
//  2. 杠杆：leverage>1 需允许且不超过上限，orderAmount*leverage <= total*leverage
//  3. 累计敞口（仅买入）invested + orderAmount <= total * maxPosition%
//  4. 熔断（仅买入）pnl% < maxLoss% 时拒绝
//  5. 置信度下限
//  6. HOLD 不执行
func (g Gate) Validate(d decision.Decision, acct market.AccountState, orderAmount float64, leverage int, p profile.RiskProfile) Verdict {
	if math.IsNaN(orderAmount) || math.IsInf(orderAmount, 0) || orderAmount < 0 {
		return reject(RuleInvalidOrder, "invalid order amount %v", orderAmount)
	}
	if leverage < 1 {
		leverage = 1
	}
	positionCap := acct.TotalBalance * p.MaxPositionPercent / 100

	if orderAmount > positionCap {
		return reject(RuleMaxPosition, "order amount %.2f exceeds max position %.2f (%.2f%% of balance %.2f)",
			orderAmount, positionCap, p.MaxPositionPercent, acct.TotalBalance)
	}

	if leverage > 1 {
		if !p.LeverageAllowed {
			return reject(RuleLeverage, "leverage %dx not allowed by risk profile", leverage)
		}
		if p.MaxLeverage > 0 && leverage > p.MaxLeverage {
			return reject(RuleLeverage, "leverage %dx exceeds max leverage %dx", leverage, p.MaxLeverage)
		}
		lev := float64(leverage)
		if orderAmount*lev > acct.TotalBalance*lev {
			return reject(RuleLeverage, "leveraged notional %.2f exceeds leveraged balance %.2f",
				orderAmount*lev, acct.TotalBalance*lev)
		}
	}

	if d.Action.IsBuy() && acct.InvestedAmount+orderAmount > positionCap {
		return reject(RuleExposure, "exposure %.2f + %.2f exceeds max position %.2f",
			acct.InvestedAmount, orderAmount, positionCap)
	}

	if d.Action.IsBuy() && acct.PnLPercent < p.MaxLossPercent {
		return reject(RuleCircuitBreaker, "circuit breaker: pnl %.2f%% below max loss %.2f%%, buys blocked",
			acct.PnLPercent, p.MaxLossPercent)
	}

	if d.Confidence < g.MinConfidence {
		return reject(RuleMinConfidence, "confidence %.2f below minimum %.2f", d.Confidence, g.MinConfidence)
	}

	if d.IsHold() {
		return reject(RuleHold, "HOLD: nothing to execute")
	}
	return approve()
}
