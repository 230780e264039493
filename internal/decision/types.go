// Package decision 定义顾问意见、合并后的决策以及把多个顾问扇出/汇总成一个
// 初步决策的协调器。
package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action 交易动作。
type Action string

const (
	ActionStrongBuy  Action = "STRONG_BUY"
	ActionBuy        Action = "BUY"
	ActionHold       Action = "HOLD"
	ActionSell       Action = "SELL"
	ActionStrongSell Action = "STRONG_SELL"
)

// ParseAction 接受大小写/连字符变体，例如 "strong-buy"。
func ParseAction(s string) (Action, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch a := Action(norm); a {
	case ActionStrongBuy, ActionBuy, ActionHold, ActionSell, ActionStrongSell:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

func (a Action) Valid() bool {
	_, err := ParseAction(string(a))
	return err == nil
}

func (a Action) IsBuy() bool  { return a == ActionBuy || a == ActionStrongBuy }
func (a Action) IsSell() bool { return a == ActionSell || a == ActionStrongSell }

// IsStrong 强信号按满额下单，普通信号按半额。
func (a Action) IsStrong() bool { return a == ActionStrongBuy || a == ActionStrongSell }

// Stage 标记决策所处阶段；每个阶段都会产出新的 Decision。
type Stage string

const (
	StagePreliminary      Stage = "preliminary"
	StageStrategyFiltered Stage = "strategy_filtered"
	StageFinal            Stage = "final"
	StageEmergency        Stage = "emergency"
)

// Opinion 单个顾问的判断，不直接落库。
type Opinion struct {
	Source     string    `json:"source"`
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	Timestamp  time.Time `json:"timestamp"`
	// Failed 表示这是调用失败后合成的 HOLD。
	Failed bool `json:"failed,omitempty"`
}

func (o Opinion) Validate() error {
	if !o.Action.Valid() {
		return fmt.Errorf("opinion from %s: invalid action %q", o.Source, o.Action)
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return fmt.Errorf("opinion from %s: confidence %.4f out of [0,1]", o.Source, o.Confidence)
	}
	return nil
}

// FailedOpinion 为失败的顾问生成 HOLD / 0 置信度的占位意见。
func FailedOpinion(source string, cause error, ts time.Time) Opinion {
	reason := "advisor unavailable"
	if cause != nil {
		reason = fmt.Sprintf("advisor failed: %v", cause)
	}
	return Opinion{
		Source:     source,
		Action:     ActionHold,
		Confidence: 0,
		Rationale:  reason,
		Timestamp:  ts,
		Failed:     true,
	}
}

// Decision 合并后的决策，创建后不可修改；后续阶段通过 Derive 生成新值。
type Decision struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	Stage      Stage     `json:"stage"`
	Timestamp  time.Time `json:"timestamp"`
	Opinions   []Opinion `json:"opinions,omitempty"`
}

// New 创建一个新的决策。
func New(symbol string, stage Stage, action Action, confidence float64, rationale string, ts time.Time, opinions []Opinion) Decision {
	return Decision{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Action:     action,
		Confidence: confidence,
		Rationale:  rationale,
		Stage:      stage,
		Timestamp:  ts,
		Opinions:   append([]Opinion(nil), opinions...),
	}
}

// Derive 基于当前决策产生下一阶段的新决策，原值不变。
func (d Decision) Derive(stage Stage, action Action, confidence float64, rationale string, ts time.Time) Decision {
	next := New(d.Symbol, stage, action, confidence, rationale, ts, d.Opinions)
	next.ParentID = d.ID
	return next
}

// Promote 以相同内容进入下一阶段。
func (d Decision) Promote(stage Stage, ts time.Time) Decision {
	return d.Derive(stage, d.Action, d.Confidence, d.Rationale, ts)
}

func (d Decision) IsHold() bool { return d.Action == ActionHold }

func (d Decision) String() string {
	return fmt.Sprintf("%s %s %s conf=%.2f", d.Stage, d.Symbol, d.Action, d.Confidence)
}
