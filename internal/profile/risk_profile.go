// Package profile holds the per-user risk profile consumed read-only by the
// trading core.
package profile

import (
	"fmt"
	"math"
	"strings"
)

// PostAction is what the account should do after a stop-loss or take-profit liquidation.
type PostAction string

const (
	PostActionHold            PostAction = "HOLD"
	PostActionWaitReentry     PostAction = "WAIT_REENTRY"
	PostActionReversePosition PostAction = "REVERSE_POSITION"
	PostActionQuickReentry    PostAction = "QUICK_REENTRY"
)

func ParsePostAction(s string) (PostAction, error) {
	switch a := PostAction(strings.ToUpper(strings.TrimSpace(s))); a {
	case PostActionHold, PostActionWaitReentry, PostActionReversePosition, PostActionQuickReentry:
		return a, nil
	case "":
		return PostActionHold, nil
	default:
		return "", fmt.Errorf("unknown post action %q", s)
	}
}

// RiskProfile 描述单个用户的风险偏好，由外部问卷流程生成，核心只读。
//
// MaxLossPercent 为负数（例如 -15 表示亏损 15% 后熔断）；StopLossPercent 与
// TakeProfitPercent 按幅度填写，正负号均可。
type RiskProfile struct {
	UserID             string     `yaml:"-" json:"user_id"`
	LeverageAllowed    bool       `yaml:"leverage_allowed" json:"leverage_allowed"`
	MaxLeverage        int        `yaml:"max_leverage" json:"max_leverage"`
	MaxLossPercent     float64    `yaml:"max_loss_percent" json:"max_loss_percent"`
	MaxPositionPercent float64    `yaml:"max_position_percent" json:"max_position_percent"`
	StopLossPercent    float64    `yaml:"stop_loss_percent" json:"stop_loss_percent"`
	TakeProfitPercent  float64    `yaml:"take_profit_percent" json:"take_profit_percent"`
	PostStopLoss       PostAction `yaml:"post_stop_loss" json:"post_stop_loss"`
	PostTakeProfit     PostAction `yaml:"post_take_profit" json:"post_take_profit"`
}

// Conservative is used when no profile file is configured.
func Conservative(userID string) RiskProfile {
	return RiskProfile{
		UserID:             userID,
		LeverageAllowed:    false,
		MaxLeverage:        1,
		MaxLossPercent:     -15,
		MaxPositionPercent: 10,
		StopLossPercent:    5,
		TakeProfitPercent:  10,
		PostStopLoss:       PostActionWaitReentry,
		PostTakeProfit:     PostActionHold,
	}
}

// StopLossThreshold is the P&L percent at or below which the stop fires.
func (p RiskProfile) StopLossThreshold() float64 {
	return -math.Abs(p.StopLossPercent)
}

// TakeProfitThreshold is the P&L percent at or above which profit is taken.
func (p RiskProfile) TakeProfitThreshold() float64 {
	return math.Abs(p.TakeProfitPercent)
}

func (p RiskProfile) Normalize() RiskProfile {
	if p.MaxLeverage <= 0 {
		p.MaxLeverage = 1
	}
	if p.MaxLossPercent > 0 {
		p.MaxLossPercent = -p.MaxLossPercent
	}
	if a, err := ParsePostAction(string(p.PostStopLoss)); err == nil {
		p.PostStopLoss = a
	}
	if a, err := ParsePostAction(string(p.PostTakeProfit)); err == nil {
		p.PostTakeProfit = a
	}
	return p
}

func (p RiskProfile) Validate() error {
	if p.MaxPositionPercent <= 0 || p.MaxPositionPercent > 100 {
		return fmt.Errorf("max_position_percent must be in (0,100], got %v", p.MaxPositionPercent)
	}
	if p.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1")
	}
	if !p.LeverageAllowed && p.MaxLeverage > 1 {
		return fmt.Errorf("max_leverage=%d requires leverage_allowed", p.MaxLeverage)
	}
	if p.StopLossPercent == 0 {
		return fmt.Errorf("stop_loss_percent must be non-zero")
	}
	if p.TakeProfitPercent == 0 {
		return fmt.Errorf("take_profit_percent must be non-zero")
	}
	if _, err := ParsePostAction(string(p.PostStopLoss)); err != nil {
		return fmt.Errorf("post_stop_loss: %w", err)
	}
	if _, err := ParsePostAction(string(p.PostTakeProfit)); err != nil {
		return fmt.Errorf("post_take_profit: %w", err)
	}
	return nil
}

// Source hands out the current profile snapshot for a user.
type Source interface {
	Profile(userID string) (RiskProfile, bool)
}

// Static serves a fixed set of profiles.
type Static map[string]RiskProfile

func (s Static) Profile(userID string) (RiskProfile, bool) {
	p, ok := s[userID]
	return p, ok
}
