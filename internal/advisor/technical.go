// Package advisor 提供可插拔的顾问实现：确定性的技术指标规则以及基于大模型的分析。
package advisor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/market"
	"autotrader/internal/profile"
)

const (
	rsiOversold   = 30.0
	rsiOverbought = 70.0
	// 每个同向信号增加的置信度
	confidenceStep = 0.125
	holdConfidence = 0.5
)

// Technical 基于最后一根 K 线上的 RSI / MACD / 均线 / 布林带投票。
type Technical struct {
	name  string
	nowFn func() time.Time
}

func NewTechnical(name string) *Technical {
	if strings.TrimSpace(name) == "" {
		name = "technical"
	}
	return &Technical{name: name, nowFn: time.Now}
}

func (t *Technical) Name() string { return t.name }

func (t *Technical) Analyze(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) (decision.Opinion, error) {
	if err := ctx.Err(); err != nil {
		return decision.Opinion{}, err
	}
	last, ok := window.Last()
	if !ok {
		return decision.Opinion{}, market.ErrEmptyWindow
	}
	now := t.nowFn()
	ind := last.Indicators
	if !ind.Ready {
		return decision.Opinion{
			Source:     t.name,
			Action:     decision.ActionHold,
			Confidence: 0.2,
			Rationale:  fmt.Sprintf("indicators not ready (%d candles)", window.Len()),
			Timestamp:  now,
		}, nil
	}

	score := 0
	var notes []string
	vote := func(dir int, note string) {
		score += dir
		notes = append(notes, note)
	}
	switch {
	case ind.RSI < rsiOversold:
		vote(1, fmt.Sprintf("RSI %.1f oversold", ind.RSI))
	case ind.RSI > rsiOverbought:
		vote(-1, fmt.Sprintf("RSI %.1f overbought", ind.RSI))
	}
	switch {
	case ind.MACDHist > 0:
		vote(1, "MACD histogram positive")
	case ind.MACDHist < 0:
		vote(-1, "MACD histogram negative")
	}
	switch {
	case ind.SMAShort > ind.SMALong:
		vote(1, "short SMA above long SMA")
	case ind.SMAShort < ind.SMALong:
		vote(-1, "short SMA below long SMA")
	}
	switch {
	case ind.BBLower > 0 && last.Close < ind.BBLower:
		vote(1, "close below lower band")
	case ind.BBUpper > 0 && last.Close > ind.BBUpper:
		vote(-1, "close above upper band")
	}

	action := actionForScore(score)
	// 不允许杠杆的保守画像不给出 STRONG_BUY
	if action == decision.ActionStrongBuy && !p.LeverageAllowed && p.MaxPositionPercent <= 10 {
		action = decision.ActionBuy
		notes = append(notes, "strong buy capped by conservative profile")
	}
	confidence := holdConfidence
	if action != decision.ActionHold {
		confidence = math.Min(1, holdConfidence+confidenceStep*math.Abs(float64(score)))
	}
	rationale := "no clear signal"
	if len(notes) > 0 {
		rationale = fmt.Sprintf("score=%d: %s", score, strings.Join(notes, "; "))
	}
	return decision.Opinion{
		Source:     t.name,
		Action:     action,
		Confidence: confidence,
		Rationale:  rationale,
		Timestamp:  now,
	}, nil
}

func actionForScore(score int) decision.Action {
	switch {
	case score >= 3:
		return decision.ActionStrongBuy
	case score >= 1:
		return decision.ActionBuy
	case score <= -3:
		return decision.ActionStrongSell
	case score <= -1:
		return decision.ActionSell
	default:
		return decision.ActionHold
	}
}
