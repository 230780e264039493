package decision

import (
	"context"

	"autotrader/internal/market"
	"autotrader/internal/profile"
)

// Advisor 产出单个交易意见。调用方负责超时控制。
type Advisor interface {
	Name() string
	Analyze(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) (Opinion, error)
}

// AdvisorFunc 便于测试或轻量规则直接以函数形式接入。
type AdvisorFunc struct {
	ID string
	Fn func(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) (Opinion, error)
}

func (f AdvisorFunc) Name() string { return f.ID }

func (f AdvisorFunc) Analyze(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) (Opinion, error) {
	return f.Fn(ctx, window, p)
}
