package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// PriceSource 模拟盘成交价来源。
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// PaperPlacer 以当前价格（可加滑点）即时成交，不触达交易所。
type PaperPlacer struct {
	prices      PriceSource
	slippageBps int64
	seq         atomic.Int64
}

func NewPaperPlacer(prices PriceSource, slippageBps int64) *PaperPlacer {
	return &PaperPlacer{prices: prices, slippageBps: slippageBps}
}

func (p *PaperPlacer) PlaceMarketOrder(ctx context.Context, req OrderRequest) (Fill, error) {
	price, err := p.prices.Price(ctx, req.Symbol)
	if err != nil {
		return Fill{}, fmt.Errorf("paper price %s: %w", req.Symbol, err)
	}
	px := decimal.NewFromFloat(price)
	if p.slippageBps > 0 {
		slip := px.Mul(decimal.New(p.slippageBps, -4))
		if req.Side == SideBuy {
			px = px.Add(slip)
		} else {
			px = px.Sub(slip)
		}
	}
	qty := decimal.NewFromFloat(req.Quantity)
	avg, _ := px.Round(8).Float64()
	cum, _ := px.Mul(qty).Round(8).Float64()
	return Fill{
		ExchangeOrderID:  fmt.Sprintf("paper-%d", p.seq.Add(1)),
		ExecutedQuantity: req.Quantity,
		AvgPrice:         avg,
		CumQuote:         cum,
	}, nil
}
