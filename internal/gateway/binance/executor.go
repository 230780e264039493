package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"autotrader/internal/executor"
	"autotrader/internal/logger"
	symbolpkg "autotrader/internal/pkg/symbol"
	"autotrader/internal/ratelimit"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	defaultPollAttempts = 5
	defaultPollInterval = 300 * time.Millisecond
)

// Placer 实盘下单。下单不可幂等重试，只经过限流。
type Placer struct {
	client       *futures.Client
	limiter      *ratelimit.Limiter
	pollAttempts int
	pollInterval time.Duration
	log          logger.Component

	mu        sync.Mutex
	precision map[string]int
	leverage  map[string]int
}

// NewPlacer 复用 Source 的 REST 客户端，limiter 可为 nil。
func NewPlacer(src *Source, limiter *ratelimit.Limiter) *Placer {
	return &Placer{
		client:       src.client,
		limiter:      limiter,
		pollAttempts: defaultPollAttempts,
		pollInterval: defaultPollInterval,
		log:          logger.For("binance.placer"),
		precision:    make(map[string]int),
		leverage:     make(map[string]int),
	}
}

func (p *Placer) PlaceMarketOrder(ctx context.Context, req executor.OrderRequest) (executor.Fill, error) {
	sym := symbolpkg.Binance.ToExchange(req.Symbol)
	if sym == "" {
		return executor.Fill{}, &executor.RejectError{Reason: "symbol is required"}
	}
	qty, err := p.formatQuantity(ctx, sym, req.Quantity)
	if err != nil {
		return executor.Fill{}, err
	}
	if !req.ReduceOnly && req.Leverage > 0 {
		if err := p.ensureLeverage(ctx, sym, req.Leverage); err != nil {
			return executor.Fill{}, err
		}
	}
	side := futures.SideTypeBuy
	if req.Side == executor.SideSell {
		side = futures.SideTypeSell
	}
	if err := p.wait(ctx); err != nil {
		return executor.Fill{}, err
	}
	svc := p.client.NewCreateOrderService().
		Symbol(sym).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qty)
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return executor.Fill{}, convertOrderError("create_order", err)
	}
	p.log.Infof("order submitted symbol=%s side=%s qty=%s id=%d status=%s", sym, side, qty, resp.OrderID, resp.Status)

	status := resp.Status
	fill := executor.Fill{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		ExecutedQuantity: parseFloat(resp.ExecutedQuantity),
		AvgPrice:         parseFloat(resp.AvgPrice),
		CumQuote:         parseFloat(resp.CumQuote),
	}
	for attempt := 0; status != futures.OrderStatusTypeFilled && attempt < p.pollAttempts; attempt++ {
		if terminalReject(status) {
			break
		}
		if err := sleepCtx(ctx, p.pollInterval); err != nil {
			return fill, err
		}
		if err := p.wait(ctx); err != nil {
			return fill, err
		}
		order, err := p.client.NewGetOrderService().Symbol(sym).OrderID(resp.OrderID).Do(ctx)
		if err != nil {
			return fill, convertError("get_order", err)
		}
		status = order.Status
		fill.ExecutedQuantity = parseFloat(order.ExecutedQuantity)
		fill.AvgPrice = parseFloat(order.AvgPrice)
		fill.CumQuote = parseFloat(order.CumQuote)
	}
	if status != futures.OrderStatusTypeFilled && fill.ExecutedQuantity > 0 {
		if fill.AvgPrice <= 0 {
			fill.AvgPrice = fill.CumQuote / fill.ExecutedQuantity
		}
		p.log.Warnf("order partially filled symbol=%s id=%s executed=%v/%s status=%s",
			sym, fill.ExchangeOrderID, fill.ExecutedQuantity, qty, status)
		return fill, &executor.PartialFillError{
			ExchangeOrderID: fill.ExchangeOrderID,
			Status:          string(status),
			Executed:        fill.ExecutedQuantity,
			Requested:       parseFloat(qty),
		}
	}
	switch {
	case status == futures.OrderStatusTypeFilled:
		if fill.AvgPrice <= 0 && fill.ExecutedQuantity > 0 {
			fill.AvgPrice = fill.CumQuote / fill.ExecutedQuantity
		}
		return fill, nil
	case terminalReject(status):
		return fill, &executor.RejectError{Reason: fmt.Sprintf("order %s ended with status %s", fill.ExchangeOrderID, status)}
	default:
		return fill, fmt.Errorf("order %s not filled after polling, last status %s", fill.ExchangeOrderID, status)
	}
}

func terminalReject(status futures.OrderStatusType) bool {
	switch status {
	case futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired, futures.OrderStatusTypeCanceled:
		return true
	}
	return false
}

// formatQuantity 按交易对数量精度向下截断，截断后为 0 视为拒单。
func (p *Placer) formatQuantity(ctx context.Context, sym string, qty float64) (string, error) {
	prec, err := p.quantityPrecision(ctx, sym)
	if err != nil {
		return "", err
	}
	d := decimal.NewFromFloat(qty).Truncate(int32(prec))
	if !d.IsPositive() {
		return "", &executor.RejectError{Reason: fmt.Sprintf("quantity %v below %s precision %d", qty, sym, prec)}
	}
	return d.StringFixed(int32(prec)), nil
}

func (p *Placer) quantityPrecision(ctx context.Context, sym string) (int, error) {
	p.mu.Lock()
	prec, ok := p.precision[sym]
	p.mu.Unlock()
	if ok {
		return prec, nil
	}
	if err := p.wait(ctx); err != nil {
		return 0, err
	}
	info, err := p.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, convertError("exchange_info", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range info.Symbols {
		p.precision[strings.ToUpper(s.Symbol)] = s.QuantityPrecision
	}
	prec, ok = p.precision[sym]
	if !ok {
		return 0, &executor.RejectError{Reason: fmt.Sprintf("symbol %s not listed", sym)}
	}
	return prec, nil
}

func (p *Placer) ensureLeverage(ctx context.Context, sym string, leverage int) error {
	p.mu.Lock()
	current := p.leverage[sym]
	p.mu.Unlock()
	if current == leverage {
		return nil
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	if _, err := p.client.NewChangeLeverageService().Symbol(sym).Leverage(leverage).Do(ctx); err != nil {
		return convertOrderError("change_leverage", err)
	}
	p.mu.Lock()
	p.leverage[sym] = leverage
	p.mu.Unlock()
	p.log.Infof("leverage set symbol=%s leverage=%dx", sym, leverage)
	return nil
}

func (p *Placer) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.Acquire(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
