package binance

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"autotrader/internal/market"
	symbolpkg "autotrader/internal/pkg/symbol"
	"autotrader/internal/scheduler"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Stats 记录 REST 调用情况，供运维接口展示。
type Stats struct {
	Requests  int64     `json:"requests"`
	Errors    int64     `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	LastErrAt time.Time `json:"last_error_at,omitempty"`
}

// Source 基于 go-binance USDⓈ-M 合约接口实现 market.DataProvider。
type Source struct {
	cfg    Config
	client *futures.Client
	nowFn  func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.SecretKey)
	client.BaseURL = final.BaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client, nowFn: time.Now}, nil
}

// Klines 返回已收盘的 K 线，最后一根未收盘的会被丢弃。
func (s *Source) Klines(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	sym := symbolpkg.Binance.ToExchange(symbol)
	if sym == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	// 多取一根以抵消被丢弃的未收盘 K 线
	fetch := limit + 1
	if fetch > maxHistoryLimit {
		fetch = maxHistoryLimit
	}
	kls, err := s.client.NewKlinesService().Symbol(sym).Interval(interval).Limit(fetch).Do(ctx)
	if err = s.record("klines", err); err != nil {
		return nil, err
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	if dur, ok := scheduler.ParseIntervalDuration(interval); ok {
		out = scheduler.DropUnclosedBinanceKline(out, dur, s.nowFn())
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Source) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	sym := symbolpkg.Binance.ToExchange(symbol)
	prices, err := s.client.NewListPricesService().Symbol(sym).Do(ctx)
	if err = s.record("price", err); err != nil {
		return 0, err
	}
	for _, p := range prices {
		if p != nil && strings.EqualFold(p.Symbol, sym) {
			return parseFloat(p.Price), nil
		}
	}
	return 0, fmt.Errorf("price for %s not returned", sym)
}

// Account 以计价币钱包余额为总资产，只统计多头持仓。
func (s *Source) Account(ctx context.Context, symbol string) (market.AccountState, error) {
	parsed := symbolpkg.Parse(symbol)
	if parsed.Quote == "" {
		return market.AccountState{}, fmt.Errorf("cannot derive quote asset from %q", symbol)
	}
	balances, err := s.client.NewGetBalanceService().Do(ctx)
	if err = s.record("balance", err); err != nil {
		return market.AccountState{}, err
	}
	var total, available float64
	found := false
	for _, b := range balances {
		if b != nil && strings.EqualFold(b.Asset, parsed.Quote) {
			total = parseFloat(b.Balance)
			available = parseFloat(b.AvailableBalance)
			found = true
			break
		}
	}
	if !found {
		return market.AccountState{}, fmt.Errorf("no %s balance in futures wallet", parsed.Quote)
	}

	sym := parsed.Binance()
	positions, err := s.client.NewGetPositionRiskService().Symbol(sym).Do(ctx)
	if err = s.record("position_risk", err); err != nil {
		return market.AccountState{}, err
	}
	var qty, entry, mark float64
	for _, p := range positions {
		if p == nil || !strings.EqualFold(p.Symbol, sym) {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt <= 0 {
			continue
		}
		// 双向持仓模式下可能有多条多头记录，按数量加权合并开仓价
		entry = (entry*qty + parseFloat(p.EntryPrice)*amt) / (qty + amt)
		qty += amt
		mark = parseFloat(p.MarkPrice)
	}
	invested := entry * qty
	if math.IsNaN(invested) {
		invested = 0
	}
	return market.NewAccountState(total, available, qty, mark, invested, market.AccountSourceExchange, s.nowFn()), nil
}

func (s *Source) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// record 统计调用并把错误转换为可分类的错误。
func (s *Source) record(op string, err error) error {
	s.statsMu.Lock()
	s.stats.Requests++
	if err != nil {
		s.stats.Errors++
		s.stats.LastError = fmt.Sprintf("%s: %v", op, err)
		s.stats.LastErrAt = s.nowFn()
	}
	s.statsMu.Unlock()
	return convertError(op, err)
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
