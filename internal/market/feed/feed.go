// Package feed 把行情源、限流、重试、缓存与指标计算组合成引擎使用的读取通道。
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autotrader/internal/analysis/indicator"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/ratelimit"
	"autotrader/internal/retry"
)

// Feed 所有上游调用都先过限流再进入重试；K 线窗口经缓存后附带指标返回。
type Feed struct {
	provider   market.DataProvider
	limiter    *ratelimit.Limiter
	retry      *retry.Executor
	cache      *market.Cache
	indicators indicator.Settings
	ledger     market.LedgerAccounts
	ledgerOnly bool
	nowFn      func() time.Time
	log        logger.Component
}

type Option func(*Feed)

func WithIndicatorSettings(s indicator.Settings) Option {
	return func(f *Feed) { f.indicators = s }
}

// WithLedger 设置账户回退来源；only=true 时（模拟盘）始终使用账本。
func WithLedger(l market.LedgerAccounts, only bool) Option {
	return func(f *Feed) {
		f.ledger = l
		f.ledgerOnly = only && l != nil
	}
}

func WithClock(nowFn func() time.Time) Option {
	return func(f *Feed) {
		if nowFn != nil {
			f.nowFn = nowFn
		}
	}
}

func New(provider market.DataProvider, limiter *ratelimit.Limiter, exec *retry.Executor, cache *market.Cache, opts ...Option) *Feed {
	f := &Feed{
		provider: provider,
		limiter:  limiter,
		retry:    exec,
		cache:    cache,
		nowFn:    time.Now,
		log:      logger.For("feed"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.retry == nil {
		f.retry = retry.New(retry.Policy{MaxAttempts: 1})
	}
	return f
}

// MinCandles 指标完整所需的最少 K 线数。
func (f *Feed) MinCandles() int { return f.indicators.MinCandles() }

// Window 返回最近 count 根已收盘 K 线及其指标。空窗口返回 market.ErrEmptyWindow 且不缓存。
func (f *Feed) Window(ctx context.Context, symbol, interval string, count int) (market.MarketWindow, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	fetch := func(ctx context.Context) (market.MarketWindow, error) {
		candles, err := guarded(ctx, f, "klines", func(ctx context.Context) ([]market.Candle, error) {
			return f.provider.Klines(ctx, symbol, interval, count)
		})
		if err != nil {
			return market.MarketWindow{}, err
		}
		w := market.MarketWindow{Symbol: symbol, Interval: interval, Candles: candles, FetchedAt: f.nowFn()}
		if err := w.Validate(); err != nil {
			return market.MarketWindow{}, fmt.Errorf("klines %s %s: %w", symbol, interval, err)
		}
		return indicator.EnrichWindow(w, f.indicators), nil
	}
	if f.cache == nil {
		return fetch(ctx)
	}
	return f.cache.GetOrFetch(ctx, symbol, interval, count, fetch)
}

// Price 当前价格不缓存。
func (f *Feed) Price(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	price, err := guarded(ctx, f, "price", func(ctx context.Context) (float64, error) {
		return f.provider.CurrentPrice(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("price %s: non-positive value %v", symbol, price)
	}
	return price, nil
}

// Account 优先读交易所账户，失败时回退到本地账本。
func (f *Feed) Account(ctx context.Context, symbol string, price float64) (market.AccountState, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if f.ledgerOnly {
		return f.ledger.AccountFromLedger(ctx, symbol, price)
	}
	acct, err := guarded(ctx, f, "account", func(ctx context.Context) (market.AccountState, error) {
		return f.provider.Account(ctx, symbol)
	})
	if err == nil {
		return acct, nil
	}
	if f.ledger == nil || ctx.Err() != nil {
		return market.AccountState{}, err
	}
	f.log.Warnf("account %s from exchange failed, falling back to ledger: %v", symbol, err)
	return f.ledger.AccountFromLedger(ctx, symbol, price)
}

func guarded[T any](ctx context.Context, f *Feed, op string, call func(context.Context) (T, error)) (T, error) {
	v, err := retry.Do(ctx, f.retry, func(ctx context.Context) (T, error) {
		if f.limiter != nil {
			if err := f.limiter.Acquire(ctx); err != nil {
				var zero T
				return zero, err
			}
		}
		return call(ctx)
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}
