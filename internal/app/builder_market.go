package app

import (
	"context"
	"fmt"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/executor"
	"autotrader/internal/gateway/binance"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/market/feed"
	"autotrader/internal/ratelimit"
	"autotrader/internal/retry"
	"autotrader/internal/store/gormstore"

	"github.com/redis/go-redis/v9"
)

const paperSlippageBps = 5

// MarketStack 行情读取与下单通道。
type MarketStack struct {
	Feed       *feed.Feed
	Placer     executor.Placer
	Mode       string
	CacheTiers string
}

func buildMarketStack(ctx context.Context, cfg *config.Config, st *gormstore.GormStore) (*MarketStack, error) {
	src, err := binance.New(binance.Config{
		BaseURL:   cfg.Exchange.BaseURL,
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		Testnet:   cfg.Exchange.Testnet,
	})
	if err != nil {
		return nil, fmt.Errorf("binance source: %w", err)
	}
	limiter := ratelimit.New(cfg.RateLimit.Limit, cfg.RateLimit.Window())
	retrier := retry.New(retry.Policy{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay(),
		MaxDelay:     cfg.Retry.MaxDelay(),
	}, retry.WithRetryHook(func(attempt int, delay time.Duration, err error) {
		logger.Debugf("retry attempt=%d in %s: %v", attempt, delay, err)
	}))

	tiers := "memory"
	var cacheOpts []market.CacheOption
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		perr := rdb.Ping(pingCtx).Err()
		cancel()
		if perr != nil {
			logger.Warnf("redis %s 不可用，仅使用内存缓存: %v", cfg.Redis.Addr, perr)
			_ = rdb.Close()
		} else {
			cacheOpts = append(cacheOpts, market.WithSecondTier(market.NewRedisTier(rdb, cfg.Redis.Namespace)))
			tiers = "memory + redis(" + cfg.Redis.Addr + ")"
		}
	}
	cache := market.NewCache(cfg.Cache.TTL(), cacheOpts...)

	live := cfg.Exchange.IsLive()
	f := feed.New(src, limiter, retrier, cache, feed.WithLedger(st.Ledger(cfg.App.UserID), !live))

	stack := &MarketStack{Feed: f, CacheTiers: tiers}
	if live {
		stack.Placer = binance.NewPlacer(src, limiter)
		stack.Mode = "live"
		logger.Warnf("⚠ 实盘模式：订单将提交到 Binance Futures")
	} else {
		stack.Placer = executor.NewPaperPlacer(f, paperSlippageBps)
		stack.Mode = "paper"
		logger.Infof("✓ 模拟盘模式：订单本地成交，账户由账本重建")
	}
	return stack, nil
}
