package app

import (
	"context"
	"fmt"
	"time"

	"autotrader/internal/config"
	cfgloader "autotrader/internal/config/loader"
	"autotrader/internal/engine"
	"autotrader/internal/executor"
	"autotrader/internal/gateway/notifier"
	"autotrader/internal/logger"
	"autotrader/internal/monitor"
	"autotrader/internal/pkg/tracing"
	"autotrader/internal/profile"
	"autotrader/internal/risk"
	"autotrader/internal/scheduler"
	"autotrader/internal/store/gormstore"
	opshttp "autotrader/internal/transport/http/ops"
)

// Version 由 -ldflags 注入。
var Version = "dev"

// AppBuilder 按配置组装各组件；各 *Fn 字段可在测试中替换。
type AppBuilder struct {
	cfg *config.Config

	storeFn       func(config.StoreConfig) (*gormstore.GormStore, error)
	marketStackFn func(context.Context, *config.Config, *gormstore.GormStore) (*MarketStack, error)
	coordinatorFn func(*config.Config) (engine.Coordinator, []string, error)
	notifierFn    func(config.NotifyConfig) (notifier.Notifier, error)
}

type AppBuilderOption func(*AppBuilder)

func WithMarketStack(fn func(context.Context, *config.Config, *gormstore.GormStore) (*MarketStack, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.marketStackFn = fn }
}

func WithCoordinator(fn func(*config.Config) (engine.Coordinator, []string, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.coordinatorFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:           cfg,
		storeFn:       openStore,
		marketStackFn: buildMarketStack,
		coordinatorFn: buildCoordinator,
		notifierFn:    buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func openStore(cfg config.StoreConfig) (*gormstore.GormStore, error) {
	return gormstore.Open(gormstore.Options{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		DSN:             cfg.DSN,
		StartingBalance: cfg.StartingBalance,
	})
}

func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	userID := cfg.App.UserID

	tp, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return nil, err
	}
	st, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = st.Close()
			_ = tp.Shutdown(context.Background())
		}
	}()
	logger.Infof("✓ 存储已就绪 driver=%s", cfg.Store.Driver)

	profiles, profileDesc, err := loadProfiles(cfg.Risk, userID)
	if err != nil {
		return nil, err
	}
	if _, ok := profiles.Profile(userID); !ok {
		return nil, fmt.Errorf("risk profile for user %q not found", userID)
	}

	stack, err := b.marketStackFn(ctx, cfg, st)
	if err != nil {
		return nil, err
	}
	coordinator, advisorNames, err := b.coordinatorFn(cfg)
	if err != nil {
		return nil, err
	}
	notify, err := b.notifierFn(cfg.Notify)
	if err != nil {
		return nil, err
	}

	strategyName, strategy := cfg.ActiveStrategy()
	if need := stack.Feed.MinCandles(); strategy.CandleCount < need {
		logger.Warnf("strategy %s candle_count=%d below indicator warm-up %d; indicators will be partial", strategyName, strategy.CandleCount, need)
	}
	interval, ok := scheduler.ParseIntervalDuration(strategy.Interval)
	if !ok {
		return nil, fmt.Errorf("strategy %s: invalid interval %q", strategyName, strategy.Interval)
	}

	var execOpts []executor.ServiceOption
	if cfg.Engine.SharedOrderLock {
		execOpts = append(execOpts, executor.WithSharedLock(executor.NewOrderLock()))
	}
	execSvc := executor.NewService(stack.Placer, st, userID, execOpts...)

	tracker := monitor.NewPostActionTracker(cfg.Monitor.ReentryCooldown(), cfg.Monitor.ReentryDipPercent)
	if acct, aerr := stack.Feed.Account(ctx, cfg.Engine.Symbol, 0); aerr == nil {
		tracker.Seed(acct.HasPosition(), time.Now())
	} else {
		logger.Warnf("initial account snapshot failed: %v", aerr)
	}

	orch, err := engine.New(engine.Config{
		UserID:                userID,
		Symbol:                cfg.Engine.Symbol,
		Strategy:              strategyName,
		Interval:              strategy.Interval,
		CandleCount:           strategy.CandleCount,
		OrderSizePercent:      cfg.Engine.OrderSizePercent,
		Leverage:              cfg.Engine.Leverage,
		StrategyMinConfidence: strategy.MinConfidence,
	}, engine.Deps{
		Feed:        stack.Feed,
		Coordinator: coordinator,
		Gate:        risk.NewGate(cfg.Risk.MinConfidence),
		Profiles:    profiles,
		Executor:    execSvc,
		Logs:        st,
		Notifier:    notify,
		Observer:    tracker,
		ReentryGate: tracker,
	})
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: st, tracer: tp, orchestrator: orch}
	if cfg.Scheduler.Enabled {
		a.scheduler, err = buildScheduler(cfg, orch, interval)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Monitor.Enabled {
		emergency := monitor.NewEmergencyExecutor(userID, cfg.Engine.Leverage, execSvc, st, tracker, notify)
		a.monitor = monitor.NewLossMonitor(userID, cfg.Engine.Symbol, stack.Feed, profiles, emergency,
			monitor.WithSchedule(cfg.Monitor.Schedule),
			monitor.WithDrainTimeout(cfg.Monitor.DrainTimeout()),
		)
	}
	srvCfg := opshttp.ServerConfig{Addr: cfg.App.HTTPAddr, Cycle: orch, Logs: st}
	if a.scheduler != nil {
		srvCfg.Scheduler = a.scheduler
	}
	if a.monitor != nil {
		srvCfg.Monitor = a.monitor
	}
	if a.http, err = opshttp.NewServer(srvCfg); err != nil {
		return nil, err
	}

	a.Summary = &StartupSummary{
		Env:          cfg.App.Env,
		Mode:         stack.Mode,
		Symbol:       cfg.Engine.Symbol,
		Strategy:     strategyName,
		Interval:     strategy.Interval,
		CandleCount:  strategy.CandleCount,
		Advisors:     advisorNames,
		MergeMethod:  cfg.Merge.Method,
		Profile:      profileDesc,
		CacheTiers:   stack.CacheTiers,
		StoreDriver:  cfg.Store.Driver,
		Scheduler:    cfg.Scheduler.Enabled,
		Monitor:      cfg.Monitor.Enabled,
		MonitorSpec:  cfg.Monitor.Schedule,
		HTTPAddr:     cfg.App.HTTPAddr,
		Tracing:      cfg.Tracing.Enabled,
		SharedLock:   cfg.Engine.SharedOrderLock,
		OrderPercent: cfg.Engine.OrderSizePercent,
	}
	return a, nil
}

// loadProfiles 配置了 profiles_path 时从文件加载（可热更新），否则使用保守画像。
func loadProfiles(cfg config.RiskConfig, userID string) (profile.Source, string, error) {
	if cfg.ProfilesPath == "" {
		logger.Warnf("risk.profiles_path 未配置，使用保守画像")
		return profile.Static{userID: profile.Conservative(userID)}, "conservative (built-in)", nil
	}
	l, err := cfgloader.NewRiskProfileLoader(cfg.ProfilesPath, cfg.WatchProfiles)
	if err != nil {
		return nil, "", fmt.Errorf("load risk profiles: %w", err)
	}
	return l, fmt.Sprintf("%s (watch=%v)", cfg.ProfilesPath, cfg.WatchProfiles), nil
}
