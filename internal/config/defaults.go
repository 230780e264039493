package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppUserID        = "default"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9991"
	defaultAppLogPath       = "data/logs/autotrader.log"
	defaultAppLLMLogPath    = "data/logs/autotrader-llm.log"
	defaultExchangeName     = "binance"
	defaultExchangeMode     = "paper"
	defaultRateLimit        = 1200
	defaultRateWindow       = 60
	defaultRetryAttempts    = 3
	defaultRetryInitialMS   = 500
	defaultRetryMaxMS       = 10000
	defaultCacheTTL         = 60
	defaultRedisNamespace   = "autotrader:klines"
	defaultEngineSymbol     = "BTCUSDT"
	defaultActiveStrategy   = "swing"
	defaultOrderSizePercent = 10
	defaultEngineLeverage   = 1
	defaultCycleTimeout     = 300
	defaultAdvisorTimeout   = 30
	defaultAdvisorWeight    = 1
	defaultBreakerFailures  = 3
	defaultBreakerCooldown  = 300
	defaultLLMModel         = "gpt-4o-mini"
	defaultMergeMethod      = "weighted"
	defaultMergeQuorum      = 0.6
	defaultRiskProfilesPath = "configs/risk_profiles.yaml"
	defaultRiskMinConf      = 0.6
	defaultDrainTimeout     = 30
	defaultMonitorSchedule  = "@every 1m"
	defaultReentryCooldown  = 60
	defaultReentryDip       = 2
	defaultStoreDriver      = "sqlite"
	defaultStorePath        = "data/autotrader.db"
	defaultStartingBalance  = 10000
	defaultNotifyPerMinute  = 20
	defaultTracingService   = "autotrader"
	defaultTracingEndpoint  = "localhost:4317"
)

// defaultStrategies 对应 15m / 1h / 4h / 1d 四档预设。
func defaultStrategies() map[string]StrategyConfig {
	return map[string]StrategyConfig{
		"scalping": {Interval: "15m", CandleCount: 100, MinConfidence: 0.7},
		"day":      {Interval: "1h", CandleCount: 100, MinConfidence: 0.65},
		"swing":    {Interval: "4h", CandleCount: 100, MinConfidence: 0.6},
		"position": {Interval: "1d", CandleCount: 100, MinConfidence: 0.6},
	}
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.Retry.applyDefaults(keys)
	c.Cache.applyDefaults(keys)
	c.Redis.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.applyStrategyDefaults()
	c.applyAdvisorDefaults()
	c.Merge.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Scheduler.applyDefaults(keys)
	c.Monitor.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
	c.Tracing.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.user_id", &a.UserID, defaultAppUserID),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.mode", &e.Mode, defaultExchangeMode),
	)
	e.Mode = strings.ToLower(strings.TrimSpace(e.Mode))
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "rate_limit.limit",
			need:  func() bool { return r.Limit <= 0 },
			apply: func() { r.Limit = defaultRateLimit },
		},
		fieldDefault{
			key:   "rate_limit.window_seconds",
			need:  func() bool { return r.WindowSeconds <= 0 },
			apply: func() { r.WindowSeconds = defaultRateWindow },
		},
	)
}

func (r *RetryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "retry.max_attempts",
			need:  func() bool { return r.MaxAttempts <= 0 },
			apply: func() { r.MaxAttempts = defaultRetryAttempts },
		},
		fieldDefault{
			key:   "retry.initial_delay_ms",
			need:  func() bool { return r.InitialDelayMS <= 0 },
			apply: func() { r.InitialDelayMS = defaultRetryInitialMS },
		},
		fieldDefault{
			key:   "retry.max_delay_ms",
			need:  func() bool { return r.MaxDelayMS <= 0 },
			apply: func() { r.MaxDelayMS = defaultRetryMaxMS },
		},
	)
}

func (c *CacheConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "cache.ttl_seconds",
			need:  func() bool { return c.TTLSeconds <= 0 },
			apply: func() { c.TTLSeconds = defaultCacheTTL },
		},
	)
}

func (r *RedisConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("redis.namespace", &r.Namespace, defaultRedisNamespace),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("engine.symbol", &e.Symbol, defaultEngineSymbol),
		stringFieldDefault("engine.active_strategy", &e.ActiveStrategy, defaultActiveStrategy),
		fieldDefault{
			key:   "engine.order_size_percent",
			need:  func() bool { return e.OrderSizePercent <= 0 },
			apply: func() { e.OrderSizePercent = defaultOrderSizePercent },
		},
		fieldDefault{
			key:   "engine.leverage",
			need:  func() bool { return e.Leverage <= 0 },
			apply: func() { e.Leverage = defaultEngineLeverage },
		},
		fieldDefault{
			key:   "engine.cycle_timeout_seconds",
			need:  func() bool { return e.CycleTimeoutSeconds <= 0 },
			apply: func() { e.CycleTimeoutSeconds = defaultCycleTimeout },
		},
	)
	e.Symbol = strings.ToUpper(strings.TrimSpace(e.Symbol))
	e.ActiveStrategy = strings.ToLower(strings.TrimSpace(e.ActiveStrategy))
}

// applyStrategyDefaults 合并内置预设；文件中同名预设只覆盖非零字段。
func (c *Config) applyStrategyDefaults() {
	merged := defaultStrategies()
	for name, s := range c.Strategies {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" {
			continue
		}
		base := merged[key]
		if strings.TrimSpace(s.Interval) != "" {
			base.Interval = strings.TrimSpace(s.Interval)
		}
		if s.CandleCount > 0 {
			base.CandleCount = s.CandleCount
		}
		if s.MinConfidence > 0 {
			base.MinConfidence = s.MinConfidence
		}
		merged[key] = base
	}
	c.Strategies = merged
}

func (c *Config) applyAdvisorDefaults() {
	if len(c.Advisors) == 0 {
		c.Advisors = []AdvisorConfig{{Name: "technical", Type: "technical"}}
	}
	for i := range c.Advisors {
		a := &c.Advisors[i]
		a.Type = strings.ToLower(strings.TrimSpace(a.Type))
		if a.Type == "" {
			a.Type = "technical"
		}
		if strings.TrimSpace(a.Name) == "" {
			a.Name = fmt.Sprintf("%s_%d", a.Type, i)
		}
		if a.Weight <= 0 {
			a.Weight = defaultAdvisorWeight
		}
		if a.TimeoutSeconds <= 0 {
			a.TimeoutSeconds = defaultAdvisorTimeout
		}
		if a.BreakerFailures <= 0 {
			a.BreakerFailures = defaultBreakerFailures
		}
		if a.BreakerCooldownSeconds <= 0 {
			a.BreakerCooldownSeconds = defaultBreakerCooldown
		}
		if a.Type == "llm" && strings.TrimSpace(a.Model) == "" {
			a.Model = defaultLLMModel
		}
	}
}

func (m *MergeConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("merge.method", &m.Method, defaultMergeMethod),
		fieldDefault{
			key:   "merge.quorum",
			need:  func() bool { return m.Quorum <= 0 },
			apply: func() { m.Quorum = defaultMergeQuorum },
		},
	)
	m.Method = strings.ToLower(strings.TrimSpace(m.Method))
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("risk.profiles_path", &r.ProfilesPath, defaultRiskProfilesPath),
		boolFieldDefault("risk.watch_profiles", &r.WatchProfiles, true),
		fieldDefault{
			key:   "risk.min_confidence",
			need:  func() bool { return r.MinConfidence <= 0 },
			apply: func() { r.MinConfidence = defaultRiskMinConf },
		},
	)
}

func (s *SchedulerConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("scheduler.enabled", &s.Enabled, true),
		fieldDefault{
			key:   "scheduler.drain_timeout_seconds",
			need:  func() bool { return s.DrainTimeoutSeconds <= 0 },
			apply: func() { s.DrainTimeoutSeconds = defaultDrainTimeout },
		},
	)
}

func (m *MonitorConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("monitor.enabled", &m.Enabled, true),
		stringFieldDefault("monitor.schedule", &m.Schedule, defaultMonitorSchedule),
		fieldDefault{
			key:   "monitor.drain_timeout_seconds",
			need:  func() bool { return m.DrainTimeoutSeconds <= 0 },
			apply: func() { m.DrainTimeoutSeconds = defaultDrainTimeout },
		},
		fieldDefault{
			key:   "monitor.reentry_cooldown_minutes",
			need:  func() bool { return m.ReentryCooldownMinutes <= 0 },
			apply: func() { m.ReentryCooldownMinutes = defaultReentryCooldown },
		},
		fieldDefault{
			key:   "monitor.reentry_dip_percent",
			need:  func() bool { return m.ReentryDipPercent <= 0 },
			apply: func() { m.ReentryDipPercent = defaultReentryDip },
		},
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.driver", &s.Driver, defaultStoreDriver),
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		fieldDefault{
			key:   "store.starting_balance",
			need:  func() bool { return s.StartingBalance <= 0 },
			apply: func() { s.StartingBalance = defaultStartingBalance },
		},
	)
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "notify.rate_per_minute",
			need:  func() bool { return n.RatePerMinute <= 0 },
			apply: func() { n.RatePerMinute = defaultNotifyPerMinute },
		},
	)
}

func (t *TracingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("tracing.service_name", &t.ServiceName, defaultTracingService),
		stringFieldDefault("tracing.endpoint", &t.Endpoint, defaultTracingEndpoint),
		fieldDefault{
			key:   "tracing.sample_ratio",
			need:  func() bool { return t.SampleRatio <= 0 },
			apply: func() { t.SampleRatio = 1 },
		},
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
