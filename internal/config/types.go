package config

import (
	"strings"
	"time"
)

// Config 是 autotrader 的主配置载体。
type Config struct {
	App        AppConfig                 `toml:"app"`
	Exchange   ExchangeConfig            `toml:"exchange"`
	RateLimit  RateLimitConfig           `toml:"rate_limit"`
	Retry      RetryConfig               `toml:"retry"`
	Cache      CacheConfig               `toml:"cache"`
	Redis      RedisConfig               `toml:"redis"`
	Engine     EngineConfig              `toml:"engine"`
	Strategies map[string]StrategyConfig `toml:"strategies"`
	Advisors   []AdvisorConfig           `toml:"advisors"`
	Merge      MergeConfig               `toml:"merge"`
	Risk       RiskConfig                `toml:"risk"`
	Scheduler  SchedulerConfig           `toml:"scheduler"`
	Monitor    MonitorConfig             `toml:"monitor"`
	Store      StoreConfig               `toml:"store"`
	Notify     NotifyConfig              `toml:"notify"`
	Tracing    TracingConfig             `toml:"tracing"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	UserID   string `toml:"user_id"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
	LLMLog   string `toml:"llm_log_path"`
	LLMDump  bool   `toml:"llm_dump_payload"`
}

// ExchangeConfig 描述行情与下单通道。mode=paper 时订单在本地模拟成交。
type ExchangeConfig struct {
	Name      string `toml:"name"`
	Mode      string `toml:"mode"` // "paper" | "live"
	APIKey    string `toml:"api_key"`
	SecretKey string `toml:"secret_key"`
	BaseURL   string `toml:"base_url"`
	Testnet   bool   `toml:"testnet"`
}

func (e ExchangeConfig) IsLive() bool {
	return strings.EqualFold(e.Mode, "live")
}

type RateLimitConfig struct {
	Limit         int `toml:"limit"`
	WindowSeconds int `toml:"window_seconds"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type RetryConfig struct {
	MaxAttempts    int `toml:"max_attempts"`
	InitialDelayMS int `toml:"initial_delay_ms"`
	MaxDelayMS     int `toml:"max_delay_ms"`
}

func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

type CacheConfig struct {
	TTLSeconds int `toml:"ttl_seconds"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RedisConfig 为行情缓存提供可选的二级存储。
type RedisConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	Namespace string `toml:"namespace"`
}

// EngineConfig 控制单轮决策周期。
type EngineConfig struct {
	Symbol              string  `toml:"symbol"`
	ActiveStrategy      string  `toml:"active_strategy"`
	OrderSizePercent    float64 `toml:"order_size_percent"`
	Leverage            int     `toml:"leverage"`
	SharedOrderLock     bool    `toml:"shared_order_lock"`
	CycleTimeoutSeconds int     `toml:"cycle_timeout_seconds"`
}

func (e EngineConfig) CycleTimeout() time.Duration {
	return time.Duration(e.CycleTimeoutSeconds) * time.Second
}

// StrategyConfig 是一个策略预设：周期、K 线数量与最低置信度。
type StrategyConfig struct {
	Interval      string  `toml:"interval"`
	CandleCount   int     `toml:"candle_count"`
	MinConfidence float64 `toml:"min_confidence"`
}

// AdvisorConfig 描述一个参与投票的顾问。
type AdvisorConfig struct {
	Name                   string  `toml:"name"`
	Type                   string  `toml:"type"` // "technical" | "llm"
	Enabled                *bool   `toml:"enabled"`
	Weight                 float64 `toml:"weight"`
	TimeoutSeconds         int     `toml:"timeout_seconds"`
	Model                  string  `toml:"model"`
	APIKey                 string  `toml:"api_key"`
	BaseURL                string  `toml:"base_url"`
	BreakerFailures        int     `toml:"breaker_failures"`
	BreakerCooldownSeconds int     `toml:"breaker_cooldown_seconds"`
}

// IsEnabled 未显式配置 enabled 时视为启用。
func (a AdvisorConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

func (a AdvisorConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a AdvisorConfig) BreakerCooldown() time.Duration {
	return time.Duration(a.BreakerCooldownSeconds) * time.Second
}

type MergeConfig struct {
	Method string  `toml:"method"` // "weighted" | "consensus"
	Quorum float64 `toml:"quorum"`
}

type RiskConfig struct {
	ProfilesPath  string  `toml:"profiles_path"`
	WatchProfiles bool    `toml:"watch_profiles"`
	MinConfidence float64 `toml:"min_confidence"`
}

type SchedulerConfig struct {
	Enabled             bool `toml:"enabled"`
	AlignToCandle       bool `toml:"align_to_candle"`
	OffsetSeconds       int  `toml:"offset_seconds"`
	DrainTimeoutSeconds int  `toml:"drain_timeout_seconds"`
}

func (s SchedulerConfig) Offset() time.Duration {
	return time.Duration(s.OffsetSeconds) * time.Second
}

func (s SchedulerConfig) DrainTimeout() time.Duration {
	return time.Duration(s.DrainTimeoutSeconds) * time.Second
}

// MonitorConfig 控制止盈止损监控与紧急平仓后的再入场条件。
type MonitorConfig struct {
	Enabled                bool    `toml:"enabled"`
	Schedule               string  `toml:"schedule"`
	DrainTimeoutSeconds    int     `toml:"drain_timeout_seconds"`
	ReentryCooldownMinutes int     `toml:"reentry_cooldown_minutes"`
	ReentryDipPercent      float64 `toml:"reentry_dip_percent"`
}

func (m MonitorConfig) DrainTimeout() time.Duration {
	return time.Duration(m.DrainTimeoutSeconds) * time.Second
}

func (m MonitorConfig) ReentryCooldown() time.Duration {
	return time.Duration(m.ReentryCooldownMinutes) * time.Minute
}

type StoreConfig struct {
	Driver          string  `toml:"driver"` // "sqlite" | "postgres"
	Path            string  `toml:"path"`
	DSN             string  `toml:"dsn"`
	StartingBalance float64 `toml:"starting_balance"`
}

type NotifyConfig struct {
	Telegram      TelegramConfig `toml:"telegram"`
	RatePerMinute int            `toml:"rate_per_minute"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   int64  `toml:"chat_id"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	ServiceName string  `toml:"service_name"`
	Insecure    bool    `toml:"insecure"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// ActiveStrategy 返回当前生效的策略预设。
func (c *Config) ActiveStrategy() (string, StrategyConfig) {
	name := strings.ToLower(strings.TrimSpace(c.Engine.ActiveStrategy))
	return name, c.Strategies[name]
}

// EnabledAdvisors 过滤掉 enabled=false 的顾问。
func (c *Config) EnabledAdvisors() []AdvisorConfig {
	out := make([]AdvisorConfig, 0, len(c.Advisors))
	for _, a := range c.Advisors {
		if a.IsEnabled() {
			out = append(out, a)
		}
	}
	return out
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
