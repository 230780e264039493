package config

import (
	"fmt"
	"strings"
)

// minCandleCount 保证 SMA(50) 等长周期指标有足够历史。
const minCandleCount = 50

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if c.RateLimit.Limit < 0 {
		return fmt.Errorf("rate_limit.limit must be >= 0")
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validateAdvisors(); err != nil {
		return err
	}
	if err := c.Merge.validate(); err != nil {
		return err
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 1 {
		return fmt.Errorf("risk.min_confidence must be in [0,1]")
	}
	if c.Scheduler.OffsetSeconds < 0 {
		return fmt.Errorf("scheduler.offset_seconds must be >= 0")
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis enabled but redis.addr is empty")
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0,1]")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Mode {
	case "paper":
	case "live":
		if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.SecretKey) == "" {
			return fmt.Errorf("exchange.mode=live requires api_key and secret_key")
		}
	default:
		return fmt.Errorf("exchange.mode only supports 'paper' or 'live', got %s", e.Mode)
	}
	if !strings.EqualFold(e.Name, defaultExchangeName) {
		return fmt.Errorf("exchange.name only supports %s, got %s", defaultExchangeName, e.Name)
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if r.MaxDelayMS < r.InitialDelayMS {
		return fmt.Errorf("retry.max_delay_ms must be >= retry.initial_delay_ms")
	}
	return nil
}

func (c *Config) validateEngine() error {
	e := c.Engine
	if e.Symbol == "" {
		return fmt.Errorf("engine.symbol cannot be empty")
	}
	if e.OrderSizePercent <= 0 || e.OrderSizePercent > 100 {
		return fmt.Errorf("engine.order_size_percent must be in (0,100]")
	}
	if e.Leverage < 1 {
		return fmt.Errorf("engine.leverage must be >= 1")
	}
	for name, s := range c.Strategies {
		if !IsValidInterval(s.Interval) {
			return fmt.Errorf("strategies.%s.interval invalid: %q", name, s.Interval)
		}
		if s.CandleCount < minCandleCount {
			return fmt.Errorf("strategies.%s.candle_count must be >= %d", name, minCandleCount)
		}
		if s.MinConfidence < 0 || s.MinConfidence > 1 {
			return fmt.Errorf("strategies.%s.min_confidence must be in [0,1]", name)
		}
	}
	if _, ok := c.Strategies[e.ActiveStrategy]; !ok {
		return fmt.Errorf("engine.active_strategy=%s not found in strategies", e.ActiveStrategy)
	}
	return nil
}

func (c *Config) validateAdvisors() error {
	seen := make(map[string]bool, len(c.Advisors))
	enabled := 0
	for _, a := range c.Advisors {
		if seen[a.Name] {
			return fmt.Errorf("advisors contains duplicate name: %s", a.Name)
		}
		seen[a.Name] = true
		switch a.Type {
		case "technical":
		case "llm":
			if a.IsEnabled() && strings.TrimSpace(a.APIKey) == "" {
				return fmt.Errorf("advisors.%s (llm) missing api_key", a.Name)
			}
		default:
			return fmt.Errorf("advisors.%s has unknown type %q", a.Name, a.Type)
		}
		if a.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("advisors requires at least one enabled advisor")
	}
	return nil
}

func (m *MergeConfig) validate() error {
	switch m.Method {
	case "weighted", "consensus":
	default:
		return fmt.Errorf("merge.method only supports 'weighted' or 'consensus', got %s", m.Method)
	}
	if m.Quorum <= 0 || m.Quorum > 1 {
		return fmt.Errorf("merge.quorum must be in (0,1]")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case "sqlite":
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("store.path cannot be empty for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("store.dsn cannot be empty for postgres")
		}
	default:
		return fmt.Errorf("store.driver only supports 'sqlite' or 'postgres', got %s", s.Driver)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if len(s) < 2 {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
