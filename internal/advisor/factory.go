package advisor

import (
	"fmt"
	"strings"

	"autotrader/internal/config"
	"autotrader/internal/decision"
	"autotrader/internal/gateway/provider"
)

// Build 按配置构造顾问。
func Build(cfg config.AdvisorConfig) (decision.Advisor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "technical":
		return NewTechnical(cfg.Name), nil
	case "llm":
		p, err := provider.Build(provider.ModelCfg{
			ID:      cfg.Name,
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("advisor %s: %w", cfg.Name, err)
		}
		return NewLLM(cfg.Name, p)
	default:
		return nil, fmt.Errorf("advisor %s: unknown type %q", cfg.Name, cfg.Type)
	}
}
