package provider

import (
	"fmt"
	"strings"
	"time"

	"autotrader/internal/logger"
)

type ModelCfg struct {
	ID, BaseURL, APIKey, Model string
	Headers                    map[string]string
	Timeout                    time.Duration
}

// Build 根据配置构造 provider；未配置 ID 时用 "openai:<model>"。
func Build(m ModelCfg) (ModelProvider, error) {
	model := strings.TrimSpace(m.Model)
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	id := strings.TrimSpace(m.ID)
	if id == "" {
		id = "openai:" + model
		logger.Warnf("未配置 provider id，已生成 ID: %s", id)
	}
	client := NewOpenAIClient(ClientConfig{
		BaseURL: m.BaseURL,
		APIKey:  m.APIKey,
		Timeout: m.Timeout,
		Headers: m.Headers,
	})
	return NewOpenAIModelProvider(id, model, client), nil
}
