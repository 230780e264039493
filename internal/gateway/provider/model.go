package provider

import "context"

// ChatPayload 一次对话补全请求。
type ChatPayload struct {
	System     string
	User       string
	ExpectJSON bool
	MaxTokens  int
}

// ModelProvider 大模型调用的最小抽象，LLM 顾问只依赖它。
type ModelProvider interface {
	ID() string
	Model() string
	Call(ctx context.Context, payload ChatPayload) (string, error)
}
