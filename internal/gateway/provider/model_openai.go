package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autotrader/internal/logger"
	"autotrader/internal/retry"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1/"
	defaultTimeout     = 60 * time.Second
	defaultTemperature = 0.2
)

// LLMClient 抽象 chat completions 接口，便于测试替换。
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// ClientConfig 兼容 OpenAI / DeepSeek / Qwen 等 OpenAI 协议的服务。
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

type openAIClient struct {
	client openai.Client
}

// NewOpenAIClient 关闭 SDK 自带重试，重试统一交给 retry 层。
func NewOpenAIClient(cfg ClientConfig) LLMClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []option.RequestOption{
		option.WithBaseURL(normalizeBaseURL(cfg.BaseURL)),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		opts = append(opts, option.WithAPIKey(key))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return &openAIClient{client: openai.NewClient(opts...)}
}

func (c *openAIClient) CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

// normalizeBaseURL 用户可能把完整的 /chat/completions 写进配置，去掉后统一以 / 结尾。
func normalizeBaseURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return defaultBaseURL
	}
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/"
}

// OpenAIModelProvider 实现 ModelProvider。
type OpenAIModelProvider struct {
	id          string
	model       string
	temperature float64
	client      LLMClient
}

func NewOpenAIModelProvider(id, model string, client LLMClient) *OpenAIModelProvider {
	return &OpenAIModelProvider{id: id, model: model, temperature: defaultTemperature, client: client}
}

func (p *OpenAIModelProvider) ID() string    { return p.id }
func (p *OpenAIModelProvider) Model() string { return p.model }

func (p *OpenAIModelProvider) Call(ctx context.Context, payload ChatPayload) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if payload.System != "" {
		messages = append(messages, openai.SystemMessage(payload.System))
	}
	user := payload.User
	if payload.ExpectJSON {
		user += "\n\nRespond with a single JSON object only."
	}
	messages = append(messages, openai.UserMessage(user))

	params := openai.ChatCompletionNewParams{
		Model:       p.model,
		Messages:    messages,
		Temperature: openai.Float(p.temperature),
	}
	if payload.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(payload.MaxTokens))
	}
	logger.Debugf("[AI] 请求 provider=%s model=%s system=%d user=%d", p.id, p.model, len(payload.System), len(user))

	completion, err := p.client.CreateChatCompletion(ctx, params)
	if err != nil {
		return "", classify("chat_completion", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		return "", retry.Wrap("chat_completion", retry.KindServer, fmt.Errorf("empty choices"))
	}
	return completion.Choices[0].Message.Content, nil
}

// classify 把 SDK 错误按 HTTP 状态归类，交给重试层判断。
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retry.FromStatus(op, apiErr.StatusCode, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Wrap(op, retry.KindTimeout, err)
	}
	return err
}
