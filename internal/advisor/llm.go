package advisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/gateway/provider"
	"autotrader/internal/logger"
	"autotrader/internal/market"
	"autotrader/internal/pkg/convert"
	"autotrader/internal/pkg/jsonutil"
	"autotrader/internal/pkg/text"
	"autotrader/internal/profile"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

const (
	defaultPromptCandles = 30
	maxRationaleRunes    = 600
	maxReplyTokens       = 400
)

// ErrInvalidReply 模型回复无法解析为合法意见。
var ErrInvalidReply = errors.New("invalid llm reply")

const opinionSchema = `{
  "type": "object",
  "required": ["action", "confidence"],
  "properties": {
    "action": {"type": "string", "enum": ["STRONG_BUY", "BUY", "HOLD", "SELL", "STRONG_SELL"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "rationale": {"type": "string"}
  }
}`

const systemPrompt = `You are a crypto futures trading analyst. Only long positions are opened; SELL means close the long.
Given recent candles with indicators and the user's risk limits, answer with one JSON object:
{"action": "STRONG_BUY|BUY|HOLD|SELL|STRONG_SELL", "confidence": 0..1, "rationale": "short reason"}.
No markdown, no extra text.`

// LLM 通过大模型给出意见，回复经 JSON Schema 校验。
type LLM struct {
	name     string
	provider provider.ModelProvider
	schema   *jsonschema.Schema
	candles  int
	nowFn    func() time.Time
}

func NewLLM(name string, p provider.ModelProvider) (*LLM, error) {
	if p == nil {
		return nil, fmt.Errorf("llm advisor %s: provider is nil", name)
	}
	if strings.TrimSpace(name) == "" {
		name = p.ID()
	}
	schema, err := compileSchema(opinionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile opinion schema: %w", err)
	}
	return &LLM{name: name, provider: p, schema: schema, candles: defaultPromptCandles, nowFn: time.Now}, nil
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("opinion.json", strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("opinion.json")
}

func (l *LLM) Name() string { return l.name }

func (l *LLM) Analyze(ctx context.Context, window market.MarketWindow, p profile.RiskProfile) (decision.Opinion, error) {
	if window.Len() == 0 {
		return decision.Opinion{}, market.ErrEmptyWindow
	}
	traceID := logger.TraceID(ctx)
	user := l.userPrompt(window, p)
	logger.LogLLMRequest(l.name, traceID, systemPrompt, user)

	raw, err := l.provider.Call(ctx, provider.ChatPayload{
		System:     systemPrompt,
		User:       user,
		ExpectJSON: true,
		MaxTokens:  maxReplyTokens,
	})
	if err != nil {
		return decision.Opinion{}, err
	}
	logger.LogLLMResponse(l.name, traceID, raw)

	op, err := l.parse(raw)
	if err != nil {
		logger.Warnf("[AI] %s 回复无效: %v | %s", l.name, err, text.Truncate(raw, 200))
		return decision.Opinion{}, err
	}
	return op, nil
}

func (l *LLM) parse(raw string) (decision.Opinion, error) {
	obj, ok := jsonutil.ExtractObject(raw)
	if !ok || !gjson.Valid(obj) {
		return decision.Opinion{}, fmt.Errorf("%w: no json object", ErrInvalidReply)
	}
	doc, ok := gjson.Parse(obj).Value().(map[string]any)
	if !ok {
		return decision.Opinion{}, fmt.Errorf("%w: root is not an object", ErrInvalidReply)
	}
	doc = sanitizeReply(doc)
	if err := l.schema.Validate(doc); err != nil {
		return decision.Opinion{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	action, err := decision.ParseAction(doc["action"].(string))
	if err != nil {
		return decision.Opinion{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	rationale, _ := doc["rationale"].(string)
	return decision.Opinion{
		Source:     l.name,
		Action:     action,
		Confidence: doc["confidence"].(float64),
		Rationale:  text.Truncate(strings.TrimSpace(rationale), maxRationaleRunes),
		Timestamp:  l.nowFn(),
	}, nil
}

// sanitizeReply 兼容模型返回小写动作或字符串形式的数字（"0.8"）。
func sanitizeReply(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	if a, ok := out["action"].(string); ok {
		a = strings.ToUpper(strings.TrimSpace(a))
		out["action"] = strings.NewReplacer("-", "_", " ", "_").Replace(a)
	}
	if f, ok := convert.Float(out["confidence"]); ok {
		out["confidence"] = f
	}
	return out
}

func (l *LLM) userPrompt(window market.MarketWindow, p profile.RiskProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s  Interval: %s\n", window.Symbol, window.Interval)
	fmt.Fprintf(&b, "Risk: max_position=%.1f%% stop_loss=%.1f%% take_profit=%.1f%% leverage_allowed=%v\n\n",
		p.MaxPositionPercent, p.StopLossThreshold(), p.TakeProfitThreshold(), p.LeverageAllowed)
	b.WriteString("time,open,high,low,close,volume,rsi,macd_hist,sma_short,sma_long,bb_upper,bb_lower\n")
	candles := window.Candles
	if len(candles) > l.candles {
		candles = candles[len(candles)-l.candles:]
	}
	for _, c := range candles {
		ind := c.Indicators
		fmt.Fprintf(&b, "%s,%.4f,%.4f,%.4f,%.4f,%.2f,%.2f,%.4f,%.4f,%.4f,%.4f,%.4f\n",
			c.Time().Format("01-02 15:04"), c.Open, c.High, c.Low, c.Close, c.Volume,
			ind.RSI, ind.MACDHist, ind.SMAShort, ind.SMALong, ind.BBUpper, ind.BBLower)
	}
	return b.String()
}
