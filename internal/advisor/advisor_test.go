package advisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/decision"
	"autotrader/internal/gateway/provider"
	"autotrader/internal/market"
	"autotrader/internal/profile"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) ID() string    { return "mock" }
func (m *mockProvider) Model() string { return "mock-model" }

func (m *mockProvider) Call(ctx context.Context, payload provider.ChatPayload) (string, error) {
	args := m.Called(ctx, payload)
	return args.String(0), args.Error(1)
}

func windowWith(ind market.Indicators, closePrice float64) market.MarketWindow {
	return market.MarketWindow{
		Symbol:   "BTC/USDT",
		Interval: "1h",
		Candles: []market.Candle{
			{OpenTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), Close: closePrice, Indicators: ind},
		},
	}
}

func aggressive() profile.RiskProfile {
	p := profile.Conservative("u1")
	p.LeverageAllowed = true
	p.MaxLeverage = 5
	p.MaxPositionPercent = 50
	return p
}

func TestTechnicalVotes(t *testing.T) {
	tech := NewTechnical("")
	assert.Equal(t, "technical", tech.Name())

	bullish := market.Indicators{RSI: 25, MACDHist: 0.5, SMAShort: 105, SMALong: 100, BBLower: 95, BBUpper: 110, Ready: true}
	op, err := tech.Analyze(context.Background(), windowWith(bullish, 94), aggressive())
	require.NoError(t, err)
	assert.Equal(t, decision.ActionStrongBuy, op.Action)
	assert.Equal(t, 1.0, op.Confidence)
	assert.NoError(t, op.Validate())

	op, err = tech.Analyze(context.Background(), windowWith(bullish, 94), profile.Conservative("u1"))
	require.NoError(t, err)
	assert.Equal(t, decision.ActionBuy, op.Action, "conservative profile caps strong buy")

	bearish := market.Indicators{RSI: 75, MACDHist: -0.1, SMAShort: 100, SMALong: 100, BBLower: 95, BBUpper: 110, Ready: true}
	op, err = tech.Analyze(context.Background(), windowWith(bearish, 100), aggressive())
	require.NoError(t, err)
	assert.Equal(t, decision.ActionSell, op.Action)
	assert.InDelta(t, 0.75, op.Confidence, 1e-9)

	mixed := market.Indicators{RSI: 50, MACDHist: 0.2, SMAShort: 99, SMALong: 100, Ready: true}
	op, err = tech.Analyze(context.Background(), windowWith(mixed, 100), aggressive())
	require.NoError(t, err)
	assert.Equal(t, decision.ActionHold, op.Action)
	assert.Equal(t, holdConfidence, op.Confidence)
}

func TestTechnicalNotReadyAndEmpty(t *testing.T) {
	tech := NewTechnical("ta")
	op, err := tech.Analyze(context.Background(), windowWith(market.Indicators{}, 100), aggressive())
	require.NoError(t, err)
	assert.Equal(t, decision.ActionHold, op.Action)

	_, err = tech.Analyze(context.Background(), market.MarketWindow{}, aggressive())
	assert.ErrorIs(t, err, market.ErrEmptyWindow)
}

func TestLLMParsesReply(t *testing.T) {
	mp := &mockProvider{}
	mp.On("Call", mock.Anything, mock.MatchedBy(func(p provider.ChatPayload) bool {
		return p.ExpectJSON && p.System != "" && p.User != ""
	})).Return("Sure!\n```json\n{\"action\": \"strong buy\", \"confidence\": \"0.82\", \"rationale\": \"breakout\"}\n```", nil).Once()

	llm, err := NewLLM("gpt", mp)
	require.NoError(t, err)
	op, err := llm.Analyze(context.Background(), windowWith(market.Indicators{Ready: true}, 100), aggressive())
	require.NoError(t, err)
	assert.Equal(t, decision.ActionStrongBuy, op.Action)
	assert.InDelta(t, 0.82, op.Confidence, 1e-9)
	assert.Equal(t, "breakout", op.Rationale)
	assert.Equal(t, "gpt", op.Source)
	mp.AssertExpectations(t)
}

func TestLLMAcceptsPercentConfidence(t *testing.T) {
	mp := &mockProvider{}
	mp.On("Call", mock.Anything, mock.Anything).Return(`{"action":"sell","confidence":"70%","rationale":"overbought"}`, nil)
	llm, err := NewLLM("gpt", mp)
	require.NoError(t, err)
	op, err := llm.Analyze(context.Background(), windowWith(market.Indicators{Ready: true}, 100), aggressive())
	require.NoError(t, err)
	assert.Equal(t, decision.ActionSell, op.Action)
	assert.InDelta(t, 0.7, op.Confidence, 1e-9)
}

func TestLLMRejectsInvalidReplies(t *testing.T) {
	cases := map[string]string{
		"no json":        "I think you should buy",
		"bad action":     `{"action":"YOLO","confidence":0.5}`,
		"out of range":   `{"action":"BUY","confidence":1.5}`,
		"missing fields": `{"rationale":"x"}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			mp := &mockProvider{}
			mp.On("Call", mock.Anything, mock.Anything).Return(reply, nil)
			llm, err := NewLLM("gpt", mp)
			require.NoError(t, err)
			_, err = llm.Analyze(context.Background(), windowWith(market.Indicators{}, 100), aggressive())
			assert.ErrorIs(t, err, ErrInvalidReply)
		})
	}
}

func TestLLMProviderError(t *testing.T) {
	mp := &mockProvider{}
	boom := errors.New("upstream down")
	mp.On("Call", mock.Anything, mock.Anything).Return("", boom)
	llm, err := NewLLM("", mp)
	require.NoError(t, err)
	assert.Equal(t, "mock", llm.Name())
	_, err = llm.Analyze(context.Background(), windowWith(market.Indicators{}, 100), aggressive())
	assert.ErrorIs(t, err, boom)
}

func TestBuild(t *testing.T) {
	a, err := Build(config.AdvisorConfig{Name: "ta", Type: "technical"})
	require.NoError(t, err)
	assert.Equal(t, "ta", a.Name())

	a, err = Build(config.AdvisorConfig{Name: "gpt", Type: "LLM", Model: "gpt-4o-mini", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "gpt", a.Name())

	_, err = Build(config.AdvisorConfig{Name: "x", Type: "astrology"})
	assert.Error(t, err)
	_, err = Build(config.AdvisorConfig{Name: "y", Type: "llm"})
	assert.Error(t, err, "model required")
}
