package app

import (
	"context"
	"errors"
	"os"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader/internal/config"
	"autotrader/internal/decision"
	"autotrader/internal/engine"
	"autotrader/internal/executor"
	"autotrader/internal/market"
	"autotrader/internal/market/feed"
	"autotrader/internal/profile"
	"autotrader/internal/ratelimit"
	"autotrader/internal/retry"
	"autotrader/internal/store/gormstore"
)

type priceBox struct{ bits atomic.Uint64 }

func newPriceBox(p float64) *priceBox {
	b := &priceBox{}
	b.set(p)
	return b
}

func (b *priceBox) set(p float64) { b.bits.Store(math.Float64bits(p)) }
func (b *priceBox) get() float64  { return math.Float64frombits(b.bits.Load()) }

type fakeProvider struct{ price *priceBox }

func (p fakeProvider) Klines(_ context.Context, _ string, _ string, limit int) ([]market.Candle, error) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, limit)
	for i := range out {
		open := start.Add(time.Duration(i) * 4 * time.Hour)
		c := p.price.get() + float64(i%5)
		out[i] = market.Candle{
			OpenTime:  open.UnixMilli(),
			CloseTime: open.Add(4*time.Hour - time.Millisecond).UnixMilli(),
			Open:      c, High: c + 1, Low: c - 1, Close: c, Volume: 10,
		}
	}
	return out, nil
}

func (p fakeProvider) CurrentPrice(context.Context, string) (float64, error) { return p.price.get(), nil }

func (p fakeProvider) Account(context.Context, string) (market.AccountState, error) {
	return market.AccountState{}, errors.New("paper mode has no exchange account")
}

type fixedCoordinator struct{ action decision.Action }

func (c fixedCoordinator) Coordinate(_ context.Context, w market.MarketWindow, _ profile.RiskProfile) decision.Decision {
	return decision.New(w.Symbol, decision.StagePreliminary, c.action, 0.9, "fixed", time.Now(), nil)
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	profiles := filepath.Join(dir, "risk_profiles.yaml")
	require.NoError(t, os.WriteFile(profiles, []byte(`profiles:
  default:
    max_leverage: 1
    max_loss_percent: -15
    max_position_percent: 10
    stop_loss_percent: 5
    take_profit_percent: 10
`), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	body := `app:
  user_id: default
  http_addr: "127.0.0.1:0"
engine:
  symbol: BTCUSDT
  active_strategy: swing
  order_size_percent: 5
risk:
  profiles_path: ` + profiles + `
  watch_profiles: false
scheduler:
  enabled: false
monitor:
  enabled: true
store:
  driver: sqlite
  path: ` + filepath.Join(dir, "autotrader.db") + `
  starting_balance: 10000
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath
}

func paperStack(price *priceBox) func(context.Context, *config.Config, *gormstore.GormStore) (*MarketStack, error) {
	return func(_ context.Context, cfg *config.Config, st *gormstore.GormStore) (*MarketStack, error) {
		f := feed.New(fakeProvider{price: price}, ratelimit.New(100, time.Second), retry.New(retry.Policy{MaxAttempts: 1}),
			market.NewCache(time.Minute), feed.WithLedger(st.Ledger(cfg.App.UserID), true))
		return &MarketStack{Feed: f, Placer: executor.NewPaperPlacer(f, 0), Mode: "paper", CacheTiers: "memory"}, nil
	}
}

func TestBuildAndRunPaperCycle(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)

	a, err := NewAppBuilder(cfg,
		WithMarketStack(paperStack(newPriceBox(100))),
		WithCoordinator(func(*config.Config) (engine.Coordinator, []string, error) {
			return fixedCoordinator{action: decision.ActionBuy}, []string{"fixed"}, nil
		}),
	).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.shutdown() })

	assert.Nil(t, a.scheduler)
	require.NotNil(t, a.monitor)
	assert.Contains(t, a.Summary.String(), "BTCUSDT")
	assert.Contains(t, a.Summary.String(), "paper")

	entry, err := a.Orchestrator().RunCycle(context.Background(), decision.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, string(engine.OutcomeExecuted), entry.State)
	assert.NotEmpty(t, entry.OrderID)

	trades, err := a.store.ListTrades(context.Background(), "default", "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, executor.SideBuy, trades[0].Side)

	logs, err := a.store.ListDecisions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entry.TraceID, logs[0].TraceID)

	acct, err := a.store.AccountFromLedger(context.Background(), "default", "BTCUSDT", 100)
	require.NoError(t, err)
	assert.True(t, acct.HasPosition())
}

func TestBuildFailsWithoutProfileForUser(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	cfg.App.UserID = "nobody"

	_, err = NewAppBuilder(cfg, WithMarketStack(paperStack(newPriceBox(100)))).Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nobody")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	cfg.Scheduler.Enabled = true
	a, err := NewAppBuilder(cfg,
		WithMarketStack(paperStack(newPriceBox(100))),
		WithCoordinator(func(*config.Config) (engine.Coordinator, []string, error) {
			return fixedCoordinator{action: decision.ActionHold}, nil, nil
		}),
	).Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a.scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	assert.Eventually(t, func() bool { return a.scheduler.IsRunning() && a.monitor.IsRunning() }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.False(t, a.scheduler.IsRunning())
}

// gatedCoordinator 第一次直接给出 BUY，之后的调用阻塞到 release 关闭。
type gatedCoordinator struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (c *gatedCoordinator) Coordinate(ctx context.Context, w market.MarketWindow, p profile.RiskProfile) decision.Decision {
	if c.calls.Add(1) > 1 {
		close(c.entered)
		<-c.release
	}
	return fixedCoordinator{action: decision.ActionBuy}.Coordinate(ctx, w, p)
}

func TestEmergencyOverlapsInFlightCycle(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	price := newPriceBox(100)
	coord := &gatedCoordinator{entered: make(chan struct{}), release: make(chan struct{})}
	a, err := NewAppBuilder(cfg,
		WithMarketStack(paperStack(price)),
		WithCoordinator(func(*config.Config) (engine.Coordinator, []string, error) { return coord, nil, nil }),
	).Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.shutdown() })
	ctx := context.Background()

	first, err := a.Orchestrator().RunCycle(ctx, decision.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, string(engine.OutcomeExecuted), first.State)

	price.set(115)
	done := make(chan decision.LogEntry, 1)
	go func() {
		entry, _ := a.Orchestrator().RunCycle(ctx, decision.TriggerManual)
		done <- entry
	}()
	<-coord.entered
	require.True(t, a.Orchestrator().InFlight())

	require.NoError(t, a.monitor.Check(ctx))
	assert.Equal(t, "take_profit", a.monitor.LastCheck().Breach)
	close(coord.release)
	second := <-done
	assert.Equal(t, string(engine.OutcomeExecuted), second.State)

	trades, err := a.store.ListTrades(ctx, "default", "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	decisionIDs := map[string]bool{}
	emergencies := 0
	for _, tr := range trades {
		decisionIDs[tr.DecisionID] = true
		if tr.Emergency {
			emergencies++
			assert.Equal(t, executor.SideSell, tr.Side)
		}
	}
	assert.Len(t, decisionIDs, 3)
	assert.Equal(t, 1, emergencies)

	logs, err := a.store.ListDecisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	triggers := map[decision.Trigger]int{}
	for _, l := range logs {
		triggers[l.Trigger]++
	}
	assert.Equal(t, 1, triggers[decision.TriggerEmergency])
	assert.Equal(t, 2, triggers[decision.TriggerManual])
}
