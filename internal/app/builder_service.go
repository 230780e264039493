package app

import (
	"context"
	"fmt"
	"time"

	"autotrader/internal/config"
	"autotrader/internal/engine"
	"autotrader/internal/gateway/notifier"
	"autotrader/internal/logger"
	"autotrader/internal/scheduler"
)

func buildScheduler(cfg *config.Config, orch *engine.Orchestrator, interval time.Duration) (*scheduler.Primary, error) {
	timeout := cfg.Engine.CycleTimeout()
	task := func(ctx context.Context) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		orch.Tick(ctx)
	}
	opts := []scheduler.Option{
		scheduler.WithName("primary"),
		scheduler.WithDrainTimeout(cfg.Scheduler.DrainTimeout()),
	}
	if cfg.Scheduler.AlignToCandle {
		opts = append(opts, scheduler.WithAlignment(cfg.Scheduler.Offset()))
	}
	return scheduler.NewPrimary(task, interval, opts...)
}

func buildNotifier(cfg config.NotifyConfig) (notifier.Notifier, error) {
	if !cfg.Telegram.Enabled {
		return notifier.Nop{}, nil
	}
	tg, err := notifier.NewTelegram(notifier.TelegramConfig{
		BotToken:      cfg.Telegram.BotToken,
		ChatID:        cfg.Telegram.ChatID,
		RatePerMinute: cfg.RatePerMinute,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	logger.Infof("✓ Telegram 通知已启用 chat=%d", cfg.Telegram.ChatID)
	return tg, nil
}
