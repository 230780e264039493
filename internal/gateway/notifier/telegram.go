package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"autotrader/internal/logger"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v3"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig 对应 notify.telegram 配置段。
type TelegramConfig struct {
	BotToken      string
	ChatID        int64
	APIURL        string
	RatePerMinute int
}

// Telegram 只发不收：offline 模式，不轮询更新。
type Telegram struct {
	bot     *tele.Bot
	chat    tele.ChatID
	limiter *rate.Limiter
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.BotToken) == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram 配置不完整")
	}
	url := strings.TrimSpace(cfg.APIURL)
	if url == "" {
		url = defaultTelegramAPI
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.BotToken,
		URL:     url,
		Offline: true,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	perMin := cfg.RatePerMinute
	if perMin <= 0 {
		perMin = 20
	}
	return &Telegram{
		bot:     bot,
		chat:    tele.ChatID(cfg.ChatID),
		limiter: rate.NewLimiter(rate.Limit(float64(perMin)/60.0), 3),
	}, nil
}

func (t *Telegram) Notify(ctx context.Context, msg StructuredMessage) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	body := msg.RenderMarkdown()
	if _, err := t.bot.Send(t.chat, body, tele.ModeMarkdown); err != nil {
		logger.Warnf("telegram 推送失败: %v", err)
		return err
	}
	return nil
}
