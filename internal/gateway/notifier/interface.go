// Package notifier 推送运行事件（紧急平仓、执行失败、周期中止）。
package notifier

import "context"

// Notifier 足够小，调用方无需依赖具体实现（例如 Telegram）。
type Notifier interface {
	Notify(ctx context.Context, msg StructuredMessage) error
}

// Nop 未配置通知渠道时使用。
type Nop struct{}

func (Nop) Notify(context.Context, StructuredMessage) error { return nil }
