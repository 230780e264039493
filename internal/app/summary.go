package app

import (
	"fmt"
	"strings"
)

// StartupSummary 启动时打印一次的配置摘要。
type StartupSummary struct {
	Env          string
	Mode         string
	Symbol       string
	Strategy     string
	Interval     string
	CandleCount  int
	Advisors     []string
	MergeMethod  string
	Profile      string
	CacheTiers   string
	StoreDriver  string
	Scheduler    bool
	Monitor      bool
	MonitorSpec  string
	HTTPAddr     string
	Tracing      bool
	SharedLock   bool
	OrderPercent float64
}

func (s *StartupSummary) Print() {
	fmt.Print(s.String())
}

func (s *StartupSummary) String() string {
	var b strings.Builder
	title := "启动配置摘要 (STARTUP SUMMARY)"
	b.WriteString(strings.Repeat("=", 80) + "\n")
	fmt.Fprintf(&b, "%*s\n", 40+len(title)/2, title)
	b.WriteString(strings.Repeat("=", 80) + "\n")

	b.WriteString("[交易 (TRADING)]\n")
	fmt.Fprintf(&b, "  环境/模式: %s / %s\n", s.Env, s.Mode)
	fmt.Fprintf(&b, "  交易对: %s\n", s.Symbol)
	fmt.Fprintf(&b, "  策略: %s (周期 %s, K线 %d)\n", s.Strategy, s.Interval, s.CandleCount)
	fmt.Fprintf(&b, "  单笔仓位: %.2f%%  共享下单锁: %v\n", s.OrderPercent, s.SharedLock)
	b.WriteString("\n")

	b.WriteString("[决策 (DECISION)]\n")
	fmt.Fprintf(&b, "  顾问: %s\n", formatList(s.Advisors))
	fmt.Fprintf(&b, "  合并方式: %s\n", s.MergeMethod)
	fmt.Fprintf(&b, "  风险画像: %s\n", s.Profile)
	b.WriteString("\n")

	b.WriteString("[运行 (RUNTIME)]\n")
	fmt.Fprintf(&b, "  缓存: %s\n", s.CacheTiers)
	fmt.Fprintf(&b, "  存储: %s\n", s.StoreDriver)
	fmt.Fprintf(&b, "  调度器: %s\n", onOff(s.Scheduler))
	monitor := onOff(s.Monitor)
	if s.Monitor {
		monitor += " (" + s.MonitorSpec + ")"
	}
	fmt.Fprintf(&b, "  止盈止损监控: %s\n", monitor)
	fmt.Fprintf(&b, "  运维接口: %s\n", s.HTTPAddr)
	fmt.Fprintf(&b, "  Tracing: %s\n", onOff(s.Tracing))
	b.WriteString(strings.Repeat("=", 80) + "\n")
	return b.String()
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
