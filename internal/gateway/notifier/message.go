package notifier

import (
	"fmt"
	"strings"
	"time"

	"autotrader/internal/decision"
	"autotrader/internal/executor"
	"autotrader/internal/pkg/text"
)

const maxStructuredMessageLen = 3800

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

// StructuredMessage 描述统一格式的推送。
type StructuredMessage struct {
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

// RenderMarkdown 生成 Markdown 文本，按字符裁剪长度。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	header := strings.TrimSpace(m.Icon + " " + m.Title)
	if header != "" {
		b.WriteString(header + "\n\n")
	}
	if block := renderSections(m.Sections); block != "" {
		b.WriteString(block)
	}
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(sanitize(footer))
		b.WriteString("\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString("时间：" + m.Timestamp.Format("2006-01-02 15:04:05 MST"))
	}
	return text.Truncate(strings.TrimSpace(b.String()), maxStructuredMessageLen)
}

func renderSections(secs []MessageSection) string {
	var blocks []string
	for _, sec := range secs {
		lines := sanitizeLines(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(sanitize(title))
			b.WriteString("\n")
		}
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(sanitize(line))
			b.WriteString("\n")
		}
		blocks = append(blocks, b.String())
	}
	if len(blocks) == 0 {
		return ""
	}
	return "```\n" + strings.Join(blocks, "\n") + "```\n\n"
}

func sanitizeLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

// CycleAborted 周期在中途失败。
func CycleAborted(entry decision.LogEntry) StructuredMessage {
	return StructuredMessage{
		Icon:  "⚠️",
		Title: "周期中止 " + entry.Symbol,
		Sections: []MessageSection{{
			Title: "详情",
			Lines: []string{
				"trace: " + entry.TraceID,
				"trigger: " + string(entry.Trigger),
				"error: " + text.Truncate(entry.Error, 500),
			},
		}},
		Timestamp: entry.FinishedAt,
	}
}

// ExecutionFailed 风控通过但下单失败或被拒。
func ExecutionFailed(entry decision.LogEntry) StructuredMessage {
	lines := []string{
		"trace: " + entry.TraceID,
		"action: " + string(entry.Action()),
		"order: " + entry.OrderID + " " + entry.OrderStatus,
		fmt.Sprintf("qty: %.6f @ %.4f", entry.Quantity, entry.Price),
	}
	if entry.Error != "" {
		lines = append(lines, "error: "+text.Truncate(entry.Error, 500))
	}
	return StructuredMessage{
		Icon:      "❌",
		Title:     "下单失败 " + entry.Symbol,
		Sections:  []MessageSection{{Title: "订单", Lines: lines}},
		Timestamp: entry.FinishedAt,
	}
}

// EmergencyAction 止盈/止损平仓结果。
func EmergencyAction(reason string, pnlPercent float64, order executor.Order, postAction string, err error) StructuredMessage {
	icon, title := "🚨", "紧急平仓 "+order.Symbol
	lines := []string{
		"reason: " + reason,
		fmt.Sprintf("pnl: %.2f%%", pnlPercent),
		fmt.Sprintf("order: %s %s qty=%.6f @ %.4f", order.ID, order.Status, order.ExecutedQuantity, order.ExecutedPrice),
	}
	if postAction != "" {
		lines = append(lines, "post action: "+postAction)
	}
	if err != nil {
		icon = "❌"
		lines = append(lines, "error: "+text.Truncate(err.Error(), 500))
	}
	return StructuredMessage{
		Icon:      icon,
		Title:     title,
		Sections:  []MessageSection{{Title: "平仓", Lines: lines}},
		Timestamp: order.UpdatedAt,
	}
}
