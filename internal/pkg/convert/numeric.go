// Package convert 把模型输出里形态不一的数字统一成 float64。
package convert

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Float 支持数字类型、json.Number 与数字字符串；"80%" 视为 0.8。
func Float(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(t)
		pct := strings.HasSuffix(s, "%")
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return 0, false
		}
		if pct {
			f /= 100
		}
		return f, true
	default:
		return 0, false
	}
}
