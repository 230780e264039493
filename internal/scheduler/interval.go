package scheduler

import (
	"strconv"
	"strings"
	"time"

	"autotrader/internal/market"
)

// ParseIntervalDuration parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if len(interval) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(interval[:len(interval)-1]))
	if err != nil || n <= 0 {
		return 0, false
	}
	var unit time.Duration
	switch interval[len(interval)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// DefaultBinanceKlineGrace 收盘后等待的宽限期，避免拿到尚未最终确定的 K 线。
const DefaultBinanceKlineGrace = 10 * time.Second

// DropUnclosedBinanceKline drops the last candle if it has not closed (plus grace) at now.
// Candle times are milliseconds since epoch.
func DropUnclosedBinanceKline(klines []market.Candle, interval time.Duration, now time.Time) []market.Candle {
	return dropUnclosedAt(klines, interval, now, DefaultBinanceKlineGrace)
}

func dropUnclosedAt(klines []market.Candle, interval time.Duration, now time.Time, grace time.Duration) []market.Candle {
	if len(klines) == 0 || interval <= 0 {
		return klines
	}
	if grace < 0 {
		grace = 0
	}
	last := klines[len(klines)-1]
	if last.OpenTime <= 0 {
		return klines
	}
	cutoffMs := last.OpenTime + interval.Milliseconds() + grace.Milliseconds()
	if now.UnixMilli() < cutoffMs {
		return klines[:len(klines)-1]
	}
	return klines
}
