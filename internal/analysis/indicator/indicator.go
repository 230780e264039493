package indicator

import (
	"math"

	"github.com/markcheno/go-talib"

	"autotrader/internal/market"
)

// Settings 描述指标参数，零值字段取默认值。
type Settings struct {
	RSIPeriod  int     `json:"rsi_period"`
	MACDFast   int     `json:"macd_fast"`
	MACDSlow   int     `json:"macd_slow"`
	MACDSignal int     `json:"macd_signal"`
	SMAShort   int     `json:"sma_short"`
	SMALong    int     `json:"sma_long"`
	BBPeriod   int     `json:"bb_period"`
	BBStdDev   float64 `json:"bb_stddev"`
}

func (s Settings) withDefaults() Settings {
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.MACDFast <= 0 {
		s.MACDFast = 12
	}
	if s.MACDSlow <= 0 {
		s.MACDSlow = 26
	}
	if s.MACDSignal <= 0 {
		s.MACDSignal = 9
	}
	if s.SMAShort <= 0 {
		s.SMAShort = 20
	}
	if s.SMALong <= 0 {
		s.SMALong = 50
	}
	if s.BBPeriod <= 0 {
		s.BBPeriod = 20
	}
	if s.BBStdDev <= 0 {
		s.BBStdDev = 2
	}
	return s
}

// MinCandles is the shortest series for which every indicator is defined on the last candle.
func (s Settings) MinCandles() int {
	s = s.withDefaults()
	need := s.RSIPeriod + 1
	need = max(need, s.MACDSlow+s.MACDSignal-1)
	need = max(need, s.SMAShort, s.SMALong, s.BBPeriod)
	return need
}

// Enrich returns a copy of candles with RSI, MACD, SMA and Bollinger values
// attached. Positions inside an indicator's lookback stay zero.
func Enrich(candles []market.Candle, s Settings) []market.Candle {
	out := append([]market.Candle(nil), candles...)
	if len(out) == 0 {
		return out
	}
	s = s.withDefaults()
	closes := make([]float64, len(out))
	for i, c := range out {
		closes[i] = c.Close
	}
	n := len(closes)

	var rsi, macd, macdSig, macdHist, smaS, smaL, bbU, bbM, bbL []float64
	if n > s.RSIPeriod {
		rsi = talib.Rsi(closes, s.RSIPeriod)
	}
	if n >= s.MACDSlow+s.MACDSignal-1 {
		macd, macdSig, macdHist = talib.Macd(closes, s.MACDFast, s.MACDSlow, s.MACDSignal)
	}
	if n >= s.SMAShort {
		smaS = talib.Sma(closes, s.SMAShort)
	}
	if n >= s.SMALong {
		smaL = talib.Sma(closes, s.SMALong)
	}
	if n >= s.BBPeriod {
		bbU, bbM, bbL = talib.BBands(closes, s.BBPeriod, s.BBStdDev, s.BBStdDev, talib.SMA)
	}

	for i := range out {
		out[i].Indicators = market.Indicators{
			RSI:        at(rsi, i),
			MACD:       at(macd, i),
			MACDSignal: at(macdSig, i),
			MACDHist:   at(macdHist, i),
			SMAShort:   at(smaS, i),
			SMALong:    at(smaL, i),
			BBUpper:    at(bbU, i),
			BBMiddle:   at(bbM, i),
			BBLower:    at(bbL, i),
		}
	}
	out[n-1].Indicators.Ready = n >= s.MinCandles()
	return out
}

// EnrichWindow applies Enrich to a window's candles.
func EnrichWindow(w market.MarketWindow, s Settings) market.MarketWindow {
	w.Candles = Enrich(w.Candles, s)
	return w
}

func at(series []float64, i int) float64 {
	if i >= len(series) {
		return 0
	}
	v := series[i]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return round4(v)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
