package market

import "time"

// Candle 为单根 K 线及其派生指标，计算完成后不再修改。
type Candle struct {
	OpenTime   int64      `json:"open_time"`
	CloseTime  int64      `json:"close_time"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
	Trades     int64      `json:"trades"`
	Indicators Indicators `json:"indicators"`
}

// Indicators 保存单根 K 线上的指标值；回看长度不足的指标为 0 且 Ready=false。
type Indicators struct {
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	SMAShort   float64 `json:"sma_short"`
	SMALong    float64 `json:"sma_long"`
	BBUpper    float64 `json:"bb_upper"`
	BBMiddle   float64 `json:"bb_middle"`
	BBLower    float64 `json:"bb_lower"`
	Ready      bool    `json:"ready"`
}

func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}
