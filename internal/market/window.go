package market

import (
	"errors"
	"time"
)

// ErrEmptyWindow means a cycle has nothing to analyze.
var ErrEmptyWindow = errors.New("market window is empty")

// MarketWindow is the most recent N candles for one symbol and interval.
type MarketWindow struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Candles   []Candle  `json:"candles"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (w MarketWindow) Len() int { return len(w.Candles) }

func (w MarketWindow) Last() (Candle, bool) {
	if len(w.Candles) == 0 {
		return Candle{}, false
	}
	return w.Candles[len(w.Candles)-1], true
}

// LastClose returns 0 for an empty window.
func (w MarketWindow) LastClose() float64 {
	c, ok := w.Last()
	if !ok {
		return 0
	}
	return c.Close
}

func (w MarketWindow) Validate() error {
	if len(w.Candles) == 0 {
		return ErrEmptyWindow
	}
	return nil
}

// Clone copies the candle slice so holders of a cached window cannot alias it.
func (w MarketWindow) Clone() MarketWindow {
	out := w
	if w.Candles != nil {
		out.Candles = append([]Candle(nil), w.Candles...)
	}
	return out
}
