package domain

import "time"

// Candle represents a single OHLCV candlestick. Candles are immutable once
// received; for a given symbol no two candles share the same OpenTime.
type Candle struct {
	OpenTime  time.Time // Start time of the interval
	CloseTime time.Time // End time of the interval
	Symbol    string    // Trading symbol
	Interval  string    // Candle interval (e.g., "1m", "1h")
	Open      float64   // Opening price
	High      float64   // Highest price
	Low       float64   // Lowest price
	Close     float64   // Closing price
	Volume    float64   // Trading volume
	IsFinal   bool      // Whether this candle is the final one for the interval
}

// IsPlausible reports whether the candle carries prices a real market could
// have printed. Non-positive prices indicate corrupt feed data.
func (c *Candle) IsPlausible() bool {
	return c.Open > 0 && c.High > 0 && c.Low > 0 && c.Close > 0 && c.Volume >= 0
}
