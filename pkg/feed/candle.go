package feed

import "time"

// Candle is the running open/high/low/close aggregate for the session.
// Time tracks the most recent tick, not the period start: the feed
// restamps the candle on every update and never closes it out unless
// rollover is configured.
type Candle struct {
	Time  int64   `json:"time"` // unix seconds of the latest tick
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Fold folds one price observation into the candle and returns the result.
// A zero-open candle is treated as empty and initialized from the price.
// Pure function, no I/O.
func Fold(c Candle, price float64, now time.Time) Candle {
	if c.Open == 0 {
		c.Open = price
		c.High = price
		c.Low = price
		c.Close = price
	}

	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Time = now.Unix()

	return c
}
