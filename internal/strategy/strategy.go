// Package strategy defines trade signals and the strategy interface the
// trading loop consumes.
package strategy

import (
	"context"
	"time"

	"github.com/amirphl/scalp-trader/internal/exchange"
	"github.com/amirphl/scalp-trader/internal/order"
)

// Regime labels the market condition a signal was generated in.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeVolatile Regime = "volatile"
	RegimeUnknown  Regime = "unknown"
)

// Signal is a trade decision emitted by a strategy. Indicators carries the
// raw values the decision was based on; the trading loop reads "atr" and
// "avg_atr" from it for position sizing.
type Signal struct {
	Time       time.Time          `json:"time"`
	Symbol     string             `json:"symbol"`
	Side       order.Side         `json:"side"`
	Reason     string             `json:"reason"`
	Regime     Regime             `json:"regime"`
	Indicators map[string]float64 `json:"indicators,omitempty"`
}

// ATR returns the signal's current and average ATR readings. ok is false
// when the strategy did not report them.
func (s Signal) ATR() (atr, avgATR float64, ok bool) {
	atr = s.Indicators["atr"]
	avgATR = s.Indicators["avg_atr"]
	return atr, avgATR, atr > 0 && avgATR > 0
}

// Strategy turns market ticks into signals. OnTick returns nil when no
// action is warranted.
type Strategy interface {
	Name() string
	Symbol() string
	OnTick(ctx context.Context, ticker exchange.Ticker) (*Signal, error)
	// WarmupPeriod is the number of ticks needed before signals can fire.
	WarmupPeriod() int
}
