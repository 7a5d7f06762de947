package strategy

import (
	"context"
	"math"

	"github.com/amirphl/scalp-trader/internal/exchange"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/utils"
)

// Momentum is a breakout scalper over a rolling tick window. It goes long
// when the price breaks above the recent window high with volatility in a
// tradable band. Exits are the trading loop's job via stops, so the strategy
// only emits entries.
type Momentum struct {
	symbol string
	window int

	prices []float64
	// Rolling mean of absolute tick-to-tick moves, used as the ATR proxy
	// and its long-run average.
	atrHistory []float64
}

// NewMomentum creates a breakout strategy over a window of ticks. Window
// sizes below 5 are raised to 5.
func NewMomentum(symbol string, window int) *Momentum {
	if window < 5 {
		window = 5
	}
	return &Momentum{symbol: symbol, window: window}
}

func (m *Momentum) Name() string      { return "momentum" }
func (m *Momentum) Symbol() string    { return m.symbol }
func (m *Momentum) WarmupPeriod() int { return m.window }

func (m *Momentum) OnTick(ctx context.Context, ticker exchange.Ticker) (*Signal, error) {
	price, ok := ticker.ReferencePrice()
	if !ok {
		return nil, nil
	}

	m.prices = append(m.prices, price)
	if len(m.prices) > m.window+1 {
		m.prices = m.prices[1:]
	}
	if len(m.prices) < m.window+1 {
		return nil, nil
	}

	atr := m.currentATR()
	if atr <= 0 {
		return nil, nil
	}
	m.atrHistory = append(m.atrHistory, atr)
	if len(m.atrHistory) > m.window*10 {
		m.atrHistory = m.atrHistory[1:]
	}
	avgATR := m.averageATR()

	// High of the window excluding the tick that just arrived.
	high := math.Inf(-1)
	for _, p := range m.prices[:len(m.prices)-1] {
		if p > high {
			high = p
		}
	}

	if price <= high {
		return nil, nil
	}

	regime := RegimeTrending
	if avgATR > 0 && atr/avgATR > 2 {
		regime = RegimeVolatile
	}

	utils.GetLogger().Printf("Momentum | [%s] Breakout above %.8f at %.8f (atr=%.8f)", m.symbol, high, price, atr)
	return &Signal{
		Time:   ticker.Timestamp,
		Symbol: m.symbol,
		Side:   order.SideBuy,
		Reason: "window high breakout",
		Regime: regime,
		Indicators: map[string]float64{
			"price":   price,
			"high":    high,
			"atr":     atr,
			"avg_atr": avgATR,
		},
	}, nil
}

func (m *Momentum) currentATR() float64 {
	if len(m.prices) < 2 {
		return 0
	}
	sum := 0.0
	for i := 1; i < len(m.prices); i++ {
		sum += math.Abs(m.prices[i] - m.prices[i-1])
	}
	return sum / float64(len(m.prices)-1)
}

func (m *Momentum) averageATR() float64 {
	if len(m.atrHistory) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m.atrHistory {
		sum += v
	}
	return sum / float64(len(m.atrHistory))
}
