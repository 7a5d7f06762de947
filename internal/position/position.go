// Package position tracks open positions and the realized trade history.
// Positions are netted per symbol: at most one open position per symbol at a
// time.
package position

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/utils"
)

// Residual sizes below this are treated as fully closed.
const sizeEpsilon = 1e-9

// Position is an open position on one symbol.
type Position struct {
	Symbol     string    `json:"symbol"`
	Side       order.Side `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	MarkPrice  float64   `json:"mark_price"`
}

// UnrealizedPnL is the profit on the open size at the current mark price,
// before fees. Zero when no mark price has been observed yet.
func (p Position) UnrealizedPnL() float64 {
	if p.MarkPrice <= 0 {
		return 0
	}
	diff := p.MarkPrice - p.EntryPrice
	if p.Side == order.SideSell {
		diff = -diff
	}
	return diff * p.Size
}

// UnrealizedPnLPct is the unrealized profit as a percentage of entry
// notional.
func (p Position) UnrealizedPnLPct() float64 {
	notional := p.EntryPrice * p.Size
	if notional <= 0 {
		return 0
	}
	return p.UnrealizedPnL() / notional * 100
}

// Trade is one realized round trip (or closed portion of one).
type Trade struct {
	Symbol     string    `json:"symbol"`
	Side       order.Side `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	Fees       float64   `json:"fees"`
}

// Stats is the aggregate view over the realized trade history.
type Stats struct {
	TotalTrades int     `json:"total_trades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
	AvgWin      float64 `json:"avg_win"`
	AvgLoss     float64 `json:"avg_loss"`
}

// Tracker holds open positions and realized trades. Safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	open    map[string]*Position
	trades  []Trade
	feeRate float64
	now     func() time.Time
}

// NewTracker creates a tracker. feeRate is the per-side taker fee used when
// a close does not report explicit fees; non-positive values fall back to
// the default 0.0005.
func NewTracker(feeRate float64) *Tracker {
	if feeRate <= 0 {
		feeRate = 0.0005
	}
	return &Tracker{
		open:    make(map[string]*Position),
		feeRate: feeRate,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (t *Tracker) SetNowFunc(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Open records a new position. An existing position on the same symbol is
// overwritten with a warning; callers are expected to close before
// re-entering. Invalid size or entry price is rejected.
func (t *Tracker) Open(symbol string, side order.Side, size, entryPrice float64) bool {
	if size <= 0 || entryPrice <= 0 || math.IsNaN(size) || math.IsNaN(entryPrice) ||
		math.IsInf(size, 0) || math.IsInf(entryPrice, 0) || !side.Valid() {
		utils.GetLogger().Printf("PositionTracker | [%s] Rejected open: size=%.8f entry=%.8f side=%s", symbol, size, entryPrice, side)
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.open[symbol]; ok {
		utils.GetLogger().Printf("PositionTracker | [%s] Overwriting existing %s position of size %.8f", symbol, existing.Side, existing.Size)
	}

	t.open[symbol] = &Position{
		Symbol:     symbol,
		Side:       side,
		Size:       size,
		EntryPrice: entryPrice,
		EntryTime:  t.now().UTC(),
		MarkPrice:  entryPrice,
	}
	utils.GetLogger().Printf("PositionTracker | [%s] Opened %s %.8f @ %.8f", symbol, side, size, entryPrice)
	return true
}

// SetStops attaches stop-loss and take-profit levels to the open position.
func (t *Tracker) SetStops(symbol string, stopLoss, takeProfit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.open[symbol]; ok {
		p.StopLoss = stopLoss
		p.TakeProfit = takeProfit
	}
}

// Close realizes PnL on the open position. fees < 0 means "not reported";
// the tracker then charges feeRate on the closed leg's exit notional.
// filledAmount <= 0 or >= the open size closes the whole position; a smaller
// amount closes that portion and leaves the remainder open. Returns the
// realized Trade and false when there was nothing to close or the exit price
// is unusable.
func (t *Tracker) Close(symbol string, exitPrice, fees, filledAmount float64) (Trade, bool) {
	if exitPrice <= 0 || math.IsNaN(exitPrice) || math.IsInf(exitPrice, 0) {
		utils.GetLogger().Printf("PositionTracker | [%s] Rejected close: exit=%.8f", symbol, exitPrice)
		return Trade{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.open[symbol]
	if !ok {
		utils.GetLogger().Printf("PositionTracker | [%s] Close requested but no open position", symbol)
		return Trade{}, false
	}

	closed := p.Size
	if filledAmount > 0 && filledAmount < p.Size {
		closed = filledAmount
	}

	diff := exitPrice - p.EntryPrice
	if p.Side == order.SideSell {
		diff = -diff
	}
	gross := diff * closed

	if fees < 0 {
		fees = closed * exitPrice * t.feeRate
	}
	pnl := gross - fees

	notional := p.EntryPrice * closed
	pnlPct := 0.0
	if notional > 0 {
		pnlPct = pnl / notional * 100
	}

	trade := Trade{
		Symbol:     symbol,
		Side:       p.Side,
		Size:       closed,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  p.EntryTime,
		ExitTime:   t.now().UTC(),
		PnL:        pnl,
		PnLPct:     pnlPct,
		Fees:       fees,
	}
	t.trades = append(t.trades, trade)

	remaining := p.Size - closed
	if remaining > sizeEpsilon {
		p.Size = remaining
		utils.GetLogger().Printf("PositionTracker | [%s] Partial close %.8f @ %.8f, pnl=%.8f, remaining %.8f", symbol, closed, exitPrice, pnl, remaining)
	} else {
		delete(t.open, symbol)
		utils.GetLogger().Printf("PositionTracker | [%s] Closed %.8f @ %.8f, pnl=%.8f", symbol, closed, exitPrice, pnl)
	}
	return trade, true
}

// MarkPrice updates the mark price used for unrealized PnL. Invalid prices
// are ignored.
func (t *Tracker) MarkPrice(symbol string, price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.open[symbol]; ok {
		p.MarkPrice = price
	}
}

// Get returns a copy of the open position for symbol.
func (t *Tracker) Get(symbol string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.open[symbol]; ok {
		return *p, true
	}
	return Position{}, false
}

// OpenPositions returns copies of all open positions, sorted by symbol.
func (t *Tracker) OpenPositions() []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Position, 0, len(t.open))
	for _, p := range t.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// TotalUnrealizedPnL sums unrealized PnL over all open positions.
func (t *Tracker) TotalUnrealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0.0
	for _, p := range t.open {
		total += p.UnrealizedPnL()
	}
	return total
}

// TotalRealizedPnL sums PnL over the full trade history.
func (t *Tracker) TotalRealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0.0
	for _, tr := range t.trades {
		total += tr.PnL
	}
	return total
}

// RecentTrades returns the last n realized trades, most recent last. n <= 0
// returns the whole history.
func (t *Tracker) RecentTrades(n int) []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n <= 0 || n > len(t.trades) {
		n = len(t.trades)
	}
	out := make([]Trade, n)
	copy(out, t.trades[len(t.trades)-n:])
	return out
}

// ConsecutiveLosses counts the losing streak ending at the most recent
// trade. Break-even trades count as losses; only a profitable trade resets
// the streak.
func (t *Tracker) ConsecutiveLosses() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for i := len(t.trades) - 1; i >= 0; i-- {
		if t.trades[i].PnL > 0 {
			break
		}
		count++
	}
	return count
}

// Stats computes aggregate performance over the trade history.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{TotalTrades: len(t.trades)}
	if s.TotalTrades == 0 {
		return s
	}

	winSum, lossSum := 0.0, 0.0
	for _, tr := range t.trades {
		s.TotalPnL += tr.PnL
		if tr.PnL > 0 {
			s.Wins++
			winSum += tr.PnL
		} else {
			s.Losses++
			lossSum += tr.PnL
		}
	}
	s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
	s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
	if s.Wins > 0 {
		s.AvgWin = winSum / float64(s.Wins)
	}
	if s.Losses > 0 {
		s.AvgLoss = lossSum / float64(s.Losses)
	}
	return s
}
