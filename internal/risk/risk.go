// Package risk implements position sizing and the account-level risk
// controls that can halt trading: daily loss limit, max drawdown, and
// consecutive loss streaks.
package risk

import (
	"math"
	"sync"

	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/utils"
)

// Limits is the set of configured risk parameters. Percentages are expressed
// as whole numbers (2.0 means 2%).
type Limits struct {
	PerTradeRiskPct      float64 `yaml:"per_trade_risk_pct" json:"per_trade_risk_pct"`
	MaxPositionSizePct   float64 `yaml:"max_position_size_pct" json:"max_position_size_pct"`
	MaxDailyLossPct      float64 `yaml:"max_daily_loss_pct" json:"max_daily_loss_pct"`
	MaxDrawdownPct       float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses" json:"max_consecutive_losses"`
	ATRMultiplier        float64 `yaml:"atr_multiplier" json:"atr_multiplier"`
	TakeProfitATRMult    float64 `yaml:"take_profit_atr_mult" json:"take_profit_atr_mult"`
}

// DefaultLimits are the conservative defaults used when config leaves risk
// parameters unset.
func DefaultLimits() Limits {
	return Limits{
		PerTradeRiskPct:      1.0,
		MaxPositionSizePct:   50.0,
		MaxDailyLossPct:      5.0,
		MaxDrawdownPct:       15.0,
		MaxConsecutiveLosses: 5,
		ATRMultiplier:        2.0,
		TakeProfitATRMult:    3.0,
	}
}

// Sanitize clamps nonsensical values so a bad config cannot disable risk
// checks by accident. Negative percentages become zero and a non-positive
// position cap means uncapped (100%).
func (l Limits) Sanitize() Limits {
	if l.PerTradeRiskPct < 0 {
		l.PerTradeRiskPct = 0
	}
	if l.MaxPositionSizePct <= 0 {
		l.MaxPositionSizePct = 100
	}
	if l.MaxDailyLossPct < 0 {
		l.MaxDailyLossPct = 0
	}
	if l.MaxDrawdownPct < 0 {
		l.MaxDrawdownPct = 0
	}
	if l.MaxConsecutiveLosses < 0 {
		l.MaxConsecutiveLosses = 0
	}
	if l.ATRMultiplier <= 0 {
		l.ATRMultiplier = 2.0
	}
	if l.TakeProfitATRMult <= 0 {
		l.TakeProfitATRMult = 3.0
	}
	return l
}

// AccountState is the equity snapshot the risk checks run against. All
// checks use TotalBalance (realized equity); unrealized PnL never moves the
// drawdown peak.
type AccountState struct {
	TotalBalance      float64
	AvailableBalance  float64
	Equity            float64 // TotalBalance plus unrealized PnL
	MaxEquity         float64
	DailyPnL          float64
	ConsecutiveLosses int
}

// DrawdownPct returns the current drawdown from the equity peak as a
// percentage. Zero when no peak has been recorded yet.
func (a AccountState) DrawdownPct() float64 {
	if a.MaxEquity <= 0 {
		return 0
	}
	dd := (a.MaxEquity - a.TotalBalance) / a.MaxEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// Manager evaluates risk limits and holds the halt latch. Once halted,
// trading stays disabled until Resume is called explicitly; no check result
// clears the latch.
type Manager struct {
	mu         sync.Mutex
	limits     Limits
	halted     bool
	haltReason string
}

func NewManager(limits Limits) *Manager {
	return &Manager{limits: limits.Sanitize()}
}

func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// PositionSizeATR computes the position size for a new trade using
// ATR-distance risk sizing. The size risks PerTradeRiskPct of the balance
// over the stop distance, capped so the notional never exceeds
// MaxPositionSizePct of the balance. When the current ATR is more than twice
// the average ATR the size is throttled proportionally (never below half).
// Returns 0 on any unusable input.
func (m *Manager) PositionSizeATR(balance, entryPrice, atr, avgATR float64) float64 {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()

	if !finitePositive(balance) || !finitePositive(entryPrice) || !finitePositive(atr) {
		return 0
	}

	stopDistance := atr * limits.ATRMultiplier
	if !finitePositive(stopDistance) {
		return 0
	}

	riskAmount := balance * limits.PerTradeRiskPct / 100
	size := riskAmount / stopDistance
	if !finitePositive(size) {
		return 0
	}

	maxNotional := balance * limits.MaxPositionSizePct / 100
	maxSize := maxNotional / entryPrice
	if size > maxSize {
		size = maxSize
	}

	// Volatility throttle: in abnormally volatile regimes trade smaller.
	if finitePositive(avgATR) {
		ratio := atr / avgATR
		if ratio > 2 {
			scale := 1 / ratio
			if scale < 0.5 {
				scale = 0.5
			}
			size *= scale
		}
	}

	if !finitePositive(size) {
		return 0
	}
	return size
}

// StopLossTakeProfitATR derives the stop-loss and take-profit prices from
// the entry price and ATR. The stop sits ATRMultiplier ATRs away against the
// position, the target TakeProfitATRMult ATRs in favor. Both return zero on
// unusable input.
func (m *Manager) StopLossTakeProfitATR(side order.Side, entryPrice, atr float64) (stopLoss, takeProfit float64) {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()

	if !finitePositive(entryPrice) || !finitePositive(atr) || !side.Valid() {
		return 0, 0
	}

	stopDistance := atr * limits.ATRMultiplier
	targetDistance := atr * limits.TakeProfitATRMult
	if side == order.SideBuy {
		return entryPrice - stopDistance, entryPrice + targetDistance
	}
	return entryPrice + stopDistance, entryPrice - targetDistance
}

// FixedStops derives stop-loss and take-profit prices from fixed
// percentages of the entry price.
func FixedStops(side order.Side, entryPrice, stopPct, targetPct float64) (stopLoss, takeProfit float64) {
	if !finitePositive(entryPrice) || !side.Valid() {
		return 0, 0
	}
	if side == order.SideBuy {
		return entryPrice * (1 - stopPct/100), entryPrice * (1 + targetPct/100)
	}
	return entryPrice * (1 + stopPct/100), entryPrice * (1 - targetPct/100)
}

// HitStopLoss reports whether the mark price has crossed the stop for the
// given side. Unusable prices never trigger an exit.
func HitStopLoss(side order.Side, markPrice, stopLoss float64) bool {
	if !finitePositive(markPrice) || !finitePositive(stopLoss) {
		return false
	}
	if side == order.SideBuy {
		return markPrice <= stopLoss
	}
	return markPrice >= stopLoss
}

// HitTakeProfit reports whether the mark price has crossed the target for
// the given side.
func HitTakeProfit(side order.Side, markPrice, takeProfit float64) bool {
	if !finitePositive(markPrice) || !finitePositive(takeProfit) {
		return false
	}
	if side == order.SideBuy {
		return markPrice >= takeProfit
	}
	return markPrice <= takeProfit
}

// CheckDailyLossLimit returns true (and halts) when today's realized loss
// reaches MaxDailyLossPct of the balance. Profitable days never trip it.
func (m *Manager) CheckDailyLossLimit(state AccountState) bool {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()

	if limits.MaxDailyLossPct <= 0 || state.TotalBalance <= 0 || state.DailyPnL >= 0 {
		return false
	}
	lossPct := math.Abs(state.DailyPnL) / state.TotalBalance * 100
	if lossPct >= limits.MaxDailyLossPct {
		m.Halt("daily loss limit reached")
		return true
	}
	return false
}

// CheckMaxDrawdown returns true (and halts) when drawdown from the equity
// peak reaches MaxDrawdownPct.
func (m *Manager) CheckMaxDrawdown(state AccountState) bool {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()

	if limits.MaxDrawdownPct <= 0 {
		return false
	}
	if state.DrawdownPct() >= limits.MaxDrawdownPct {
		m.Halt("max drawdown reached")
		return true
	}
	return false
}

// CheckConsecutiveLosses returns true (and halts) when the current losing
// streak reaches MaxConsecutiveLosses.
func (m *Manager) CheckConsecutiveLosses(state AccountState) bool {
	m.mu.Lock()
	limits := m.limits
	m.mu.Unlock()

	if limits.MaxConsecutiveLosses <= 0 {
		return false
	}
	if state.ConsecutiveLosses >= limits.MaxConsecutiveLosses {
		m.Halt("consecutive loss limit reached")
		return true
	}
	return false
}

// CheckAllLimits runs every account-level check. Returns true when any limit
// tripped; the manager is halted as a side effect.
func (m *Manager) CheckAllLimits(state AccountState) bool {
	tripped := m.CheckDailyLossLimit(state)
	tripped = m.CheckMaxDrawdown(state) || tripped
	tripped = m.CheckConsecutiveLosses(state) || tripped
	return tripped
}

// Halt latches the manager into the halted state. Subsequent calls keep the
// first reason.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.halted {
		return
	}
	m.halted = true
	m.haltReason = reason
	utils.GetLogger().Printf("RiskManager | TRADING HALTED: %s", reason)
}

// Resume clears the halt latch. This is the only way trading restarts after
// a halt; limit checks going back under threshold do not.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.halted {
		return
	}
	m.halted = false
	m.haltReason = ""
	utils.GetLogger().Printf("RiskManager | Trading resumed")
}

// IsTradingAllowed reports whether new entries may be opened.
func (m *Manager) IsTradingAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.halted
}

// HaltReason returns the reason for the current halt, empty when active.
func (m *Manager) HaltReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltReason
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
