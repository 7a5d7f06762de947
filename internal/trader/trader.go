// Package trader runs the trading loop: it feeds tickers to the strategy,
// gates entries through the risk manager, executes through the order router,
// and supervises open positions against their stops.
package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/scalp-trader/internal/db"
	"github.com/amirphl/scalp-trader/internal/exchange"
	"github.com/amirphl/scalp-trader/internal/journal"
	"github.com/amirphl/scalp-trader/internal/monitor"
	"github.com/amirphl/scalp-trader/internal/notifier"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/position"
	"github.com/amirphl/scalp-trader/internal/risk"
	"github.com/amirphl/scalp-trader/internal/router"
	"github.com/amirphl/scalp-trader/internal/strategy"
	"github.com/amirphl/scalp-trader/internal/utils"
)

// Trader coordinates one strategy per symbol against a shared account.
type Trader struct {
	ex         exchange.Exchange
	router     *router.Router
	tracker    *position.Tracker
	riskMgr    *risk.Manager
	storage    db.Storage
	notif      notifier.Notifier
	strategies map[string]strategy.Strategy

	tickInterval time.Duration
	now          func() time.Time

	mu         sync.Mutex
	state      risk.AccountState
	currentDay time.Time
}

// New wires a trader. initialBalance seeds the account state; live callers
// should pass the fetched quote balance.
func New(
	ex exchange.Exchange,
	rt *router.Router,
	tracker *position.Tracker,
	riskMgr *risk.Manager,
	storage db.Storage,
	notif notifier.Notifier,
	strategies map[string]strategy.Strategy,
	tickInterval time.Duration,
	initialBalance float64,
) *Trader {
	if notif == nil {
		notif = notifier.NewNoop()
	}
	return &Trader{
		ex:           ex,
		router:       rt,
		tracker:      tracker,
		riskMgr:      riskMgr,
		storage:      storage,
		notif:        notif,
		strategies:   strategies,
		tickInterval: tickInterval,
		now:          time.Now,
		state: risk.AccountState{
			TotalBalance:     initialBalance,
			AvailableBalance: initialBalance,
			Equity:           initialBalance,
			MaxEquity:        initialBalance,
		},
	}
}

// SetNowFunc overrides the clock, for tests.
func (t *Trader) SetNowFunc(now func() time.Time) { t.now = now }

// AccountState returns a snapshot of the current account state.
func (t *Trader) AccountState() risk.AccountState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Run polls each symbol on the tick interval until the context is canceled,
// then closes whatever is still open.
func (t *Trader) Run(ctx context.Context) error {
	utils.GetLogger().Printf("Trader | Starting with %d symbols, tick interval %v", len(t.strategies), t.tickInterval)

	var wg sync.WaitGroup
	for symbol := range t.strategies {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			ticker := time.NewTicker(t.tickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					t.ProcessTick(ctx, symbol)
				}
			}
		}(symbol)
	}
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	t.Shutdown(shutdownCtx)
	return ctx.Err()
}

// ProcessTick runs one iteration for a symbol: refresh the mark price,
// supervise the open position, and evaluate the strategy for entries.
func (t *Trader) ProcessTick(ctx context.Context, symbol string) {
	strat, ok := t.strategies[symbol]
	if !ok {
		return
	}

	ticker, err := t.ex.FetchTicker(ctx, symbol)
	if err != nil {
		utils.GetLogger().Printf("Trader | [%s] Ticker fetch failed: %v", symbol, err)
		monitor.RecordError("trader")
		return
	}
	ref, ok := ticker.ReferencePrice()
	if !ok {
		utils.GetLogger().Printf("Trader | [%s] No usable price in ticker", symbol)
		return
	}

	t.rollDailyWindow()

	t.tracker.MarkPrice(symbol, ref)
	monitor.SetMarkPrice(symbol, ref)
	if pos, open := t.tracker.Get(symbol); open {
		monitor.SetUnrealizedPnL(symbol, pos.UnrealizedPnL())
	}

	t.mu.Lock()
	t.state.Equity = t.state.TotalBalance + t.tracker.TotalUnrealizedPnL()
	t.mu.Unlock()

	if t.superviseStops(ctx, symbol, ref) {
		return
	}

	sig, err := strat.OnTick(ctx, ticker)
	if err != nil {
		utils.GetLogger().Printf("Trader | [%s] Strategy error: %v", symbol, err)
		monitor.RecordError("strategy")
		return
	}
	if sig == nil {
		return
	}
	t.handleSignal(ctx, *sig, ref)
}

// rollDailyWindow resets the daily PnL counter on a UTC day boundary. A
// latched halt survives the reset; only an operator resume clears it.
func (t *Trader) rollDailyWindow() {
	today := t.now().UTC().Truncate(24 * time.Hour)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentDay.IsZero() {
		t.currentDay = today
		return
	}
	if today.After(t.currentDay) {
		utils.GetLogger().Printf("Trader | New trading day, daily PnL reset (was %.8f)", t.state.DailyPnL)
		t.state.DailyPnL = 0
		t.currentDay = today
	}
}

// superviseStops closes the open position when the mark price has crossed
// its stop or target. Returns true when an exit was attempted.
func (t *Trader) superviseStops(ctx context.Context, symbol string, markPrice float64) bool {
	pos, open := t.tracker.Get(symbol)
	if !open {
		return false
	}

	switch {
	case risk.HitStopLoss(pos.Side, markPrice, pos.StopLoss):
		utils.GetLogger().Printf("Trader | [%s] Stop loss hit at %.8f (stop %.8f)", symbol, markPrice, pos.StopLoss)
		t.closePosition(ctx, pos, "stop_loss")
		return true
	case risk.HitTakeProfit(pos.Side, markPrice, pos.TakeProfit):
		utils.GetLogger().Printf("Trader | [%s] Take profit hit at %.8f (target %.8f)", symbol, markPrice, pos.TakeProfit)
		t.closePosition(ctx, pos, "take_profit")
		return true
	}
	return false
}

// handleSignal opens a position for an entry signal, or closes the open one
// when the signal points the other way.
func (t *Trader) handleSignal(ctx context.Context, sig strategy.Signal, ref float64) {
	symbol := sig.Symbol

	if pos, open := t.tracker.Get(symbol); open {
		if sig.Side == pos.Side.Opposite() {
			utils.GetLogger().Printf("Trader | [%s] Opposite signal (%s), closing position", symbol, sig.Reason)
			t.closePosition(ctx, pos, "signal_exit")
		}
		return
	}

	if !t.riskMgr.IsTradingAllowed() {
		utils.GetLogger().Printf("Trader | [%s] Signal suppressed, trading halted: %s", symbol, t.riskMgr.HaltReason())
		return
	}

	atr, avgATR, ok := sig.ATR()
	if !ok {
		utils.GetLogger().Printf("Trader | [%s] Signal without ATR readings, skipping entry", symbol)
		return
	}

	t.mu.Lock()
	balance := t.state.TotalBalance
	t.mu.Unlock()

	size := t.riskMgr.PositionSizeATR(balance, ref, atr, avgATR)
	if size <= 0 {
		utils.GetLogger().Printf("Trader | [%s] Position size computed as zero, skipping entry", symbol)
		return
	}

	out := t.router.ExecuteSignal(ctx, symbol, sig.Side, size)
	t.journalOutcome(ctx, symbol, "entry", sig.Reason, out)
	if !out.Filled() {
		utils.GetLogger().Printf("Trader | [%s] Entry not filled: %s %v", symbol, out.Reason, out.Err)
		return
	}

	res := *out.Result
	fillPrice, ok := res.FillPrice()
	if !ok {
		utils.GetLogger().Printf("Trader | [%s] Fill without usable price, not tracking", symbol)
		return
	}

	// Track what actually executed, not what was requested.
	if !t.tracker.Open(symbol, sig.Side, res.FilledQty, fillPrice) {
		return
	}
	stop, target := t.riskMgr.StopLossTakeProfitATR(sig.Side, fillPrice, atr)
	t.tracker.SetStops(symbol, stop, target)

	t.persistOrder(ctx, res)
	utils.GetLogger().Printf("Trader | [%s] Entered %s %.8f @ %.8f (stop %.8f, target %.8f)", symbol, sig.Side, res.FilledQty, fillPrice, stop, target)
}

// closePosition unwinds a position and settles the account.
func (t *Trader) closePosition(ctx context.Context, pos position.Position, reason string) {
	out := t.router.ClosePosition(ctx, pos)
	t.journalOutcome(ctx, pos.Symbol, "exit", reason, out)
	if !out.Filled() {
		utils.GetLogger().Printf("Trader | [%s] Close not filled (%s): %s %v", pos.Symbol, reason, out.Reason, out.Err)
		monitor.RecordError("trader")
		return
	}

	res := *out.Result
	fillPrice, ok := res.FillPrice()
	if !ok {
		utils.GetLogger().Printf("Trader | [%s] Close fill without usable price", pos.Symbol)
		return
	}

	trade, ok := t.tracker.Close(pos.Symbol, fillPrice, res.Fees, res.FilledQty)
	if !ok {
		return
	}
	t.persistOrder(ctx, res)
	if err := t.storage.SaveTrade(ctx, trade); err != nil {
		utils.GetLogger().Printf("Trader | [%s] Failed to persist trade: %v", pos.Symbol, err)
		monitor.RecordError("storage")
	}
	monitor.RecordTradeClosed(pos.Symbol, trade.PnL)
	monitor.SetRealizedPnL(pos.Symbol, t.realizedFor(pos.Symbol))

	t.settleTrade(ctx, trade)
}

// settleTrade applies a realized trade to the account state and runs the
// risk checks.
func (t *Trader) settleTrade(ctx context.Context, trade position.Trade) {
	t.mu.Lock()
	t.state.TotalBalance += trade.PnL
	t.state.AvailableBalance = t.state.TotalBalance
	t.state.Equity = t.state.TotalBalance + t.tracker.TotalUnrealizedPnL()
	t.state.DailyPnL += trade.PnL
	// The drawdown peak tracks realized balance only; unrealized swings on
	// open positions must not move it.
	if t.state.TotalBalance > t.state.MaxEquity {
		t.state.MaxEquity = t.state.TotalBalance
	}
	t.state.ConsecutiveLosses = t.tracker.ConsecutiveLosses()
	state := t.state
	t.mu.Unlock()

	if t.riskMgr.CheckAllLimits(state) {
		reason := t.riskMgr.HaltReason()
		monitor.RecordHalt(reason)
		t.logEvent(ctx, journal.Event{
			Time:        t.now().UTC(),
			Type:        "halt",
			Description: reason,
			Data: map[string]any{
				"daily_pnl":          state.DailyPnL,
				"total_balance":      state.TotalBalance,
				"drawdown_pct":       state.DrawdownPct(),
				"consecutive_losses": state.ConsecutiveLosses,
			},
		})
		msg := fmt.Sprintf("TRADING HALTED: %s (balance %.2f, daily PnL %.2f)", reason, state.TotalBalance, state.DailyPnL)
		if err := t.notif.SendWithRetry(msg); err != nil {
			utils.GetLogger().Printf("Trader | Halt notification failed: %v", err)
		}
	}
}

// Shutdown closes all open positions so no exposure is carried while the
// process is down.
func (t *Trader) Shutdown(ctx context.Context) {
	open := t.tracker.OpenPositions()
	if len(open) == 0 {
		return
	}
	utils.GetLogger().Printf("Trader | Shutting down, closing %d open positions", len(open))
	for _, pos := range open {
		t.closePosition(ctx, pos, "shutdown")
	}
}

func (t *Trader) persistOrder(ctx context.Context, res order.Result) {
	if err := t.storage.SaveOrder(ctx, res); err != nil {
		utils.GetLogger().Printf("Trader | Failed to persist order %s: %v", res.OrderID, err)
		monitor.RecordError("storage")
	}
}

func (t *Trader) journalOutcome(ctx context.Context, symbol, kind, reason string, out router.Outcome) {
	data := map[string]any{"outcome": string(out.Kind), "reason": reason}
	if out.Result != nil {
		data["order_id"] = out.Result.OrderID
		data["filled_qty"] = out.Result.FilledQty
		data["avg_price"] = out.Result.AvgPrice
		data["slippage_pct"] = out.Result.SlippagePct
	}
	if out.Err != nil {
		data["error"] = out.Err.Error()
	}
	t.logEvent(ctx, journal.Event{
		Time:        t.now().UTC(),
		Type:        kind,
		Description: fmt.Sprintf("%s %s: %s", symbol, kind, out.Kind),
		Data:        data,
	})
}

func (t *Trader) logEvent(ctx context.Context, e journal.Event) {
	if err := t.storage.LogEvent(ctx, e); err != nil {
		utils.GetLogger().Printf("Trader | Failed to journal event: %v", err)
		monitor.RecordError("storage")
	}
}

func (t *Trader) realizedFor(symbol string) float64 {
	total := 0.0
	for _, tr := range t.tracker.RecentTrades(0) {
		if tr.Symbol == symbol {
			total += tr.PnL
		}
	}
	return total
}
