package trader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/scalp-trader/internal/db"
	"github.com/amirphl/scalp-trader/internal/exchange"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/position"
	"github.com/amirphl/scalp-trader/internal/risk"
	"github.com/amirphl/scalp-trader/internal/router"
	"github.com/amirphl/scalp-trader/internal/strategy"
)

// scriptedStrategy emits a fixed sequence of signals, then nil forever.
type scriptedStrategy struct {
	symbol  string
	signals []*strategy.Signal
	i       int
}

func (s *scriptedStrategy) Name() string      { return "scripted" }
func (s *scriptedStrategy) Symbol() string    { return s.symbol }
func (s *scriptedStrategy) WarmupPeriod() int { return 0 }

func (s *scriptedStrategy) OnTick(ctx context.Context, ticker exchange.Ticker) (*strategy.Signal, error) {
	if s.i >= len(s.signals) {
		return nil, nil
	}
	sig := s.signals[s.i]
	s.i++
	return sig, nil
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Send(msg string) error { r.messages = append(r.messages, msg); return nil }
func (r *recordingNotifier) SendWithRetry(msg string) error {
	return r.Send(msg)
}
func (r *recordingNotifier) RetryWithNotification(action func() error, description string) error {
	return action()
}

func buySignal(symbol string, atr, avgATR float64) *strategy.Signal {
	return &strategy.Signal{
		Symbol: symbol,
		Side:   order.SideBuy,
		Reason: "test entry",
		Indicators: map[string]float64{
			"atr":     atr,
			"avg_atr": avgATR,
		},
	}
}

type fixture struct {
	trader  *Trader
	ex      *exchange.PaperExchange
	tracker *position.Tracker
	riskMgr *risk.Manager
	storage *db.Memory
	notif   *recordingNotifier
	strat   *scriptedStrategy
}

func newFixture(t *testing.T, limits risk.Limits, signals ...*strategy.Signal) *fixture {
	t.Helper()

	ex := exchange.NewPaperExchange(10_000, "BTC-USDT")
	cfg := router.DefaultConfig()
	cfg.OrderType = order.TypeMarket
	rt := router.New(ex, cfg, nil)

	tracker := position.NewTracker(0.0005)
	riskMgr := risk.NewManager(limits)
	storage := db.NewMemory()
	notif := &recordingNotifier{}
	strat := &scriptedStrategy{symbol: "BTC-USDT", signals: signals}

	tr := New(ex, rt, tracker, riskMgr, storage, notif,
		map[string]strategy.Strategy{"BTC-USDT": strat}, time.Second, 10_000)

	return &fixture{trader: tr, ex: ex, tracker: tracker, riskMgr: riskMgr, storage: storage, notif: notif, strat: strat}
}

func testLimits() risk.Limits {
	return risk.Limits{
		PerTradeRiskPct:      2.0,
		MaxPositionSizePct:   50.0,
		MaxDailyLossPct:      50.0,
		MaxDrawdownPct:       50.0,
		MaxConsecutiveLosses: 5,
		ATRMultiplier:        2.0,
		TakeProfitATRMult:    3.0,
	}
}

func TestEntryOpensTrackedPosition(t *testing.T) {
	f := newFixture(t, testLimits(), buySignal("BTC-USDT", 2, 2))
	f.ex.SetPrice("BTC-USDT", 100)
	ctx := context.Background()

	f.trader.ProcessTick(ctx, "BTC-USDT")

	pos, open := f.tracker.Get("BTC-USDT")
	require.True(t, open)
	assert.Equal(t, order.SideBuy, pos.Side)
	// 2% of 10,000 risked over a stop distance of 4 gives 50 units.
	assert.InDelta(t, 50.0, pos.Size, 1e-9)
	assert.InDelta(t, 100.0, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 96.0, pos.StopLoss, 1e-9)
	assert.InDelta(t, 106.0, pos.TakeProfit, 1e-9)

	// The fill was persisted and journaled.
	events, err := f.storage.GetEvents(ctx, "entry", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEntrySuppressedWhenHalted(t *testing.T) {
	f := newFixture(t, testLimits(), buySignal("BTC-USDT", 2, 2))
	f.ex.SetPrice("BTC-USDT", 100)
	f.riskMgr.Halt("manual")

	f.trader.ProcessTick(context.Background(), "BTC-USDT")

	_, open := f.tracker.Get("BTC-USDT")
	assert.False(t, open)
}

func TestEntrySkippedWithoutATR(t *testing.T) {
	sig := &strategy.Signal{Symbol: "BTC-USDT", Side: order.SideBuy, Reason: "no atr"}
	f := newFixture(t, testLimits(), sig)
	f.ex.SetPrice("BTC-USDT", 100)

	f.trader.ProcessTick(context.Background(), "BTC-USDT")

	_, open := f.tracker.Get("BTC-USDT")
	assert.False(t, open)
}

func TestStopLossClosesAndSettles(t *testing.T) {
	f := newFixture(t, testLimits(), buySignal("BTC-USDT", 2, 2))
	ctx := context.Background()

	f.ex.SetPrice("BTC-USDT", 100)
	f.trader.ProcessTick(ctx, "BTC-USDT")
	_, open := f.tracker.Get("BTC-USDT")
	require.True(t, open)

	// Price drops through the 96 stop.
	f.ex.SetPrice("BTC-USDT", 95)
	f.trader.ProcessTick(ctx, "BTC-USDT")

	_, open = f.tracker.Get("BTC-USDT")
	assert.False(t, open)

	trades := f.tracker.RecentTrades(1)
	require.Len(t, trades, 1)
	assert.Less(t, trades[0].PnL, 0.0)

	state := f.trader.AccountState()
	assert.InDelta(t, 10_000+trades[0].PnL, state.TotalBalance, 1e-9)
	assert.InDelta(t, trades[0].PnL, state.DailyPnL, 1e-9)
	assert.Equal(t, 1, state.ConsecutiveLosses)
	assert.Equal(t, 10_000.0, state.MaxEquity)

	saved, err := f.storage.GetTrades(ctx, "BTC-USDT", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestTakeProfitClosesPosition(t *testing.T) {
	f := newFixture(t, testLimits(), buySignal("BTC-USDT", 2, 2))
	ctx := context.Background()

	f.ex.SetPrice("BTC-USDT", 100)
	f.trader.ProcessTick(ctx, "BTC-USDT")

	f.ex.SetPrice("BTC-USDT", 107)
	f.trader.ProcessTick(ctx, "BTC-USDT")

	_, open := f.tracker.Get("BTC-USDT")
	assert.False(t, open)

	trades := f.tracker.RecentTrades(1)
	require.Len(t, trades, 1)
	assert.Greater(t, trades[0].PnL, 0.0)

	state := f.trader.AccountState()
	assert.Greater(t, state.MaxEquity, 10_000.0)
}

func TestLossTripsHaltAndNotifies(t *testing.T) {
	limits := testLimits()
	limits.MaxConsecutiveLosses = 1
	f := newFixture(t, limits, buySignal("BTC-USDT", 2, 2))
	ctx := context.Background()

	f.ex.SetPrice("BTC-USDT", 100)
	f.trader.ProcessTick(ctx, "BTC-USDT")
	f.ex.SetPrice("BTC-USDT", 95)
	f.trader.ProcessTick(ctx, "BTC-USDT")

	assert.False(t, f.riskMgr.IsTradingAllowed())
	require.NotEmpty(t, f.notif.messages)
	assert.Contains(t, f.notif.messages[0], "TRADING HALTED")

	events, err := f.storage.GetEvents(ctx, "halt", time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDailyPnLResetsOnNewDay(t *testing.T) {
	f := newFixture(t, testLimits(), buySignal("BTC-USDT", 2, 2))
	ctx := context.Background()

	day1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	f.trader.SetNowFunc(func() time.Time { return day1 })

	f.ex.SetPrice("BTC-USDT", 100)
	f.trader.ProcessTick(ctx, "BTC-USDT")
	f.ex.SetPrice("BTC-USDT", 95)
	f.trader.ProcessTick(ctx, "BTC-USDT")
	require.Less(t, f.trader.AccountState().DailyPnL, 0.0)

	day2 := day1.Add(24 * time.Hour)
	f.trader.SetNowFunc(func() time.Time { return day2 })
	f.trader.ProcessTick(ctx, "BTC-USDT")

	assert.Zero(t, f.trader.AccountState().DailyPnL)
	// Total balance keeps the realized loss.
	assert.Less(t, f.trader.AccountState().TotalBalance, 10_000.0)
}

func TestShutdownClosesOpenPositions(t *testing.T) {
	f := newFixture(t, testLimits(), buySignal("BTC-USDT", 2, 2))
	ctx := context.Background()

	f.ex.SetPrice("BTC-USDT", 100)
	f.trader.ProcessTick(ctx, "BTC-USDT")
	_, open := f.tracker.Get("BTC-USDT")
	require.True(t, open)

	f.trader.Shutdown(ctx)

	_, open = f.tracker.Get("BTC-USDT")
	assert.False(t, open)
	assert.Len(t, f.tracker.RecentTrades(0), 1)
}
