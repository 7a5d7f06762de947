package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/scalp-trader/internal/exchange"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/position"
)

// fakeClock advances instantly on Sleep so polling loops run without wall
// time.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

// fakeExchange scripts order lifecycles. While an order is not canceled,
// GetOrderStatus returns pending (or filled once fillAfterPolls status reads
// have happened); after CancelOrder it returns postCancel.
type fakeExchange struct {
	ticker    exchange.Ticker
	tickerErr error
	balances  map[string]exchange.Balance

	submits   []order.Request
	submitErr error

	pending        order.Result
	filled         order.Result
	postCancel     order.Result
	fillAfterPolls int

	statusCalls int
	canceled    []string
}

func newFakeExchange(price float64) *fakeExchange {
	return &fakeExchange{
		ticker: exchange.Ticker{Symbol: "BTC-USDT", Last: price},
		balances: map[string]exchange.Balance{
			"USDT": {Asset: "USDT", Free: 100_000, Total: 100_000},
			"BTC":  {Asset: "BTC", Free: 2, Total: 2},
		},
	}
}

func (f *fakeExchange) Name() string { return "fake" }

func (f *fakeExchange) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	if f.tickerErr != nil {
		return exchange.Ticker{}, f.tickerErr
	}
	return f.ticker, nil
}

func (f *fakeExchange) FetchBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	return f.balances, nil
}

func (f *fakeExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Result, error) {
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return order.Result{}, f.submitErr
	}
	res := f.pending
	res.OrderID = "ord-1"
	res.Symbol = req.Symbol
	res.Side = req.Side
	res.Type = req.Type
	res.Price = req.Price
	res.Quantity = req.Quantity
	if res.Status == "" {
		res.Status = order.StatusOpen
	}
	// Market orders fill immediately unless the test scripted otherwise.
	if req.Type == order.TypeMarket && f.fillAfterPolls == 0 && f.pending.Status == "" {
		res.Status = order.StatusFilled
		res.FilledQty = req.Quantity
		res.AvgPrice = f.ticker.Last
	}
	return res, nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, orderID string) (order.Result, error) {
	for _, id := range f.canceled {
		if id == orderID {
			res := f.postCancel
			res.OrderID = orderID
			return res, nil
		}
	}
	f.statusCalls++
	if f.fillAfterPolls > 0 && f.statusCalls >= f.fillAfterPolls {
		res := f.filled
		res.OrderID = orderID
		return res, nil
	}
	res := f.pending
	res.OrderID = orderID
	if res.Status == "" {
		res.Status = order.StatusOpen
	}
	return res, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}

func limitConfig() Config {
	cfg := DefaultConfig()
	cfg.OrderType = order.TypeLimit
	cfg.PricePrecision = 2
	return cfg
}

func TestLimitOrderFillsWhilePolling(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.fillAfterPolls = 3
	ex.filled = order.Result{
		Status:    order.StatusFilled,
		FilledQty: 0.5,
		AvgPrice:  49_950,
		Quantity:  0.5,
	}

	r := New(ex, limitConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)

	require.Equal(t, OutcomeExecuted, out.Kind)
	require.NotNil(t, out.Result)
	assert.Equal(t, 0.5, out.Result.FilledQty)

	require.Len(t, ex.submits, 1)
	req := ex.submits[0]
	assert.Equal(t, order.TypeLimit, req.Type)
	// Buy limit sits 0.1% inside the reference price.
	assert.InDelta(t, 49_950.0, req.Price, 1e-9)
	assert.Empty(t, ex.canceled)
}

func TestLimitOrderAnnotations(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.fillAfterPolls = 1
	ex.filled = order.Result{
		Status:    order.StatusFilled,
		FilledQty: 1.0,
		AvgPrice:  49_950,
		Quantity:  1.0,
	}

	r := New(ex, limitConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 1.0)

	require.Equal(t, OutcomeExecuted, out.Kind)
	// Fee on the filled notional at the default rate.
	assert.InDelta(t, 1.0*49_950*0.0005, out.Result.Fees, 1e-9)
	// Buying below the reference is favorable: negative slippage.
	assert.InDelta(t, -0.1, out.Result.SlippagePct, 1e-6)
}

func TestLimitTimeoutFallsBackToMarket(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.postCancel = order.Result{Status: order.StatusCanceled}

	clock := newFakeClock()
	r := New(ex, limitConfig(), clock)
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)

	require.Equal(t, OutcomeExecuted, out.Kind)
	require.Len(t, ex.canceled, 1)
	require.Len(t, ex.submits, 2)
	assert.Equal(t, order.TypeLimit, ex.submits[0].Type)
	assert.Equal(t, order.TypeMarket, ex.submits[1].Type)
	assert.Equal(t, 0.5, out.Result.FilledQty)
}

func TestLimitCancelRaceResolvedAsFill(t *testing.T) {
	ex := newFakeExchange(50_000)
	// The order filled between the last poll and the cancel.
	ex.postCancel = order.Result{
		Status:    order.StatusFilled,
		FilledQty: 0.5,
		AvgPrice:  49_950,
		Quantity:  0.5,
	}

	r := New(ex, limitConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)

	require.Equal(t, OutcomeExecuted, out.Kind)
	assert.Equal(t, 0.5, out.Result.FilledQty)
	// No market fallback after the race resolved as a fill.
	require.Len(t, ex.submits, 1)
}

func TestLimitTimeoutPartialFillReturnedAsIs(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.postCancel = order.Result{
		Status:    order.StatusCanceled,
		FilledQty: 0.2,
		AvgPrice:  49_950,
		Quantity:  0.5,
	}

	r := New(ex, limitConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)

	require.Equal(t, OutcomePartial, out.Kind)
	assert.Equal(t, 0.2, out.Result.FilledQty)
	require.Len(t, ex.submits, 1)
}

func TestPreferMakerRetriesBeforeFallback(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.postCancel = order.Result{Status: order.StatusCanceled}

	cfg := limitConfig()
	cfg.PreferMaker = true
	cfg.MakerMaxRetries = 2

	r := New(ex, cfg, newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)

	require.Equal(t, OutcomeExecuted, out.Kind)
	// Three limit attempts, then the market fallback.
	require.Len(t, ex.submits, 4)
	assert.Equal(t, order.TypeLimit, ex.submits[0].Type)
	assert.Equal(t, order.TypeLimit, ex.submits[1].Type)
	assert.Equal(t, order.TypeLimit, ex.submits[2].Type)
	assert.Equal(t, order.TypeMarket, ex.submits[3].Type)
}

func TestSellLimitPriceOffset(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.fillAfterPolls = 1
	ex.filled = order.Result{Status: order.StatusFilled, FilledQty: 1.0, AvgPrice: 50_050, Quantity: 1.0}

	r := New(ex, limitConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideSell, 1.0)

	require.Equal(t, OutcomeExecuted, out.Kind)
	require.Len(t, ex.submits, 1)
	assert.InDelta(t, 50_050.0, ex.submits[0].Price, 1e-9)
	// Selling above the reference is favorable.
	assert.InDelta(t, -0.1, out.Result.SlippagePct, 1e-6)
}

func marketConfig() Config {
	cfg := DefaultConfig()
	cfg.OrderType = order.TypeMarket
	return cfg
}

func TestMarketOrderExecutes(t *testing.T) {
	ex := newFakeExchange(50_000)
	r := New(ex, marketConfig(), newFakeClock())

	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)
	require.Equal(t, OutcomeExecuted, out.Kind)
	assert.Equal(t, 0.5, out.Result.FilledQty)
	assert.InDelta(t, 0.5*50_000*0.0005, out.Result.Fees, 1e-9)
}

func TestFullBalanceModeBypassesLimitFlow(t *testing.T) {
	ex := newFakeExchange(100)
	ex.balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 1_000, Total: 1_000}

	// Limit config, but size <= 0 must still go straight to market.
	r := New(ex, limitConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0)

	require.Equal(t, OutcomeExecuted, out.Kind)
	require.Len(t, ex.submits, 1)
	assert.Equal(t, order.TypeMarket, ex.submits[0].Type)
	assert.InDelta(t, 9.5, ex.submits[0].Quantity, 1e-9)
}

func TestMarketFullBalanceBuy(t *testing.T) {
	ex := newFakeExchange(100)
	ex.balances["USDT"] = exchange.Balance{Asset: "USDT", Free: 1_000, Total: 1_000}

	r := New(ex, marketConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0)

	require.Equal(t, OutcomeExecuted, out.Kind)
	require.Len(t, ex.submits, 1)
	// 95% of the free quote balance at the reference price.
	assert.InDelta(t, 9.5, ex.submits[0].Quantity, 1e-9)
}

func TestMarketFullBalanceSellUsesHoldings(t *testing.T) {
	ex := newFakeExchange(100)
	ex.balances["BTC"] = exchange.Balance{Asset: "BTC", Free: 0, Total: 1.25}

	r := New(ex, marketConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideSell, 0)

	require.Equal(t, OutcomeExecuted, out.Kind)
	require.Len(t, ex.submits, 1)
	assert.InDelta(t, 1.25, ex.submits[0].Quantity, 1e-9)
}

func TestMarketInsufficientBalance(t *testing.T) {
	ex := newFakeExchange(100)
	ex.balances["USDT"] = exchange.Balance{Asset: "USDT"}

	r := New(ex, marketConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0)

	assert.Equal(t, OutcomeInsufficientBalance, out.Kind)
	assert.Empty(t, ex.submits)
}

func TestMarketUnfilledAfterPollingIsNoFill(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.pending = order.Result{Status: order.StatusOpen}
	ex.postCancel = order.Result{Status: order.StatusCanceled}

	clock := newFakeClock()
	r := New(ex, marketConfig(), clock)
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)

	assert.Equal(t, OutcomeNoFill, out.Kind)
	require.Len(t, ex.canceled, 1)
	// Ten poll sleeps at the default interval.
	assert.Len(t, clock.sleeps, 10)
}

func TestInvalidReferencePrice(t *testing.T) {
	ex := newFakeExchange(0)
	r := New(ex, marketConfig(), newFakeClock())

	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)
	assert.Equal(t, OutcomeInvalidPrice, out.Kind)
	assert.Empty(t, ex.submits)
}

func TestTickerFailure(t *testing.T) {
	ex := newFakeExchange(50_000)
	ex.tickerErr = errors.New("venue down")

	r := New(ex, marketConfig(), newFakeClock())
	out := r.ExecuteSignal(context.Background(), "BTC-USDT", order.SideBuy, 0.5)

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.ErrorContains(t, out.Err, "venue down")
}

func TestClosePositionSizedFromHoldings(t *testing.T) {
	ex := newFakeExchange(110)
	// Tracked size is 1.0 but only 0.8 remains on the exchange.
	ex.balances["BTC"] = exchange.Balance{Asset: "BTC", Free: 0.8, Total: 0.8}

	r := New(ex, marketConfig(), newFakeClock())
	pos := position.Position{Symbol: "BTC-USDT", Side: order.SideBuy, Size: 1.0, EntryPrice: 100}
	out := r.ClosePosition(context.Background(), pos)

	require.Equal(t, OutcomeExecuted, out.Kind)
	require.Len(t, ex.submits, 1)
	assert.Equal(t, order.SideSell, ex.submits[0].Side)
	assert.Equal(t, order.TypeMarket, ex.submits[0].Type)
	assert.InDelta(t, 0.8, ex.submits[0].Quantity, 1e-9)
}

func TestClosePositionNoHoldings(t *testing.T) {
	ex := newFakeExchange(110)
	ex.balances["BTC"] = exchange.Balance{Asset: "BTC"}

	r := New(ex, marketConfig(), newFakeClock())
	pos := position.Position{Symbol: "BTC-USDT", Side: order.SideBuy, Size: 1.0, EntryPrice: 100}
	out := r.ClosePosition(context.Background(), pos)

	assert.Equal(t, OutcomeInsufficientBalance, out.Kind)
}

func TestRoundToPrecision(t *testing.T) {
	assert.InDelta(t, 1.234567, roundToPrecision(1.23456789, 6), 1e-12)
	assert.InDelta(t, 50_000.0, roundToPrecision(50_000.4, 0), 1e-12)
	assert.Zero(t, roundToPrecision(0.0000001, 6))
}

func TestConfigSanitize(t *testing.T) {
	cfg := Config{}.Sanitize()
	assert.Equal(t, order.TypeLimit, cfg.OrderType)
	assert.Equal(t, 30*time.Second, cfg.LimitOrderTimeout)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MarketPollAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.MarketPollInterval)
	assert.Equal(t, 0.95, cfg.BalanceSafetyMargin)

	cfg = Config{BalanceSafetyMargin: 1.5}.Sanitize()
	assert.Equal(t, 0.95, cfg.BalanceSafetyMargin)
}
