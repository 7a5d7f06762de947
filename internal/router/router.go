// Package router turns trade decisions into exchange orders. It owns the
// limit/market execution flows, fill polling, cancel-race resolution, market
// fallback, and the slippage/fee annotations attached to every fill.
package router

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/amirphl/scalp-trader/internal/exchange"
	"github.com/amirphl/scalp-trader/internal/monitor"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/position"
	"github.com/amirphl/scalp-trader/internal/utils"
)

// Price improvement applied to limit orders relative to the reference price.
const (
	buyLimitOffset  = 0.999
	sellLimitOffset = 1.001
)

// Config holds the execution parameters. Zero values are replaced by
// defaults in Sanitize.
type Config struct {
	OrderType          order.Type    `yaml:"order_type" json:"order_type"`
	LimitOrderTimeout  time.Duration `yaml:"limit_order_timeout" json:"limit_order_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MarketPollAttempts int           `yaml:"market_poll_attempts" json:"market_poll_attempts"`
	MarketPollInterval time.Duration `yaml:"market_poll_interval" json:"market_poll_interval"`
	MaxSlippagePct     float64       `yaml:"max_slippage_pct" json:"max_slippage_pct"`
	FeeRate            float64       `yaml:"fee_rate" json:"fee_rate"`

	// PreferMaker retries the limit flow before falling back to market.
	PreferMaker     bool          `yaml:"prefer_maker" json:"prefer_maker"`
	MakerMaxRetries int           `yaml:"maker_max_retries" json:"maker_max_retries"`
	MakerRetryDelay time.Duration `yaml:"maker_retry_delay" json:"maker_retry_delay"`

	// BalanceSafetyMargin discounts the free quote balance in full-balance
	// buys so fees and price movement cannot overdraw the account.
	BalanceSafetyMargin float64 `yaml:"balance_safety_margin" json:"balance_safety_margin"`

	AmountPrecision int `yaml:"amount_precision" json:"amount_precision"`
	PricePrecision  int `yaml:"price_precision" json:"price_precision"`
}

func DefaultConfig() Config {
	return Config{
		OrderType:           order.TypeLimit,
		LimitOrderTimeout:   30 * time.Second,
		PollInterval:        time.Second,
		MarketPollAttempts:  10,
		MarketPollInterval:  500 * time.Millisecond,
		MaxSlippagePct:      0.5,
		FeeRate:             0.0005,
		MakerMaxRetries:     1,
		MakerRetryDelay:     3 * time.Second,
		BalanceSafetyMargin: 0.95,
		AmountPrecision:     6,
	}
}

func (c Config) Sanitize() Config {
	def := DefaultConfig()
	if c.OrderType != order.TypeLimit && c.OrderType != order.TypeMarket {
		c.OrderType = def.OrderType
	}
	if c.LimitOrderTimeout <= 0 {
		c.LimitOrderTimeout = def.LimitOrderTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MarketPollAttempts <= 0 {
		c.MarketPollAttempts = def.MarketPollAttempts
	}
	if c.MarketPollInterval <= 0 {
		c.MarketPollInterval = def.MarketPollInterval
	}
	if c.MaxSlippagePct <= 0 {
		c.MaxSlippagePct = def.MaxSlippagePct
	}
	if c.FeeRate < 0 {
		c.FeeRate = def.FeeRate
	}
	if c.MakerMaxRetries < 0 {
		c.MakerMaxRetries = 0
	}
	if c.MakerRetryDelay <= 0 {
		c.MakerRetryDelay = def.MakerRetryDelay
	}
	if c.BalanceSafetyMargin <= 0 || c.BalanceSafetyMargin > 1 {
		c.BalanceSafetyMargin = def.BalanceSafetyMargin
	}
	if c.AmountPrecision < 0 {
		c.AmountPrecision = def.AmountPrecision
	}
	if c.PricePrecision < 0 {
		c.PricePrecision = 0
	}
	return c
}

// OutcomeKind tags the result of an execution attempt.
type OutcomeKind string

const (
	OutcomeExecuted            OutcomeKind = "executed"
	OutcomePartial             OutcomeKind = "partial"
	OutcomeNoFill              OutcomeKind = "no_fill"
	OutcomeInvalidPrice        OutcomeKind = "invalid_price"
	OutcomeInsufficientBalance OutcomeKind = "insufficient_balance"
	OutcomeFailed              OutcomeKind = "failed"
)

// Outcome is the result of one ExecuteSignal or ClosePosition call. Result
// is set for Executed and Partial; Err only for Failed.
type Outcome struct {
	Kind   OutcomeKind
	Result *order.Result
	Reason string
	Err    error
}

// Filled reports whether any quantity was executed.
func (o Outcome) Filled() bool {
	return o.Result != nil && o.Result.FilledQty > 0
}

func executed(res order.Result) Outcome { return Outcome{Kind: OutcomeExecuted, Result: &res} }
func partial(res order.Result) Outcome  { return Outcome{Kind: OutcomePartial, Result: &res} }
func noFill(reason string) Outcome      { return Outcome{Kind: OutcomeNoFill, Reason: reason} }
func invalidPrice(reason string) Outcome {
	return Outcome{Kind: OutcomeInvalidPrice, Reason: reason}
}
func insufficientBalance(reason string) Outcome {
	return Outcome{Kind: OutcomeInsufficientBalance, Reason: reason}
}
func failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

// Router executes signals against an exchange.
type Router struct {
	ex    exchange.Exchange
	cfg   Config
	clock Clock
}

func New(ex exchange.Exchange, cfg Config, clock Clock) *Router {
	if clock == nil {
		clock = RealClock()
	}
	return &Router{ex: ex, cfg: cfg.Sanitize(), clock: clock}
}

// ExecuteSignal executes a trade of size units on symbol. size <= 0 enables
// full-balance mode: buys spend the available quote balance (discounted by
// the safety margin), sells liquidate the base holding. The configured order
// type picks the limit or market flow; a limit order that expires unfilled
// falls back to a market order.
func (r *Router) ExecuteSignal(ctx context.Context, symbol string, side order.Side, size float64) Outcome {
	if !side.Valid() {
		return failed(fmt.Errorf("invalid side %q", side))
	}

	ticker, err := r.ex.FetchTicker(ctx, symbol)
	if err != nil {
		monitor.RecordError("router")
		return failed(fmt.Errorf("fetch ticker: %w", err))
	}
	ref, ok := ticker.ReferencePrice()
	if !ok {
		return invalidPrice(fmt.Sprintf("no usable reference price for %s", symbol))
	}

	// Full-balance mode always goes straight to market: the limit flow's
	// price offset would leave dust behind on the quote side.
	var out Outcome
	if size <= 0 || r.cfg.OrderType == order.TypeMarket {
		out = r.executeMarketOrder(ctx, symbol, side, size, ref)
	} else {
		out = r.executeLimitFlow(ctx, symbol, side, size, ref)
	}
	monitor.RecordOrderOutcome(symbol, string(out.Kind))
	return out
}

// executeLimitFlow runs the limit attempt (with maker retries when
// configured) and falls back to market execution when nothing fills.
func (r *Router) executeLimitFlow(ctx context.Context, symbol string, side order.Side, size, ref float64) Outcome {
	attempts := 1
	if r.cfg.PreferMaker {
		attempts += r.cfg.MakerMaxRetries
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		out := r.executeLimitOrder(ctx, symbol, side, size, ref)
		if out.Kind != OutcomeNoFill {
			return out
		}
		if attempt < attempts {
			utils.GetLogger().Printf("OrderRouter | [%s] Limit attempt %d/%d unfilled, retrying", symbol, attempt, attempts)
			if err := r.clock.Sleep(ctx, r.cfg.MakerRetryDelay); err != nil {
				return failed(err)
			}
			// Refresh the reference so the retry prices off the current book.
			if ticker, err := r.ex.FetchTicker(ctx, symbol); err == nil {
				if p, ok := ticker.ReferencePrice(); ok {
					ref = p
				}
			}
		}
	}

	utils.GetLogger().Printf("OrderRouter | [%s] Limit order unfilled, falling back to market", symbol)
	monitor.RecordMarketFallback(symbol)
	return r.executeMarketOrder(ctx, symbol, side, size, ref)
}

// executeLimitOrder submits a single limit order slightly inside the
// reference price, polls until filled or timed out, and on timeout cancels
// and re-reads once to resolve the cancel/fill race.
func (r *Router) executeLimitOrder(ctx context.Context, symbol string, side order.Side, size, ref float64) Outcome {
	offset := buyLimitOffset
	if side == order.SideSell {
		offset = sellLimitOffset
	}
	price := roundPrice(ref*offset, r.cfg.PricePrecision)
	if price <= 0 {
		return invalidPrice(fmt.Sprintf("limit price rounded to zero for %s (ref=%.8f)", symbol, ref))
	}

	qty, out := r.resolveQuantity(ctx, symbol, side, size, price)
	if out != nil {
		return *out
	}

	req := order.Request{Symbol: symbol, Side: side, Type: order.TypeLimit, Price: price, Quantity: qty}
	monitor.RecordOrderSubmitted(symbol, string(side), string(order.TypeLimit))
	res, err := r.ex.SubmitOrder(ctx, req)
	if err != nil {
		monitor.RecordError("router")
		return failed(fmt.Errorf("submit limit order: %w", err))
	}
	utils.GetLogger().Printf("OrderRouter | [%s] Limit %s %.8f @ %.8f submitted (order %s)", symbol, side, qty, price, res.OrderID)

	deadline := r.clock.Now().Add(r.cfg.LimitOrderTimeout)
	for !res.Status.Final() && r.clock.Now().Before(deadline) {
		if err := r.clock.Sleep(ctx, r.cfg.PollInterval); err != nil {
			return failed(err)
		}
		res, err = r.ex.GetOrderStatus(ctx, res.OrderID)
		if err != nil {
			monitor.RecordError("router")
			return failed(fmt.Errorf("poll limit order: %w", err))
		}
	}

	if !res.Status.Final() {
		if err := r.ex.CancelOrder(ctx, res.OrderID); err != nil {
			utils.GetLogger().Printf("OrderRouter | [%s] Cancel of order %s failed: %v", symbol, res.OrderID, err)
		}
		// The order may have filled between the last poll and the cancel.
		// One re-read settles what actually executed.
		if final, err := r.ex.GetOrderStatus(ctx, res.OrderID); err == nil {
			res = final
		}
	}

	return r.settleOutcome(symbol, side, ref, res, "limit order expired unfilled")
}

// executeMarketOrder submits a market order and polls a bounded number of
// times for the fill.
func (r *Router) executeMarketOrder(ctx context.Context, symbol string, side order.Side, size, ref float64) Outcome {
	qty, out := r.resolveQuantity(ctx, symbol, side, size, ref)
	if out != nil {
		return *out
	}

	req := order.Request{Symbol: symbol, Side: side, Type: order.TypeMarket, Price: ref, Quantity: qty}
	monitor.RecordOrderSubmitted(symbol, string(side), string(order.TypeMarket))
	res, err := r.ex.SubmitOrder(ctx, req)
	if err != nil {
		monitor.RecordError("router")
		return failed(fmt.Errorf("submit market order: %w", err))
	}
	utils.GetLogger().Printf("OrderRouter | [%s] Market %s %.8f submitted (order %s)", symbol, side, qty, res.OrderID)

	for attempt := 0; attempt < r.cfg.MarketPollAttempts && !res.Status.Final(); attempt++ {
		if err := r.clock.Sleep(ctx, r.cfg.MarketPollInterval); err != nil {
			return failed(err)
		}
		res, err = r.ex.GetOrderStatus(ctx, res.OrderID)
		if err != nil {
			monitor.RecordError("router")
			return failed(fmt.Errorf("poll market order: %w", err))
		}
	}

	if !res.Status.Final() {
		if err := r.ex.CancelOrder(ctx, res.OrderID); err != nil {
			utils.GetLogger().Printf("OrderRouter | [%s] Cancel of order %s failed: %v", symbol, res.OrderID, err)
		}
		if final, err := r.ex.GetOrderStatus(ctx, res.OrderID); err == nil {
			res = final
		}
	}

	return r.settleOutcome(symbol, side, ref, res, "market order unfilled after polling")
}

// settleOutcome classifies the final order state and attaches annotations.
func (r *Router) settleOutcome(symbol string, side order.Side, ref float64, res order.Result, noFillReason string) Outcome {
	switch {
	case res.FilledQty <= 0:
		return noFill(noFillReason)
	case res.FilledQty < res.Quantity && res.Status != order.StatusFilled:
		r.annotate(&res, side, ref)
		utils.GetLogger().Printf("OrderRouter | [%s] Partial fill %.8f/%.8f", symbol, res.FilledQty, res.Quantity)
		return partial(res)
	default:
		r.annotate(&res, side, ref)
		return executed(res)
	}
}

// annotate attaches the fee estimate and signed adverse slippage to a fill.
// Annotations are accounting only; they never change the fill itself.
func (r *Router) annotate(res *order.Result, side order.Side, ref float64) {
	fill, ok := res.FillPrice()
	if !ok || ref <= 0 {
		return
	}

	// Keep fees the exchange already reported.
	if res.Fees == 0 {
		res.Fees = res.FilledQty * fill * r.cfg.FeeRate
	}

	slip := (fill - ref) / ref * 100
	if side == order.SideSell {
		slip = -slip
	}
	res.SlippagePct = slip
	monitor.RecordSlippage(res.Symbol, string(side), slip)
	if slip > r.cfg.MaxSlippagePct {
		utils.GetLogger().Printf("OrderRouter | [%s] Slippage %.4f%% exceeds limit %.4f%%", res.Symbol, slip, r.cfg.MaxSlippagePct)
	}
}

// resolveQuantity turns the requested size into an order quantity. size <= 0
// triggers full-balance mode. A non-nil Outcome aborts the flow.
func (r *Router) resolveQuantity(ctx context.Context, symbol string, side order.Side, size, price float64) (float64, *Outcome) {
	if size > 0 {
		qty := roundToPrecision(size, r.cfg.AmountPrecision)
		if qty <= 0 {
			out := invalidPrice(fmt.Sprintf("size %.12f rounds to zero at precision %d", size, r.cfg.AmountPrecision))
			return 0, &out
		}
		return qty, nil
	}

	balances, err := r.ex.FetchBalances(ctx)
	if err != nil {
		monitor.RecordError("router")
		out := failed(fmt.Errorf("fetch balances: %w", err))
		return 0, &out
	}
	base, quote := exchange.SplitSymbol(symbol)

	var qty float64
	if side == order.SideBuy {
		free := balances[quote].Free
		if free <= 0 || price <= 0 {
			out := insufficientBalance(fmt.Sprintf("no free %s balance to buy %s", quote, symbol))
			return 0, &out
		}
		qty = free * r.cfg.BalanceSafetyMargin / price
	} else {
		b := balances[base]
		qty = b.Total
		if qty <= 0 {
			qty = b.Free
		}
		if qty <= 0 {
			out := insufficientBalance(fmt.Sprintf("no %s balance to sell", base))
			return 0, &out
		}
	}

	qty = roundToPrecision(qty, r.cfg.AmountPrecision)
	if qty <= 0 {
		out := insufficientBalance(fmt.Sprintf("full-balance quantity rounds to zero for %s", symbol))
		return 0, &out
	}
	return qty, nil
}

// ClosePosition unwinds an open position with a market order on the opposite
// side. The close is sized from the actual exchange holdings, not the
// tracked size, so dust and external transfers cannot cause overselling.
func (r *Router) ClosePosition(ctx context.Context, pos position.Position) Outcome {
	side := pos.Side.Opposite()

	ticker, err := r.ex.FetchTicker(ctx, pos.Symbol)
	if err != nil {
		monitor.RecordError("router")
		return failed(fmt.Errorf("fetch ticker: %w", err))
	}
	ref, ok := ticker.ReferencePrice()
	if !ok {
		return invalidPrice(fmt.Sprintf("no usable reference price for %s", pos.Symbol))
	}

	size := pos.Size
	if side == order.SideSell {
		balances, err := r.ex.FetchBalances(ctx)
		if err != nil {
			monitor.RecordError("router")
			return failed(fmt.Errorf("fetch balances: %w", err))
		}
		base, _ := exchange.SplitSymbol(pos.Symbol)
		avail := balances[base].Total
		if avail <= 0 {
			avail = balances[base].Free
		}
		if avail <= 0 {
			return insufficientBalance(fmt.Sprintf("no %s holdings to close position", base))
		}
		if avail < size {
			utils.GetLogger().Printf("OrderRouter | [%s] Tracked size %.8f exceeds holdings %.8f, closing holdings", pos.Symbol, size, avail)
			size = avail
		}
	}

	out := r.executeMarketOrder(ctx, pos.Symbol, side, size, ref)
	monitor.RecordOrderOutcome(pos.Symbol, string(out.Kind))
	return out
}

// roundToPrecision truncates v to the given number of decimal places.
// Truncation, not rounding, so order quantities never exceed the balance.
func roundToPrecision(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	scale := math.Pow(10, float64(decimals))
	return math.Trunc(v*scale) / scale
}

// roundPrice rounds v to the given number of decimal places. Prices round to
// the nearest tick; only quantities truncate.
func roundPrice(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
