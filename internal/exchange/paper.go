// Package exchange
package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/utils"
)

// PaperExchange is an in-memory dry-run exchange. It keeps a per-asset
// balance ledger, fills market orders immediately at the current price, and
// lets tests script limit-order behavior (immediate, partial, or no fill)
// without any network I/O.
type PaperExchange struct {
	mu       sync.Mutex
	prices   map[string]float64
	balances map[string]Balance
	orders   map[string]order.Result
	counter  int64

	// FillLimitOrders makes limit orders fill immediately at the limit
	// price. When false, limit orders stay OPEN until canceled.
	FillLimitOrders bool

	// LimitFillFraction, when in (0,1), partially fills limit orders and
	// leaves them OPEN so cancellation returns a partial result.
	LimitFillFraction float64

	// drift, when positive, applies a random walk to prices on each
	// ticker read so dry runs see moving markets.
	drift float64
	rng   *rand.Rand
}

// NewPaperExchange seeds the ledger with initialQuote units of each quote
// asset appearing in symbols (and zero of each base asset).
func NewPaperExchange(initialQuote float64, symbols ...string) *PaperExchange {
	p := &PaperExchange{
		prices:          make(map[string]float64),
		balances:        make(map[string]Balance),
		orders:          make(map[string]order.Result),
		counter:         1000,
		FillLimitOrders: true,
	}
	for _, sym := range symbols {
		base, quote := SplitSymbol(sym)
		p.setBalance(base, 0)
		p.setBalance(quote, initialQuote)
	}
	return p
}

func (p *PaperExchange) Name() string { return "paper" }

// SetPrice sets the deterministic mark price used for tickers and fills.
func (p *PaperExchange) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
}

// EnableDrift turns on a seeded random walk with the given per-tick
// volatility (e.g. 0.002 for 0.2%).
func (p *PaperExchange) EnableDrift(volatility float64, seed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drift = volatility
	p.rng = rand.New(rand.NewSource(seed))
}

// SetBalance overrides the ledger entry for an asset.
func (p *PaperExchange) SetBalance(asset string, free float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setBalance(asset, free)
}

func (p *PaperExchange) setBalance(asset string, free float64) {
	p.balances[asset] = Balance{Asset: asset, Free: free, Total: free}
}

func (p *PaperExchange) credit(asset string, amount float64) {
	b := p.balances[asset]
	b.Asset = asset
	b.Free += amount
	b.Total = b.Free + b.Locked
	p.balances[asset] = b
}

func (p *PaperExchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return Ticker{}, fmt.Errorf("paper exchange: no price set for %s", symbol)
	}
	if p.drift > 0 && p.rng != nil {
		price *= 1 + p.drift*(p.rng.Float64()*2-1)
		p.prices[symbol] = price
	}
	return Ticker{Symbol: symbol, Last: price, Timestamp: time.Now().UTC()}, nil
}

func (p *PaperExchange) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Balance, len(p.balances))
	for asset, b := range p.balances {
		out[asset] = b
	}
	return out, nil
}

func (p *PaperExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Result, error) {
	if err := ctx.Err(); err != nil {
		return order.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Quantity <= 0 {
		return order.Result{}, fmt.Errorf("paper exchange: non-positive quantity %.8f", req.Quantity)
	}

	fillPrice := req.Price
	if req.Type == order.TypeMarket || fillPrice <= 0 {
		fillPrice = p.prices[req.Symbol]
	}
	if fillPrice <= 0 {
		return order.Result{}, fmt.Errorf("paper exchange: no price for %s", req.Symbol)
	}

	p.counter++
	now := time.Now().UTC()
	res := order.Result{
		OrderID:   fmt.Sprintf("paper-%d", p.counter),
		Status:    order.StatusOpen,
		Timestamp: now,
		UpdatedAt: now,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
	}

	fillQty := req.Quantity
	switch {
	case req.Type == order.TypeMarket || p.FillLimitOrders:
		res.Status = order.StatusFilled
	case p.LimitFillFraction > 0 && p.LimitFillFraction < 1:
		fillQty = req.Quantity * p.LimitFillFraction
	default:
		fillQty = 0
	}

	if fillQty > 0 {
		if err := p.settle(req, fillQty, fillPrice); err != nil {
			return order.Result{}, err
		}
		res.FilledQty = fillQty
		res.AvgPrice = fillPrice
	}

	p.orders[res.OrderID] = res
	utils.GetLogger().Printf("PaperExchange | Order %s: %s %s %.8f %s @ %.8f (filled=%.8f)",
		res.OrderID, res.Side, res.Type, req.Quantity, req.Symbol, fillPrice, res.FilledQty)
	return res, nil
}

// settle moves balances for a fill.
func (p *PaperExchange) settle(req order.Request, qty, price float64) error {
	base, quote := SplitSymbol(req.Symbol)
	if req.Side == order.SideBuy {
		cost := qty * price
		if p.balances[quote].Free < cost {
			return fmt.Errorf("paper exchange: insufficient %s balance: have %.8f, need %.8f",
				quote, p.balances[quote].Free, cost)
		}
		p.credit(quote, -cost)
		p.credit(base, qty)
		return nil
	}
	if p.balances[base].Free < qty {
		return fmt.Errorf("paper exchange: insufficient %s balance: have %.8f, need %.8f",
			base, p.balances[base].Free, qty)
	}
	p.credit(base, -qty)
	p.credit(quote, qty*price)
	return nil
}

func (p *PaperExchange) GetOrderStatus(ctx context.Context, orderID string) (order.Result, error) {
	if err := ctx.Err(); err != nil {
		return order.Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.orders[orderID]
	if !ok {
		return order.Result{}, fmt.Errorf("paper exchange: unknown order %s", orderID)
	}
	return res, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	res, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper exchange: unknown order %s", orderID)
	}
	if !res.Status.Final() {
		res.Status = order.StatusCanceled
		res.UpdatedAt = time.Now().UTC()
		p.orders[orderID] = res
	}
	return nil
}
