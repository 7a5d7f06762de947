// Package exchange
package exchange

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/amirphl/scalp-trader/internal/order"
)

// Ticker is a snapshot of the current market price for a symbol. Fields that
// the venue did not report are left zero and skipped by ReferencePrice.
type Ticker struct {
	Symbol    string
	Last      float64
	Close     float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// ReferencePrice extracts a usable pre-trade reference price, trying last,
// close, bid, ask in that order. Non-finite and non-positive candidates are
// rejected. Returns false when no candidate is usable.
func (t Ticker) ReferencePrice() (float64, bool) {
	for _, p := range []float64{t.Last, t.Close, t.Bid, t.Ask} {
		if p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			return p, true
		}
	}
	return 0, false
}

// Balance is the per-asset account balance.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

// Exchange is the interface for all supported exchanges. All methods are
// blocking I/O and honor context cancellation.
type Exchange interface {
	Name() string
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchBalances(ctx context.Context) (map[string]Balance, error)
	SubmitOrder(ctx context.Context, req order.Request) (order.Result, error)
	GetOrderStatus(ctx context.Context, orderID string) (order.Result, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// SplitSymbol splits "ADA-USDT" into base "ADA" and quote "USDT". Symbols
// without a separator fall back to the last three characters as quote.
func SplitSymbol(symbol string) (base, quote string) {
	if i := strings.Index(symbol, "-"); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	if len(symbol) > 3 {
		return symbol[:len(symbol)-3], symbol[len(symbol)-3:]
	}
	return symbol, ""
}

// NormalizeSymbol converts "ADA-USDT" to the venue's compact "ADAUSDT" form.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}
