// Package order
package order

import (
	"math"
	"time"
)

// Side is the order side: buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side used to unwind a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Type is the order type: limit or market.
type Type string

const (
	TypeLimit  Type = "limit"
	TypeMarket Type = "market"
)

// Status is the exchange-reported order status, normalized to uppercase.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusExpired         Status = "EXPIRED"
	StatusRejected        Status = "REJECTED"
)

// Final reports whether the exchange will no longer change this order.
func (s Status) Final() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Request represents a new order to be submitted.
type Request struct {
	Symbol   string
	Side     Side
	Type     Type
	Price    float64 // reference price; required for limit orders
	Quantity float64
}

// Result represents the normalized response from the exchange, plus the
// slippage/fee annotations the router attaches after the fill. Annotations
// are for accounting and alerting only; they never alter the fill price.
type Result struct {
	OrderID   string
	Status    Status
	FilledQty float64
	AvgPrice  float64
	Timestamp time.Time
	UpdatedAt time.Time

	Symbol   string
	Side     Side
	Type     Type
	Price    float64
	Quantity float64

	// Post-fill annotations (router-attached).
	Fees        float64
	SlippagePct float64
}

// FillPrice extracts the achieved execution price, trying the average price
// first and the submitted/last price second. Non-finite or non-positive
// candidates are rejected. The second return is false when no usable price
// exists.
func (r Result) FillPrice() (float64, bool) {
	for _, p := range []float64{r.AvgPrice, r.Price} {
		if p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0) {
			return p, true
		}
	}
	return 0, false
}
