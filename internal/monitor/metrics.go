// Package monitor exposes Prometheus metrics for the trading loop.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalp_orders_submitted_total",
			Help: "Orders submitted to the exchange",
		},
		[]string{"symbol", "side", "type"},
	)

	orderOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalp_order_outcomes_total",
			Help: "Order execution outcomes by kind",
		},
		[]string{"symbol", "outcome"},
	)

	marketFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalp_market_fallbacks_total",
			Help: "Limit orders that fell back to market execution",
		},
		[]string{"symbol"},
	)

	slippagePct = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scalp_slippage_pct",
			Help:    "Signed adverse slippage percentage per fill",
			Buckets: []float64{-0.5, -0.1, 0, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"symbol", "side"},
	)

	tradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalp_trades_closed_total",
			Help: "Realized trades by result",
		},
		[]string{"symbol", "result"},
	)

	realizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scalp_realized_pnl",
			Help: "Cumulative realized PnL in quote currency",
		},
		[]string{"symbol"},
	)

	unrealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scalp_unrealized_pnl",
			Help: "Unrealized PnL of the open position in quote currency",
		},
		[]string{"symbol"},
	)

	markPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scalp_mark_price",
			Help: "Last observed mark price",
		},
		[]string{"symbol"},
	)

	tradingHalts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalp_trading_halts_total",
			Help: "Risk halts by reason",
		},
		[]string{"reason"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scalp_errors_total",
			Help: "Errors by component",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(
		ordersSubmitted,
		orderOutcomes,
		marketFallbacks,
		slippagePct,
		tradesClosed,
		realizedPnL,
		unrealizedPnL,
		markPrice,
		tradingHalts,
		errorsTotal,
	)
}

func RecordOrderSubmitted(symbol, side, orderType string) {
	ordersSubmitted.WithLabelValues(symbol, side, orderType).Inc()
}

func RecordOrderOutcome(symbol, outcome string) {
	orderOutcomes.WithLabelValues(symbol, outcome).Inc()
}

func RecordMarketFallback(symbol string) {
	marketFallbacks.WithLabelValues(symbol).Inc()
}

func RecordSlippage(symbol, side string, pct float64) {
	slippagePct.WithLabelValues(symbol, side).Observe(pct)
}

func RecordTradeClosed(symbol string, pnl float64) {
	result := "win"
	if pnl < 0 {
		result = "loss"
	}
	tradesClosed.WithLabelValues(symbol, result).Inc()
}

func SetRealizedPnL(symbol string, pnl float64) {
	realizedPnL.WithLabelValues(symbol).Set(pnl)
}

func SetUnrealizedPnL(symbol string, pnl float64) {
	unrealizedPnL.WithLabelValues(symbol).Set(pnl)
}

func SetMarkPrice(symbol string, price float64) {
	markPrice.WithLabelValues(symbol).Set(price)
}

func RecordHalt(reason string) {
	tradingHalts.WithLabelValues(reason).Inc()
}

func RecordError(component string) {
	errorsTotal.WithLabelValues(component).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
