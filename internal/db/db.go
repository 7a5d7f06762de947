// Package db
package db

import (
	"context"
	"time"

	"github.com/amirphl/scalp-trader/internal/journal"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/position"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	SaveOrder(ctx context.Context, o order.Result) error
	GetOrder(ctx context.Context, orderID string) (order.Result, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]order.Result, error)

	SaveTrade(ctx context.Context, t position.Trade) error
	GetTrades(ctx context.Context, symbol string, start, end time.Time) ([]position.Trade, error)

	journal.Journaler

	Close() error
}
