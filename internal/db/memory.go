package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/scalp-trader/internal/journal"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/position"
)

// Memory is the in-memory Storage implementation, used when no database is
// configured and in tests.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]order.Result
	trades []position.Trade
	events []journal.Event
}

func NewMemory() *Memory {
	return &Memory{orders: make(map[string]order.Result)}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) SaveOrder(ctx context.Context, o order.Result) error {
	if o.OrderID == "" {
		return fmt.Errorf("cannot save order without an order id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (order.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return order.Result{}, fmt.Errorf("order %s not found", orderID)
	}
	return o, nil
}

func (m *Memory) GetOpenOrders(ctx context.Context, symbol string) ([]order.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Result
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.Final() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) SaveTrade(ctx context.Context, t position.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *Memory) GetTrades(ctx context.Context, symbol string, start, end time.Time) ([]position.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []position.Trade
	for _, t := range m.trades {
		if t.Symbol != symbol {
			continue
		}
		if t.ExitTime.Before(start) || t.ExitTime.After(end) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
