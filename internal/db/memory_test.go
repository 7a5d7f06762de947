package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/scalp-trader/internal/journal"
	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/position"
)

func TestMemoryOrders(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	t.Run("save and get", func(t *testing.T) {
		o := order.Result{OrderID: "o1", Symbol: "BTC-USDT", Side: order.SideBuy, Status: order.StatusOpen, Quantity: 1}
		require.NoError(t, m.SaveOrder(ctx, o))

		got, err := m.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, o, got)
	})

	t.Run("save updates in place", func(t *testing.T) {
		o := order.Result{OrderID: "o1", Symbol: "BTC-USDT", Status: order.StatusFilled, FilledQty: 1}
		require.NoError(t, m.SaveOrder(ctx, o))
		got, err := m.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, order.StatusFilled, got.Status)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		assert.Error(t, m.SaveOrder(ctx, order.Result{}))
	})

	t.Run("missing order", func(t *testing.T) {
		_, err := m.GetOrder(ctx, "nope")
		assert.Error(t, err)
	})

	t.Run("open orders excludes final states", func(t *testing.T) {
		require.NoError(t, m.SaveOrder(ctx, order.Result{OrderID: "o2", Symbol: "BTC-USDT", Status: order.StatusOpen}))
		require.NoError(t, m.SaveOrder(ctx, order.Result{OrderID: "o3", Symbol: "BTC-USDT", Status: order.StatusCanceled}))
		require.NoError(t, m.SaveOrder(ctx, order.Result{OrderID: "o4", Symbol: "ETH-USDT", Status: order.StatusOpen}))

		open, err := m.GetOpenOrders(ctx, "BTC-USDT")
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "o2", open[0].OrderID)
	})
}

func TestMemoryTrades(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.SaveTrade(ctx, position.Trade{
			Symbol:   "BTC-USDT",
			ExitTime: base.Add(time.Duration(i) * time.Hour),
			PnL:      float64(i),
		}))
	}
	require.NoError(t, m.SaveTrade(ctx, position.Trade{Symbol: "ETH-USDT", ExitTime: base}))

	trades, err := m.GetTrades(ctx, "BTC-USDT", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, 0.0, trades[0].PnL)
	assert.Equal(t, 1.0, trades[1].PnL)
}

func TestMemoryEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base, Type: "order", Description: "submitted"}))
	require.NoError(t, m.LogEvent(ctx, journal.Event{Time: base.Add(time.Minute), Type: "halt", Description: "daily loss"}))

	events, err := m.GetEvents(ctx, "halt", base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "daily loss", events[0].Description)

	events, err = m.GetEvents(ctx, "order", base.Add(time.Minute), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}
