// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	wallex "github.com/wallexchange/wallex-go"
	"golang.org/x/time/rate"

	"github.com/amirphl/scalp-trader/internal/order"
	"github.com/amirphl/scalp-trader/internal/utils"
)

// WallexExchange is the live Exchange implementation backed by the Wallex
// REST API. Every call goes through a shared rate limiter and a circuit
// breaker so a misbehaving venue cannot be hammered by polling loops.
type WallexExchange struct {
	client  *wallex.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewWallexExchange(apiKey string) *WallexExchange {
	settings := gobreaker.Settings{Name: "wallex"}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	settings.Timeout = 30 * time.Second

	return &WallexExchange{
		client:  wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (w *WallexExchange) Name() string { return "wallex" }

// call applies rate limiting and the circuit breaker to a REST operation.
func (w *WallexExchange) call(ctx context.Context, op string, fn func() error) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := w.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// retry wraps a function with retry logic for transient errors, using
// exponential backoff and error logging.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		utils.GetLogger().Printf("Exchange | Wallex retry attempt %d/%d failed: %v. Backing off for %v", i, attempts, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
			if backoff > time.Minute {
				backoff = time.Minute
			}
		}
	}
	return errors.New("all retry attempts failed")
}

// FetchTicker reads market stats for the symbol and maps them onto a Ticker.
func (w *WallexExchange) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var markets []*wallex.Market
	err := retry(ctx, 3, 2*time.Second, func() error {
		return w.call(ctx, "markets", func() error {
			var err error
			markets, err = w.client.Markets()
			return err
		})
	})
	if err != nil {
		return Ticker{}, fmt.Errorf("FetchTicker failed: %w", err)
	}

	normalized := NormalizeSymbol(symbol)
	for _, m := range markets {
		if NormalizeSymbol(m.Symbol) != normalized {
			continue
		}
		return Ticker{
			Symbol:    symbol,
			Last:      parseNumber(m.Stats.LastPrice),
			Bid:       parseNumber(m.Stats.BidPrice),
			Ask:       parseNumber(m.Stats.AskPrice),
			Timestamp: time.Now().UTC(),
		}, nil
	}
	return Ticker{}, fmt.Errorf("no market stats for symbol %s", symbol)
}

// FetchBalances retrieves the current balance of all assets.
func (w *WallexExchange) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	var wallexBalances map[string]*wallex.Balance
	err := retry(ctx, 3, 2*time.Second, func() error {
		return w.call(ctx, "balances", func() error {
			var err error
			wallexBalances, err = w.client.Balances()
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("FetchBalances failed: %w", err)
	}

	balances := make(map[string]Balance, len(wallexBalances))
	for asset, wb := range wallexBalances {
		free := parseNumber(wb.Value)
		locked := parseNumber(wb.Locked)
		balances[strings.ToUpper(asset)] = Balance{
			Asset:  strings.ToUpper(asset),
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		}
	}
	return balances, nil
}

func (w *WallexExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Result, error) {
	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(req.Symbol),
		Type:     strings.ToUpper(string(req.Type)),
		Side:     strings.ToUpper(string(req.Side)),
		Price:    wallex.Number(strconv.FormatFloat(req.Price, 'f', 8, 64)),
		Quantity: wallex.Number(strconv.FormatFloat(req.Quantity, 'f', 8, 64)),
	}

	var resp *wallex.Order
	err := w.call(ctx, "place order", func() error {
		var err error
		resp, err = w.client.PlaceOrder(params)
		return err
	})
	if err != nil {
		return order.Result{}, err
	}

	return order.Result{
		OrderID:   resp.ClientOrderID,
		Status:    order.Status(strings.ToUpper(resp.Status)),
		FilledQty: parseNumberPtr(resp.ExecutedQty),
		AvgPrice:  parseNumberPtr(resp.ExecutedPrice),
		Timestamp: resp.CreatedAt.UTC(),
		UpdatedAt: resp.CreatedAt.UTC(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
	}, nil
}

func (w *WallexExchange) GetOrderStatus(ctx context.Context, orderID string) (order.Result, error) {
	var resp *wallex.Order
	err := w.call(ctx, "fetch order", func() error {
		var err error
		resp, err = w.client.Order(orderID)
		return err
	})
	if err != nil {
		return order.Result{}, err
	}

	return order.Result{
		OrderID:   resp.ClientOrderID,
		Status:    order.Status(strings.ToUpper(resp.Status)),
		FilledQty: parseNumberPtr(resp.ExecutedQty),
		AvgPrice:  parseNumberPtr(resp.ExecutedPrice),
		Timestamp: resp.CreatedAt.UTC(),
		UpdatedAt: resp.CreatedAt.UTC(),
		Symbol:    denormalizeSymbol(resp.Symbol),
		Side:      order.Side(strings.ToLower(resp.Side)),
		Type:      order.Type(strings.ToLower(resp.Type)),
		Price:     parseNumber(resp.Price),
		Quantity:  parseNumber(resp.OrigQty),
	}, nil
}

func (w *WallexExchange) CancelOrder(ctx context.Context, orderID string) error {
	return w.call(ctx, "cancel order", func() error {
		return w.client.CancelOrder(orderID)
	})
}

// denormalizeSymbol converts the venue's compact "ADAUSDT" form back to
// "ADA-USDT".
func denormalizeSymbol(symbol string) string {
	for _, quote := range []string{"USDT", "TMN", "IRT"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return symbol[:len(symbol)-len(quote)] + "-" + quote
		}
	}
	if len(symbol) > 3 {
		return symbol[:len(symbol)-3] + "-" + symbol[len(symbol)-3:]
	}
	return symbol
}

func parseNumber(n wallex.Number) float64 {
	out, _ := strconv.ParseFloat(string(n), 64)
	return out
}

func parseNumberPtr(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	return parseNumber(*n)
}
