package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/amirphl/scalp-trader/internal/config"
	"github.com/amirphl/scalp-trader/internal/db"
	"github.com/amirphl/scalp-trader/internal/exchange"
	"github.com/amirphl/scalp-trader/internal/monitor"
	"github.com/amirphl/scalp-trader/internal/notifier"
	"github.com/amirphl/scalp-trader/internal/position"
	"github.com/amirphl/scalp-trader/internal/risk"
	"github.com/amirphl/scalp-trader/internal/router"
	"github.com/amirphl/scalp-trader/internal/strategy"
	"github.com/amirphl/scalp-trader/internal/trader"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Println("Starting Scalp Trader in mode:", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Storage: postgres when configured, in-memory otherwise.
	var storage db.Storage
	if cfg.DBConnStr != "" {
		pg, err := db.OpenPostgres(ctx, cfg.DBConnStr)
		if err != nil {
			log.Fatalf("Failed to connect to postgres: %v", err)
		}
		storage = pg
		log.Println("Using postgres storage")
	} else {
		storage = db.NewMemory()
		log.Println("No DB_CONN_STR set, using in-memory storage")
	}
	defer storage.Close()

	var notif notifier.Notifier = notifier.NewNoop()
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notif = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
		log.Println("Telegram notifications enabled")
	}

	var ex exchange.Exchange
	initialBalance := cfg.InitialBalance
	if cfg.Mode == "live" {
		ex = exchange.NewWallexExchange(cfg.WallexAPIKey)
		balance, err := fetchQuoteBalance(ctx, ex, cfg.Symbols[0])
		if err != nil {
			log.Fatalf("Failed to fetch account balance: %v", err)
		}
		initialBalance = balance
		log.Printf("Live mode, starting balance %.2f", initialBalance)
	} else {
		paper := exchange.NewPaperExchange(cfg.InitialBalance, cfg.Symbols...)
		for _, symbol := range cfg.Symbols {
			paper.SetPrice(symbol, 100)
		}
		paper.EnableDrift(0.002, time.Now().UnixNano())
		ex = paper
		log.Printf("Paper mode, starting balance %.2f", initialBalance)
	}

	strategies := make(map[string]strategy.Strategy, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		strategies[symbol] = strategy.NewMomentum(symbol, cfg.StrategyWindow)
	}

	rt := router.New(ex, cfg.Router, nil)
	tracker := position.NewTracker(cfg.Router.FeeRate)
	riskMgr := risk.NewManager(cfg.Risk)

	// Metrics endpoint.
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: monitor.Handler()}
	go func() {
		log.Printf("Metrics listening on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}()

	tr := trader.New(ex, rt, tracker, riskMgr, storage, notif, strategies, cfg.TickInterval, initialBalance)
	if err := tr.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Trader stopped: %v", err)
	}
	log.Println("Shutdown complete")
}

// fetchQuoteBalance reads the free+locked balance of the quote asset of the
// primary trading symbol.
func fetchQuoteBalance(ctx context.Context, ex exchange.Exchange, symbol string) (float64, error) {
	balances, err := ex.FetchBalances(ctx)
	if err != nil {
		return 0, err
	}
	_, quote := exchange.SplitSymbol(symbol)
	return balances[quote].Total, nil
}
