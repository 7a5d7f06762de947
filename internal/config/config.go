// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amirphl/scalp-trader/internal/risk"
	"github.com/amirphl/scalp-trader/internal/router"
)

/*
YAML config example:
mode: "paper"
symbols: ["BTC-USDT", "ETH-USDT"]
tick_interval: 5s
metrics_addr: ":9100"
strategy: "momentum"
strategy_window: 20
initial_balance: 10000
risk:
  per_trade_risk_pct: 1.0
  max_position_size_pct: 50.0
  max_daily_loss_pct: 5.0
  max_drawdown_pct: 15.0
  max_consecutive_losses: 5
  atr_multiplier: 2.0
  take_profit_atr_mult: 3.0
router:
  order_type: "limit"
  limit_order_timeout: 30s
  poll_interval: 1s
  prefer_maker: false
Secrets (WALLEX_API_KEY, DB_CONN_STR, TELEGRAM_*) come from the environment.
*/

type Config struct {
	Mode           string        `yaml:"mode"` // "live" or "paper"
	Symbols        []string      `yaml:"symbols"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Strategy       string        `yaml:"strategy"`
	StrategyWindow int           `yaml:"strategy_window"`

	// InitialBalance seeds the paper exchange; ignored in live mode.
	InitialBalance float64 `yaml:"initial_balance"`

	Risk   risk.Limits   `yaml:"risk"`
	Router router.Config `yaml:"router"`

	// Secrets, environment only.
	WallexAPIKey   string `yaml:"-"`
	DBConnStr      string `yaml:"-"`
	TelegramToken  string `yaml:"-"`
	TelegramChatID string `yaml:"-"`
}

func defaults() Config {
	return Config{
		Mode:           "paper",
		Symbols:        []string{"BTC-USDT"},
		TickInterval:   5 * time.Second,
		MetricsAddr:    ":9100",
		Strategy:       "momentum",
		StrategyWindow: 20,
		InitialBalance: 10_000,
		Risk:           risk.DefaultLimits(),
		Router:         router.DefaultConfig(),
	}
}

// Load builds the runtime configuration from flags, an optional YAML file,
// and environment variables for secrets. Flag values win over file values
// only when explicitly set.
func Load() (Config, error) {
	mode := flag.String("mode", "", "Mode: live or paper")
	symbolsFlag := flag.String("symbols", "", "Comma-separated list of trading symbols")
	tickInterval := flag.Duration("tick-interval", 0, "Ticker polling interval (e.g., 5s)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address")
	strategyName := flag.String("strategy", "", "Strategy name")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg := defaults()
	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		cfg, err = fromYAML(data)
		if err != nil {
			return Config{}, err
		}
	}

	if *mode != "" {
		cfg.Mode = *mode
	}
	if *symbolsFlag != "" {
		cfg.Symbols = strings.Split(*symbolsFlag, ",")
	}
	if *tickInterval > 0 {
		cfg.TickInterval = *tickInterval
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *strategyName != "" {
		cfg.Strategy = *strategyName
	}

	cfg.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
	cfg.DBConnStr = os.Getenv("DB_CONN_STR")
	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")

	return cfg.Sanitize()
}

// fromYAML parses a YAML document over the defaults.
func fromYAML(data []byte) (Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Sanitize validates and normalizes the configuration.
func (c Config) Sanitize() (Config, error) {
	switch c.Mode {
	case "live", "paper":
	case "":
		c.Mode = "paper"
	default:
		return Config{}, fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.Mode == "live" && c.WallexAPIKey == "" {
		return Config{}, fmt.Errorf("live mode requires WALLEX_API_KEY")
	}

	var symbols []string
	for _, s := range c.Symbols {
		s = strings.TrimSpace(s)
		if s != "" {
			symbols = append(symbols, strings.ToUpper(s))
		}
	}
	if len(symbols) == 0 {
		return Config{}, fmt.Errorf("at least one trading symbol is required")
	}
	c.Symbols = symbols

	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.StrategyWindow <= 0 {
		c.StrategyWindow = 20
	}
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10_000
	}

	c.Risk = c.Risk.Sanitize()
	c.Router = c.Router.Sanitize()
	return c, nil
}
