package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Market struct {
	// Provider selects the spot price backend: "coinbase" or "binance".
	Provider string
	// PollInterval is the price fetch cadence. Coinbase tolerates 2s polling.
	PollInterval time.Duration
	// CandlePeriod rolls the running candle to a fresh one when a tick
	// lands a full period after its start. 0 disables rollover: the candle
	// accumulates high/low for the life of the process (session candle).
	CandlePeriod time.Duration
	// FetchTimeout bounds a single price fetch.
	FetchTimeout time.Duration
}

type Trading struct {
	// Leverage multiplies realized and unrealized P&L. It never scales
	// principal or position size.
	Leverage float64
}

type Server struct {
	APIAddr     string
	CORSOrigins []string
}

type Ledger struct {
	DBPath string
	// AdminPassword seeds the built-in admin account on first boot.
	AdminPassword string
}

type Config struct {
	Market  Market
	Trading Trading
	Server  Server
	Ledger  Ledger
	LogFile string
}

func Default() Config {
	return Config{
		Market: Market{
			Provider:     "coinbase",
			PollInterval: 2 * time.Second,
			CandlePeriod: 0,
			FetchTimeout: 5 * time.Second,
		},
		Trading: Trading{
			Leverage: 500,
		},
		Server: Server{
			APIAddr:     ":3001",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Ledger: Ledger{
			DBPath:        "data/ledger.db",
			AdminPassword: "admin123",
		},
		LogFile: "data/server.log",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if p := os.Getenv("PRICE_PROVIDER"); p != "" {
		cfg.Market.Provider = strings.ToLower(p)
	}
	if ms := envMillis("MARKET_POLL_MS"); ms > 0 {
		cfg.Market.PollInterval = ms
	}
	if ms := envMillis("MARKET_CANDLE_PERIOD_MS"); ms > 0 {
		cfg.Market.CandlePeriod = ms
	}
	if ms := envMillis("MARKET_FETCH_TIMEOUT_MS"); ms > 0 {
		cfg.Market.FetchTimeout = ms
	}

	if lv := os.Getenv("LEVERAGE"); lv != "" {
		if f, err := strconv.ParseFloat(lv, 64); err == nil && f > 0 {
			cfg.Trading.Leverage = f
		}
	}

	cfg.Server.APIAddr = getEnv("API_ADDR", cfg.Server.APIAddr)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.CORSOrigins = strings.Split(origins, ",")
	}

	cfg.Ledger.DBPath = getEnv("LEDGER_DB_PATH", cfg.Ledger.DBPath)
	cfg.Ledger.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.Ledger.AdminPassword)
	// LookupEnv, not getEnv: LOG_FILE set to empty disables the file sink.
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.LogFile = v
	}

	return cfg
}

func envMillis(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
