package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/papertrade/papertrade/params"
	"github.com/papertrade/papertrade/pkg/api"
	"github.com/papertrade/papertrade/pkg/feed"
	"github.com/papertrade/papertrade/pkg/ledger"
	"github.com/papertrade/papertrade/pkg/trade"
	"github.com/papertrade/papertrade/pkg/util"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	// Empty LOG_FILE means console only.
	logger, err := util.NewLogger()
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Ledger ----
	store, err := ledger.Open(cfg.Ledger.DBPath, sugar)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "err", err)
	}
	defer store.Close()

	if err := seedAdmin(store, cfg.Ledger.AdminPassword); err != nil {
		sugar.Fatalw("admin_seed_failed", "err", err)
	}

	// ---- Market feed ----
	var source feed.PriceSource
	switch cfg.Market.Provider {
	case "binance":
		source = feed.NewBinanceSource("BTCUSDT")
	default:
		source = feed.NewCoinbaseSource()
	}
	sugar.Infow("price_source", "provider", cfg.Market.Provider,
		"poll_interval_ms", cfg.Market.PollInterval.Milliseconds())

	marketFeed := feed.NewMarketFeed(source, feed.FeedConfig{
		PollInterval: cfg.Market.PollInterval,
		CandlePeriod: cfg.Market.CandlePeriod,
		FetchTimeout: cfg.Market.FetchTimeout,
	}, sugar)

	// ---- Executor ----
	executor := trade.NewExecutor(store, marketFeed, cfg.Trading.Leverage, sugar)
	sugar.Infow("leverage_config", "leverage", cfg.Trading.Leverage)

	// ---- API server ----
	server := api.NewServer(store, executor, marketFeed, cfg.Server.CORSOrigins, sugar)

	// Fan-out wiring: feed broadcasts to every session, executor notifies
	// owning sessions only.
	marketFeed.SetPublisher(server.Hub())
	executor.SetNotifier(server.Hub())

	go marketFeed.Run(ctx)

	if err := server.Start(ctx, cfg.Server.APIAddr); err != nil {
		sugar.Fatalw("api_server_failed", "err", err)
	}
	sugar.Info("server_stopped")
}

// seedAdmin creates the built-in admin account on first boot.
func seedAdmin(store *ledger.Store, password string) error {
	if _, err := store.Get("admin"); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return store.Create(ledger.NewAccount("admin", "Administrator", string(hash), ledger.RoleAdmin))
}
