// Paper Exchange — a multi-user crypto-exchange simulator. Each
// authenticated user drives a private, time-accelerated replay of
// historical OHLCV candles and trades against it with exchange-style
// order semantics, balance blocking, and commissions.
//
// Architecture:
//
//	main.go              — entry point: config, db, backfill, manager, API, signals
//	engine/engine.go     — per-user replay engine: coordinator goroutine owning all state
//	engine/resolve.go    — tick resolution: candle fetch + FIFO order matching
//	manager/manager.go   — user → engine registry: hydration, idle eviction, persistence
//	order/order.go       — typed order variants (market/limit/stop-limit/OCO) and validation
//	ledger/ledger.go     — free-balance accounting with block/unblock/settle
//	candles/store.go     — Postgres OHLCV reads; csv.go/binance.go do one-shot backfill
//	store/store.go       — users, balances, snapshots, and open orders in Postgres
//	api/server.go        — HTTP surface plus the per-user WebSocket event stream
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"paper-exchange/internal/api"
	"paper-exchange/internal/candles"
	"paper-exchange/internal/config"
	"paper-exchange/internal/manager"
	"paper-exchange/internal/store"
	"paper-exchange/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PAPER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.New(db, logger)
	candleStore := candles.NewStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}
	if err := candleStore.EnsureSchema(ctx); err != nil {
		logger.Error("failed to ensure candle schema", "error", err)
		os.Exit(1)
	}

	if cfg.Backfill.Enabled {
		if err := runBackfill(ctx, *cfg, candleStore, logger); err != nil {
			logger.Error("backfill failed", "error", err)
			os.Exit(1)
		}
	}

	timeframe, _ := types.ParseTimeframe(cfg.Exchange.Timeframe)
	mgr := manager.New(manager.Config{
		Assets:            cfg.Exchange.Assets,
		BaseAsset:         cfg.Exchange.BaseAsset,
		Timeframe:         timeframe,
		MultiTimeframes:   cfg.Exchange.MultiTimeframes,
		TicksForTest:      cfg.Exchange.TicksForTest,
		DefaultMultiplier: cfg.Exchange.DefaultMultiplier,
		DefaultCommission: cfg.Exchange.DefaultCommission,
		IdleTimeout:       cfg.Exchange.IdleTimeout,
		ReaperInterval:    cfg.Exchange.ReaperInterval,
	}, st, candleStore, logger)
	go mgr.Run(ctx)

	hub := api.NewHub(logger)
	handlers := api.NewHandlers(st, mgr,
		cfg.Exchange.Assets, cfg.Exchange.BaseAsset,
		decimal.NewFromFloat(cfg.Exchange.InitialBalance), hub, logger)
	server := api.NewServer(cfg.Server, handlers, hub, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("paper exchange started",
		"url", fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		"assets", cfg.Exchange.Assets,
		"timeframe", cfg.Exchange.Timeframe,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	cancel()
	mgr.StopAll(context.Background())
}

// runBackfill ingests candles from the configured source before serving.
func runBackfill(ctx context.Context, cfg config.Config, candleStore *candles.Store, logger *slog.Logger) error {
	switch cfg.Backfill.Source {
	case "binance":
		bf := candles.NewBackfiller(cfg.Backfill.BinanceBaseURL, candleStore, logger)
		return bf.Run(ctx, cfg.Exchange.Assets, cfg.Backfill.FromMillis, cfg.Backfill.ToMillis)

	case "csv":
		timeframe, _ := types.ParseTimeframe(cfg.Exchange.Timeframe)
		for _, asset := range cfg.Exchange.Assets {
			path := fmt.Sprintf("%s/%s.csv", cfg.Backfill.CSVDir, asset)
			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			batch, err := candles.ParseCSV(f, asset, timeframe)
			f.Close()
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			insertCtx, cancel := context.WithTimeout(ctx, time.Minute)
			err = candleStore.Insert(insertCtx, batch)
			cancel()
			if err != nil {
				return fmt.Errorf("insert %s: %w", path, err)
			}
			logger.Info("csv backfill complete", "asset", asset, "candles", len(batch))
		}
		return nil

	default:
		return fmt.Errorf("unknown backfill source %q", cfg.Backfill.Source)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
