package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vesta/internal/broker"
	"vesta/internal/config"
	"vesta/internal/engine"
	"vesta/internal/feed"
	"vesta/internal/httpapi"
	"vesta/internal/store"
	"vesta/internal/util"
)

func main() {
	cfgPath := "config/vesta.yaml"
	if p := os.Getenv("VESTA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials required (alpaca.api_key/api_secret or APCA_API_KEY_ID/APCA_API_SECRET_KEY)")
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening sqlite store: %v", err)
	}
	defer db.Close()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)

	alp := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	go func() {
		if err := alp.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("trade update stream stopped", "error", err)
		}
	}()

	hub := httpapi.NewHub()
	hubDone := make(chan struct{})
	go hub.Run(hubDone)
	defer close(hubDone)

	runner, err := engine.NewRunner(engine.RunnerConfig{
		Symbol:             cfg.Trading.Symbol,
		Risk:               cfg.RiskParams(),
		EntryThreshold:     cfg.Trading.EntryThreshold,
		ReversalThreshold:  cfg.Trading.ReversalThreshold,
		StructureLookback:  cfg.Trading.StructureLookback,
		CommissionPerShare: cfg.Trading.CommissionPerShare,
		AckTimeout:         cfg.AckTimeout(),
		PartialFillWait:    cfg.PartialFillWait(),
		Broker:             alp,
		Trades:             db,
		Orders:             db,
		Positions:          db,
		Sink:               hub,
	})
	if err != nil {
		log.Fatalf("building runner: %v", err)
	}

	src, err := feed.NewAlpacaFeed(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		cfg.Trading.Symbol,
		cfg.Data.Feed,
		cfg.Data.RateLimitPerMin,
	)
	if err != nil {
		log.Fatalf("building market data feed: %v", err)
	}

	// Seed indicators from the archive so signals are live immediately
	// instead of waiting out a 200-bar warmup.
	warmupStart := time.Now().AddDate(0, 0, -30)
	if err := src.Warmup(ctx, pstore, warmupStart); err != nil {
		slog.Warn("indicator warmup from archive failed, warming up live", "error", err)
	}

	api := httpapi.NewServer(runner, db, db, hub, cfg.Trading.Symbol, logger)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}
	go func() {
		slog.Info("control API listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "error", err)
			cancel()
		}
	}()

	slog.Info("vesta-trader starting",
		"symbol", cfg.Trading.Symbol,
		"paper_mode", cfg.Trading.PaperMode,
		"broker", alp.Name())

	err = runner.Live(ctx, src)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("runner stopped: %v", err)
	}
	slog.Info("vesta-trader stopped")
}
