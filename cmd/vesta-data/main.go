package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vesta/internal/config"
	"vesta/internal/feed"
	"vesta/internal/store"
	"vesta/internal/util"
)

func main() {
	startFlag := flag.String("start", "", "fetch start date (YYYY-MM-DD, overrides config)")
	endFlag := flag.String("end", "", "fetch end date (YYYY-MM-DD, defaults to now)")
	flag.Parse()

	cfgPath := "config/vesta.yaml"
	if p := os.Getenv("VESTA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		log.Fatal("alpaca credentials required for historical fetch")
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	startStr := cfg.Data.StartDate
	if *startFlag != "" {
		startStr = *startFlag
	}
	if startStr == "" {
		log.Fatal("no start date (set data.start_date or -start)")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		log.Fatalf("parsing start date %q: %v", startStr, err)
	}

	end := time.Now().UTC()
	if *endFlag != "" {
		end, err = time.Parse("2006-01-02", *endFlag)
		if err != nil {
			log.Fatalf("parsing end date %q: %v", *endFlag, err)
		}
		end = end.Add(24 * time.Hour)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	fetcher := feed.NewFetcher(
		cfg.Alpaca.APIKey,
		cfg.Alpaca.APISecret,
		cfg.Alpaca.DataURL,
		cfg.Data.Feed,
		pstore,
		cfg.Data.RateLimitPerMin,
	)

	slog.Info("fetching historical bars",
		"symbol", cfg.Trading.Symbol,
		"start", start.Format("2006-01-02"),
		"end", end.Format("2006-01-02"),
		"feed", cfg.Data.Feed)

	if err := fetcher.Fetch(ctx, cfg.Trading.Symbol, start, end); err != nil {
		log.Fatalf("fetch failed: %v", err)
	}
	slog.Info("fetch complete")
}
