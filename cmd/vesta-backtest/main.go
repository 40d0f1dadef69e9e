package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vesta/internal/broker"
	"vesta/internal/config"
	"vesta/internal/engine"
	"vesta/internal/feed"
	"vesta/internal/store"
)

func main() {
	startFlag := flag.String("start", "", "replay start date (YYYY-MM-DD, overrides config)")
	endFlag := flag.String("end", "", "replay end date (YYYY-MM-DD, overrides config)")
	flag.Parse()

	cfgPath := "config/vesta.yaml"
	if p := os.Getenv("VESTA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	start, end, err := replayRange(cfg, *startFlag, *endFlag)
	if err != nil {
		log.Fatalf("invalid replay range: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	history := feed.NewHistory(pstore)
	bars, err := history.Load(ctx, cfg.Trading.Symbol, start, end)
	if err != nil {
		log.Fatalf("loading bars: %v", err)
	}

	sim := broker.NewSimulatorBroker(
		cfg.Backtest.InitialEquity,
		cfg.Trading.CommissionPerShare,
		broker.ParseFillTiming(cfg.Trading.FillTiming),
	)

	runner, err := engine.NewRunner(engine.RunnerConfig{
		Symbol:             cfg.Trading.Symbol,
		Risk:               cfg.RiskParams(),
		EntryThreshold:     cfg.Trading.EntryThreshold,
		ReversalThreshold:  cfg.Trading.ReversalThreshold,
		StructureLookback:  cfg.Trading.StructureLookback,
		CommissionPerShare: cfg.Trading.CommissionPerShare,
		AckTimeout:         cfg.AckTimeout(),
		PartialFillWait:    cfg.PartialFillWait(),
		Broker:             sim,
	})
	if err != nil {
		log.Fatalf("building runner: %v", err)
	}

	result, err := runner.Backtest(ctx, bars)
	if err != nil {
		log.Fatalf("backtest: %v", err)
	}

	printResult(result, start, end)
}

// replayRange resolves the effective start/end from flags and config. End
// defaults to today when unset.
func replayRange(cfg *config.Config, startFlag, endFlag string) (time.Time, time.Time, error) {
	startStr := cfg.Backtest.StartDate
	if startFlag != "" {
		startStr = startFlag
	}
	if startStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("no start date (set backtest.start_date or -start)")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing start date %q: %w", startStr, err)
	}

	endStr := cfg.Backtest.EndDate
	if endFlag != "" {
		endStr = endFlag
	}
	end := time.Now().UTC()
	if endStr != "" {
		end, err = time.Parse("2006-01-02", endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing end date %q: %w", endStr, err)
		}
		end = end.Add(24 * time.Hour) // inclusive end date
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end %s is not after start %s", endStr, startStr)
	}
	return start, end, nil
}

func printResult(r *engine.BacktestResult, start, end time.Time) {
	fmt.Printf("\n%s  %s -> %s\n", r.Symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	fmt.Printf("bars:    %d\n", r.Bars)
	fmt.Printf("trades:  %d (%d wins, %d losses)\n", len(r.Trades), r.Wins, r.Losses)
	fmt.Printf("equity:  %.2f -> %.2f\n", r.InitialEquity, r.FinalEquity)
	fmt.Printf("net pnl: %+.2f (%+.2f%%)\n\n", r.NetPnL, 100*r.NetPnL/r.InitialEquity)

	for _, t := range r.Trades {
		fmt.Printf("  %s  %4d @ %8.2f -> %8.2f  %-14s  %+10.2f\n",
			t.EntryTime.Format("2006-01-02 15:04"),
			t.Qty, t.EntryPrice, t.ExitPrice, t.ExitReason, t.PnL)
	}
}
