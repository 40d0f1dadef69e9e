package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"vesta/pkg/vestaapi"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: vesta-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version    Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  status     Show trader state, account, and position\n")
		fmt.Fprintf(os.Stderr, "  trades     List recent completed trades\n")
		fmt.Fprintf(os.Stderr, "  pause      Pause new entries\n")
		fmt.Fprintf(os.Stderr, "  resume     Resume from paused\n")
		fmt.Fprintf(os.Stderr, "  stop       Stop the trader loop\n")
		fmt.Fprintf(os.Stderr, "  flatten    Force-flatten the open position\n")
		fmt.Fprintf(os.Stderr, "  refresh    Force an immediate state broadcast\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  VESTA_API  API base URL (default http://127.0.0.1:8090)\n\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	baseURL := "http://127.0.0.1:8090"
	if v := os.Getenv("VESTA_API"); v != "" {
		baseURL = v
	}
	client := vestaapi.NewClient(baseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("vesta-cli %s\n", version)

	case "status":
		err = showStatus(ctx, client)

	case "trades":
		err = showTrades(ctx, client)

	case "pause", "resume", "stop":
		err = control(ctx, client, os.Args[1])

	case "flatten":
		err = control(ctx, client, "force_flatten")

	case "refresh":
		err = control(ctx, client, "force_update")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func showStatus(ctx context.Context, client *vestaapi.Client) error {
	status, err := client.GetStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s  state=%s\n", status.Symbol, status.State)
	fmt.Printf("equity:  %.2f  cash: %.2f\n", status.Account.Equity, status.Account.Cash)

	p := status.Position
	if p.Status == "flat" {
		fmt.Println("position: flat")
		return nil
	}
	fmt.Printf("position: %s %d @ %.2f  stop=%.2f  hwm=%.2f\n",
		p.Status, p.Shares, p.EntryPrice, p.CurrentStop, p.HighWaterMark)
	return nil
}

func showTrades(ctx context.Context, client *vestaapi.Client) error {
	trades, err := client.GetTrades(ctx, 20)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		fmt.Println("no trades")
		return nil
	}
	for _, t := range trades {
		fmt.Printf("%s  %4d @ %8.2f -> %8.2f  %-14s  %+10.2f\n",
			t.EntryTime.Format("2006-01-02 15:04"),
			t.Qty, t.EntryPrice, t.ExitPrice, t.ExitReason, t.PnL)
	}
	return nil
}

func control(ctx context.Context, client *vestaapi.Client, command string) error {
	ack, err := client.Control(ctx, command)
	if err != nil {
		return err
	}
	fmt.Printf("%s -> state=%s\n", ack.Command, ack.State)
	return nil
}
