package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"vesta/internal/domain"
	"vesta/internal/store"
	"vesta/internal/util"
)

// Fetcher downloads historical 5-minute bars from the Alpaca market-data
// API into the bar archive, in month-sized chunks. Re-running over an
// already-fetched range is safe: the archive merges by timestamp.
type Fetcher struct {
	client   *marketdata.Client
	store    store.BarStore
	limiter  *util.RateLimiter
	feedName string
	log      *slog.Logger
}

// NewFetcher creates a Fetcher writing into the given bar store.
func NewFetcher(apiKey, apiSecret, dataURL, feedName string, s store.BarStore, ratePerMin int) *Fetcher {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &Fetcher{
		client:   marketdata.NewClient(opts),
		store:    s,
		limiter:  util.NewRateLimiter(ratePerMin),
		feedName: feedName,
		log:      slog.Default().With("component", "fetch"),
	}
}

// Fetch downloads bars for one symbol across [start, end] and persists
// them chunk by chunk.
func (f *Fetcher) Fetch(ctx context.Context, symbol string, start, end time.Time) error {
	total := 0
	runStart := time.Now()

	for chunkStart := start; chunkStart.Before(end); {
		chunkEnd := chunkStart.AddDate(0, 1, 0)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		bars, err := f.fetchChunk(ctx, symbol, chunkStart, chunkEnd)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", chunkStart.Format("2006-01"), err)
		}
		if len(bars) > 0 {
			if err := f.store.WriteBars(ctx, bars); err != nil {
				return fmt.Errorf("writing chunk %s: %w", chunkStart.Format("2006-01"), err)
			}
		}
		total += len(bars)
		f.log.Info("chunk fetched",
			"symbol", symbol, "month", chunkStart.Format("2006-01"), "bars", len(bars))

		chunkStart = chunkEnd
	}

	f.log.Info("fetch complete",
		"symbol", symbol, "bars", total,
		"elapsed", time.Since(runStart).Round(time.Second))
	return nil
}

func (f *Fetcher) fetchChunk(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := f.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: fiveMin,
		Start:     start,
		End:       end,
		Feed:      f.feedName,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars: %w", err)
	}

	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: ab.Timestamp,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
		})
	}
	return bars, nil
}
