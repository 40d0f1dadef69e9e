package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"vesta/internal/domain"
	"vesta/internal/indicator"
	"vesta/internal/store"
	"vesta/internal/util"
)

// fiveMin is the bar cadence the engine trades on.
var fiveMin = marketdata.NewTimeFrame(5, marketdata.Min)

// barSpan is the cadence as a duration; a bar stamped t covers (t, t+barSpan].
const barSpan = 5 * time.Minute

// AlpacaFeed delivers live 5-minute bars by polling the Alpaca market-data
// API shortly after each bar boundary on the New York session clock. Bars
// are annotated through the same incremental indicator state used for
// warmup, so live indicator values continue the historical series exactly.
//
// Indicator state survives Start being called again: after a connection
// loss the runner restarts the feed and the series resumes where it
// stopped, re-fetching any bars missed while down.
type AlpacaFeed struct {
	client    *marketdata.Client
	clock     *util.SessionClock
	limiter   *util.RateLimiter
	annotator *indicator.Annotator
	log       *slog.Logger

	symbol   string
	feedName string

	lastTS time.Time // timestamp of the last bar delivered
}

// NewAlpacaFeed creates a live feed for one symbol. feedName selects the
// Alpaca data feed ("sip" or "iex"); ratePerMin bounds API calls.
func NewAlpacaFeed(apiKey, apiSecret, dataURL, symbol, feedName string, ratePerMin int) (*AlpacaFeed, error) {
	clock, err := util.NewSessionClock()
	if err != nil {
		return nil, err
	}
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaFeed{
		client:    marketdata.NewClient(opts),
		clock:     clock,
		limiter:   util.NewRateLimiter(ratePerMin),
		annotator: indicator.NewDefaultAnnotator(),
		log:       slog.Default().With("component", "feed", "symbol", symbol),
		symbol:    symbol,
		feedName:  feedName,
	}, nil
}

// Warmup seeds the indicator state from archived bars so the feed is
// Ready from the first live bar instead of sitting through a 200-bar
// warmup window in real time.
func (f *AlpacaFeed) Warmup(ctx context.Context, bars store.BarStore, start time.Time) error {
	raw, err := bars.ReadBars(ctx, f.symbol, start, time.Now())
	if err != nil {
		return fmt.Errorf("reading warmup bars: %w", err)
	}
	for _, b := range raw {
		if f.inWindow(b.Timestamp) {
			f.annotator.Annotate(b)
		}
		f.lastTS = b.Timestamp
	}
	f.log.Info("indicator warmup complete", "bars", len(raw), "through", f.lastTS)
	return nil
}

// Start verifies connectivity, then polls for completed bars until ctx is
// cancelled. The returned channel closes on persistent fetch failure; the
// runner reconnects by calling Start again.
func (f *AlpacaFeed) Start(ctx context.Context) (<-chan domain.Bar, error) {
	// Fail fast on bad credentials rather than inside the poll loop.
	if _, err := f.fetchSince(ctx, f.lastTS); err != nil {
		return nil, fmt.Errorf("feed connectivity check: %w", err)
	}

	ch := make(chan domain.Bar, 16)
	go f.poll(ctx, ch)
	return ch, nil
}

func (f *AlpacaFeed) poll(ctx context.Context, ch chan<- domain.Bar) {
	defer close(ch)

	for {
		now := time.Now()
		next := f.clock.NextBarClose(now)
		// Small grace period so the just-closed bar is queryable.
		wakeAt := next.Add(5 * time.Second)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wakeAt.Sub(now)):
		}

		if !f.clock.InRegularSession(next.Add(-time.Minute)) {
			continue // overnight or weekend boundary
		}

		var bars []domain.Bar
		err := util.Retry(ctx, 3, 2*time.Second, 15*time.Second, func() error {
			var ferr error
			bars, ferr = f.fetchSince(ctx, f.lastTS)
			return ferr
		})
		if err != nil {
			f.log.Error("bar fetch failed, closing feed", "err", err)
			return
		}

		for _, b := range bars {
			select {
			case ch <- b:
			case <-ctx.Done():
				return
			}
		}
	}
}

// inWindow reports whether the bar stamped ts closes inside the 9:35-15:55
// action window. Bars outside it (pre-market, after-hours, the 16:00 close
// bar) are skipped so indicators and entries see regular-session bars only.
func (f *AlpacaFeed) inWindow(ts time.Time) bool {
	return f.clock.InTradingWindow(ts.Add(barSpan))
}

// fetchSince returns completed, annotated bars newer than after.
func (f *AlpacaFeed) fetchSince(ctx context.Context, after time.Time) ([]domain.Bar, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := after.Add(time.Millisecond)
	if after.IsZero() {
		start = time.Now().Add(-24 * time.Hour)
	}

	raw, err := f.client.GetBars(f.symbol, marketdata.GetBarsRequest{
		TimeFrame: fiveMin,
		Start:     start,
		Feed:      f.feedName,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars: %w", err)
	}

	cutoff := time.Now().Add(-barSpan)
	var out []domain.Bar
	for _, ab := range raw {
		if !ab.Timestamp.After(after) {
			continue
		}
		if ab.Timestamp.After(cutoff) {
			break // bar still forming
		}
		if !f.inWindow(ab.Timestamp) {
			// Extended-hours bar: never annotated or emitted, but marked
			// consumed so a reconnect does not refetch it.
			f.lastTS = ab.Timestamp
			continue
		}
		bar := f.annotator.Annotate(domain.Bar{
			Symbol:    f.symbol,
			Timestamp: ab.Timestamp,
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    int64(ab.Volume),
		})
		f.lastTS = ab.Timestamp
		out = append(out, bar)
	}
	return out, nil
}
