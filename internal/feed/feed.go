// Package feed supplies annotated bar streams to the runner: replay from
// the Parquet archive for backtests, and a polling Alpaca market-data feed
// for live trading. Both paths push raw bars through the same incremental
// indicator state, so a replayed bar and a live bar with the same inputs
// carry identical indicator values.
package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vesta/internal/domain"
	"vesta/internal/indicator"
	"vesta/internal/store"
)

// History replays archived bars through the indicator pipeline.
type History struct {
	bars      store.BarStore
	annotator *indicator.Annotator
}

// NewHistory creates a History over the given bar archive with default
// indicator periods.
func NewHistory(bars store.BarStore) *History {
	return &History{
		bars:      bars,
		annotator: indicator.NewDefaultAnnotator(),
	}
}

// Load reads bars for [start, end] and annotates them in timestamp order.
// Bars inside the indicator warmup window come back with Ready=false; the
// engine holds off trading until the window fills.
func (h *History) Load(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	raw, err := h.bars.ReadBars(ctx, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	if len(raw) == 0 {
		// Point at what the archive does hold: an empty range is usually a
		// symbol typo or a fetch that was never run.
		if symbols, serr := h.bars.ListSymbols(ctx); serr == nil && len(symbols) > 0 {
			return nil, fmt.Errorf("no archived bars for %s in [%s, %s] (archive has: %s)",
				symbol, start.Format("2006-01-02"), end.Format("2006-01-02"),
				strings.Join(symbols, ", "))
		}
		return nil, fmt.Errorf("no archived bars for %s in [%s, %s]",
			symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	out := make([]domain.Bar, 0, len(raw))
	for _, b := range raw {
		out = append(out, h.annotator.Annotate(b))
	}
	return out, nil
}
