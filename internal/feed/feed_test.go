package feed

import (
	"context"
	"strings"
	"testing"
	"time"

	"vesta/internal/domain"
	"vesta/internal/indicator"
	"vesta/internal/store"
)

func archiveBars(n int) []domain.Bar {
	t0 := time.Date(2024, 3, 1, 14, 35, 0, 0, time.UTC)
	bars := make([]domain.Bar, 0, n)
	price := 400.0
	for i := 0; i < n; i++ {
		// Deterministic drift so indicator values are non-trivial.
		price += float64(i%7-3) * 0.25
		bars = append(bars, domain.Bar{
			Symbol:    "QQQ",
			Timestamp: t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:      price - 0.1,
			High:      price + 0.5,
			Low:       price - 0.5,
			Close:     price,
			Volume:    1000,
		})
	}
	return bars
}

func TestHistoryLoadAnnotates(t *testing.T) {
	ctx := context.Background()
	ps := store.NewParquetStore(t.TempDir())

	raw := archiveBars(250)
	if err := ps.WriteBars(ctx, raw); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	h := NewHistory(ps)
	bars, err := h.Load(ctx, "QQQ", raw[0].Timestamp, raw[len(raw)-1].Timestamp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(bars) != 250 {
		t.Fatalf("loaded %d bars, want 250", len(bars))
	}

	// Warmup bars are marked not ready; once the 200-bar SMA window fills,
	// every bar carries indicator values.
	if bars[0].Ready {
		t.Error("first bar marked ready inside warmup window")
	}
	last := bars[len(bars)-1]
	if !last.Ready {
		t.Fatal("bar after warmup not ready")
	}
	if last.SMA200 == 0 || last.ATR == 0 {
		t.Errorf("indicator fields missing: sma=%v atr=%v", last.SMA200, last.ATR)
	}
	if last.WillR > 0 || last.WillR < -100 {
		t.Errorf("willr out of range: %v", last.WillR)
	}
}

func TestHistoryLoadMatchesDirectAnnotation(t *testing.T) {
	// Replaying through the archive must yield the same indicator series as
	// feeding the raw bars straight through an annotator.
	ctx := context.Background()
	ps := store.NewParquetStore(t.TempDir())

	raw := archiveBars(220)
	if err := ps.WriteBars(ctx, raw); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	h := NewHistory(ps)
	got, err := h.Load(ctx, "QQQ", raw[0].Timestamp, raw[len(raw)-1].Timestamp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ann := indicator.NewDefaultAnnotator()
	for i, b := range raw {
		want := ann.Annotate(b)
		if got[i].SMA200 != want.SMA200 || got[i].ATR != want.ATR ||
			got[i].WillR != want.WillR || got[i].Ready != want.Ready {
			t.Fatalf("bar %d diverged: got %+v want %+v", i, got[i], want)
		}
	}
}

type stubBarStore struct {
	bars []domain.Bar
}

func (s *stubBarStore) WriteBars(context.Context, []domain.Bar) error { return nil }
func (s *stubBarStore) ReadBars(context.Context, string, time.Time, time.Time) ([]domain.Bar, error) {
	return s.bars, nil
}
func (s *stubBarStore) ListSymbols(context.Context) ([]string, error) {
	return []string{"QQQ"}, nil
}

func nyBar(loc *time.Location, hour, min int, close float64) domain.Bar {
	return domain.Bar{
		Symbol:    "QQQ",
		Timestamp: time.Date(2024, 3, 1, hour, min, 0, 0, loc),
		Open:      close - 0.1,
		High:      close + 0.5,
		Low:       close - 0.5,
		Close:     close,
		Volume:    1000,
	}
}

func TestFeedSessionWindow(t *testing.T) {
	f, err := NewAlpacaFeed("", "", "", "QQQ", "iex", 200)
	if err != nil {
		t.Fatalf("NewAlpacaFeed: %v", err)
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}

	// Keyed by the bar's open; the bar closes five minutes later.
	cases := []struct {
		name string
		ts   time.Time
		want bool
	}{
		{"pre-market", time.Date(2024, 3, 1, 8, 0, 0, 0, ny), false},
		{"last bar before open", time.Date(2024, 3, 1, 9, 25, 0, 0, ny), false},
		{"first session bar", time.Date(2024, 3, 1, 9, 30, 0, 0, ny), true},
		{"midday", time.Date(2024, 3, 1, 12, 0, 0, 0, ny), true},
		{"last acted-on bar", time.Date(2024, 3, 1, 15, 50, 0, 0, ny), true},
		{"closing bar", time.Date(2024, 3, 1, 15, 55, 0, 0, ny), false},
		{"after-hours", time.Date(2024, 3, 1, 16, 30, 0, 0, ny), false},
		{"saturday", time.Date(2024, 3, 2, 12, 0, 0, 0, ny), false},
	}
	for _, tc := range cases {
		if got := f.inWindow(tc.ts); got != tc.want {
			t.Errorf("%s (%s): inWindow = %v, want %v", tc.name, tc.ts, got, tc.want)
		}
	}
}

func TestWarmupSkipsExtendedHoursBars(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}

	// A session's worth of bars bracketed by pre-market and after-hours
	// prints, as the archive holds them after a raw fetch. The after-hours
	// bar carries an extreme low: if it leaked into the indicator state it
	// would dominate the Williams %R window.
	session := make([]domain.Bar, 0, 10)
	for i := 0; i < 10; i++ {
		session = append(session, nyBar(ny, 9, 30+5*i, 400+float64(i)))
	}
	extreme := nyBar(ny, 16, 30, 320)
	extreme.Low = 300

	mixed := []domain.Bar{nyBar(ny, 7, 0, 398)}
	mixed = append(mixed, session...)
	mixed = append(mixed, extreme)

	f, err := NewAlpacaFeed("", "", "", "QQQ", "iex", 200)
	if err != nil {
		t.Fatalf("NewAlpacaFeed: %v", err)
	}
	if err := f.Warmup(context.Background(), &stubBarStore{bars: mixed}, mixed[0].Timestamp); err != nil {
		t.Fatalf("Warmup: %v", err)
	}

	// lastTS advances past skipped bars so a reconnect never refetches them.
	if !f.lastTS.Equal(extreme.Timestamp) {
		t.Errorf("lastTS = %s, want %s", f.lastTS, extreme.Timestamp)
	}

	// The indicator series must match one fed session bars only.
	want := indicator.NewDefaultAnnotator()
	for _, b := range session {
		want.Annotate(b)
	}

	next := nyBar(ny, 9, 30, 410) // next Monday's open bar
	next.Timestamp = time.Date(2024, 3, 4, 9, 30, 0, 0, ny)
	got := f.annotator.Annotate(next)
	expected := want.Annotate(next)
	if got.WillR != expected.WillR || got.ATR != expected.ATR || got.SMA200 != expected.SMA200 {
		t.Errorf("annotator diverged after warmup: got willr=%v atr=%v, want willr=%v atr=%v",
			got.WillR, got.ATR, expected.WillR, expected.ATR)
	}
	if expected.WillR == 0 {
		t.Fatal("expected a live Williams %R value, got zero")
	}
}

func TestHistoryLoadEmptyRange(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	h := NewHistory(ps)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := h.Load(context.Background(), "QQQ", start, start.AddDate(0, 0, 1)); err == nil {
		t.Error("expected error for empty archive range")
	}

	// Once the archive holds another symbol, the error names it so a typo
	// is obvious from the message alone.
	bars := []domain.Bar{{
		Symbol: "QQQ", Timestamp: start,
		Open: 400, High: 401, Low: 399, Close: 400.5, Volume: 1000,
	}}
	if err := ps.WriteBars(context.Background(), bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	_, err := h.Load(context.Background(), "SPY", start, start.AddDate(0, 0, 1))
	if err == nil {
		t.Fatal("expected error for unknown symbol")
	}
	if !strings.Contains(err.Error(), "QQQ") {
		t.Errorf("error %q should list archived symbols", err)
	}
}
