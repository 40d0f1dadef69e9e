package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/engine"
)

// stubSource feeds bars into the live loop from a test-controlled channel.
type stubSource struct {
	bars chan domain.Bar
}

func (s *stubSource) Start(ctx context.Context) (<-chan domain.Bar, error) {
	return s.bars, nil
}

func testServer(t *testing.T) (*Server, *engine.Runner, func()) {
	t.Helper()

	sim := broker.NewSimulatorBroker(100_000, 0, broker.FillNextOpen)
	hub := NewHub()
	runner, err := engine.NewRunner(engine.RunnerConfig{
		Symbol: "TEST",
		Risk: domain.RiskParams{
			RiskPct:            0.02,
			ATRStopMultiplier:  10,
			ATRTrailMultiplier: 10,
			MaxLeverage:        1,
		},
		EntryThreshold:    -80,
		ReversalThreshold: -20,
		StructureLookback: 20,
		Broker:            sim,
		Sink:              hub,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	done := make(chan struct{})
	go hub.Run(done)

	ctx, cancel := context.WithCancel(context.Background())
	src := &stubSource{bars: make(chan domain.Bar)}
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = runner.Live(ctx, src)
	}()

	srv := NewServer(runner, nil, nil, hub, "TEST", slog.New(slog.NewTextHandler(io.Discard, nil)))
	cleanup := func() {
		cancel()
		<-loopDone
		close(done)
	}
	return srv, runner, cleanup
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Symbol != "TEST" {
		t.Errorf("symbol = %q, want TEST", resp.Symbol)
	}
	if resp.State != engine.MetaRunning {
		t.Errorf("state = %q, want %q", resp.State, engine.MetaRunning)
	}
	if resp.Position.Status != domain.PositionFlat {
		t.Errorf("position status = %q, want flat", resp.Position.Status)
	}
	if resp.Account.Equity != 100_000 {
		t.Errorf("equity = %v, want 100000", resp.Account.Equity)
	}
}

func TestPositionEndpointFlat(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/position", nil))

	var view PositionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if view.Status != domain.PositionFlat {
		t.Errorf("status = %q, want flat", view.Status)
	}
	if view.Shares != 0 {
		t.Errorf("shares = %d, want 0", view.Shares)
	}
	if view.EntryTime != nil {
		t.Errorf("entry_time should be omitted while flat")
	}
}

func TestTradesEndpointNoStore(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var trades []TradeView
	if err := json.NewDecoder(rec.Body).Decode(&trades); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("trades = %d, want 0", len(trades))
	}
}

func TestTradesEndpointBadLimit(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/trades?limit=nope", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// stubOrderStore serves canned audit-trail records.
type stubOrderStore struct {
	orders map[string]domain.OrderState
}

func (s *stubOrderStore) SaveOrder(_ context.Context, o *domain.OrderState) error {
	s.orders[o.ClientOrderID] = *o
	return nil
}

func (s *stubOrderStore) GetOrderByClientID(_ context.Context, cid string) (*domain.OrderState, error) {
	if o, ok := s.orders[cid]; ok {
		return &o, nil
	}
	return nil, nil
}

func (s *stubOrderStore) ListOrders(context.Context, domain.OrderStatus) ([]domain.OrderState, error) {
	return nil, nil
}

func TestOrderEndpoint(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()
	srv.orders = &stubOrderStore{orders: map[string]domain.OrderState{
		"g1-entry": {
			ClientOrderID: "g1-entry", GroupID: "g1", Symbol: "TEST",
			Qty: 100, FilledQty: 100, FilledAvgPrice: 400,
			Kind: domain.IntentEntry, Status: domain.OrderStatusFilled,
		},
	}}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/g1-entry", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view OrderView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if view.ClientOrderID != "g1-entry" || view.Status != "filled" || view.FilledQty != 100 {
		t.Errorf("unexpected order view: %+v", view)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing order status = %d, want 404", rec.Code)
	}
}

func TestControlPauseResume(t *testing.T) {
	srv, runner, cleanup := testServer(t)
	defer cleanup()

	post := func(command string) (*httptest.ResponseRecorder, ControlResponse) {
		body := strings.NewReader(`{"command":"` + command + `"}`)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control", body))
		var resp ControlResponse
		if rec.Code == http.StatusOK {
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
		}
		return rec, resp
	}

	rec, resp := post("pause")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", rec.Code)
	}
	if resp.State != engine.MetaPaused {
		t.Errorf("state after pause = %q, want paused", resp.State)
	}
	if runner.Meta() != engine.MetaPaused {
		t.Errorf("runner meta = %q, want paused", runner.Meta())
	}

	rec, resp = post("resume")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rec.Code)
	}
	if resp.State != engine.MetaRunning {
		t.Errorf("state after resume = %q, want running", resp.State)
	}
}

func TestControlUnknownCommand(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	body := strings.NewReader(`{"command":"reticulate"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control", body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestControlInvalidBody(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/control", strings.NewReader("{")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	// Publish once the subscription is registered. The hub loop serialises
	// register before broadcast, so a short settle is enough.
	time.Sleep(50 * time.Millisecond)
	srv.hub.Publish(engine.Event{Type: engine.EventTypeState, At: time.Now(), Data: engine.MetaRunning})

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimPrefix(line, "data: ")
		}
	}
	if eventLine != engine.EventTypeState {
		t.Errorf("event = %q, want %q", eventLine, engine.EventTypeState)
	}
	var ev engine.Event
	if err := json.Unmarshal([]byte(dataLine), &ev); err != nil {
		t.Fatalf("decoding event payload: %v", err)
	}
	if ev.Type != engine.EventTypeState {
		t.Errorf("payload type = %q, want %q", ev.Type, engine.EventTypeState)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, cleanup := testServer(t)
	defer cleanup()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/status", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS origin header")
	}
}
