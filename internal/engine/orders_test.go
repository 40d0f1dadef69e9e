package engine

import (
	"context"
	"testing"
	"time"

	"vesta/internal/broker"
	"vesta/internal/domain"
)

// fakeBroker records calls and lets tests script lookup results, so
// acknowledgement handling can be exercised event by event.
type fakeBroker struct {
	updates chan broker.OrderUpdate

	brackets [][2]domain.OrderIntent
	flattens []domain.OrderIntent
	cancels  []string
	replaces []domain.OrderIntent

	findResults map[string]*domain.OrderState
	openOrders  []domain.OrderState
}

var _ broker.Broker = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		updates:     make(chan broker.OrderUpdate, 64),
		findResults: make(map[string]*domain.OrderState),
	}
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) SubmitBracket(_ context.Context, entry, stop domain.OrderIntent) error {
	f.brackets = append(f.brackets, [2]domain.OrderIntent{entry, stop})
	return nil
}

func (f *fakeBroker) SubmitFlatten(_ context.Context, intent domain.OrderIntent) error {
	f.flattens = append(f.flattens, intent)
	return nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, cid string) error {
	f.cancels = append(f.cancels, cid)
	return nil
}

func (f *fakeBroker) ReplaceStop(_ context.Context, _ string, intent domain.OrderIntent) error {
	f.replaces = append(f.replaces, intent)
	return nil
}

func (f *fakeBroker) FindOrder(_ context.Context, cid string) (*domain.OrderState, error) {
	return f.findResults[cid], nil
}

func (f *fakeBroker) OpenOrders(context.Context) ([]domain.OrderState, error) {
	return f.openOrders, nil
}

func (f *fakeBroker) OpenPosition(context.Context, string) (int, float64, error) { return 0, 0, nil }

func (f *fakeBroker) Account(context.Context) (domain.AccountState, error) {
	return domain.AccountState{Equity: 100000, Cash: 100000}, nil
}

func (f *fakeBroker) Updates() <-chan broker.OrderUpdate { return f.updates }

func newManager(fb *fakeBroker) *OrderLifecycleManager {
	return NewOrderLifecycleManager(fb, nil, "QQQ", 10*time.Second, 30*time.Second)
}

func submitTestBracket(t *testing.T, m *OrderLifecycleManager, fb *fakeBroker) (entryCID, stopCID string) {
	t.Helper()
	sizing := Sizing{Shares: 100, StopPrice: 380, StopDistance: 20, Valid: true}
	if err := m.SubmitBracket(context.Background(), sizing, time.Now()); err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}
	if len(fb.brackets) != 1 {
		t.Fatalf("brackets submitted = %d, want 1", len(fb.brackets))
	}
	return fb.brackets[0][0].ClientOrderID, fb.brackets[0][1].ClientOrderID
}

func TestOrdersBracketLiveAfterBothAcks(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, stopCID := submitTestBracket(t, m, fb)

	// One leg acknowledged: the bracket is not yet live.
	evs := m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateAccepted, ClientOrderID: entryCID})
	if len(evs) != 0 {
		t.Fatalf("events after entry ack = %v, want none", evs)
	}

	evs = m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateAccepted, ClientOrderID: stopCID})
	if len(evs) != 1 || evs[0].Kind != EventBracketLive {
		t.Fatalf("events after stop ack = %v, want bracket_live", evs)
	}

	// Duplicated acks never re-announce.
	evs = m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateAccepted, ClientOrderID: entryCID})
	if len(evs) != 0 {
		t.Errorf("duplicate ack produced %v", evs)
	}
}

func TestOrdersEntryFill(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, _ := submitTestBracket(t, m, fb)

	evs := m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateFill, ClientOrderID: entryCID, FilledQty: 100, FillPrice: 400,
	})
	if len(evs) != 1 || evs[0].Kind != EventEntryFilled {
		t.Fatalf("events = %v, want entry_filled", evs)
	}
	if evs[0].Qty != 100 || evs[0].Price != 400 {
		t.Errorf("fill event = %+v", evs[0])
	}
	// Full fill matches the stop quantity: no resize needed.
	if len(fb.replaces) != 0 {
		t.Errorf("stop resized on full fill: %v", fb.replaces)
	}
}

func TestOrdersEntryRejectedCancelsStop(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, stopCID := submitTestBracket(t, m, fb)

	evs := m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateRejected, ClientOrderID: entryCID})
	if len(evs) != 1 || evs[0].Kind != EventEntryFailed {
		t.Fatalf("events = %v, want entry_failed", evs)
	}
	if len(fb.cancels) == 0 || fb.cancels[len(fb.cancels)-1] != stopCID {
		t.Errorf("stop leg not cancelled: cancels=%v", fb.cancels)
	}
	if m.InFlight() {
		t.Error("bracket still tracked after rejection")
	}
}

func TestOrdersStopRejectedAfterFillFlattens(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, stopCID := submitTestBracket(t, m, fb)

	m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateFill, ClientOrderID: entryCID, FilledQty: 100, FillPrice: 400,
	})
	evs := m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateRejected, ClientOrderID: stopCID})

	// Shares with no protective stop: a flatten must go out in the same
	// processing step.
	if len(evs) != 1 || evs[0].Kind != EventNakedFlatten {
		t.Fatalf("events = %v, want naked_flatten", evs)
	}
	if len(fb.flattens) != 1 {
		t.Fatalf("flattens submitted = %d, want 1", len(fb.flattens))
	}
	if fb.flattens[0].Qty != 100 {
		t.Errorf("flatten qty = %d, want 100", fb.flattens[0].Qty)
	}
}

func TestOrdersStopRejectedBeforeFillAborts(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, stopCID := submitTestBracket(t, m, fb)

	evs := m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateRejected, ClientOrderID: stopCID})
	if len(evs) != 1 || evs[0].Kind != EventEntryFailed {
		t.Fatalf("events = %v, want entry_failed", evs)
	}
	found := false
	for _, cid := range fb.cancels {
		if cid == entryCID {
			found = true
		}
	}
	if !found {
		t.Errorf("entry leg not withdrawn: cancels=%v", fb.cancels)
	}
	if len(fb.flattens) != 0 {
		t.Errorf("flatten submitted with nothing held: %v", fb.flattens)
	}
}

func TestOrdersStaleStopGenerationIgnored(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, oldStopCID := submitTestBracket(t, m, fb)

	m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateFill, ClientOrderID: entryCID, FilledQty: 100, FillPrice: 400,
	})
	if err := m.ReplaceStop(ctx, 410, 100, time.Now()); err != nil {
		t.Fatalf("ReplaceStop: %v", err)
	}
	if m.StopPrice() != 410 {
		t.Fatalf("stop = %v, want 410", m.StopPrice())
	}

	// A late cancellation for the superseded generation changes nothing.
	evs := m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateCancelled, ClientOrderID: oldStopCID})
	if len(evs) != 0 {
		t.Errorf("stale cancel produced %v", evs)
	}
	if m.StopPrice() != 410 {
		t.Errorf("stop after stale cancel = %v, want 410", m.StopPrice())
	}

	// Even a stale fill is dropped rather than misapplied.
	evs = m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateFill, ClientOrderID: oldStopCID, FilledQty: 100, FillPrice: 380,
	})
	if len(evs) != 0 {
		t.Errorf("stale fill produced %v", evs)
	}
}

func TestOrdersCurrentStopFill(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, stopCID := submitTestBracket(t, m, fb)

	m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateFill, ClientOrderID: entryCID, FilledQty: 100, FillPrice: 400,
	})
	evs := m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateFill, ClientOrderID: stopCID, FilledQty: 100, FillPrice: 380,
	})
	if len(evs) != 1 || evs[0].Kind != EventStopFilled {
		t.Fatalf("events = %v, want stop_filled", evs)
	}
	if evs[0].Price != 380 || evs[0].Qty != 100 {
		t.Errorf("stop fill event = %+v", evs[0])
	}
	if m.InFlight() {
		t.Error("bracket still tracked after stop execution")
	}
}

func TestOrdersPartialFillRemainderCancelled(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, stopCID := submitTestBracket(t, m, fb)

	t0 := time.Now()
	m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateAccepted, ClientOrderID: entryCID, At: t0})
	m.HandleUpdate(ctx, broker.OrderUpdate{Type: broker.UpdateAccepted, ClientOrderID: stopCID, At: t0})
	evs := m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdatePartialFill, ClientOrderID: entryCID,
		FilledQty: 40, FillPrice: 400, At: t0,
	})
	if len(evs) != 0 {
		t.Fatalf("partial fill surfaced early: %v", evs)
	}

	// Before the bounded wait expires nothing is cancelled.
	m.CheckTimeouts(ctx, t0.Add(10*time.Second))
	for _, cid := range fb.cancels {
		if cid == entryCID {
			t.Fatal("remainder cancelled before wait expired")
		}
	}

	// After the wait the unfilled remainder is cancelled.
	m.CheckTimeouts(ctx, t0.Add(31*time.Second))
	found := false
	for _, cid := range fb.cancels {
		if cid == entryCID {
			found = true
		}
	}
	if !found {
		t.Fatalf("remainder not cancelled: cancels=%v", fb.cancels)
	}

	// The cancellation ack finalizes the entry at the filled quantity and
	// resizes the stop to protect exactly those shares.
	evs = m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateCancelled, ClientOrderID: entryCID, At: t0.Add(32 * time.Second),
	})
	if len(evs) != 1 || evs[0].Kind != EventEntryFilled || evs[0].Qty != 40 {
		t.Fatalf("events = %v, want entry_filled qty=40", evs)
	}
	if len(fb.replaces) != 1 || fb.replaces[0].Qty != 40 {
		t.Fatalf("stop not resized to 40: %v", fb.replaces)
	}
}

func TestOrdersAckTimeoutResolvedViaQuery(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	t0 := time.Now()

	sizing := Sizing{Shares: 100, StopPrice: 380, StopDistance: 20, Valid: true}
	if err := m.SubmitBracket(ctx, sizing, t0); err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}
	entryCID := fb.brackets[0][0].ClientOrderID
	stopCID := fb.brackets[0][1].ClientOrderID

	// Broker-side truth says the entry actually filled; the stop is working.
	fb.findResults[entryCID] = &domain.OrderState{
		ClientOrderID: entryCID, Status: domain.OrderStatusFilled,
		FilledQty: 100, FilledAvgPrice: 400,
	}
	fb.findResults[stopCID] = &domain.OrderState{
		ClientOrderID: stopCID, Status: domain.OrderStatusAccepted,
	}

	// No acknowledgements arrived within the timeout: the manager must
	// re-query rather than assume failure.
	evs := m.CheckTimeouts(ctx, t0.Add(11*time.Second))
	var filled bool
	for _, ev := range evs {
		if ev.Kind == EventEntryFilled && ev.Qty == 100 && ev.Price == 400 {
			filled = true
		}
	}
	if !filled {
		t.Fatalf("events = %v, want entry_filled from re-query", evs)
	}
}

func TestOrdersAckTimeoutUnknownOrderFails(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	t0 := time.Now()

	sizing := Sizing{Shares: 100, StopPrice: 380, StopDistance: 20, Valid: true}
	if err := m.SubmitBracket(ctx, sizing, t0); err != nil {
		t.Fatalf("SubmitBracket: %v", err)
	}

	// The broker has no record of either leg: the bracket is abandoned.
	evs := m.CheckTimeouts(ctx, t0.Add(11*time.Second))
	var failed bool
	for _, ev := range evs {
		if ev.Kind == EventEntryFailed {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("events = %v, want entry_failed", evs)
	}
	if m.InFlight() {
		t.Error("bracket still tracked after unresolved timeout")
	}
}

func TestOrdersFlattenIdempotent(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	ctx := context.Background()
	entryCID, _ := submitTestBracket(t, m, fb)
	m.HandleUpdate(ctx, broker.OrderUpdate{
		Type: broker.UpdateFill, ClientOrderID: entryCID, FilledQty: 100, FillPrice: 400,
	})

	if err := m.SubmitFlatten(ctx, 100, time.Now()); err != nil {
		t.Fatalf("SubmitFlatten: %v", err)
	}
	if err := m.SubmitFlatten(ctx, 100, time.Now()); err != nil {
		t.Fatalf("second SubmitFlatten: %v", err)
	}
	if len(fb.flattens) != 1 {
		t.Errorf("flattens = %d, want 1", len(fb.flattens))
	}
}

func TestOrdersSecondBracketRefused(t *testing.T) {
	fb := newFakeBroker()
	m := newManager(fb)
	submitTestBracket(t, m, fb)

	sizing := Sizing{Shares: 50, StopPrice: 390, Valid: true}
	if err := m.SubmitBracket(context.Background(), sizing, time.Now()); err == nil {
		t.Error("second bracket accepted while one is in flight")
	}
}

// fakeOrderStore is an in-memory order journal for audit tests.
type fakeOrderStore struct {
	saved map[string]domain.OrderState
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{saved: make(map[string]domain.OrderState)}
}

func (s *fakeOrderStore) SaveOrder(_ context.Context, o *domain.OrderState) error {
	s.saved[o.ClientOrderID] = *o
	return nil
}

func (s *fakeOrderStore) GetOrderByClientID(_ context.Context, cid string) (*domain.OrderState, error) {
	if o, ok := s.saved[cid]; ok {
		return &o, nil
	}
	return nil, nil
}

func (s *fakeOrderStore) ListOrders(_ context.Context, status domain.OrderStatus) ([]domain.OrderState, error) {
	var out []domain.OrderState
	for _, o := range s.saved {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out, nil
}

func TestOrdersReconcileResolvesStaleJournal(t *testing.T) {
	fb := newFakeBroker()
	journal := newFakeOrderStore()
	m := NewOrderLifecycleManager(fb, journal, "QQQ", 10*time.Second, 30*time.Second)
	ctx := context.Background()

	// Journal rows left working by a previous process: one the broker filled
	// while we were away, one the broker never saw, and one still open.
	journal.saved["g1-entry"] = domain.OrderState{
		ClientOrderID: "g1-entry", Symbol: "QQQ", Qty: 100,
		Status: domain.OrderStatusAccepted,
	}
	journal.saved["g1-stop-1"] = domain.OrderState{
		ClientOrderID: "g1-stop-1", Symbol: "QQQ", Qty: 100, StopPrice: 380,
		Status: domain.OrderStatusNew,
	}
	journal.saved["g2-stop-1"] = domain.OrderState{
		ClientOrderID: "g2-stop-1", Symbol: "QQQ", Qty: 50, StopPrice: 390,
		Status: domain.OrderStatusAccepted,
	}

	fb.findResults["g1-entry"] = &domain.OrderState{
		ID: "bk-1", ClientOrderID: "g1-entry", Symbol: "QQQ", Qty: 100,
		FilledQty: 100, FilledAvgPrice: 400, Status: domain.OrderStatusFilled,
	}
	// g1-stop-1 is deliberately absent from findResults: the broker never
	// saw it.
	fb.openOrders = []domain.OrderState{{
		ClientOrderID: "g2-stop-1", Symbol: "QQQ", Qty: 50, StopPrice: 390,
		Kind: domain.IntentProtectiveStop, Status: domain.OrderStatusAccepted,
	}}

	if _, err := m.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := journal.saved["g1-entry"]; got.Status != domain.OrderStatusFilled ||
		got.FilledQty != 100 || got.ID != "bk-1" {
		t.Errorf("filled-while-away order not resolved: %+v", got)
	}
	if got := journal.saved["g1-stop-1"]; got.Status != domain.OrderStatusRejected {
		t.Errorf("never-seen order = %q, want rejected", got.Status)
	}
	if got := journal.saved["g2-stop-1"]; got.Status != domain.OrderStatusAccepted {
		t.Errorf("still-open order was touched: %+v", got)
	}
}
