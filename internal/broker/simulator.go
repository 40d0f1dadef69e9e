package broker

import (
	"context"
	"fmt"
	"time"

	"vesta/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorBroker implements Broker with synchronous, deterministic fills
// for backtest replay and engine tests. Entries fill at the configured
// timing (next-bar open by default), flattens fill at the current bar's
// close, and a per-share commission is applied to every fill.
//
// The simulator is driven from a single goroutine: the runner calls OnBar
// before the pipeline step for each bar, and drains Updates after every
// call.
type SimulatorBroker struct {
	commissionPerShare float64
	timing             FillTiming

	cash      float64
	posQty    int
	posAvg    float64
	lastOpen  float64
	lastClose float64
	now       time.Time

	orders         map[string]*domain.OrderState
	pendingEntries []string // client order IDs awaiting the next open

	updates chan OrderUpdate

	// Failure injection for tests. Each flag applies to the next submission
	// only and then resets.
	RejectNextEntry bool
	RejectNextStop  bool
	PartialFillQty  int // next entry fills only this many shares
}

// NewSimulatorBroker creates a simulator with the given starting cash,
// per-share commission, and entry fill timing.
func NewSimulatorBroker(initialCash, commissionPerShare float64, timing FillTiming) *SimulatorBroker {
	return &SimulatorBroker{
		commissionPerShare: commissionPerShare,
		timing:             timing,
		cash:               initialCash,
		orders:             make(map[string]*domain.OrderState),
		updates:            make(chan OrderUpdate, 1024),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string { return "simulator" }

// OnBar advances simulated time to the given bar. Entry orders submitted on
// the previous bar fill at this bar's open when the timing is FillNextOpen.
func (b *SimulatorBroker) OnBar(bar domain.Bar) {
	b.now = bar.Timestamp
	b.lastOpen = bar.Open
	b.lastClose = bar.Close

	if len(b.pendingEntries) == 0 {
		return
	}
	pending := b.pendingEntries
	b.pendingEntries = nil
	for _, cid := range pending {
		o := b.orders[cid]
		if o == nil || o.Status != domain.OrderStatusAccepted {
			continue
		}
		b.fillEntry(o, bar.Open)
	}
}

// SubmitBracket records both legs and schedules the entry fill. The stop leg
// rests at the broker and is never self-executed: exits are always explicit
// flatten orders, which keeps simulated fills at bar prices.
func (b *SimulatorBroker) SubmitBracket(_ context.Context, entry, stop domain.OrderIntent) error {
	if _, exists := b.orders[entry.ClientOrderID]; exists {
		// Idempotent re-submission.
		return nil
	}

	entryState := &domain.OrderState{
		ID:            "sim-" + entry.ClientOrderID,
		ClientOrderID: entry.ClientOrderID,
		GroupID:       entry.GroupID,
		Kind:          entry.Kind,
		Symbol:        entry.Symbol,
		Qty:           entry.Qty,
		Status:        domain.OrderStatusAccepted,
		UpdatedAt:     b.now,
	}
	stopState := &domain.OrderState{
		ID:            "sim-" + stop.ClientOrderID,
		ClientOrderID: stop.ClientOrderID,
		GroupID:       stop.GroupID,
		Kind:          stop.Kind,
		Symbol:        stop.Symbol,
		Qty:           stop.Qty,
		StopPrice:     stop.StopPrice,
		Status:        domain.OrderStatusAccepted,
		UpdatedAt:     b.now,
	}
	b.orders[entry.ClientOrderID] = entryState
	b.orders[stop.ClientOrderID] = stopState

	if b.RejectNextEntry {
		b.RejectNextEntry = false
		entryState.Status = domain.OrderStatusRejected
		stopState.Status = domain.OrderStatusCancelled
		b.emit(OrderUpdate{Type: UpdateRejected, ClientOrderID: entry.ClientOrderID, OrderID: entryState.ID, At: b.now})
		b.emit(OrderUpdate{Type: UpdateCancelled, ClientOrderID: stop.ClientOrderID, OrderID: stopState.ID, At: b.now})
		return nil
	}

	b.emit(OrderUpdate{Type: UpdateAccepted, ClientOrderID: entry.ClientOrderID, OrderID: entryState.ID, At: b.now})

	if b.RejectNextStop {
		b.RejectNextStop = false
		stopState.Status = domain.OrderStatusRejected
		b.emit(OrderUpdate{Type: UpdateRejected, ClientOrderID: stop.ClientOrderID, OrderID: stopState.ID, At: b.now})
	} else {
		b.emit(OrderUpdate{Type: UpdateAccepted, ClientOrderID: stop.ClientOrderID, OrderID: stopState.ID, At: b.now})
	}

	if b.timing == FillAtClose {
		b.fillEntry(entryState, b.lastClose)
	} else {
		b.pendingEntries = append(b.pendingEntries, entry.ClientOrderID)
	}
	return nil
}

func (b *SimulatorBroker) fillEntry(o *domain.OrderState, price float64) {
	qty := o.Qty
	partial := false
	if b.PartialFillQty > 0 && b.PartialFillQty < qty {
		qty = b.PartialFillQty
		b.PartialFillQty = 0
		partial = true
	}

	cost := float64(qty)*price + float64(qty)*b.commissionPerShare
	b.cash -= cost
	if b.posQty+qty > 0 {
		b.posAvg = (b.posAvg*float64(b.posQty) + price*float64(qty)) / float64(b.posQty+qty)
	}
	b.posQty += qty

	o.FilledQty = qty
	o.FilledAvgPrice = price
	o.UpdatedAt = b.now
	if partial {
		o.Status = domain.OrderStatusPartiallyFilled
		b.emit(OrderUpdate{Type: UpdatePartialFill, ClientOrderID: o.ClientOrderID, OrderID: o.ID, FilledQty: qty, FillPrice: price, At: b.now})
		return
	}
	o.Status = domain.OrderStatusFilled
	b.emit(OrderUpdate{Type: UpdateFill, ClientOrderID: o.ClientOrderID, OrderID: o.ID, FilledQty: qty, FillPrice: price, At: b.now})
}

// SubmitFlatten fills the exit immediately at the current bar's close.
func (b *SimulatorBroker) SubmitFlatten(_ context.Context, intent domain.OrderIntent) error {
	if _, exists := b.orders[intent.ClientOrderID]; exists {
		return nil
	}
	if intent.Qty > b.posQty {
		return fmt.Errorf("flatten qty %d exceeds position %d", intent.Qty, b.posQty)
	}

	o := &domain.OrderState{
		ID:            "sim-" + intent.ClientOrderID,
		ClientOrderID: intent.ClientOrderID,
		GroupID:       intent.GroupID,
		Kind:          intent.Kind,
		Symbol:        intent.Symbol,
		Qty:           intent.Qty,
		Status:        domain.OrderStatusAccepted,
		UpdatedAt:     b.now,
	}
	b.orders[intent.ClientOrderID] = o
	b.emit(OrderUpdate{Type: UpdateAccepted, ClientOrderID: intent.ClientOrderID, OrderID: o.ID, At: b.now})

	price := b.lastClose
	proceeds := float64(intent.Qty)*price - float64(intent.Qty)*b.commissionPerShare
	b.cash += proceeds
	b.posQty -= intent.Qty
	if b.posQty == 0 {
		b.posAvg = 0
	}

	o.FilledQty = intent.Qty
	o.FilledAvgPrice = price
	o.Status = domain.OrderStatusFilled
	b.emit(OrderUpdate{Type: UpdateFill, ClientOrderID: intent.ClientOrderID, OrderID: o.ID, FilledQty: intent.Qty, FillPrice: price, At: b.now})
	return nil
}

// CancelOrder marks an open order cancelled. Cancelling an unknown or
// already-terminal order is a no-op.
func (b *SimulatorBroker) CancelOrder(_ context.Context, clientOrderID string) error {
	o, ok := b.orders[clientOrderID]
	if !ok {
		return nil
	}
	switch o.Status {
	case domain.OrderStatusAccepted, domain.OrderStatusNew, domain.OrderStatusPartiallyFilled:
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = b.now
		b.emit(OrderUpdate{Type: UpdateCancelled, ClientOrderID: clientOrderID, OrderID: o.ID, At: b.now})
		for i, cid := range b.pendingEntries {
			if cid == clientOrderID {
				b.pendingEntries = append(b.pendingEntries[:i], b.pendingEntries[i+1:]...)
				break
			}
		}
	}
	return nil
}

// ReplaceStop retires the old stop leg and accepts a replacement at the new
// price.
func (b *SimulatorBroker) ReplaceStop(_ context.Context, oldClientOrderID string, intent domain.OrderIntent) error {
	old, ok := b.orders[oldClientOrderID]
	if !ok {
		return fmt.Errorf("replace: unknown order %s", oldClientOrderID)
	}
	if old.Status == domain.OrderStatusAccepted {
		old.Status = domain.OrderStatusReplaced
		old.UpdatedAt = b.now
		b.emit(OrderUpdate{Type: UpdateReplaced, ClientOrderID: oldClientOrderID, OrderID: old.ID, At: b.now})
	}

	replacement := &domain.OrderState{
		ID:            "sim-" + intent.ClientOrderID,
		ClientOrderID: intent.ClientOrderID,
		GroupID:       intent.GroupID,
		Kind:          intent.Kind,
		Symbol:        intent.Symbol,
		Qty:           intent.Qty,
		StopPrice:     intent.StopPrice,
		Status:        domain.OrderStatusAccepted,
		UpdatedAt:     b.now,
	}
	b.orders[intent.ClientOrderID] = replacement
	b.emit(OrderUpdate{Type: UpdateAccepted, ClientOrderID: intent.ClientOrderID, OrderID: replacement.ID, At: b.now})
	return nil
}

// FindOrder returns the simulator's state for a client order ID.
func (b *SimulatorBroker) FindOrder(_ context.Context, clientOrderID string) (*domain.OrderState, error) {
	o, ok := b.orders[clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

// OpenOrders returns all orders still working at the simulator.
func (b *SimulatorBroker) OpenOrders(_ context.Context) ([]domain.OrderState, error) {
	var open []domain.OrderState
	for _, o := range b.orders {
		switch o.Status {
		case domain.OrderStatusNew, domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled:
			open = append(open, *o)
		}
	}
	return open, nil
}

// OpenPosition returns the simulated share count and average entry price.
func (b *SimulatorBroker) OpenPosition(_ context.Context, _ string) (int, float64, error) {
	return b.posQty, b.posAvg, nil
}

// Account returns the simulated account snapshot. Equity marks the open
// position to the last close.
func (b *SimulatorBroker) Account(_ context.Context) (domain.AccountState, error) {
	equity := b.cash + float64(b.posQty)*b.lastClose
	return domain.AccountState{
		Equity:      equity,
		Cash:        b.cash,
		BuyingPower: b.cash,
	}, nil
}

// Updates returns the acknowledgement event stream.
func (b *SimulatorBroker) Updates() <-chan OrderUpdate {
	return b.updates
}

func (b *SimulatorBroker) emit(u OrderUpdate) {
	select {
	case b.updates <- u:
	default:
		// A full buffer here means the runner stopped draining; dropping
		// would corrupt reconciliation, so this is treated as unreachable.
		panic("simulator update buffer overflow")
	}
}
