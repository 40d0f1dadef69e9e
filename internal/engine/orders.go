package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vesta/internal/broker"
	"vesta/internal/domain"
	"vesta/internal/store"
)

// EventKind classifies a lifecycle event surfaced to the runner.
type EventKind string

const (
	// EventBracketLive fires once both legs of the bracket are acknowledged.
	EventBracketLive EventKind = "bracket_live"
	// EventEntryFilled fires when the entry quantity is final (full fill, or
	// partial fill whose remainder has been cancelled).
	EventEntryFilled EventKind = "entry_filled"
	// EventEntryFailed fires when the entry leg is rejected, cancelled
	// unfilled, or lost. The runner aborts the opening.
	EventEntryFailed EventKind = "entry_failed"
	// EventStopFilled fires when the broker executed the protective stop.
	EventStopFilled EventKind = "stop_filled"
	// EventNakedFlatten fires when the stop leg failed while shares were
	// held and an emergency flatten was submitted.
	EventNakedFlatten EventKind = "naked_flatten"
	// EventExitFilled fires when a flatten order filled.
	EventExitFilled EventKind = "exit_filled"
	// EventExitFailed fires when a flatten order was rejected. The runner
	// retries on the next bar.
	EventExitFailed EventKind = "exit_failed"
)

// LifecycleEvent is one reconciled order outcome delivered to the runner.
type LifecycleEvent struct {
	Kind  EventKind
	Qty   int
	Price float64
	At    time.Time
}

// bracket tracks the single in-flight order group. At most one bracket
// exists at a time, mirroring the single-position invariant.
type bracket struct {
	groupID  string
	entryCID string

	requestedQty int
	filledQty    int
	fillPrice    float64

	entryAcked bool
	stopAcked  bool
	liveSent   bool // EventBracketLive already emitted

	entryFinal bool // entry quantity will not change again

	// partialSince is set on the first partial fill; after a bounded wait
	// the unfilled remainder is cancelled.
	partialSince time.Time
	cancelSent   bool
}

// OrderLifecycleManager translates position decisions into broker calls and
// reconciles asynchronous acknowledgements back into lifecycle events.
//
// Acknowledgements are matched by client order ID, never by arrival order.
// Stop replacements carry a generation counter: a late event for a
// superseded stop generation is ignored rather than misapplied.
type OrderLifecycleManager struct {
	broker broker.Broker
	orders store.OrderStore // nil disables persistence
	log    *slog.Logger

	symbol      string
	ackTimeout  time.Duration
	partialWait time.Duration

	br *bracket // nil when no bracket is in flight

	// Protective stop tracking, by generation.
	stopCID  string
	stopGen  int
	stopQty  int
	stopAt   float64
	cidGen   map[string]int
	stopDone bool // stop reached a terminal state (filled/cancelled)

	exitCID string

	// submittedAt tracks orders awaiting their first acknowledgement.
	submittedAt map[string]time.Time
}

// NewOrderLifecycleManager creates a manager for one symbol. The order
// store may be nil (backtests skip persistence).
func NewOrderLifecycleManager(b broker.Broker, orders store.OrderStore, symbol string, ackTimeout, partialWait time.Duration) *OrderLifecycleManager {
	return &OrderLifecycleManager{
		broker:      b,
		orders:      orders,
		log:         slog.Default().With("component", "orders", "symbol", symbol),
		symbol:      symbol,
		ackTimeout:  ackTimeout,
		partialWait: partialWait,
		cidGen:      make(map[string]int),
		submittedAt: make(map[string]time.Time),
	}
}

// InFlight reports whether a bracket or flatten is awaiting resolution.
func (m *OrderLifecycleManager) InFlight() bool {
	return m.br != nil || m.exitCID != ""
}

// ExitInFlight reports whether a flatten is awaiting its fill.
func (m *OrderLifecycleManager) ExitInFlight() bool { return m.exitCID != "" }

// FilledQty returns the entry quantity filled so far on the current
// bracket, zero when none is in flight.
func (m *OrderLifecycleManager) FilledQty() int { return m.heldQty() }

// FillPrice returns the average entry fill price on the current bracket.
func (m *OrderLifecycleManager) FillPrice() float64 {
	if m.br != nil {
		return m.br.fillPrice
	}
	return 0
}

// Abandon withdraws the in-flight bracket: cancels whatever legs remain
// working and drops tracking. Used for operator force-flatten while the
// entry is still unfilled.
func (m *OrderLifecycleManager) Abandon(ctx context.Context) {
	if m.br == nil {
		return
	}
	m.abandonBracket(ctx)
}

// StopPrice returns the working protective-stop level, or zero when none.
func (m *OrderLifecycleManager) StopPrice() float64 {
	if m.stopCID == "" || m.stopDone {
		return 0
	}
	return m.stopAt
}

// SubmitBracket submits the entry and its protective stop as one atomic
// group. The bracket is not reported live until both legs are acknowledged.
func (m *OrderLifecycleManager) SubmitBracket(ctx context.Context, sizing Sizing, now time.Time) error {
	if m.br != nil {
		return fmt.Errorf("bracket already in flight (group %s)", m.br.groupID)
	}
	if !sizing.Valid {
		return fmt.Errorf("refusing bracket with invalid sizing: %s", sizing.Reason)
	}

	groupID := uuid.NewString()
	entry := domain.OrderIntent{
		Kind:          domain.IntentEntry,
		GroupID:       groupID,
		ClientOrderID: groupID + "-entry",
		Symbol:        m.symbol,
		Qty:           sizing.Shares,
	}
	stop := domain.OrderIntent{
		Kind:          domain.IntentProtectiveStop,
		GroupID:       groupID,
		ClientOrderID: groupID + "-stop-1",
		Symbol:        m.symbol,
		Qty:           sizing.Shares,
		StopPrice:     sizing.StopPrice,
	}

	// Reconnect safety: never resubmit a client order ID the broker already
	// knows.
	if existing, err := m.broker.FindOrder(ctx, entry.ClientOrderID); err != nil {
		return fmt.Errorf("pre-submit lookup: %w", err)
	} else if existing != nil {
		return fmt.Errorf("client order id %s already known to broker", entry.ClientOrderID)
	}

	if err := m.broker.SubmitBracket(ctx, entry, stop); err != nil {
		return fmt.Errorf("submitting bracket: %w", err)
	}

	m.br = &bracket{
		groupID:      groupID,
		entryCID:     entry.ClientOrderID,
		requestedQty: sizing.Shares,
	}
	m.stopCID = stop.ClientOrderID
	m.stopGen = 1
	m.stopQty = sizing.Shares
	m.stopAt = sizing.StopPrice
	m.stopDone = false
	m.cidGen = map[string]int{stop.ClientOrderID: 1}
	m.submittedAt[entry.ClientOrderID] = now
	m.submittedAt[stop.ClientOrderID] = now

	m.persist(ctx, entry, domain.OrderStatusNew, now)
	m.persist(ctx, stop, domain.OrderStatusNew, now)

	m.log.Info("bracket submitted",
		"group", groupID, "qty", sizing.Shares, "stop", sizing.StopPrice)
	return nil
}

// ReplaceStop cancel-and-replaces the protective stop at a new price,
// advancing the generation counter. Only meaningful while the position is
// Open and a stop is working.
func (m *OrderLifecycleManager) ReplaceStop(ctx context.Context, newStop float64, qty int, now time.Time) error {
	if m.stopCID == "" || m.stopDone {
		return fmt.Errorf("no working stop to replace")
	}

	gen := m.stopGen + 1
	groupID := m.groupID()
	intent := domain.OrderIntent{
		Kind:          domain.IntentProtectiveStop,
		GroupID:       groupID,
		ClientOrderID: fmt.Sprintf("%s-stop-%d", groupID, gen),
		Symbol:        m.symbol,
		Qty:           qty,
		StopPrice:     newStop,
	}

	if err := m.broker.ReplaceStop(ctx, m.stopCID, intent); err != nil {
		return fmt.Errorf("replacing stop: %w", err)
	}

	m.stopCID = intent.ClientOrderID
	m.stopGen = gen
	m.stopQty = qty
	m.stopAt = newStop
	m.cidGen[intent.ClientOrderID] = gen
	m.submittedAt[intent.ClientOrderID] = now

	m.persist(ctx, intent, domain.OrderStatusNew, now)
	m.log.Info("stop replaced", "gen", gen, "stop", newStop)
	return nil
}

// SubmitFlatten submits a market exit for qty shares. The working stop is
// cancelled first so the shares are free to sell.
func (m *OrderLifecycleManager) SubmitFlatten(ctx context.Context, qty int, now time.Time) error {
	if m.exitCID != "" {
		return nil // flatten already in flight; idempotent
	}

	if m.stopCID != "" && !m.stopDone {
		if err := m.broker.CancelOrder(ctx, m.stopCID); err != nil {
			m.log.Error("cancelling stop before flatten", "err", err)
		}
		m.stopDone = true
	}

	groupID := m.groupID()
	intent := domain.OrderIntent{
		Kind:          domain.IntentFlatten,
		GroupID:       groupID,
		ClientOrderID: groupID + "-flatten",
		Symbol:        m.symbol,
		Qty:           qty,
	}
	if err := m.broker.SubmitFlatten(ctx, intent); err != nil {
		return fmt.Errorf("submitting flatten: %w", err)
	}
	m.exitCID = intent.ClientOrderID
	m.submittedAt[intent.ClientOrderID] = now
	m.persist(ctx, intent, domain.OrderStatusNew, now)
	m.log.Info("flatten submitted", "qty", qty)
	return nil
}

// HandleUpdate reconciles one acknowledgement into lifecycle events. Events
// for unknown or superseded client order IDs are dropped.
func (m *OrderLifecycleManager) HandleUpdate(ctx context.Context, u broker.OrderUpdate) []LifecycleEvent {
	delete(m.submittedAt, u.ClientOrderID)

	switch {
	case m.br != nil && u.ClientOrderID == m.br.entryCID:
		return m.onEntryUpdate(ctx, u)
	case u.ClientOrderID == m.exitCID:
		return m.onExitUpdate(u)
	case m.cidGen[u.ClientOrderID] != 0:
		return m.onStopUpdate(ctx, u)
	}
	return nil
}

func (m *OrderLifecycleManager) onEntryUpdate(ctx context.Context, u broker.OrderUpdate) []LifecycleEvent {
	br := m.br
	switch u.Type {
	case broker.UpdateAccepted:
		br.entryAcked = true
		return m.maybeBracketLive(u.At)

	case broker.UpdateFill:
		br.filledQty = u.FilledQty
		br.fillPrice = u.FillPrice
		br.entryFinal = true
		ev := []LifecycleEvent{{Kind: EventEntryFilled, Qty: u.FilledQty, Price: u.FillPrice, At: u.At}}
		if br.filledQty != m.stopQty && !m.stopDone {
			// Stop leg must protect exactly the held quantity.
			if err := m.ReplaceStop(ctx, m.stopAt, br.filledQty, u.At); err != nil {
				m.log.Error("resizing stop after fill", "err", err)
			}
		}
		return ev

	case broker.UpdatePartialFill:
		br.filledQty = u.FilledQty
		br.fillPrice = u.FillPrice
		if br.partialSince.IsZero() {
			br.partialSince = u.At
		}
		m.log.Warn("entry partially filled", "filled", u.FilledQty, "requested", br.requestedQty)
		return nil

	case broker.UpdateRejected:
		m.log.Warn("entry rejected", "group", br.groupID)
		m.abandonBracket(ctx)
		return []LifecycleEvent{{Kind: EventEntryFailed, At: u.At}}

	case broker.UpdateCancelled:
		if br.filledQty > 0 {
			// Remainder cancelled after a partial fill: the filled quantity
			// is now final.
			br.entryFinal = true
			if !m.stopDone && br.filledQty != m.stopQty {
				if err := m.ReplaceStop(ctx, m.stopAt, br.filledQty, u.At); err != nil {
					m.log.Error("resizing stop after partial", "err", err)
				}
			}
			return []LifecycleEvent{{Kind: EventEntryFilled, Qty: br.filledQty, Price: br.fillPrice, At: u.At}}
		}
		m.abandonBracket(ctx)
		return []LifecycleEvent{{Kind: EventEntryFailed, At: u.At}}
	}
	return nil
}

func (m *OrderLifecycleManager) onStopUpdate(ctx context.Context, u broker.OrderUpdate) []LifecycleEvent {
	gen := m.cidGen[u.ClientOrderID]
	if gen < m.stopGen {
		// Late acknowledgement for a superseded stop generation.
		m.log.Debug("ignoring stale stop update", "cid", u.ClientOrderID, "gen", gen)
		return nil
	}

	switch u.Type {
	case broker.UpdateAccepted:
		if m.br != nil {
			m.br.stopAcked = true
			return m.maybeBracketLive(u.At)
		}

	case broker.UpdateFill:
		// The broker executed the protective stop; the position is gone.
		m.stopDone = true
		held := m.heldQty()
		m.clearBracket()
		return []LifecycleEvent{{Kind: EventStopFilled, Qty: held, Price: u.FillPrice, At: u.At}}

	case broker.UpdateRejected:
		m.stopDone = true
		held := m.heldQty()
		if held > 0 {
			// Shares with no stop: flatten immediately, never hold naked.
			m.log.Error("stop leg rejected with shares held, flattening", "qty", held)
			if err := m.SubmitFlatten(ctx, held, u.At); err != nil {
				m.log.Error("emergency flatten failed", "err", err)
			}
			return []LifecycleEvent{{Kind: EventNakedFlatten, Qty: held, At: u.At}}
		}
		// Entry not filled yet: withdraw the whole bracket.
		m.log.Warn("stop leg rejected before entry fill, cancelling entry")
		m.abandonBracket(ctx)
		return []LifecycleEvent{{Kind: EventEntryFailed, At: u.At}}

	case broker.UpdateCancelled, broker.UpdateReplaced:
		// Terminal for this generation; nothing to surface.
	}
	return nil
}

func (m *OrderLifecycleManager) onExitUpdate(u broker.OrderUpdate) []LifecycleEvent {
	switch u.Type {
	case broker.UpdateFill:
		held := m.heldQty()
		if held == 0 {
			held = u.FilledQty
		}
		m.exitCID = ""
		m.clearBracket()
		return []LifecycleEvent{{Kind: EventExitFilled, Qty: held, Price: u.FillPrice, At: u.At}}
	case broker.UpdateRejected, broker.UpdateCancelled:
		m.log.Error("flatten did not execute", "type", u.Type)
		m.exitCID = ""
		return []LifecycleEvent{{Kind: EventExitFailed, At: u.At}}
	}
	return nil
}

// CheckTimeouts resolves orders whose acknowledgement never arrived. An
// unacknowledged order is Unknown, not failed: its true state is re-queried
// from the broker before anything is assumed. Also cancels the unfilled
// remainder of an entry that has sat partially filled past the bounded wait.
func (m *OrderLifecycleManager) CheckTimeouts(ctx context.Context, now time.Time) []LifecycleEvent {
	var events []LifecycleEvent

	for cid, at := range m.submittedAt {
		if now.Sub(at) < m.ackTimeout {
			continue
		}
		m.log.Warn("acknowledgement timeout, re-querying broker", "cid", cid)
		state, err := m.broker.FindOrder(ctx, cid)
		if err != nil {
			m.log.Error("order re-query failed", "cid", cid, "err", err)
			continue
		}
		delete(m.submittedAt, cid)
		if state == nil {
			// The broker never saw it. Treat as a rejection of that leg.
			events = append(events, m.HandleUpdate(ctx, broker.OrderUpdate{
				Type: broker.UpdateRejected, ClientOrderID: cid, At: now,
			})...)
			continue
		}
		events = append(events, m.HandleUpdate(ctx, updateFromState(state, now))...)
	}

	if br := m.br; br != nil && !br.entryFinal && !br.partialSince.IsZero() &&
		!br.cancelSent && now.Sub(br.partialSince) >= m.partialWait {
		m.log.Warn("cancelling unfilled entry remainder",
			"filled", br.filledQty, "requested", br.requestedQty)
		br.cancelSent = true
		if err := m.broker.CancelOrder(ctx, br.entryCID); err != nil {
			m.log.Error("cancelling entry remainder", "err", err)
		}
	}

	return events
}

// Reconcile rebuilds in-flight tracking from broker-reported open orders
// after a reconnect. Broker state is authoritative: local tracking for
// orders the broker no longer reports is resolved via FindOrder by the
// timeout path.
func (m *OrderLifecycleManager) Reconcile(ctx context.Context) ([]domain.OrderState, error) {
	open, err := m.broker.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open orders: %w", err)
	}
	for i := range open {
		if open[i].Symbol != m.symbol {
			continue
		}
		if open[i].Kind == domain.IntentProtectiveStop || open[i].StopPrice > 0 {
			m.stopCID = open[i].ClientOrderID
			m.stopAt = open[i].StopPrice
			m.stopQty = open[i].Qty
			m.stopDone = false
			if m.cidGen[open[i].ClientOrderID] == 0 {
				m.stopGen++
				m.cidGen[open[i].ClientOrderID] = m.stopGen
			}
		}
	}

	m.auditPersistedOrders(ctx, open)
	return open, nil
}

// auditPersistedOrders resolves audit-trail rows left in a working state by
// a previous process. Any persisted order the broker no longer reports open
// has reached a terminal state while we were away; its true status is
// re-queried and recorded so the journal never holds phantom working orders.
func (m *OrderLifecycleManager) auditPersistedOrders(ctx context.Context, open []domain.OrderState) {
	if m.orders == nil {
		return
	}

	stillOpen := make(map[string]bool, len(open))
	for i := range open {
		stillOpen[open[i].ClientOrderID] = true
	}

	working := []domain.OrderStatus{
		domain.OrderStatusNew,
		domain.OrderStatusAccepted,
		domain.OrderStatusPartiallyFilled,
		domain.OrderStatusUnknown,
	}
	for _, status := range working {
		stale, err := m.orders.ListOrders(ctx, status)
		if err != nil {
			m.log.Error("listing persisted orders", "status", status, "err", err)
			return
		}
		for i := range stale {
			if stale[i].Symbol != m.symbol || stillOpen[stale[i].ClientOrderID] {
				continue
			}
			state, err := m.broker.FindOrder(ctx, stale[i].ClientOrderID)
			if err != nil {
				m.log.Error("re-querying persisted order",
					"cid", stale[i].ClientOrderID, "err", err)
				continue
			}
			resolved := stale[i]
			if state == nil {
				// The broker never saw it; record the leg as rejected.
				resolved.Status = domain.OrderStatusRejected
			} else {
				resolved.ID = state.ID
				resolved.FilledQty = state.FilledQty
				resolved.FilledAvgPrice = state.FilledAvgPrice
				resolved.Status = state.Status
			}
			resolved.UpdatedAt = time.Now()
			if err := m.orders.SaveOrder(ctx, &resolved); err != nil {
				m.log.Error("recording resolved order",
					"cid", resolved.ClientOrderID, "err", err)
				continue
			}
			m.log.Info("resolved stale order record",
				"cid", resolved.ClientOrderID, "status", resolved.Status)
		}
	}
}

// maybeBracketLive emits EventBracketLive once, after both legs are acked.
func (m *OrderLifecycleManager) maybeBracketLive(at time.Time) []LifecycleEvent {
	br := m.br
	if br == nil || br.liveSent || !br.entryAcked || !br.stopAcked {
		return nil
	}
	br.liveSent = true
	return []LifecycleEvent{{Kind: EventBracketLive, Qty: br.requestedQty, At: at}}
}

// abandonBracket withdraws whatever legs of the bracket remain working.
func (m *OrderLifecycleManager) abandonBracket(ctx context.Context) {
	if m.br != nil && !m.br.entryFinal {
		if err := m.broker.CancelOrder(ctx, m.br.entryCID); err != nil {
			m.log.Error("cancelling entry leg", "err", err)
		}
	}
	if m.stopCID != "" && !m.stopDone {
		if err := m.broker.CancelOrder(ctx, m.stopCID); err != nil {
			m.log.Error("cancelling stop leg", "err", err)
		}
		m.stopDone = true
	}
	m.clearBracket()
}

// clearBracket drops bracket tracking after the round trip resolved.
func (m *OrderLifecycleManager) clearBracket() {
	m.br = nil
	m.stopCID = ""
	m.stopGen = 0
	m.stopQty = 0
	m.stopAt = 0
	m.stopDone = false
	m.cidGen = make(map[string]int)
}

func (m *OrderLifecycleManager) heldQty() int {
	if m.br != nil {
		return m.br.filledQty
	}
	return 0
}

func (m *OrderLifecycleManager) groupID() string {
	if m.br != nil {
		return m.br.groupID
	}
	return uuid.NewString()
}

func (m *OrderLifecycleManager) persist(ctx context.Context, intent domain.OrderIntent, status domain.OrderStatus, now time.Time) {
	if m.orders == nil {
		return
	}
	err := m.orders.SaveOrder(ctx, &domain.OrderState{
		ClientOrderID: intent.ClientOrderID,
		GroupID:       intent.GroupID,
		Kind:          intent.Kind,
		Symbol:        intent.Symbol,
		Qty:           intent.Qty,
		StopPrice:     intent.StopPrice,
		Status:        status,
		UpdatedAt:     now,
	})
	if err != nil {
		m.log.Error("persisting order", "cid", intent.ClientOrderID, "err", err)
	}
}

// updateFromState converts a broker-side order snapshot into the equivalent
// acknowledgement event, for the Unknown-resolution path.
func updateFromState(s *domain.OrderState, now time.Time) broker.OrderUpdate {
	u := broker.OrderUpdate{
		ClientOrderID: s.ClientOrderID,
		OrderID:       s.ID,
		FilledQty:     s.FilledQty,
		FillPrice:     s.FilledAvgPrice,
		At:            now,
	}
	switch s.Status {
	case domain.OrderStatusFilled:
		u.Type = broker.UpdateFill
	case domain.OrderStatusPartiallyFilled:
		u.Type = broker.UpdatePartialFill
	case domain.OrderStatusCancelled:
		u.Type = broker.UpdateCancelled
	case domain.OrderStatusRejected:
		u.Type = broker.UpdateRejected
	case domain.OrderStatusReplaced:
		u.Type = broker.UpdateReplaced
	default:
		u.Type = broker.UpdateAccepted
	}
	return u
}
