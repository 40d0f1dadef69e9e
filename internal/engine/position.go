package engine

import (
	"fmt"
	"time"

	"vesta/internal/domain"
)

// StopCheck is the outcome of advancing an open position by one bar.
type StopCheck struct {
	// StopMoved is true when the trailing stop ratcheted up this bar.
	StopMoved bool
	// NewStop is the stop level after the bar (moved or not).
	NewStop float64
	// Exit is true when the bar closed at or below the stop.
	Exit bool
	// Reason distinguishes the original sizing stop from a stop that has
	// since trailed above it.
	Reason domain.ExitReason
}

// PositionStateMachine owns the lifecycle of the single position:
// Flat → Opening → Open → Closing → Flat, cyclic across round trips.
// Transitions into Open and back to Flat happen only on confirmed fills,
// never speculatively. While Open the protective stop only ever moves up.
//
// The machine is pure bookkeeping: it emits no orders itself. The runner
// reads its decisions and drives the order lifecycle manager.
type PositionStateMachine struct {
	pos         domain.Position
	trailMult   float64
	initialStop float64
	trailed     bool
	exitReason  domain.ExitReason
}

// NewPositionStateMachine creates a machine in Flat for the given symbol.
func NewPositionStateMachine(symbol string, trailMult float64) *PositionStateMachine {
	return &PositionStateMachine{
		pos:       domain.Position{Symbol: symbol, Status: domain.PositionFlat},
		trailMult: trailMult,
	}
}

// Status returns the current lifecycle state.
func (m *PositionStateMachine) Status() domain.PositionStatus { return m.pos.Status }

// Position returns a copy of the tracked position.
func (m *PositionStateMachine) Position() domain.Position { return m.pos }

// BeginOpening transitions Flat → Opening when an entry bracket is being
// submitted. Rejected if any round trip is already in progress: at most one
// non-flat position exists at any time.
func (m *PositionStateMachine) BeginOpening(sizing Sizing) error {
	if m.pos.Status != domain.PositionFlat {
		return fmt.Errorf("cannot open: position is %s", m.pos.Status)
	}
	if !sizing.Valid {
		return fmt.Errorf("cannot open: sizing invalid (%s)", sizing.Reason)
	}
	m.pos.Status = domain.PositionOpening
	m.pos.Shares = sizing.Shares
	m.pos.CurrentStop = sizing.StopPrice
	m.initialStop = sizing.StopPrice
	m.trailed = false
	return nil
}

// AbortOpening transitions Opening → Flat after an entry rejection or
// unrecoverable timeout. No state is carried forward.
func (m *PositionStateMachine) AbortOpening() {
	if m.pos.Status != domain.PositionOpening {
		return
	}
	m.reset()
}

// ConfirmEntry transitions Opening → Open on a confirmed entry fill. The
// high-water mark seeds at the fill price; the stop stays at the sizing
// level until price makes a new high. Qty may be below the requested size
// after a partial fill.
func (m *PositionStateMachine) ConfirmEntry(qty int, fillPrice float64, at time.Time) error {
	if m.pos.Status != domain.PositionOpening {
		return fmt.Errorf("entry fill in state %s", m.pos.Status)
	}
	if qty <= 0 {
		return fmt.Errorf("entry fill with qty %d", qty)
	}
	m.pos.Status = domain.PositionOpen
	m.pos.Shares = qty
	m.pos.EntryPrice = fillPrice
	m.pos.EntryTime = at
	m.pos.HighWaterMark = fillPrice
	return nil
}

// OnBar advances an Open position by one completed bar: ratchets the
// trailing stop on a new high, then checks the close against the stop.
// The stop is monotonic — a lower candidate never moves it down.
func (m *PositionStateMachine) OnBar(bar domain.Bar) StopCheck {
	if m.pos.Status != domain.PositionOpen {
		return StopCheck{NewStop: m.pos.CurrentStop}
	}

	check := StopCheck{NewStop: m.pos.CurrentStop}

	if bar.High > m.pos.HighWaterMark {
		m.pos.HighWaterMark = bar.High
		candidate := bar.High - bar.ATR*m.trailMult
		if candidate > m.pos.CurrentStop {
			m.pos.CurrentStop = candidate
			m.trailed = true
			check.StopMoved = true
			check.NewStop = candidate
		}
	}

	if bar.Close <= m.pos.CurrentStop {
		check.Exit = true
		if m.trailed {
			check.Reason = domain.ExitTrailingStop
		} else {
			check.Reason = domain.ExitStopLoss
		}
	}
	return check
}

// StopExitReason classifies a stop execution: the original sizing stop, or
// a stop that has since trailed above it.
func (m *PositionStateMachine) StopExitReason() domain.ExitReason {
	if m.trailed {
		return domain.ExitTrailingStop
	}
	return domain.ExitStopLoss
}

// BeginClosing transitions Open → Closing with the given exit reason.
// Idempotent while already Closing; ForceFlatten is also accepted from
// Opening (the entry may still be in flight when the operator pulls the
// cord).
func (m *PositionStateMachine) BeginClosing(reason domain.ExitReason) error {
	switch m.pos.Status {
	case domain.PositionOpen:
		m.pos.Status = domain.PositionClosing
		m.exitReason = reason
		return nil
	case domain.PositionClosing:
		return nil
	case domain.PositionOpening:
		if reason == domain.ExitForceFlatten {
			m.pos.Status = domain.PositionClosing
			m.exitReason = reason
			return nil
		}
	}
	return fmt.Errorf("cannot close: position is %s", m.pos.Status)
}

// ConfirmExit transitions Closing → Flat on a confirmed exit fill and
// returns the completed round-trip record. Commission covers both legs and
// is subtracted from PnL.
func (m *PositionStateMachine) ConfirmExit(fillPrice float64, at time.Time, commission float64) (domain.Trade, error) {
	if m.pos.Status != domain.PositionClosing {
		return domain.Trade{}, fmt.Errorf("exit fill in state %s", m.pos.Status)
	}
	trade := domain.Trade{
		Symbol:     m.pos.Symbol,
		Qty:        m.pos.Shares,
		EntryPrice: m.pos.EntryPrice,
		ExitPrice:  fillPrice,
		EntryTime:  m.pos.EntryTime,
		ExitTime:   at,
		PnL:        (fillPrice-m.pos.EntryPrice)*float64(m.pos.Shares) - commission,
		Commission: commission,
		ExitReason: m.exitReason,
	}
	m.reset()
	return trade, nil
}

// Adopt installs broker-reported truth after a reconcile: an open position
// with the given quantity, average entry, and working stop. Used only at
// startup or after reconnect, when the broker disagrees with local state.
func (m *PositionStateMachine) Adopt(qty int, avgEntry, stop float64, at time.Time) {
	m.pos.Status = domain.PositionOpen
	m.pos.Shares = qty
	m.pos.EntryPrice = avgEntry
	m.pos.EntryTime = at
	m.pos.HighWaterMark = avgEntry
	m.pos.CurrentStop = stop
	m.initialStop = stop
	m.trailed = false
}

// Reset forces the machine back to Flat, discarding any tracked position.
// Used when the broker reports flat but local state disagrees.
func (m *PositionStateMachine) Reset() { m.reset() }

func (m *PositionStateMachine) reset() {
	symbol := m.pos.Symbol
	m.pos = domain.Position{Symbol: symbol, Status: domain.PositionFlat}
	m.initialStop = 0
	m.trailed = false
	m.exitReason = ""
}
