// Package domain defines the core types shared across the vesta trading
// engine: bars, account state, positions, order intents, and closed trades.
package domain

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is a single 5-minute OHLCV bar annotated with the indicator values the
// strategy consumes. Bars are immutable once emitted by a feed and arrive in
// strictly increasing timestamp order.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64

	// Indicator snapshot, populated by the feed. A bar with Ready=false is
	// still inside the indicator warmup window and must not be traded.
	SMA200 float64
	ATR    float64
	WillR  float64
	Ready  bool
}

// ---------------------------------------------------------------------------
// Risk parameters
// ---------------------------------------------------------------------------

// RiskParams holds the per-run risk configuration. It is loaded once at
// startup, validated, and never mutated afterwards.
type RiskParams struct {
	// RiskPct is the fraction of equity risked per trade, in (0, 1].
	RiskPct float64
	// ATRStopMultiplier scales ATR into the initial stop distance.
	ATRStopMultiplier float64
	// ATRTrailMultiplier scales ATR into the trailing stop distance.
	ATRTrailMultiplier float64
	// MaxLeverage caps position notional at equity*MaxLeverage. Must be >= 1.
	MaxLeverage float64
	// MaxRiskDollars caps the dollar risk per trade regardless of equity.
	// Zero disables the cap.
	MaxRiskDollars float64
}

// Validate returns an error describing the first invalid parameter, or nil.
// An invalid RiskParams value is fatal at startup.
func (p RiskParams) Validate() error {
	if p.RiskPct <= 0 || p.RiskPct > 1 {
		return fmt.Errorf("risk_pct must be in (0, 1], got %v", p.RiskPct)
	}
	if p.ATRStopMultiplier <= 0 {
		return fmt.Errorf("atr_stop_multiplier must be > 0, got %v", p.ATRStopMultiplier)
	}
	if p.ATRTrailMultiplier <= 0 {
		return fmt.Errorf("atr_trail_multiplier must be > 0, got %v", p.ATRTrailMultiplier)
	}
	if p.MaxLeverage < 1 {
		return fmt.Errorf("max_leverage must be >= 1, got %v", p.MaxLeverage)
	}
	if p.MaxRiskDollars < 0 {
		return fmt.Errorf("max_risk_dollars must be >= 0, got %v", p.MaxRiskDollars)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

// AccountState is a point-in-time snapshot of the trading account. It is
// produced by the execution context after confirmed fills; all other
// components only read it.
type AccountState struct {
	Equity      float64
	Cash        float64
	BuyingPower float64
}

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// PositionStatus is the lifecycle state of the (at most one) position.
type PositionStatus string

const (
	PositionFlat    PositionStatus = "flat"
	PositionOpening PositionStatus = "opening"
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
)

// Position tracks the single open position for a symbol. At most one
// non-flat Position exists per symbol at any time.
type Position struct {
	Symbol        string
	Shares        int
	EntryPrice    float64
	EntryTime     time.Time
	CurrentStop   float64
	HighWaterMark float64
	Status        PositionStatus
}

// ---------------------------------------------------------------------------
// Order intents and broker-side order state
// ---------------------------------------------------------------------------

// IntentKind classifies an order intent produced by the position state
// machine.
type IntentKind string

const (
	IntentEntry          IntentKind = "entry"
	IntentProtectiveStop IntentKind = "protective_stop"
	IntentFlatten        IntentKind = "flatten"
)

// OrderIntent is a broker-facing instruction. ClientOrderID is the
// idempotency key; Entry and ProtectiveStop intents sharing a GroupID form
// one atomic bracket.
type OrderIntent struct {
	Kind          IntentKind
	GroupID       string
	ClientOrderID string
	Symbol        string
	Qty           int
	StopPrice     float64 // protective-stop trigger; zero for market legs
}

// OrderStatus is the broker-side lifecycle state of a submitted order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusReplaced        OrderStatus = "replaced"
	// OrderStatusUnknown marks an order whose acknowledgement timed out and
	// whose true state has not yet been re-queried from the broker.
	OrderStatusUnknown OrderStatus = "unknown"
)

// OrderState is the engine's view of a submitted order, keyed by client
// order ID for reconciliation after reconnects.
type OrderState struct {
	ID             string // broker-assigned, empty until acknowledged
	ClientOrderID  string
	GroupID        string
	Kind           IntentKind
	Symbol         string
	Qty            int
	FilledQty      int
	FilledAvgPrice float64
	StopPrice      float64
	Status         OrderStatus
	UpdatedAt      time.Time
}

// ---------------------------------------------------------------------------
// Closed trades
// ---------------------------------------------------------------------------

// ExitReason classifies why a position was closed.
type ExitReason string

const (
	ExitStopLoss      ExitReason = "stop_loss"
	ExitTrailingStop  ExitReason = "trailing_stop"
	ExitTrendReversal ExitReason = "trend_reversal"
	ExitForceFlatten  ExitReason = "force_flatten"
)

// Trade is the append-only record of one completed round trip. It is emitted
// exactly once, when the exit fill is confirmed.
type Trade struct {
	Symbol     string
	Qty        int
	EntryPrice float64
	ExitPrice  float64
	EntryTime  time.Time
	ExitTime   time.Time
	PnL        float64 // net of commission
	Commission float64
	ExitReason ExitReason
}
