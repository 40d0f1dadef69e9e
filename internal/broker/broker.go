// Package broker defines the execution capability consumed by the trading
// engine and provides two implementations: a deterministic simulator for
// backtests and an Alpaca adapter for live trading.
//
// Both implementations deliver order acknowledgements as OrderUpdate events
// on a channel. The simulator emits them synchronously within the call that
// caused them; the live adapter emits them as they arrive from the broker.
// The engine above is agnostic to the difference.
package broker

import (
	"context"
	"time"

	"vesta/internal/domain"
)

// UpdateType classifies an order acknowledgement event.
type UpdateType string

const (
	UpdateAccepted    UpdateType = "accepted"
	UpdateFill        UpdateType = "fill"
	UpdatePartialFill UpdateType = "partial_fill"
	UpdateCancelled   UpdateType = "cancelled"
	UpdateRejected    UpdateType = "rejected"
	UpdateReplaced    UpdateType = "replaced"
)

// OrderUpdate is one acknowledgement event for a submitted order, matched to
// its intent by client order ID (never by arrival order; the network may
// reorder).
type OrderUpdate struct {
	Type          UpdateType
	ClientOrderID string
	OrderID       string // broker-assigned
	FilledQty     int    // cumulative
	FillPrice     float64
	At            time.Time
}

// Broker abstracts order execution and account access. At most one bracket
// (entry + protective stop) is in flight per symbol at any time.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitBracket submits an entry order and its protective stop as one
	// logical unit sharing a group ID. Acknowledgements for both legs arrive
	// via Updates. Re-submitting a client order ID that the broker already
	// knows is a no-op.
	SubmitBracket(ctx context.Context, entry, stop domain.OrderIntent) error

	// SubmitFlatten submits a market order closing the given quantity.
	SubmitFlatten(ctx context.Context, intent domain.OrderIntent) error

	// CancelOrder requests cancellation of an open order by client order ID.
	CancelOrder(ctx context.Context, clientOrderID string) error

	// ReplaceStop cancels-and-replaces the protective stop leg. The
	// replacement order carries the new intent's client order ID.
	ReplaceStop(ctx context.Context, oldClientOrderID string, intent domain.OrderIntent) error

	// FindOrder queries broker-side state for a client order ID. Returns
	// (nil, nil) when the broker has no such order. Used to resolve Unknown
	// after an acknowledgement timeout and to avoid duplicate submission
	// after a reconnect.
	FindOrder(ctx context.Context, clientOrderID string) (*domain.OrderState, error)

	// OpenOrders returns all currently open orders.
	OpenOrders(ctx context.Context) ([]domain.OrderState, error)

	// OpenPosition returns the broker-reported share count and average entry
	// price for the symbol. Zero shares means flat.
	OpenPosition(ctx context.Context, symbol string) (int, float64, error)

	// Account returns a consistent snapshot of the account.
	Account(ctx context.Context) (domain.AccountState, error)

	// Updates is the stream of acknowledgement events.
	Updates() <-chan OrderUpdate
}

// FillTiming selects when the simulator fills entry market orders.
type FillTiming int

const (
	// FillNextOpen fills entries at the next bar's open (the engine decides
	// on bar close, the order executes when trading resumes).
	FillNextOpen FillTiming = iota
	// FillAtClose fills entries immediately at the current bar's close.
	FillAtClose
)

// ParseFillTiming maps the config string onto a FillTiming.
func ParseFillTiming(s string) FillTiming {
	if s == "close" {
		return FillAtClose
	}
	return FillNextOpen
}
