// Package store persists bars, orders, positions, and closed trades. Bar
// history lives in Parquet files; the trading journal lives in SQLite.
package store

import (
	"context"
	"time"

	"vesta/internal/domain"
)

// BarStore persists and retrieves 5-minute OHLCV bar data. Indicator fields
// are not stored; they are recomputed on replay so that archived and live
// bars go through the same incremental path.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol within [start, end],
	// sorted by timestamp.
	ReadBars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols with archived bars.
	ListSymbols(ctx context.Context) ([]string, error)
}

// TradeStore records completed round trips. Append-only.
type TradeStore interface {
	// SaveTrade appends a closed-trade record.
	SaveTrade(ctx context.Context, trade *domain.Trade) error

	// ListTrades returns the most recent trades for a symbol, newest first,
	// up to limit. A limit of 0 means no limit.
	ListTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error)
}

// OrderStore keeps the audit trail of submitted orders, keyed by client
// order ID.
type OrderStore interface {
	// SaveOrder inserts or updates an order record.
	SaveOrder(ctx context.Context, order *domain.OrderState) error

	// GetOrderByClientID retrieves an order by its client order ID. Returns
	// (nil, nil) when no such order exists.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderState, error)

	// ListOrders returns all orders with the given status.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.OrderState, error)
}

// PositionStore keeps the latest position snapshot per symbol so a restarted
// process can compare local state against broker truth.
type PositionStore interface {
	// SavePosition inserts or updates the position snapshot for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the snapshot for a symbol. Returns (nil, nil)
	// when no snapshot exists.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// DeletePosition removes the snapshot for a symbol.
	DeletePosition(ctx context.Context, symbol string) error
}
