package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vesta/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ TradeStore = (*SQLiteStore)(nil)
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)

// SQLiteStore implements TradeStore, OrderStore, and PositionStore backed by
// a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol       TEXT NOT NULL,
	qty          INTEGER NOT NULL,
	entry_price  REAL NOT NULL,
	exit_price   REAL NOT NULL,
	entry_time   INTEGER NOT NULL,
	exit_time    INTEGER NOT NULL,
	pnl          REAL NOT NULL,
	commission   REAL NOT NULL,
	exit_reason  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_exit ON trades(symbol, exit_time DESC);

CREATE TABLE IF NOT EXISTS orders (
	client_order_id  TEXT PRIMARY KEY,
	broker_id        TEXT NOT NULL DEFAULT '',
	group_id         TEXT NOT NULL DEFAULT '',
	kind             TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	filled_qty       INTEGER NOT NULL DEFAULT 0,
	filled_avg_price REAL NOT NULL DEFAULT 0,
	stop_price       REAL NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	shares          INTEGER NOT NULL,
	entry_price     REAL NOT NULL,
	entry_time      INTEGER NOT NULL,
	current_stop    REAL NOT NULL,
	high_water_mark REAL NOT NULL,
	status          TEXT NOT NULL
);`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// SaveTrade appends a closed-trade record.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, qty, entry_price, exit_price, entry_time, exit_time, pnl, commission, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Qty, t.EntryPrice, t.ExitPrice,
		t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(),
		t.PnL, t.Commission, string(t.ExitReason),
	)
	return err
}

// ListTrades returns the most recent trades for a symbol, newest first.
func (s *SQLiteStore) ListTrades(ctx context.Context, symbol string, limit int) ([]domain.Trade, error) {
	q := `SELECT symbol, qty, entry_price, exit_price, entry_time, exit_time, pnl, commission, exit_reason
		FROM trades WHERE symbol = ? ORDER BY exit_time DESC`
	args := []any{symbol}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var entryMs, exitMs int64
		var reason string
		if err := rows.Scan(&t.Symbol, &t.Qty, &t.EntryPrice, &t.ExitPrice,
			&entryMs, &exitMs, &t.PnL, &t.Commission, &reason); err != nil {
			return nil, err
		}
		t.EntryTime = time.UnixMilli(entryMs)
		t.ExitTime = time.UnixMilli(exitMs)
		t.ExitReason = domain.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder inserts or updates an order record keyed by client order ID.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.OrderState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, broker_id, group_id, kind, symbol, qty, filled_qty, filled_avg_price, stop_price, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			broker_id = excluded.broker_id,
			filled_qty = excluded.filled_qty,
			filled_avg_price = excluded.filled_avg_price,
			stop_price = excluded.stop_price,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		o.ClientOrderID, o.ID, o.GroupID, string(o.Kind), o.Symbol,
		o.Qty, o.FilledQty, o.FilledAvgPrice, o.StopPrice,
		string(o.Status), o.UpdatedAt.UnixMilli(),
	)
	return err
}

// GetOrderByClientID retrieves an order by its client order ID.
func (s *SQLiteStore) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_order_id, broker_id, group_id, kind, symbol, qty, filled_qty, filled_avg_price, stop_price, status, updated_at
		FROM orders WHERE client_order_id = ?`, clientOrderID)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns all orders with the given status.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.OrderState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_order_id, broker_id, group_id, kind, symbol, qty, filled_qty, filled_avg_price, stop_price, status, updated_at
		FROM orders WHERE status = ? ORDER BY updated_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.OrderState
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*domain.OrderState, error) {
	var o domain.OrderState
	var kind, status string
	var updatedMs int64
	err := r.Scan(&o.ClientOrderID, &o.ID, &o.GroupID, &kind, &o.Symbol,
		&o.Qty, &o.FilledQty, &o.FilledAvgPrice, &o.StopPrice, &status, &updatedMs)
	if err != nil {
		return nil, err
	}
	o.Kind = domain.IntentKind(kind)
	o.Status = domain.OrderStatus(status)
	o.UpdatedAt = time.UnixMilli(updatedMs)
	return &o, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates the position snapshot for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, shares, entry_price, entry_time, current_stop, high_water_mark, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			shares = excluded.shares,
			entry_price = excluded.entry_price,
			entry_time = excluded.entry_time,
			current_stop = excluded.current_stop,
			high_water_mark = excluded.high_water_mark,
			status = excluded.status`,
		p.Symbol, p.Shares, p.EntryPrice, p.EntryTime.UnixMilli(),
		p.CurrentStop, p.HighWaterMark, string(p.Status),
	)
	return err
}

// GetPosition retrieves the snapshot for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT symbol, shares, entry_price, entry_time, current_stop, high_water_mark, status
		FROM positions WHERE symbol = ?`, symbol)

	var p domain.Position
	var entryMs int64
	var status string
	err := row.Scan(&p.Symbol, &p.Shares, &p.EntryPrice, &entryMs,
		&p.CurrentStop, &p.HighWaterMark, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.EntryTime = time.UnixMilli(entryMs)
	p.Status = domain.PositionStatus(status)
	return &p, nil
}

// DeletePosition removes the snapshot for a symbol.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}
