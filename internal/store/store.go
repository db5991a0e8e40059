// Package store provides the SQLite-backed persistence layer for the
// sandbox: orders, trades, positions, holdings, funds and runtime
// config. Every write to a user's rows happens under that user's lock;
// cross-user operations never interleave mutations of the same row.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by both *sql.DB and *sql.Tx so row helpers can
// run standalone or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database handle and the per-user lock registry.
type Store struct {
	db *sql.DB

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Open opens (creating if needed) the sandbox database at path and
// applies the schema. Pass ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite allows a single writer; a small pool avoids lock churn and
	// keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, locks: make(map[string]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-only queries.
func (s *Store) DB() *sql.DB { return s.db }

// LockUser acquires the write lock for a user and returns the unlock
// function. Quote fetches must complete before this is called.
func (s *Store) LockUser(userID string) func() {
	s.lockMu.Lock()
	mu, ok := s.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[userID] = mu
	}
	s.lockMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// WithUserTx runs fn inside a transaction while holding the user's
// write lock. The transaction is rolled back if fn returns an error.
func (s *Store) WithUserTx(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error {
	unlock := s.LockUser(userID)
	defer unlock()
	return s.WithTx(ctx, fn)
}

// WithTx runs fn inside a transaction without user locking. Callers
// that already hold the relevant lock use this directly.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	orderid          TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	exchange         TEXT NOT NULL,
	action           TEXT NOT NULL,
	quantity         INTEGER NOT NULL,
	price            TEXT NOT NULL DEFAULT '0',
	trigger_price    TEXT NOT NULL DEFAULT '0',
	price_type       TEXT NOT NULL,
	product          TEXT NOT NULL,
	order_status     TEXT NOT NULL,
	filled_quantity  INTEGER NOT NULL DEFAULT 0,
	pending_quantity INTEGER NOT NULL DEFAULT 0,
	average_price    TEXT NOT NULL DEFAULT '0',
	rejection_reason TEXT NOT NULL DEFAULT '',
	margin_blocked   TEXT NOT NULL DEFAULT '0',
	strategy         TEXT NOT NULL DEFAULT '',
	order_timestamp  INTEGER NOT NULL,
	update_timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders(user_id, order_status);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(order_status);

CREATE TABLE IF NOT EXISTS trades (
	tradeid         TEXT PRIMARY KEY,
	orderid         TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	action          TEXT NOT NULL,
	quantity        INTEGER NOT NULL,
	price           TEXT NOT NULL,
	product         TEXT NOT NULL,
	trade_timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_orderid ON trades(orderid);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id);

CREATE TABLE IF NOT EXISTS positions (
	user_id                  TEXT NOT NULL,
	symbol                   TEXT NOT NULL,
	exchange                 TEXT NOT NULL,
	product                  TEXT NOT NULL,
	quantity                 INTEGER NOT NULL DEFAULT 0,
	average_price            TEXT NOT NULL DEFAULT '0',
	ltp                      TEXT NOT NULL DEFAULT '0',
	pnl                      TEXT NOT NULL DEFAULT '0',
	pnl_percent              TEXT NOT NULL DEFAULT '0',
	accumulated_realized_pnl TEXT NOT NULL DEFAULT '0',
	margin_blocked           TEXT NOT NULL DEFAULT '0',
	created_at               INTEGER NOT NULL,
	updated_at               INTEGER NOT NULL,
	PRIMARY KEY (user_id, symbol, exchange, product)
);

CREATE TABLE IF NOT EXISTS holdings (
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	exchange        TEXT NOT NULL,
	quantity        INTEGER NOT NULL DEFAULT 0,
	average_price   TEXT NOT NULL DEFAULT '0',
	ltp             TEXT NOT NULL DEFAULT '0',
	pnl             TEXT NOT NULL DEFAULT '0',
	pnl_percent     TEXT NOT NULL DEFAULT '0',
	settlement_date INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (user_id, symbol, exchange)
);

CREATE TABLE IF NOT EXISTS funds (
	user_id           TEXT PRIMARY KEY,
	total_capital     TEXT NOT NULL,
	available_balance TEXT NOT NULL,
	used_margin       TEXT NOT NULL DEFAULT '0',
	realized_pnl      TEXT NOT NULL DEFAULT '0',
	unrealized_pnl    TEXT NOT NULL DEFAULT '0',
	total_pnl         TEXT NOT NULL DEFAULT '0',
	last_reset_date   INTEGER NOT NULL,
	reset_count       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// --- scan helpers ---

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func tsToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func timeToTS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
