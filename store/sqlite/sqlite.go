/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence interface of the billing engine on one
  database, so a bill and its ledger debit commit in one transaction.

INTERFACES IMPLEMENTED:
  generic.Store:           Ledger entry persistence
  generic.MemberDirectory: Billable members
  billing.BillRepository:  Bills, locking, settlement, carry-forward
  billing.Store:           All of the above plus WithTx
  billing.ConfigLister:    Tenant policies stored as JSON

APPEND-ONLY ENFORCEMENT:
  - Triggers reject DELETE on ledger_entries and any UPDATE other than
    flipping is_reversed
  - Bills are soft-deleted (is_deleted) and never removed

KEY TABLES:
  members:         Directory records (area, opening balance)
  tenant_configs:  Validated TenantConfig as JSON
  ledger_entries:  Immutable per-member running-balance log
  bills:           One row per (tenant, member, period)

INDEXES:
  - idx_ledger_member_seq (UNIQUE): compare-and-swap on the member's Seq.
    Two writers computing from the same tail collide here and the loser
    gets ErrStaleBalance.
  - idx_bills_member_period (UNIQUE, partial on is_deleted = 0): one
    live bill per member and period
  - idx_ledger_tenant_date, idx_ledger_bill, idx_bills_period,
    idx_bills_member_status: query paths

CONNECTIONS:
  The pool is capped at one connection. SQLite has a single writer, and
  ":memory:" databases are per connection. Inside WithTx every read goes
  through the transaction, never through the pool.

NUMBERS AND DATES:
  Money and decimals are TEXT (exact decimal strings). Dates are TEXT
  "YYYY-MM-DD", so lexical order is chronological order.

USAGE:
  store, err := sqlite.New("./data/society.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, store, store, logger)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - generic/store.go: Ledger store interface
  - billing/bill.go: Bill repository interface
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/warp/society-ledger/billing"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	conn
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn holds every query. Store runs it on the pool, txStore on a
// transaction.
type conn struct {
	q queryer
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, conn: conn{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Members (directory)
	CREATE TABLE IF NOT EXISTS members (
		tenant_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		name TEXT,
		area TEXT NOT NULL DEFAULT '0',
		opening_balance TEXT NOT NULL DEFAULT '0',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, member_id)
	);

	CREATE INDEX IF NOT EXISTS idx_members_tenant_unit
		ON members(tenant_id, unit_id);

	-- Tenant policies
	CREATE TABLE IF NOT EXISTS tenant_configs (
		tenant_id TEXT PRIMARY KEY,
		config_json TEXT NOT NULL,
		version INTEGER DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		entry_date TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		category TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		bill_id TEXT,
		payment_mode TEXT,
		reference TEXT,
		narration TEXT,
		is_reversed BOOLEAN NOT NULL DEFAULT FALSE,
		reversal_of TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: one entry per member position. This is the compare-and-swap.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_member_seq
		ON ledger_entries(tenant_id, member_id, seq);

	CREATE INDEX IF NOT EXISTS idx_ledger_tenant_date
		ON ledger_entries(tenant_id, entry_date);
	CREATE INDEX IF NOT EXISTS idx_ledger_bill
		ON ledger_entries(tenant_id, bill_id) WHERE bill_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_ledger_no_delete
		BEFORE DELETE ON ledger_entries
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_ledger_no_edit
		BEFORE UPDATE ON ledger_entries
		WHEN NEW.amount != OLD.amount
		  OR NEW.balance_after != OLD.balance_after
		  OR NEW.seq != OLD.seq
		  OR NEW.entry_date != OLD.entry_date
		  OR NEW.entry_type != OLD.entry_type
		  OR NEW.member_id != OLD.member_id
	BEGIN
		SELECT RAISE(ABORT, 'ledger entries are immutable');
	END;

	-- Bills
	CREATE TABLE IF NOT EXISTS bills (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		unit_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		bill_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		charges_json TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax TEXT NOT NULL,
		previous_arrears TEXT NOT NULL,
		arrears_since TEXT,
		interest TEXT NOT NULL,
		interest_through TEXT,
		total_amount TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		balance_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		is_locked BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		carried_forward_to TEXT,
		notes TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: one live bill per member and period
	CREATE UNIQUE INDEX IF NOT EXISTS idx_bills_member_period
		ON bills(tenant_id, member_id, period_id) WHERE is_deleted = 0;

	CREATE INDEX IF NOT EXISTS idx_bills_period
		ON bills(tenant_id, period_id);
	CREATE INDEX IF NOT EXISTS idx_bills_member_status
		ON bills(tenant_id, member_id, status);
	CREATE INDEX IF NOT EXISTS idx_bills_carried
		ON bills(tenant_id, carried_forward_to) WHERE carried_forward_to IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	conn
}

// WithTx inside a transaction joins it.
func (ts *txStore) WithTx(_ context.Context, fn func(billing.Store) error) error {
	return fn(ts)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
