/*
Package sqlstore provides SQL-backed implementations of billing.Repository
and wallet.Store.

PURPOSE:
  One Store type serves both SQLite (embedded, single node, tests) and
  PostgreSQL (shared by replicas). The dialects differ only in placeholder
  syntax, the ledger sequence column and how unique violations surface.

KEY TABLES:
  obligations:      one row per (account_id, period), mutable lifecycle state
  reminder_records: write-once, primary key (obligation_id, kind)
  retry_attempts:   write-once, primary key (obligation_id, attempt_number)
  ledger_entries:   append-only, unique (account_id, idempotency_key)

CONCURRENCY:
  Correctness under concurrent runs comes from the keys above and from
  compare-and-set UPDATEs (WHERE state = ... AND attempt_count = ...), not
  from the mutex. The mutex serializes writers within one process, which
  SQLite needs to avoid SQLITE_BUSY.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch ledger_entries, reminder_records
    or retry_attempts
  - Obligations are updated but never deleted

TIME STORAGE:
  Timestamps are fixed-width UTC text, so lexical order is time order and
  range predicates work the same in both dialects.

USAGE:
  store, err := sqlstore.Open(ctx, "sqlite", "./data/dues.db")
  store, err := sqlstore.Open(ctx, "postgres", "postgres://...")

SEE ALSO:
  - billing/repository.go: obligation contract
  - wallet/store.go: ledger contract
  - store/memory: in-memory implementation for testing
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/wallet"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Store implements billing.Repository and wallet.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.RWMutex
}

var (
	_ billing.Repository = (*Store)(nil)
	_ wallet.Store       = (*Store)(nil)
)

// Open connects to the database for the given driver and applies the schema.
// For SQLite, use ":memory:" for an in-memory database.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db      *sql.DB
		err     error
		dialect Dialect
	)
	switch Dialect(driver) {
	case DialectSQLite:
		dialect = DialectSQLite
		db, err = sql.Open("sqlite3", dsn+"?_foreign_keys=on&_journal_mode=WAL")
		if err == nil {
			// Every connection to ":memory:" is a separate database.
			db.SetMaxOpenConns(1)
		}
	case DialectPostgres:
		dialect = DialectPostgres
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := New(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// New wraps an open connection without touching the schema.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, seq))
	return err
}

const schema = `
	-- Obligations (one per account and period, never deleted)
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		period TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		due_date TEXT NOT NULL,
		state TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_reminder TEXT,
		last_reminder_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (account_id, period)
	);

	-- Orchestrator scans (hot path)
	CREATE INDEX IF NOT EXISTS idx_obligations_state_due
		ON obligations(state, due_date);

	-- Reminder dedup records (write-once)
	CREATE TABLE IF NOT EXISTS reminder_records (
		obligation_id TEXT NOT NULL REFERENCES obligations(id),
		kind TEXT NOT NULL,
		period TEXT NOT NULL,
		sent_at TEXT NOT NULL,
		PRIMARY KEY (obligation_id, kind)
	);

	-- Payment attempts (write-once, numbered 1..N)
	CREATE TABLE IF NOT EXISTS retry_attempts (
		obligation_id TEXT NOT NULL REFERENCES obligations(id),
		attempt_number INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		attempted_at TEXT NOT NULL,
		PRIMARY KEY (obligation_id, attempt_number)
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		%s,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		expires_at TEXT,
		reverses_id TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (account_id, idempotency_key)
	);

	-- Newest-first history and balance reads
	CREATE INDEX IF NOT EXISTS idx_ledger_account_created
		ON ledger_entries(account_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_account_expiry
		ON ledger_entries(account_id, expires_at) WHERE expires_at IS NOT NULL;
`

// =============================================================================
// HELPERS
// =============================================================================

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing only if fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// timeLayout is fixed width so that text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// isUniqueConstraintError reports a primary key or unique violation in
// either dialect.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
