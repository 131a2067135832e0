// Package sqlite is the durable store for the ledger and settlement
// core: accounts, the append-only transaction journal, holds, tasks,
// completions, withdrawal requests, and vending orders.
//
// The store is the single source of truth. Every balance-affecting
// operation runs inside one database transaction via WithTx so that a
// balance mutation and its journal entry commit together or not at all.
// Uniqueness constraints on each idempotency key make replay detection
// a property of the store rather than of process memory.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the sqlite handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and applies migrations.
// Use ":memory:" for a throwaway store in tests.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single connection serializes writers and keeps the in-memory
	// variant from seeing a fresh empty database per connection.
	handle.SetMaxOpenConns(1)

	db := &DB{db: handle}
	if err := db.migrate(); err != nil {
		handle.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

func (d *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, stmt)
		}
	}
	return nil
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema migration statements. Each string is a
// single SQL statement (sqlite executes one at a time).
func Migrations() []string {
	return []string{
		// Wallet balances, one row per account, lazily created.
		`CREATE TABLE IF NOT EXISTS accounts (
			id                  TEXT PRIMARY KEY,
			balance             INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
			total_credited      INTEGER NOT NULL DEFAULT 0,
			total_debited       INTEGER NOT NULL DEFAULT 0,
			version             INTEGER NOT NULL DEFAULT 0,
			fraud_score         INTEGER NOT NULL DEFAULT 0,
			suspended           INTEGER NOT NULL DEFAULT 0,
			email_verified      INTEGER NOT NULL DEFAULT 0,
			referral_count      INTEGER NOT NULL DEFAULT 0,
			created_at          TEXT NOT NULL,
			last_transaction_at TEXT NOT NULL DEFAULT ''
		)`,

		// Append-only journal. reference is the global idempotency key.
		`CREATE TABLE IF NOT EXISTS journal (
			id           TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL,
			type         TEXT NOT NULL CHECK (type IN ('credit','debit')),
			amount       INTEGER NOT NULL CHECK (amount > 0),
			reference    TEXT NOT NULL UNIQUE,
			related_kind TEXT NOT NULL DEFAULT '',
			related_id   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'successful',
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_journal_account ON journal(account_id, created_at)`,

		// Fund reservations. external_reference is the caller's key.
		`CREATE TABLE IF NOT EXISTS holds (
			id                 TEXT PRIMARY KEY,
			account_id         TEXT NOT NULL,
			amount             INTEGER NOT NULL CHECK (amount > 0),
			purpose            TEXT NOT NULL,
			external_reference TEXT NOT NULL UNIQUE,
			status             TEXT NOT NULL DEFAULT 'active',
			reason             TEXT NOT NULL DEFAULT '',
			expires_at         TEXT NOT NULL,
			metadata           TEXT NOT NULL DEFAULT '{}',
			created_at         TEXT NOT NULL,
			resolved_at        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_holds_sweep ON holds(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_holds_account ON holds(account_id)`,

		// Rewardable tasks.
		`CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL DEFAULT '',
			action          TEXT NOT NULL,
			target_id       TEXT NOT NULL DEFAULT '',
			reward          INTEGER NOT NULL CHECK (reward > 0),
			max_completions INTEGER NOT NULL DEFAULT 0,
			completed_count INTEGER NOT NULL DEFAULT 0,
			active          INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL
		)`,

		// Reward lifecycle per (task, account) pair.
		`CREATE TABLE IF NOT EXISTS task_completions (
			id                 TEXT PRIMARY KEY,
			task_id            TEXT NOT NULL,
			account_id         TEXT NOT NULL,
			status             TEXT NOT NULL DEFAULT 'pending',
			reward             INTEGER NOT NULL DEFAULT 0,
			verified_at        TEXT NOT NULL DEFAULT '',
			rewarded_at        TEXT NOT NULL DEFAULT '',
			reverify_until     TEXT NOT NULL DEFAULT '',
			clawback_shortfall INTEGER NOT NULL DEFAULT 0,
			created_at         TEXT NOT NULL,
			UNIQUE(task_id, account_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_reverify ON task_completions(status, reverify_until)`,

		// Every verification attempt, successful or not. Feeds the
		// rate limiter and the fraud scorer's 24h failure window.
		`CREATE TABLE IF NOT EXISTS verification_attempts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			task_id    TEXT NOT NULL,
			ok         INTEGER NOT NULL,
			duplicate  INTEGER NOT NULL DEFAULT 0,
			at         TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_account ON verification_attempts(account_id, at)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_pair ON verification_attempts(account_id, task_id, at)`,

		// Withdrawal settlement attempts.
		`CREATE TABLE IF NOT EXISTS withdrawal_requests (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			amount         INTEGER NOT NULL CHECK (amount > 0),
			dest_account   TEXT NOT NULL,
			dest_bank      TEXT NOT NULL,
			dest_name      TEXT NOT NULL DEFAULT '',
			reference      TEXT NOT NULL UNIQUE,
			status         TEXT NOT NULL,
			risk_score     INTEGER NOT NULL DEFAULT 0,
			risk_factors   TEXT NOT NULL DEFAULT '[]',
			hold_id        TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_account ON withdrawal_requests(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_withdrawals_status ON withdrawal_requests(status, updated_at)`,

		// Vending settlement attempts.
		`CREATE TABLE IF NOT EXISTS vending_orders (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			amount         INTEGER NOT NULL CHECK (amount > 0),
			item           TEXT NOT NULL DEFAULT '',
			reference      TEXT NOT NULL UNIQUE,
			status         TEXT NOT NULL,
			hold_id        TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vending_status ON vending_orders(status, updated_at)`,
	}
}

// ─── Transactions ───────────────────────────────────────────────────────────

// Tx is a store transaction. All mutating accessors hang off Tx so a
// settlement step cannot accidentally write outside an atomic unit.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside one database transaction, committing on nil
// and rolling back on error. The transaction is the atomic unit of the
// whole core: balance mutation, journal append, and settlement record
// writes either all land or none do.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	dbTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	if err := fn(&Tx{tx: dbTx}); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can
// serve plain reads and transactional reads from one implementation.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ─── Time & constraint helpers ──────────────────────────────────────────────

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint
// failure. modernc.org/sqlite surfaces these as string-typed errors, so
// matching on the constraint message is the stable option.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
