// Package sqlitedriver implements driver.Executor on top of SQLite via
// modernc.org/sqlite, a pure-Go engine with no SELECT ... FOR UPDATE SKIP
// LOCKED and no ON CONFLICT ... RETURNING xmax. It gets the same contract
// by doing the work Postgres does in one statement as an explicit
// select-then-decide-then-update sequence inside a transaction, which
// SQLite's single-writer model makes just as atomic.
package sqlitedriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duraq/duraq/driver"
)

// Schema (abridged). SQLite has no array or jsonb column type, so
// tags/attempted_by/errors are stored as JSON-encoded TEXT and
// marshaled/unmarshaled by this package instead of the database, and
// timestamps are stored as RFC3339Nano TEXT rather than a native
// timestamptz.
//
//	CREATE TABLE duraq_job (
//	    id            INTEGER PRIMARY KEY AUTOINCREMENT,
//	    state         TEXT NOT NULL,
//	    queue         TEXT NOT NULL,
//	    worker        TEXT NOT NULL,
//	    args          TEXT NOT NULL DEFAULT '{}',
//	    meta          TEXT NOT NULL DEFAULT '{}',
//	    tags          TEXT NOT NULL DEFAULT '[]',
//	    priority      INTEGER NOT NULL DEFAULT 0,
//	    attempt       INTEGER NOT NULL DEFAULT 0,
//	    max_attempts  INTEGER NOT NULL,
//	    attempted_by  TEXT NOT NULL DEFAULT '[]',
//	    errors        TEXT NOT NULL DEFAULT '[]',
//	    unique_key    BLOB,
//	    inserted_at   TEXT NOT NULL,
//	    scheduled_at  TEXT NOT NULL,
//	    attempted_at  TEXT,
//	    completed_at  TEXT,
//	    cancelled_at  TEXT,
//	    discarded_at  TEXT
//	);
//	CREATE UNIQUE INDEX duraq_job_unique_key ON duraq_job (worker, unique_key)
//	    WHERE unique_key IS NOT NULL;
//	CREATE INDEX duraq_job_fetch ON duraq_job (state, queue, priority, scheduled_at, id)
//	    WHERE state IN ('available', 'scheduled', 'retryable');
//
//	CREATE TABLE duraq_peer (
//	    name       TEXT PRIMARY KEY,
//	    node       TEXT NOT NULL,
//	    expires_at TEXT NOT NULL
//	);
const jobColumns = `id, state, queue, worker, args, meta, tags, priority, attempt, max_attempts,
	attempted_by, errors, unique_key, inserted_at, scheduled_at, attempted_at,
	completed_at, cancelled_at, discarded_at`

// dbtx is satisfied by both *sql.DB and *sql.Tx, the same dual-mode seam
// pgdriver uses so one set of query functions works whether or not a
// transaction was handed in.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Driver is the SQLite storage engine. A Driver constructed with New is
// bound to the pool and opens its own short-lived transaction for any
// operation that needs select-then-update atomicity; a Driver constructed
// with NewTx (or returned from Begin) is bound to a caller-managed
// transaction and never opens one of its own.
type Driver struct {
	db *sql.DB
	tx *sql.Tx
}

// New returns a SQLite driver.Executor backed by db, which must already be
// opened against the modernc.org/sqlite driver.
func New(db *sql.DB) *Driver {
	return &Driver{db: db}
}

// NewTx returns a SQLite driver.Executor bound directly to an already-open
// transaction, for callers (mainly tests) that manage their own
// transaction lifecycle instead of going through Begin.
func NewTx(tx *sql.Tx) *Driver {
	return &Driver{tx: tx}
}

func (d *Driver) execer() dbtx {
	if d.tx != nil {
		return d.tx
	}
	return d.db
}

func (d *Driver) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	if d.db == nil {
		return nil, fmt.Errorf("sqlitedriver: Begin called on a driver already bound to a transaction")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: begin: %w", err)
	}
	return &txDriver{Driver: Driver{tx: tx}, tx: tx}, nil
}

type txDriver struct {
	Driver
	tx *sql.Tx
}

func (t *txDriver) Commit(ctx context.Context) error   { return t.tx.Commit() }
func (t *txDriver) Rollback(ctx context.Context) error { return t.tx.Rollback() }

// withOwnTx runs fn inside a fresh transaction when d is bound to the pool
// (committing on success, rolling back on error), or directly against d's
// existing transaction when d is already scoped to one -- the atomicity
// the caller asked for is already guaranteed by their own transaction
// boundary in that case.
func (d *Driver) withOwnTx(ctx context.Context, fn func(dbtx) error) error {
	if d.tx != nil {
		return fn(d.tx)
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitedriver: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitedriver: commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err came from the partial unique index
// on (worker, unique_key). modernc.org/sqlite doesn't export a typed error
// with a stable Code field the way pgerrcode does for Postgres, so this
// matches on SQLite's own constant constraint-violation message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsTransient classifies an error from any Executor method as safe to
// retry without giving up on the job. SQLite's single-writer model means
// the one realistic transient failure is another writer holding the
// database lock.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "database table is locked")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

var errNoRows = sql.ErrNoRows

func isNoRows(err error) bool {
	return errors.Is(err, errNoRows)
}

// schemaSQL creates the tables documented in the package doc comment above.
// SQLite needs no separate migration tool (database migration tooling is
// explicitly out of scope) -- a fresh file or in-memory database just runs
// this once.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS duraq_job (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    state        TEXT NOT NULL,
    queue        TEXT NOT NULL,
    worker       TEXT NOT NULL,
    args         TEXT NOT NULL DEFAULT '{}',
    meta         TEXT NOT NULL DEFAULT '{}',
    tags         TEXT NOT NULL DEFAULT '[]',
    priority     INTEGER NOT NULL DEFAULT 0,
    attempt      INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    attempted_by TEXT NOT NULL DEFAULT '[]',
    errors       TEXT NOT NULL DEFAULT '[]',
    unique_key   BLOB,
    inserted_at  TEXT NOT NULL,
    scheduled_at TEXT NOT NULL,
    attempted_at TEXT,
    completed_at TEXT,
    cancelled_at TEXT,
    discarded_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS duraq_job_unique_key ON duraq_job (worker, unique_key)
    WHERE unique_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS duraq_job_fetch ON duraq_job (state, queue, priority, scheduled_at, id)
    WHERE state IN ('available', 'scheduled', 'retryable');

CREATE TABLE IF NOT EXISTS duraq_peer (
    name       TEXT PRIMARY KEY,
    node       TEXT NOT NULL,
    expires_at TEXT NOT NULL
);
`

// Open opens dsn (a modernc.org/sqlite data source name, e.g. a file path)
// and applies the schema. Callers that need more control over connection
// parameters should open *sql.DB themselves and call New directly.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: open: %w", err)
	}
	// SQLite allows only one writer at a time; forcing a single connection
	// avoids SQLITE_BUSY errors from this package's own pool contending with
	// itself, at the cost of serializing every statement process-wide.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedriver: apply schema: %w", err)
	}
	return db, nil
}

// OpenMemory opens a private in-memory database, handy for tests and the
// package examples.
func OpenMemory() (*sql.DB, error) {
	return Open(":memory:")
}
