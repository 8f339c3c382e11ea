// Package pgdriver implements driver.Executor on top of PostgreSQL using
// jackc/pgx/v5. Queries are adapted by hand here rather than through sqlc,
// using this module's own field names: kind -> worker, running ->
// executing, a single finalized_at -> completed_at/cancelled_at/discarded_at.
package pgdriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duraq/duraq/driver"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx, so one set of query
// functions works whether or not a transaction was handed in.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Driver is the Postgres storage engine. It satisfies driver.Executor
// directly against the pool, and hands out driver.ExecutorTx values bound to
// a transaction via Begin.
type Driver struct {
	pool *pgxpool.Pool
	db   dbtx
}

// New returns a Postgres driver.Executor backed by pool.
func New(pool *pgxpool.Pool) *Driver {
	return &Driver{pool: pool, db: pool}
}

// NewTx returns a Postgres driver.Executor bound directly to an
// already-open transaction, for callers (mainly tests) that manage their own
// transaction lifecycle instead of going through Begin.
func NewTx(tx pgx.Tx) *Driver {
	return &Driver{db: tx}
}

func (d *Driver) Begin(ctx context.Context) (driver.ExecutorTx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: begin: %w", err)
	}
	return &txDriver{Driver: Driver{pool: d.pool, db: tx}, tx: tx}, nil
}

type txDriver struct {
	Driver
	tx pgx.Tx
}

func (t *txDriver) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *txDriver) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// isUniqueViolation reports whether err is a Postgres unique_violation,
// classified via pgerrcode.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// isSerializationFailure reports whether err is a Postgres
// serialization_failure or deadlock, the class of error the completer's
// infinite-retry ack loop is built to absorb.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// IsTransient classifies an error from any Executor method as safe to
// retry without giving up on the job.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if isSerializationFailure(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Connection-class failures (class 08) are always worth retrying.
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08"
	}
	// Anything that isn't a structured Postgres error (timeouts, dropped
	// connections surfaced by pgx itself) is presumed transient. A Postgres
	// error outside class 08 that isn't a serialization failure, such as a
	// SQL syntax error, is reported as not transient by the branch above.
	return true
}
