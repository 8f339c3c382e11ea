// Package duraqtest holds test helpers shared across the whole module: a
// lazily initialized test database pool, a stubbable clock, logger
// construction, and goroutine-leak-checked TestMain wiring.
package duraqtest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/duraq/duraq/internal/baseservice"
)

// BaseServiceArchetype returns a fresh archetype for use in a test, so tests
// never accidentally share mutable state through a package-level archetype.
func BaseServiceArchetype(tb testing.TB) *baseservice.Archetype {
	tb.Helper()
	return &baseservice.Archetype{
		Logger: Logger(tb),
		Time:   &TimeStub{},
	}
}

var (
	dbPool     *pgxpool.Pool
	dbPoolOnce sync.Once
)

// DBPool lazily opens a pool against TEST_DATABASE_URL (or a sensible local
// default), shared across the whole test binary.
func DBPool(ctx context.Context, tb testing.TB) *pgxpool.Pool {
	tb.Helper()
	dbPoolOnce.Do(func() {
		var err error
		dbPool, err = pgxpool.New(ctx, cmp.Or(
			os.Getenv("TEST_DATABASE_URL"),
			"postgres://localhost:5432/duraq_test",
		))
		require.NoError(tb, err)
	})
	require.NotNil(tb, dbPool)
	return dbPool
}

// Logger returns an informational logger; DURAQ_DEBUG=true raises it to debug.
func Logger(tb testing.TB) *slog.Logger {
	tb.Helper()
	level := slog.LevelInfo
	if os.Getenv("DURAQ_DEBUG") == "1" || os.Getenv("DURAQ_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(testWriter{tb}, &slog.HandlerOptions{Level: level}))
}

// LoggerWarn returns a logger that only emits warnings and above, for tests
// expecting noisy lower-level output.
func LoggerWarn(tb testing.TB) *slog.Logger {
	tb.Helper()
	return slog.New(slog.NewTextHandler(testWriter{tb}, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type testWriter struct{ tb testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(string(p))
	return len(p), nil
}

// TestTx starts a transaction on the shared pool that's rolled back
// automatically in cleanup.
func TestTx(ctx context.Context, tb testing.TB) pgx.Tx {
	tb.Helper()
	return TestTxPool(ctx, tb, DBPool(ctx, tb))
}

// TestTxPool is TestTx against an explicit pool.
func TestTxPool(ctx context.Context, tb testing.TB, pool *pgxpool.Pool) pgx.Tx {
	tb.Helper()
	tx, err := pool.Begin(ctx)
	require.NoError(tb, err)

	tb.Cleanup(func() {
		ctx := context.WithoutCancel(ctx)
		err := tx.Rollback(ctx)
		if err == nil || errors.Is(err, pgx.ErrTxClosed) {
			return
		}
		if err.Error() == "conn closed" {
			return
		}
		require.NoError(tb, err)
	})
	return tx
}

// TimeStub implements baseservice.TimeGenerator, letting a test freeze or
// advance "now" without touching the wall clock.
type TimeStub struct {
	mu     sync.RWMutex
	nowUTC *time.Time
}

func (t *TimeStub) NowUTC() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.nowUTC == nil {
		return time.Now().UTC()
	}
	return *t.nowUTC
}

// StubNowUTC pins NowUTC to the given instant until stubbed again.
func (t *TimeStub) StubNowUTC(nowUTC time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowUTC = &nowUTC
	return nowUTC
}

// WaitOrTimeout waits for a single value on waitChan, failing the test if
// none arrives within a generous timeout.
func WaitOrTimeout[T any](tb testing.TB, waitChan <-chan T) T {
	tb.Helper()
	timeout := WaitTimeout()
	select {
	case v := <-waitChan:
		return v
	case <-time.After(timeout):
		require.FailNowf(tb, "WaitOrTimeout timed out", "after %s", timeout)
	}
	return *new(T) // unreachable
}

// WaitOrTimeoutN waits for numValues values, failing if they don't all
// arrive within the timeout.
func WaitOrTimeoutN[T any](tb testing.TB, waitChan <-chan T, numValues int) []T {
	tb.Helper()
	timeout := WaitTimeout()
	deadline := time.Now().Add(timeout)
	values := make([]T, 0, numValues)
	for {
		select {
		case v := <-waitChan:
			values = append(values, v)
			if len(values) >= numValues {
				return values
			}
		case <-time.After(time.Until(deadline)):
			require.FailNowf(tb, "WaitOrTimeoutN timed out",
				"after %s (got %d of %d)", timeout, len(values), numValues)
			return nil
		}
	}
}

// WaitTimeout is longer under CI, where resource contention occasionally
// slows things down enough to cause flakes at a tighter bound.
func WaitTimeout() time.Duration {
	if os.Getenv("GITHUB_ACTIONS") == "true" {
		return 10 * time.Second
	}
	return 3 * time.Second
}

// IgnoredKnownGoroutineLeaks lists goroutines known to still be alive at
// test-binary exit for reasons outside this module's control.
var IgnoredKnownGoroutineLeaks = []goleak.Option{
	goleak.IgnoreTopFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).backgroundHealthCheck"),
	goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).triggerHealthCheck.func1"),
}

// WrapTestMain runs m and, if every test passed, additionally fails the
// build if any tracked goroutine leaked.
func WrapTestMain(m *testing.M) {
	status := m.Run()
	if status == 0 {
		if err := goleak.Find(IgnoredKnownGoroutineLeaks...); err != nil {
			fmt.Fprintf(os.Stderr, "goleak: %v\n", err)
			status = 1
		}
	}
	os.Exit(status)
}
