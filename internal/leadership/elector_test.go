package leadership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/internal/duraqtest"
	"github.com/duraq/duraq/internal/notifier"
)

// fakeLeaseStore is a minimal in-memory driver.LeaseStore, grounded on the
// same single-row-per-name model the Postgres duraq_peer table implements
// (driver/pgdriver/queries.go's attemptLeaseSQL/relinquishLeaseSQL).
type fakeLeaseStore struct {
	mu     sync.Mutex
	holder string
	expiry time.Time
}

func (f *fakeLeaseStore) AttemptLease(ctx context.Context, name, node string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if f.holder == "" || f.holder == node || now.After(f.expiry) {
		f.holder = node
		f.expiry = now.Add(ttl)
		return true, nil
	}
	return false, nil
}

func (f *fakeLeaseStore) RelinquishLease(ctx context.Context, name, node string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder == node {
		f.holder = ""
	}
	return nil
}

func TestElectorSingleNodeBecomesLeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	archetype := duraqtest.BaseServiceArchetype(t)
	store := &fakeLeaseStore{}
	n := notifier.NewLocalNotifier()
	require.NoError(t, n.Start(ctx))
	t.Cleanup(n.Stop)

	electedCh := make(chan struct{}, 1)
	e := New(archetype, store, n, Config{
		Node:      "node-a",
		TTL:       200 * time.Millisecond,
		OnElected: func() { electedCh <- struct{}{} },
	})

	require.NoError(t, e.Start(ctx))
	t.Cleanup(e.Stop)

	duraqtest.WaitOrTimeout(t, electedCh)
	require.True(t, e.IsLeader())
}

func TestElectorHandoverOnRelinquish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &fakeLeaseStore{}
	n := notifier.NewLocalNotifier()
	require.NoError(t, n.Start(ctx))
	t.Cleanup(n.Stop)

	aElected := make(chan struct{}, 1)
	a := New(duraqtest.BaseServiceArchetype(t), store, n, Config{
		Node:      "node-a",
		TTL:       time.Minute,
		OnElected: func() { aElected <- struct{}{} },
	})
	require.NoError(t, a.Start(ctx))
	duraqtest.WaitOrTimeout(t, aElected)
	require.True(t, a.IsLeader())

	bElected := make(chan struct{}, 1)
	b := New(duraqtest.BaseServiceArchetype(t), store, n, Config{
		Node:      "node-b",
		TTL:       time.Minute,
		OnElected: func() { bElected <- struct{}{} },
	})
	require.NoError(t, b.Start(ctx))
	t.Cleanup(b.Stop)

	require.False(t, b.IsLeader())

	a.Stop() // clean exit relinquishes and broadcasts

	duraqtest.WaitOrTimeout(t, bElected)
	require.True(t, b.IsLeader())
}
