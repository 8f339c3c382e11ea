package pgdriver_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/driver/pgdriver"
	"github.com/duraq/duraq/internal/duraqtest"
	"github.com/duraq/duraq/internal/testfactory"
	"github.com/duraq/duraq/jobtype"
)

func TestMain(m *testing.M) { duraqtest.WrapTestMain(m) }

func newDriver(ctx context.Context, t *testing.T) *pgdriver.Driver {
	t.Helper()
	tx := duraqtest.TestTx(ctx, t)
	return pgdriver.NewTx(tx)
}

func TestJobInsertAndFetchOrdering(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	lowPriority := int16(5)
	highPriority := int16(0)
	slow := testfactory.Job(ctx, t, d, &testfactory.JobOpts{Queue: ptr("emails"), Priority: &lowPriority})
	fast := testfactory.Job(ctx, t, d, &testfactory.JobOpts{Queue: ptr("emails"), Priority: &highPriority})

	fetched, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "emails", Max: 5, AttemptedBy: "node1/abc"})
	require.NoError(t, err)
	require.Len(t, fetched, 2)
	// priority 0 sorts before priority 5 regardless of insertion order.
	require.Equal(t, fast.ID, fetched[0].ID)
	require.Equal(t, slow.ID, fetched[1].ID)
	require.Equal(t, jobtype.JobStateExecuting, fetched[0].State)
	require.Equal(t, int16(1), fetched[0].Attempt)
	require.Len(t, fetched[0].AttemptedBy, 1)
	require.Equal(t, "node1/abc", fetched[0].AttemptedBy[0].Node)

	again, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "emails", Max: 5, AttemptedBy: "node1/abc"})
	require.NoError(t, err)
	require.Empty(t, again, "both rows are already claimed")
}

func TestJobFetchNoOverFetch(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	for i := 0; i < 5; i++ {
		testfactory.Job(ctx, t, d, &testfactory.JobOpts{Queue: ptr("limited")})
	}

	fetched, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "limited", Max: 3, AttemptedBy: "node1"})
	require.NoError(t, err)
	require.Len(t, fetched, 3, "the update count must never exceed the requested demand")

	remaining, err := d.JobCountByState(ctx, "limited", jobtype.JobStateAvailable)
	require.NoError(t, err)
	require.Equal(t, int64(2), remaining)
}

func TestJobFetchSkipsRowsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	maxAttempts := int16(1)
	attempt := int16(1)
	testfactory.Job(ctx, t, d, &testfactory.JobOpts{MaxAttempts: &maxAttempts, Attempt: &attempt})

	fetched, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 5, AttemptedBy: "node1"})
	require.NoError(t, err)
	require.Empty(t, fetched, "a row already at max_attempts must never be claimed")
}

func TestJobInsertUniqueConflictReportsExistingRow(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	key := []byte("fingerprint-1")
	res1, err := d.JobInsert(ctx, &driver.JobInsertParams{
		Worker: "w", Queue: "default", Args: []byte(`{}`), MaxAttempts: 25, UniqueKey: key,
	})
	require.NoError(t, err)
	require.False(t, res1.Conflict)

	res2, err := d.JobInsert(ctx, &driver.JobInsertParams{
		Worker: "w", Queue: "default", Args: []byte(`{}`), MaxAttempts: 25, UniqueKey: key,
	})
	require.NoError(t, err)
	require.True(t, res2.Conflict)
	require.Equal(t, res1.Job.ID, res2.Job.ID)
}

func TestJobInsertUniqueScopedPerWorker(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	key := []byte("fingerprint-shared")
	res1, err := d.JobInsert(ctx, &driver.JobInsertParams{
		Worker: "w1", Queue: "default", Args: []byte(`{}`), MaxAttempts: 25, UniqueKey: key,
	})
	require.NoError(t, err)
	require.False(t, res1.Conflict)

	res2, err := d.JobInsert(ctx, &driver.JobInsertParams{
		Worker: "w2", Queue: "default", Args: []byte(`{}`), MaxAttempts: 25, UniqueKey: key,
	})
	require.NoError(t, err)
	require.False(t, res2.Conflict, "the unique index is scoped to (worker, unique_key)")
}

func TestJobCancelExecutingOnlyMarksPending(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	job := testfactory.Job(ctx, t, d, nil)
	_, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)

	cancelled, err := d.JobCancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobtype.JobStateExecuting, cancelled.State, "an executing job is left running, only flagged")

	reread, err := d.JobGetByID(ctx, job.ID)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(reread.Meta, &meta))
	require.Equal(t, true, meta["cancel_requested"])
}

func TestJobCancelAvailableIsImmediate(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)
	job := testfactory.Job(ctx, t, d, nil)

	cancelled, err := d.JobCancel(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobtype.JobStateCancelled, cancelled.State)
	require.NotNil(t, cancelled.CancelledAt)
}

func TestJobCancelTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)
	completed := jobtype.JobStateCompleted
	job := testfactory.Job(ctx, t, d, &testfactory.JobOpts{State: &completed})

	unchanged, err := d.JobCancel(ctx, job.ID)
	require.NoError(t, err, "a terminal job falls back to a plain lookup instead of erroring")
	require.Equal(t, jobtype.JobStateCompleted, unchanged.State)
}

func TestJobRetryResetsTerminalRowAndBumpsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	maxAttempts := int16(1)
	attempt := int16(1)
	state := jobtype.JobStateDiscarded
	job := testfactory.Job(ctx, t, d, &testfactory.JobOpts{MaxAttempts: &maxAttempts, Attempt: &attempt, State: &state})

	retried, err := d.JobRetry(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobtype.JobStateAvailable, retried.State)
	require.Nil(t, retried.DiscardedAt)
	require.Greater(t, retried.MaxAttempts, maxAttempts)
}

func TestJobRetryOnAvailableIsNoop(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)
	job := testfactory.Job(ctx, t, d, nil)

	unchanged, err := d.JobRetry(ctx, job.ID)
	require.NoError(t, err, "an already-available job isn't in the retry DAG's source set, so it falls back to a lookup")
	require.Equal(t, jobtype.JobStateAvailable, unchanged.State)
}

func TestJobDeleteRejectsExecuting(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)
	job := testfactory.Job(ctx, t, d, nil)
	_, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)

	_, err = d.JobDelete(ctx, job.ID)
	require.Error(t, err)
}

func TestJobScheduleMovesDueJobsOnly(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	due := time.Now().Add(-time.Minute)
	notYetDue := time.Now().Add(time.Hour)
	scheduled := jobtype.JobStateScheduled
	dueJob := testfactory.Job(ctx, t, d, &testfactory.JobOpts{State: &scheduled, ScheduledAt: &due})
	testfactory.Job(ctx, t, d, &testfactory.JobOpts{State: &scheduled, ScheduledAt: &notYetDue})

	moved, err := d.JobSchedule(ctx, &driver.JobScheduleParams{Now: time.Now(), Max: 10})
	require.NoError(t, err)
	require.Len(t, moved, 1)
	require.Equal(t, dueJob.ID, moved[0].ID)
	require.Equal(t, jobtype.JobStateAvailable, moved[0].State)
}

func TestJobDeleteBeforeUsesPerStateHorizon(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	job := testfactory.Job(ctx, t, d, nil)
	_, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)
	_, err = d.JobSetStateIfRunningMany(ctx, &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{jobtype.JobStateCompleted},
		FinalizedAt: []time.Time{time.Now()},
		Error:       [][]byte{nil},
		ScheduledAt: []time.Time{time.Time{}},
		MaxAttempts: []int16{0},
	})
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	// A horizon on the wrong (cancelled) bucket must not delete a completed row.
	count, err := d.JobDeleteBefore(ctx, &driver.JobDeleteBeforeParams{
		CompletedFinalizedAtHorizon: old,
		CancelledFinalizedAtHorizon: future,
		DiscardedFinalizedAtHorizon: old,
		Max:                         100,
	})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	_, err = d.JobGetByID(ctx, job.ID)
	require.NoError(t, err)

	count, err = d.JobDeleteBefore(ctx, &driver.JobDeleteBeforeParams{
		CompletedFinalizedAtHorizon: future,
		CancelledFinalizedAtHorizon: future,
		DiscardedFinalizedAtHorizon: future,
		Max:                         100,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestJobFindStuckExecutingAndRescueMany(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	maxAttempts := int16(3)
	attempt := int16(1)
	job := testfactory.Job(ctx, t, d, &testfactory.JobOpts{MaxAttempts: &maxAttempts, Attempt: &attempt})
	fetched, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, job.ID, fetched[0].ID)

	stuck, err := d.JobFindStuckExecuting(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	errJSON, err := json.Marshal(jobtype.AttemptError{Attempt: 2, Error: "stuck"})
	require.NoError(t, err)
	require.NoError(t, d.JobRescueMany(ctx, &driver.JobRescueManyParams{
		ID:          []int64{stuck[0].ID},
		Error:       [][]byte{errJSON},
		NextState:   []jobtype.JobState{jobtype.JobStateAvailable},
		ScheduledAt: []time.Time{time.Now()},
	}))

	rescued, err := d.JobGetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobtype.JobStateAvailable, rescued.State)
	require.Len(t, rescued.Errors, 1)
}

func TestJobRescueManyDiscardsWhenAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	maxAttempts := int16(1)
	attempt := int16(1)
	job := testfactory.Job(ctx, t, d, &testfactory.JobOpts{MaxAttempts: &maxAttempts, Attempt: &attempt})
	_, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)

	errJSON, err := json.Marshal(jobtype.AttemptError{Attempt: 2, Error: "stuck"})
	require.NoError(t, err)
	require.NoError(t, d.JobRescueMany(ctx, &driver.JobRescueManyParams{
		ID:          []int64{job.ID},
		Error:       [][]byte{errJSON},
		NextState:   []jobtype.JobState{jobtype.JobStateDiscarded},
		ScheduledAt: []time.Time{time.Time{}},
	}))

	rescued, err := d.JobGetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobtype.JobStateDiscarded, rescued.State)
	require.NotNil(t, rescued.DiscardedAt)
}

func TestJobSetStateIfRunningManyIgnoresAlreadyFinalizedRows(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	job := testfactory.Job(ctx, t, d, nil)
	_, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)

	// Finalized as cancelled (as the executor's own cancel ack does) before a
	// late completion ack lands.
	_, err = d.JobSetStateIfRunningMany(ctx, &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{jobtype.JobStateCancelled},
		FinalizedAt: []time.Time{time.Now()},
		Error:       [][]byte{nil},
		ScheduledAt: []time.Time{time.Time{}},
		MaxAttempts: []int16{0},
	})
	require.NoError(t, err)
	_, err = d.JobSetStateIfRunningMany(ctx, &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{jobtype.JobStateCompleted},
		FinalizedAt: []time.Time{time.Now()},
		Error:       [][]byte{nil},
		ScheduledAt: []time.Time{time.Time{}},
		MaxAttempts: []int16{0},
	})
	require.NoError(t, err)

	unchanged, err := d.JobGetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, jobtype.JobStateCancelled, unchanged.State, "a row no longer executing must not be completed out from under a cancel")
}

func TestJobSetStateIfRunningManyCompletesRunningRow(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	job := testfactory.Job(ctx, t, d, nil)
	_, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)

	now := time.Now()
	updated, err := d.JobSetStateIfRunningMany(ctx, &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{jobtype.JobStateCompleted},
		FinalizedAt: []time.Time{now},
		Error:       [][]byte{nil},
		ScheduledAt: []time.Time{time.Time{}},
		MaxAttempts: []int16{0},
	})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	require.Equal(t, jobtype.JobStateCompleted, updated[0].State)
	require.NotNil(t, updated[0].CompletedAt)
}

func TestJobSetStateIfRunningManySetsScheduledAtOnRetry(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	job := testfactory.Job(ctx, t, d, nil)
	_, err := d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)

	retryAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	errJSON, err := json.Marshal(jobtype.AttemptError{Attempt: 1, Error: "boom"})
	require.NoError(t, err)
	updated, err := d.JobSetStateIfRunningMany(ctx, &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{jobtype.JobStateRetryable},
		FinalizedAt: []time.Time{time.Time{}},
		Error:       [][]byte{errJSON},
		ScheduledAt: []time.Time{retryAt},
		MaxAttempts: []int16{0},
	})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	require.Equal(t, jobtype.JobStateRetryable, updated[0].State)
	require.WithinDuration(t, retryAt, updated[0].ScheduledAt, time.Millisecond)
	require.Len(t, updated[0].Errors, 1)

	// A zero ScheduledAt on a later ack (e.g. once re-fetched and completed)
	// must leave the previously-set scheduled_at untouched rather than
	// resetting it to the zero-value sentinel.
	_, err = d.JobSchedule(ctx, &driver.JobScheduleParams{Now: time.Now().Add(time.Hour), Max: 10})
	require.NoError(t, err)
	_, err = d.JobFetch(ctx, &driver.JobFetchParams{Queue: "default", Max: 1, AttemptedBy: "node1"})
	require.NoError(t, err)

	again, err := d.JobSetStateIfRunningMany(ctx, &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{jobtype.JobStateCompleted},
		FinalizedAt: []time.Time{time.Now()},
		Error:       [][]byte{nil},
		ScheduledAt: []time.Time{time.Time{}},
		MaxAttempts: []int16{0},
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.WithinDuration(t, retryAt, again[0].ScheduledAt, time.Millisecond)
}

func TestJobListPagination(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	for i := 0; i < 3; i++ {
		testfactory.Job(ctx, t, d, &testfactory.JobOpts{Queue: ptr("paged")})
	}

	page1, err := d.JobList(ctx, &driver.JobListParams{Queue: "paged", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := d.JobList(ctx, &driver.JobListParams{Queue: "paged", Limit: 2, After: page1[len(page1)-1].ID})
	require.NoError(t, err)
	require.Len(t, page2, 1)
}

func TestJobClearUniqueKeyAllowsReinsertion(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	key := []byte("fingerprint-clear")
	res1, err := d.JobInsert(ctx, &driver.JobInsertParams{
		Worker: "w", Queue: "default", Args: []byte(`{}`), MaxAttempts: 25, UniqueKey: key,
	})
	require.NoError(t, err)

	require.NoError(t, d.JobClearUniqueKey(ctx, res1.Job.ID))

	res2, err := d.JobInsert(ctx, &driver.JobInsertParams{
		Worker: "w", Queue: "default", Args: []byte(`{}`), MaxAttempts: 25, UniqueKey: key,
	})
	require.NoError(t, err)
	require.False(t, res2.Conflict, "clearing the old reservation frees the fingerprint for reuse")
	require.NotEqual(t, res1.Job.ID, res2.Job.ID)
}

func TestJobReplaceUniqueArgsMeta(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	job := testfactory.Job(ctx, t, d, nil)
	replaced, err := d.JobReplaceUniqueArgsMeta(ctx, job.ID, []byte(`{"n":2}`), nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(replaced.Args))
}

func TestAdvisoryLockTryContention(t *testing.T) {
	ctx := context.Background()
	pool := duraqtest.DBPool(ctx, t)

	tx1, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx1.Rollback(ctx)
	d1 := pgdriver.NewTx(tx1)

	locked, err := d1.AdvisoryLockTry(ctx, 424242)
	require.NoError(t, err)
	require.True(t, locked)

	tx2, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx2.Rollback(ctx)
	d2 := pgdriver.NewTx(tx2)

	locked2, err := d2.AdvisoryLockTry(ctx, 424242)
	require.NoError(t, err)
	require.False(t, locked2, "a held transaction-scoped advisory lock blocks a concurrent holder")
}

func TestAttemptAndRelinquishLease(t *testing.T) {
	ctx := context.Background()
	d := newDriver(ctx, t)

	ok, err := d.AttemptLease(ctx, "leader", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = d.AttemptLease(ctx, "leader", "node-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a live lease held by another node must not be stolen")

	require.NoError(t, d.RelinquishLease(ctx, "leader", "node-a"))

	ok, err = d.AttemptLease(ctx, "leader", "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "relinquishing frees the lease for the next claimant")
}

func ptr[T any](v T) *T { return &v }
