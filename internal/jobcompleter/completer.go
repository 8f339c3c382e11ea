// Package jobcompleter handles the job-finish half of execution: once a
// worker's Work method returns, a Completer is responsible for writing the
// resulting state back to storage, forever if need be (transient database
// errors must never cause a completion to be silently dropped). An
// Inline/Async split covers the synchronous test path and the normal
// infinite-retry-with-backoff ack loop, with a Subscribe feed of completed
// batches that the public Client surfaces as events.
package jobcompleter

import (
	"context"
	"time"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/jobtype"
)

// CompleterJobUpdated is one row's outcome, delivered on a completer's
// subscribe channel after the corresponding database write lands.
type CompleterJobUpdated struct {
	Job *jobtype.JobRow
}

// SubscribeChan is how a completer reports finished batches upward, toward
// the public Client's event feed.
type SubscribeChan chan []CompleterJobUpdated

// JobCompleter is satisfied by both InlineCompleter and AsyncCompleter.
type JobCompleter interface {
	// JobSetStateIfRunning writes params for a single job, retrying on
	// transient failure per the completer's own policy. It only returns once
	// the write has either succeeded or been queued in memory for background
	// retry (AsyncCompleter) -- or, for InlineCompleter, after exhausting a
	// bounded number of synchronous attempts.
	JobSetStateIfRunning(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) error

	Start(ctx context.Context) error
	Stop()
}

// backoff is the delay before retry attempt n (1-indexed), a short linear
// ramp capped at a few seconds so a database outage doesn't starve every
// other producer goroutine of CPU.
func backoff(attempt int, disableSleep bool) time.Duration {
	if disableSleep {
		return 0
	}
	d := time.Duration(attempt) * 250 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

// sleep waits out d, or returns early if ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
