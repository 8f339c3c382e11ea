package jobexecutor

import (
	"context"
	"time"

	"github.com/duraq/duraq/jobtype"
)

// WorkUnit wraps one materialized worker call for a single job, the
// type-erased seam between the generic public Worker[T] API and this
// package (which must stay generic-free to be shared by the producer
// without forcing it to know every job argument type in the program).
type WorkUnit interface {
	// Work runs the user's handler. ctx is already bound to the job's
	// timeout; classification of the returned error (ok / error / discard /
	// cancel / snooze) is the executor's job, not the work unit's.
	Work(ctx context.Context) error

	// Timeout returns the duration this job's execution is allowed to run
	// before ctx is cancelled with context.DeadlineExceeded.
	Timeout() time.Duration

	// NextRetry computes the delay before the given attempt is retried,
	// following the worker's own backoff policy (or DefaultBackoff if the
	// worker doesn't define one).
	NextRetry(attempt int) time.Duration
}

// WorkUnitFactory materializes a WorkUnit for a job, or reports that no
// worker is registered under job.Worker: an unknown worker means an
// immediate discard with an unknown-worker error.
type WorkUnitFactory interface {
	MakeUnit(job *jobtype.JobRow) (WorkUnit, error)
}
