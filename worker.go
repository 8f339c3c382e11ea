package duraq

import (
	"context"
	"time"

	"github.com/duraq/duraq/internal/jobexecutor"
	"github.com/duraq/duraq/jobtype"
)

// JobArgs is implemented by every type a caller wants to enqueue. Worker
// returns the string stored in the job row's worker column and used to
// route fetched rows to the handler registered for it.
type JobArgs interface {
	Worker() string
}

// Job is the typed view of a claimed row a Worker's Work method receives:
// the full row plus Args decoded into the concrete type T.
type Job[T JobArgs] struct {
	*jobtype.JobRow
	Args T
}

// Worker is implemented by user code for one JobArgs type. Embed
// WorkerDefaults[T] to get zero-value Timeout/NextRetry that fall back to
// the executor's defaults.
type Worker[T JobArgs] interface {
	// Work runs the job. Returning nil completes it; return a
	// jobtype.JobCancel/JobDiscard/JobSnooze-wrapped error, or a plain
	// error, to choose a different outcome.
	Work(ctx context.Context, job *Job[T]) error

	// Timeout returns how long this job is allowed to run. Returning 0
	// means "no per-job override; use the executor default".
	Timeout(job *Job[T]) time.Duration

	// NextRetry computes the retry delay for this job's next attempt.
	// Returning 0 means "use jobexecutor.DefaultBackoff".
	NextRetry(job *Job[T]) time.Duration
}

// WorkerDefaults provides zero-value Timeout/NextRetry so a Worker
// implementation only has to write Work.
type WorkerDefaults[T JobArgs] struct{}

func (WorkerDefaults[T]) Timeout(*Job[T]) time.Duration   { return 0 }
func (WorkerDefaults[T]) NextRetry(*Job[T]) time.Duration { return 0 }

// DefaultJobTimeout is applied when the worker's Timeout returns 0.
const DefaultJobTimeout = time.Minute

// workerAdapter type-erases a Worker[T] + JSON args into the
// jobexecutor.WorkUnit seam the producer/executor packages consume without
// needing generics.
type workerAdapter[T JobArgs] struct {
	worker Worker[T]
	job    *jobtype.JobRow
	args   T
}

func (w *workerAdapter[T]) Work(ctx context.Context) error {
	return w.worker.Work(ctx, &Job[T]{JobRow: w.job, Args: w.args})
}

func (w *workerAdapter[T]) Timeout() time.Duration {
	if d := w.worker.Timeout(&Job[T]{JobRow: w.job, Args: w.args}); d > 0 {
		return d
	}
	return DefaultJobTimeout
}

func (w *workerAdapter[T]) NextRetry(attempt int) time.Duration {
	if d := w.worker.NextRetry(&Job[T]{JobRow: w.job, Args: w.args}); d > 0 {
		return d
	}
	return jobexecutor.DefaultBackoff(attempt)
}

// workerEntry is the type-erased registration held by Workers.
type workerEntry interface {
	makeUnit(job *jobtype.JobRow) (jobexecutor.WorkUnit, error)
}

type workerEntryFor[T JobArgs] struct {
	worker Worker[T]
}

func (e *workerEntryFor[T]) makeUnit(job *jobtype.JobRow) (jobexecutor.WorkUnit, error) {
	var args T
	if err := decodeArgs(job.Args, &args); err != nil {
		return nil, err
	}
	return &workerAdapter[T]{worker: e.worker, job: job, args: args}, nil
}

// Workers is the per-Client registry of worker implementations, keyed by
// the string their JobArgs.Worker() method returns. It satisfies
// jobexecutor.WorkUnitFactory so the producer package can dispatch claimed
// rows without depending on this package's generics.
type Workers struct {
	byName map[string]workerEntry
}

// NewWorkers returns an empty registry.
func NewWorkers() *Workers {
	return &Workers{byName: make(map[string]workerEntry)}
}

// AddWorker registers worker for the string its JobArgs type's Worker()
// method returns. Panics on a duplicate registration: fail fast at startup
// rather than silently shadowing a handler.
func AddWorker[T JobArgs](workers *Workers, worker Worker[T]) {
	var zero T
	name := zero.Worker()
	if _, exists := workers.byName[name]; exists {
		panic("duraq: worker already registered for " + name)
	}
	workers.byName[name] = &workerEntryFor[T]{worker: worker}
}

// MakeUnit implements jobexecutor.WorkUnitFactory: unknown worker names are
// reported as an error so the executor can discard the job outright.
func (w *Workers) MakeUnit(job *jobtype.JobRow) (jobexecutor.WorkUnit, error) {
	entry, ok := w.byName[job.Worker]
	if !ok {
		return nil, errUnknownWorker(job.Worker)
	}
	return entry.makeUnit(job)
}

type errUnknownWorker string

func (e errUnknownWorker) Error() string { return "no worker registered for " + string(e) }
