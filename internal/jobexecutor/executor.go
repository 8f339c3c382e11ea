package jobexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/jobtype"
)

// Completer is the narrow slice of jobcompleter.JobCompleter the executor
// needs; declared locally so this package doesn't import jobcompleter (which
// would create an import cycle once the public package wires both
// together).
type Completer interface {
	JobSetStateIfRunning(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) error
}

// Executor runs exactly one claimed job from classify through ack. One
// Executor instance is reused across every job a producer dispatches;
// Execute itself is reentrant/concurrency-safe.
type Executor struct {
	Archetype *baseservice.Archetype
	Factory   WorkUnitFactory
	Completer Completer
}

// Execute runs job to completion, acknowledging the outcome through the
// configured Completer before returning. cancelCh, if it fires before Work
// returns, is the cooperative cancel signal from a producer shutdown or an
// explicit cancel: the executor's own ctx is cancelled and the outcome is
// recorded as cancel, regardless of what the worker itself returns
// afterward.
func (e *Executor) Execute(ctx context.Context, job *jobtype.JobRow, cancelCh <-chan struct{}) {
	unit, err := e.Factory.MakeUnit(job)
	if err != nil {
		e.ack(ctx, job, jobtype.JobStateDiscarded, fmt.Errorf("unknown worker %q: %w", job.Worker, err), nil, 0)
		return
	}

	timeout := unit.Timeout()
	var workCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		workCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		workCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- e.runSafely(workCtx, unit)
	}()

	var workErr error
	select {
	case workErr = <-resultCh:
	case <-cancelCh:
		cancel()
		workErr = <-resultCh // let the goroutine observe the cancellation and return
		e.ack(ctx, job, jobtype.JobStateCancelled, fmt.Errorf("cancelled by producer shutdown: %w", joinNilable(workErr)), nil, 0)
		return
	}

	e.classify(ctx, job, unit, workErr)
}

// runSafely invokes the user's Work method, converting a panic into an error
// so one bad worker can't take the whole producer goroutine down with it.
func (e *Executor) runSafely(ctx context.Context, unit WorkUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in worker: %v", r)
		}
	}()
	return unit.Work(ctx)
}

func joinNilable(err error) error {
	if err == nil {
		return errors.New("no error")
	}
	return err
}

// classify maps the outcome of Work to one of complete/error/discard/
// cancel/snooze step 3-4, and acks it.
func (e *Executor) classify(ctx context.Context, job *jobtype.JobRow, unit WorkUnit, workErr error) {
	if workErr == nil {
		e.ack(ctx, job, jobtype.JobStateCompleted, nil, nil, 0)
		return
	}

	var cancelErr *jobtype.JobCancelError
	if errors.As(workErr, &cancelErr) {
		e.ack(ctx, job, jobtype.JobStateCancelled, workErr, nil, 0)
		return
	}

	var discardErr *jobtype.JobDiscardError
	if errors.As(workErr, &discardErr) {
		e.ack(ctx, job, jobtype.JobStateDiscarded, workErr, nil, 0)
		return
	}

	var snoozeErr *jobtype.JobSnoozeError
	if errors.As(workErr, &snoozeErr) {
		e.ackSnooze(ctx, job, snoozeErr.Duration())
		return
	}

	if errors.Is(workErr, context.DeadlineExceeded) {
		workErr = fmt.Errorf("job execution timed out after %s: %w", unit.Timeout(), workErr)
	}

	// Plain error: exhausted attempts discard, otherwise retry with backoff.
	if int(job.Attempt) >= int(job.MaxAttempts) {
		e.ack(ctx, job, jobtype.JobStateDiscarded, workErr, nil, 0)
		return
	}
	delay := unit.NextRetry(int(job.Attempt))
	e.ack(ctx, job, jobtype.JobStateRetryable, workErr, ptrTime(time.Now().Add(delay)), 0)
}

// ackSnooze implements the snooze(seconds) outcome: the job goes back to
// scheduled without consuming an attempt, so max_attempts is bumped by one
// the same way the Engine's snooze operation does.
func (e *Executor) ackSnooze(ctx context.Context, job *jobtype.JobRow, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	params := &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{jobtype.JobStateScheduled},
		FinalizedAt: []time.Time{{}},
		Error:       [][]byte{nil},
		ScheduledAt: []time.Time{time.Now().Add(delay)},
		MaxAttempts: []int16{job.MaxAttempts + 1},
	}
	if err := e.Completer.JobSetStateIfRunning(ctx, params); err != nil {
		e.Archetype.Logger.Error("failed to snooze job", "job_id", job.ID, "error", err)
	}
}

func (e *Executor) ack(ctx context.Context, job *jobtype.JobRow, state jobtype.JobState, attemptErr error, scheduledAt *time.Time, maxAttempts int16) {
	var errJSON []byte
	if attemptErr != nil {
		errJSON = encodeAttemptError(job.Attempt, attemptErr)
	}

	var sched time.Time
	if scheduledAt != nil {
		sched = *scheduledAt
	}

	var finalizedAt time.Time
	switch state {
	case jobtype.JobStateCompleted, jobtype.JobStateCancelled, jobtype.JobStateDiscarded:
		finalizedAt = time.Now()
	}

	params := &driver.JobSetStateIfRunningManyParams{
		ID:          []int64{job.ID},
		State:       []jobtype.JobState{state},
		FinalizedAt: []time.Time{finalizedAt},
		Error:       [][]byte{errJSON},
		ScheduledAt: []time.Time{sched},
		MaxAttempts: []int16{maxAttempts},
	}
	if err := e.Completer.JobSetStateIfRunning(ctx, params); err != nil {
		e.Archetype.Logger.Error("failed to ack job outcome", "job_id", job.ID, "state", state, "error", err)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

// encodeAttemptError marshals attemptErr into one jobtype.AttemptError entry
// ready to append to the job row's errors column.
func encodeAttemptError(attempt int16, attemptErr error) []byte {
	b, err := json.Marshal(jobtype.AttemptError{
		Attempt: int(attempt),
		At:      time.Now(),
		Error:   attemptErr.Error(),
	})
	if err != nil {
		// Marshaling a plain struct of string/int/time fields cannot fail;
		// fall back to an empty object so the ack still proceeds.
		return []byte(`{}`)
	}
	return b
}
