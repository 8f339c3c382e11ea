package jobexecutor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/duraqtest"
	"github.com/duraq/duraq/jobtype"
)

type fakeUnit struct {
	workFunc func(ctx context.Context) error
	timeout  time.Duration
}

func (u *fakeUnit) Work(ctx context.Context) error { return u.workFunc(ctx) }
func (u *fakeUnit) Timeout() time.Duration         { return u.timeout }
func (u *fakeUnit) NextRetry(attempt int) time.Duration { return time.Millisecond }

type fakeFactory struct {
	unit *fakeUnit
	err  error
}

func (f *fakeFactory) MakeUnit(job *jobtype.JobRow) (WorkUnit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.unit, nil
}

type fakeCompleter struct {
	calls []*driver.JobSetStateIfRunningManyParams
}

func (c *fakeCompleter) JobSetStateIfRunning(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) error {
	c.calls = append(c.calls, params)
	return nil
}

func newExecutor(t *testing.T, unit *fakeUnit) (*Executor, *fakeCompleter) {
	completer := &fakeCompleter{}
	e := &Executor{
		Archetype: duraqtest.BaseServiceArchetype(t),
		Factory:   &fakeFactory{unit: unit},
		Completer: completer,
	}
	return e, completer
}

func TestExecuteCompletesOnNilError(t *testing.T) {
	unit := &fakeUnit{workFunc: func(ctx context.Context) error { return nil }}
	e, completer := newExecutor(t, unit)

	e.Execute(context.Background(), &jobtype.JobRow{ID: 1, Attempt: 1, MaxAttempts: 25}, make(chan struct{}))

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateCompleted, completer.calls[0].State[0])
}

func TestExecuteDiscardsUnknownWorker(t *testing.T) {
	completer := &fakeCompleter{}
	e := &Executor{
		Archetype: duraqtest.BaseServiceArchetype(t),
		Factory:   &fakeFactory{err: errors.New("no worker")},
		Completer: completer,
	}

	e.Execute(context.Background(), &jobtype.JobRow{ID: 1}, make(chan struct{}))

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateDiscarded, completer.calls[0].State[0])
}

func TestExecuteRetriesPlainErrorUnderMaxAttempts(t *testing.T) {
	unit := &fakeUnit{workFunc: func(ctx context.Context) error { return errors.New("boom") }}
	e, completer := newExecutor(t, unit)

	e.Execute(context.Background(), &jobtype.JobRow{ID: 1, Attempt: 1, MaxAttempts: 25}, make(chan struct{}))

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateRetryable, completer.calls[0].State[0])
}

func TestExecuteDiscardsPlainErrorAtMaxAttempts(t *testing.T) {
	unit := &fakeUnit{workFunc: func(ctx context.Context) error { return errors.New("boom") }}
	e, completer := newExecutor(t, unit)

	e.Execute(context.Background(), &jobtype.JobRow{ID: 1, Attempt: 25, MaxAttempts: 25}, make(chan struct{}))

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateDiscarded, completer.calls[0].State[0])
}

func TestExecuteHandlesJobCancelError(t *testing.T) {
	unit := &fakeUnit{workFunc: func(ctx context.Context) error { return jobtype.JobCancel(errors.New("cancel me")) }}
	e, completer := newExecutor(t, unit)

	e.Execute(context.Background(), &jobtype.JobRow{ID: 1, Attempt: 1, MaxAttempts: 25}, make(chan struct{}))

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateCancelled, completer.calls[0].State[0])
}

func TestExecuteHandlesJobSnoozeError(t *testing.T) {
	unit := &fakeUnit{workFunc: func(ctx context.Context) error { return jobtype.JobSnooze(time.Minute) }}
	e, completer := newExecutor(t, unit)

	e.Execute(context.Background(), &jobtype.JobRow{ID: 1, Attempt: 1, MaxAttempts: 25}, make(chan struct{}))

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateScheduled, completer.calls[0].State[0])
	require.Equal(t, int16(26), completer.calls[0].MaxAttempts[0])
}

func TestExecuteCancelChanInterruptsWork(t *testing.T) {
	started := make(chan struct{})
	unit := &fakeUnit{workFunc: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}
	e, completer := newExecutor(t, unit)

	cancelCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		e.Execute(context.Background(), &jobtype.JobRow{ID: 1, Attempt: 1, MaxAttempts: 25}, cancelCh)
		close(done)
	}()

	duraqtest.WaitOrTimeout(t, started)
	close(cancelCh)
	duraqtest.WaitOrTimeout(t, done)

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateCancelled, completer.calls[0].State[0])
}

func TestExecuteTimesOut(t *testing.T) {
	unit := &fakeUnit{
		timeout: time.Millisecond,
		workFunc: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	e, completer := newExecutor(t, unit)

	e.Execute(context.Background(), &jobtype.JobRow{ID: 1, Attempt: 1, MaxAttempts: 25}, make(chan struct{}))

	require.Len(t, completer.calls, 1)
	require.Equal(t, jobtype.JobStateRetryable, completer.calls[0].State[0])
}
