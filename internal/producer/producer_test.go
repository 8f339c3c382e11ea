package producer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/driver/sqlitedriver"
	"github.com/duraq/duraq/internal/duraqtest"
	"github.com/duraq/duraq/internal/jobexecutor"
	"github.com/duraq/duraq/internal/testfactory"
	"github.com/duraq/duraq/jobtype"
)

type blockingUnit struct {
	release chan struct{}
	started chan struct{}
}

func (u *blockingUnit) Work(ctx context.Context) error {
	close(u.started)
	select {
	case <-u.release:
	case <-ctx.Done():
	}
	return nil
}
func (u *blockingUnit) Timeout() time.Duration         { return time.Minute }
func (u *blockingUnit) NextRetry(attempt int) time.Duration { return time.Millisecond }

type blockingFactory struct {
	release chan struct{}
	started chan struct{}
}

func (f *blockingFactory) MakeUnit(job *jobtype.JobRow) (jobexecutor.WorkUnit, error) {
	return &blockingUnit{release: f.release, started: f.started}, nil
}

// fakeStageMode is a controllable internal/producer.LocalModeChecker stand-in
// for internal/maintenance.Stager, letting tests flip local mode without a
// real leadership/notifier setup.
type fakeStageMode struct{ local bool }

func (f *fakeStageMode) Local() bool { return f.local }

type noopCompleter struct{ exec driver.Executor }

func (c *noopCompleter) JobSetStateIfRunning(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) error {
	_, err := c.exec.JobSetStateIfRunningMany(ctx, params)
	return err
}

func newTestProducer(t *testing.T, queue string, limit int, factory jobexecutor.WorkUnitFactory) (*Producer, driver.Executor) {
	t.Helper()
	db, err := sqlitedriver.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	exec := sqlitedriver.New(db)

	p := New(duraqtest.BaseServiceArchetype(t), Config{
		Queue:         queue,
		Node:          "node1",
		ProducerID:    "p1",
		Limit:         limit,
		FetchCooldown: 10 * time.Millisecond,
		Executor:      exec,
		Completer:     &noopCompleter{exec: exec},
		Factory:       factory,
	})
	return p, exec
}

func TestProducerFetchesAndRunsToCompletion(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p, exec := newTestProducer(t, "default", 1, &blockingFactory{release: release, started: started})

	ctx := context.Background()
	job := testfactory.Job(ctx, t, exec, nil)

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	duraqtest.WaitOrTimeout(t, started)
	status := p.Check()
	require.Equal(t, 1, status.RunningCount)

	close(release)
	require.Eventually(t, func() bool {
		row, err := exec.JobGetByID(ctx, job.ID)
		require.NoError(t, err)
		return row.State == jobtype.JobStateCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestProducerPauseStopsNewFetches(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p, exec := newTestProducer(t, "default", 1, &blockingFactory{release: release, started: started})
	close(release)

	p.Pause()
	ctx := context.Background()
	testfactory.Job(ctx, t, exec, nil)

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	select {
	case <-started:
		t.Fatalf("a paused producer must not fetch")
	case <-time.After(100 * time.Millisecond):
	}

	p.Resume()
	duraqtest.WaitOrTimeout(t, started)
}

func TestProducerCancelIfRunningSignalsExecutor(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	p, exec := newTestProducer(t, "default", 1, &blockingFactory{release: release, started: started})

	ctx := context.Background()
	job := testfactory.Job(ctx, t, exec, nil)

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	duraqtest.WaitOrTimeout(t, started)

	require.False(t, p.CancelIfRunning(999999), "an id not running on this producer returns false")
	require.True(t, p.CancelIfRunning(job.ID))
}

func TestProducerScaleChangesLimit(t *testing.T) {
	p, _ := newTestProducer(t, "default", 1, &blockingFactory{release: make(chan struct{}), started: make(chan struct{}, 10)})
	status := p.Check()
	require.Equal(t, "default", status.Queue)
	require.Equal(t, 1, status.Limit)
	require.False(t, status.Paused)
	require.Equal(t, 0, status.RunningCount)
	p.Scale(5)
	require.Equal(t, 5, p.Check().Limit)
}

func TestProducerNotifyInsertWakesLoop(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	close(release)
	p, exec := newTestProducer(t, "default", 1, &blockingFactory{release: release, started: started})
	p.config.FetchCooldown = time.Hour // force reliance on the wake signal

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	testfactory.Job(ctx, t, exec, nil)
	p.NotifyInsert()

	duraqtest.WaitOrTimeout(t, started)
}

func TestProducerStagesOwnQueueLocallyWhenStageModeIsLocal(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	close(release)
	p, exec := newTestProducer(t, "default", 1, &blockingFactory{release: release, started: started})
	p.config.StageMode = &fakeStageMode{local: true}

	ctx := context.Background()
	due := time.Now().Add(-time.Second)
	state := jobtype.JobStateScheduled
	job := testfactory.Job(ctx, t, exec, &testfactory.JobOpts{State: &state, ScheduledAt: &due})

	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	duraqtest.WaitOrTimeout(t, started)
	require.Eventually(t, func() bool {
		row, err := exec.JobGetByID(ctx, job.ID)
		require.NoError(t, err)
		return row.State == jobtype.JobStateCompleted
	}, time.Second, 10*time.Millisecond, "a local-mode producer must stage and then run its own due job")
}

func TestProducerCheckReportsLocalStagingMetadata(t *testing.T) {
	p, _ := newTestProducer(t, "default", 1, &blockingFactory{release: make(chan struct{}), started: make(chan struct{}, 10)})
	p.config.StageMode = &fakeStageMode{local: true}

	status := p.Check()
	require.Equal(t, true, status.Metadata["local_staging"])
	require.Equal(t, "node1", status.Metadata["node"])
	require.Equal(t, "p1", status.Metadata["producer_id"])
}
