// Package producer implements the per-(instance, queue) actor: a fetch
// loop, a concurrency gate, an executor pool, and
// pause/resume/scale/graceful-shutdown controls. Built from
// baseservice/startstop the same way every other internal service in this
// module is.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/jobexecutor"
	"github.com/duraq/duraq/internal/notifier"
	"github.com/duraq/duraq/internal/startstop"
	"github.com/duraq/duraq/jobtype"
)

// DefaultFetchCooldown is the periodic re-evaluation tick used as a
// fallback when insert notifications don't arrive.
const DefaultFetchCooldown = time.Second

// DefaultShutdownGracePeriod is how long a Stop waits for in-flight
// executors to drain before surfacing orphans.
const DefaultShutdownGracePeriod = 15 * time.Second

// DefaultLocalStageBatchSize bounds how many of this producer's own due
// rows one local-mode staging pass promotes -- smaller than the Stager's
// own global batch size since this only ever covers one queue.
const DefaultLocalStageBatchSize = 1_000

// LocalModeChecker is satisfied by internal/maintenance.Stager; kept as a
// small local interface so this package doesn't import maintenance. It
// reports whether the cluster-wide Stager isn't currently staging globally
// (not the leader, or leader with isolated pub/sub), in which case this
// producer must promote its own queue's due rows directly rather than
// waiting on a notification that will never come.
type LocalModeChecker interface {
	Local() bool
}

// Config configures a new Producer.
type Config struct {
	Queue               string
	Node                string
	ProducerID          string // per-process UUID recorded in attempted_by
	Limit               int
	FetchCooldown       time.Duration
	ShutdownGracePeriod time.Duration
	LocalStageBatchSize int32

	Executor  driver.Executor
	Completer jobexecutor.Completer
	Factory   jobexecutor.WorkUnitFactory
	Notifier  notifier.Notifier

	// StageMode, when set, lets this producer fall back to staging its own
	// queue's due scheduled/retryable rows directly whenever the cluster's
	// Stager reports it isn't staging globally (spec.md §4.4's "local
	// mode"). Left nil in TestModeInline/TestModeManual, where no Stager
	// runs at all.
	StageMode LocalModeChecker

	// OnJobFinished, if set, is called (off the main loop goroutine) every
	// time an executor finishes a job, letting the owning Client maintain a
	// cluster-wide event feed without the producer knowing about Client.
	OnJobFinished func(job *jobtype.JobRow)
}

type runningEntry struct {
	job    *jobtype.JobRow
	cancel chan struct{}
	done   chan struct{}
}

// Producer is one queue's fetch-and-dispatch actor.
type Producer struct {
	baseservice.BaseService
	startstop.BaseStartStop

	config   Config
	executor *jobexecutor.Executor

	mu       sync.Mutex
	paused   bool
	limit    int
	running  map[int64]*runningEntry
	shutdown bool

	// eg tracks every dispatched executor goroutine so Stop can wait on the
	// whole pool draining with a single errgroup.Wait instead of managing
	// its own WaitGroup.
	eg errgroup.Group

	wakeCh   chan struct{}
	unlisten func()
}

// New constructs a Producer. Call Start to begin fetching.
func New(archetype *baseservice.Archetype, config Config) *Producer {
	if config.FetchCooldown == 0 {
		config.FetchCooldown = DefaultFetchCooldown
	}
	if config.ShutdownGracePeriod == 0 {
		config.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if config.Limit == 0 {
		config.Limit = 1
	}
	if config.LocalStageBatchSize == 0 {
		config.LocalStageBatchSize = DefaultLocalStageBatchSize
	}

	p := &Producer{
		config: config,
		executor: &jobexecutor.Executor{
			Archetype: archetype,
			Factory:   config.Factory,
			Completer: config.Completer,
		},
		limit:   config.Limit,
		running: make(map[int64]*runningEntry),
		wakeCh:  make(chan struct{}, 1),
	}
	p.BaseService = baseservice.Init(archetype, p)
	return p
}

func (p *Producer) attemptedBy() string {
	return fmt.Sprintf("%s/%s", p.config.Node, p.config.ProducerID)
}

// Start registers the queue's insert-notification listener and launches the
// main loop.
func (p *Producer) Start(ctx context.Context) error {
	if p.config.Notifier != nil {
		unlisten, err := p.config.Notifier.Listen(ctx, notifier.TopicInsert, p.config.Queue, func([]byte) {
			p.wake()
		})
		if err != nil {
			return fmt.Errorf("producer: listen: %w", err)
		}
		p.unlisten = unlisten
	}

	p.StartLoop(ctx, p.run)
	return nil
}

// Stop implements graceful shutdown: pause, cancel every
// running executor, wait out the grace period, then surface whatever's
// still running as orphans (the Lifeline will eventually rescue their
// rows -- this method never force-updates them directly).
func (p *Producer) Stop() {
	p.mu.Lock()
	p.shutdown = true
	p.paused = true
	toCancel := make([]*runningEntry, 0, len(p.running))
	for _, e := range p.running {
		toCancel = append(toCancel, e)
	}
	p.mu.Unlock()

	if p.unlisten != nil {
		p.unlisten()
	}
	p.BaseStartStop.Stop()

	for _, e := range toCancel {
		close(e.cancel)
	}

	allDone := make(chan struct{})
	go func() {
		_ = p.eg.Wait()
		close(allDone)
	}()

	deadline := time.NewTimer(p.config.ShutdownGracePeriod)
	defer deadline.Stop()
	select {
	case <-allDone:
	case <-deadline.C:
		p.surfaceOrphans()
	}
}

// surfaceOrphans logs the ids still in the running map once the grace
// period has expired: "surface orphan IDs via telemetry;
// do not force-update their rows".
func (p *Producer) surfaceOrphans() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.running) == 0 {
		return
	}
	ids := make([]int64, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	p.Logger.Warn("shutdown grace period expired with jobs still running",
		"queue", p.config.Queue, "orphan_job_ids", ids)
}

func (p *Producer) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// run is the main loop: on tick or insert notification,
// recompute demand and fetch.
func (p *Producer) run(ctx context.Context) {
	ticker := time.NewTicker(p.config.FetchCooldown)
	defer ticker.Stop()

	for {
		p.stageLocallyIfNeeded(ctx)
		p.fetchAndDispatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wakeCh:
		}
	}
}

// stageLocallyIfNeeded implements spec.md §4.4's local-mode fallback: when
// the cluster's Stager reports it isn't staging globally (this node isn't
// the leader, or the leader's pub/sub is isolated), this producer promotes
// its own queue's due scheduled/retryable rows directly instead of relying
// on a stage notification that will never arrive.
func (p *Producer) stageLocallyIfNeeded(ctx context.Context) {
	if p.config.StageMode == nil || !p.config.StageMode.Local() {
		return
	}
	jobs, err := p.config.Executor.JobSchedule(ctx, &driver.JobScheduleParams{
		Now:   time.Now(),
		Max:   p.config.LocalStageBatchSize,
		Queue: p.config.Queue,
	})
	if err != nil {
		if ctx.Err() == nil {
			p.Logger.Error("local-mode staging failed", "queue", p.config.Queue, "error", err)
		}
		return
	}
	if len(jobs) > 0 {
		p.Logger.Info("staged own queue locally", "queue", p.config.Queue, "count", len(jobs))
	}
}

func (p *Producer) fetchAndDispatch(ctx context.Context) {
	demand := p.demand()
	if demand <= 0 {
		return
	}

	jobs, err := p.config.Executor.JobFetch(ctx, &driver.JobFetchParams{
		Queue:       p.config.Queue,
		Max:         int32(demand),
		AttemptedBy: p.attemptedBy(),
	})
	if err != nil {
		if ctx.Err() == nil {
			p.Logger.Error("fetch failed", "queue", p.config.Queue, "error", err)
		}
		return
	}

	for _, job := range jobs {
		p.dispatch(ctx, job)
	}
}

// demand returns how many more jobs this producer can currently accept,
// step 2. Returns 0 while paused or mid-shutdown.
func (p *Producer) demand() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.shutdown {
		return 0
	}
	d := p.limit - len(p.running)
	if d < 0 {
		return 0
	}
	return d
}

func (p *Producer) dispatch(ctx context.Context, job *jobtype.JobRow) {
	entry := &runningEntry{
		job:    job,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	p.running[job.ID] = entry
	p.mu.Unlock()

	p.eg.Go(func() error {
		defer close(entry.done)
		defer func() {
			p.mu.Lock()
			delete(p.running, job.ID)
			p.mu.Unlock()
			p.wake()
			if p.config.OnJobFinished != nil {
				p.config.OnJobFinished(job)
			}
		}()
		p.executor.Execute(context.WithoutCancel(ctx), job, entry.cancel)
		return nil
	})
}

// Pause stops this producer from fetching further jobs; jobs already
// running continue to completion.
func (p *Producer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

// Resume re-enables fetching and immediately re-evaluates demand.
func (p *Producer) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.wake()
}

// Scale changes the concurrency limit and re-evaluates demand.
func (p *Producer) Scale(newLimit int) {
	p.mu.Lock()
	p.limit = newLimit
	p.mu.Unlock()
	p.wake()
}

// NotifyInsert hints that new rows may be available, equivalent to
// receiving the notifier's own insert topic but usable directly by a
// local-mode Stager.
func (p *Producer) NotifyInsert() { p.wake() }

// Status is the snapshot a queue-check operation returns.
type Status struct {
	Queue        string
	Paused       bool
	Limit        int
	RunningCount int

	// Metadata carries point-in-time detail beyond the headline fields
	// above, surfaced to a caller of check_queue/check_all_queues: the
	// currently running job ids, this node/producer's identity, and
	// whether the cluster's Stager has this queue's producer in local
	// staging mode right now.
	Metadata map[string]any
}

// Check returns a point-in-time snapshot of this producer's state.
func (p *Producer) Check() Status {
	p.mu.Lock()
	runningIDs := make([]int64, 0, len(p.running))
	for id := range p.running {
		runningIDs = append(runningIDs, id)
	}
	st := Status{
		Queue:        p.config.Queue,
		Paused:       p.paused,
		Limit:        p.limit,
		RunningCount: len(p.running),
	}
	p.mu.Unlock()

	metadata := map[string]any{
		"node":            p.config.Node,
		"producer_id":     p.config.ProducerID,
		"running_job_ids": runningIDs,
	}
	if p.config.StageMode != nil {
		metadata["local_staging"] = p.config.StageMode.Local()
	}
	st.Metadata = metadata
	return st
}

// CancelIfRunning interrupts job's executor cooperatively if this producer
// currently owns it. A foreign-node cancel must drive the owning producer
// to interrupt its executor, not just update the row. Returns true if a
// running executor was signaled.
func (p *Producer) CancelIfRunning(jobID int64) bool {
	p.mu.Lock()
	entry, ok := p.running[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-entry.cancel:
		// already signaled
	default:
		close(entry.cancel)
	}
	return true
}
