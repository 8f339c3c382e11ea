package duraq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/cron"
	"github.com/duraq/duraq/internal/jobcompleter"
	"github.com/duraq/duraq/internal/jobexecutor"
	"github.com/duraq/duraq/internal/leadership"
	"github.com/duraq/duraq/internal/maintenance"
	"github.com/duraq/duraq/internal/notifier"
	"github.com/duraq/duraq/internal/producer"
	"github.com/duraq/duraq/internal/uniqueness"
	"github.com/duraq/duraq/jobtype"
)

// DefaultQueue is used when InsertOpts.Queue is left empty.
const DefaultQueue = "default"

// DefaultMaxAttempts is used when InsertOpts.MaxAttempts is left at 0.
const DefaultMaxAttempts int16 = 25

// UniqueOpts configures the uniqueness algorithm for one Insert or one
// worker's default. Field/state constants are re-exported from
// internal/uniqueness so a caller never imports an internal package.
type UniqueOpts = uniqueness.Opts

// UniqueField names a JSON document fingerprinting can pull into the key.
type UniqueField = uniqueness.Field

const (
	UniqueByWorker = uniqueness.FieldWorker
	UniqueByQueue  = uniqueness.FieldQueue
	UniqueByArgs   = uniqueness.FieldArgs
	UniqueByMeta   = uniqueness.FieldMeta
)

// InsertOpts overrides a job's defaults at insert time.
type InsertOpts struct {
	Queue       string
	Priority    int16
	MaxAttempts int16
	ScheduledAt time.Time
	Tags        []string
	Meta        any

	// Unique, when set, makes this insert subject to the uniqueness
	// algorithm: a conflicting fingerprint returns the existing row instead
	// of writing a new one.
	Unique *UniqueOpts

	// ReplaceArgsOnConflict implements the optional "replace" operation: on
	// a uniqueness conflict, overwrite the existing
	// row's args/meta with this insert's values instead of leaving it as-is.
	ReplaceArgsOnConflict bool
}

// InsertManyParams is one entry in an InsertMany batch.
type InsertManyParams struct {
	Args JobArgs
	Opts *InsertOpts
}

// signalCommand is the JSON envelope sent over notifier.TopicSignal:
// queue-scoped commands (pause/resume/scale) and the global cancel command
// share one shape.
type signalCommand struct {
	Cmd   string `json:"cmd"`
	JobID int64  `json:"job_id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// EventKind is the lifecycle transition an Event reports.
type EventKind string

const (
	EventKindCompleted EventKind = "completed"
	EventKindCancelled EventKind = "cancelled"
	EventKindDiscarded EventKind = "discarded"
	EventKindRetryable EventKind = "retryable"
	EventKindScheduled EventKind = "scheduled"
)

// Event is delivered on a Subscribe channel whenever a job transitions to
// a state a completer acknowledges.
type Event struct {
	Kind EventKind
	Job  *jobtype.JobRow
}

func eventKindFromState(s jobtype.JobState) EventKind {
	switch s {
	case jobtype.JobStateCompleted:
		return EventKindCompleted
	case jobtype.JobStateCancelled:
		return EventKindCancelled
	case jobtype.JobStateDiscarded:
		return EventKindDiscarded
	case jobtype.JobStateScheduled:
		return EventKindScheduled
	default:
		return EventKindRetryable
	}
}

// QueueStatus is the snapshot check_queue/check_all_queues return.
type QueueStatus struct {
	Queue        string
	Paused       bool
	Limit        int
	RunningCount int
	Metadata     map[string]any
}

// Client is the public entry point of the durable transactional job queue:
// it owns one Producer per configured queue, the leader-only maintenance
// trio (Stager/Pruner/Lifeline), the periodic-insertion Cron, and the
// completer/notifier plumbing they all share, wired together behind one
// Start/Stop lifecycle.
type Client struct {
	config *Config

	executor driver.Executor
	notif    notifier.Notifier

	completer   jobcompleter.JobCompleter
	subscribeCh jobcompleter.SubscribeChan

	producers map[string]*producer.Producer
	elector   *leadership.Elector
	stager    *maintenance.Stager
	pruner    *maintenance.Pruner
	lifeline  *maintenance.Lifeline
	cronSvc   *cron.Cron

	inlineExecutor *jobexecutor.Executor

	mu        sync.Mutex
	subs      map[int]chan *Event
	nextSubID int
	started   bool
}

// NewClient constructs a Client bound to exec for storage and notif for
// pub/sub coordination. notif may be nil only when config.TestMode is
// TestModeInline, which never listens or notifies at all.
func NewClient(exec driver.Executor, notif notifier.Notifier, config *Config) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()
	archetype := config.archetype()

	c := &Client{
		config:      config,
		executor:    exec,
		notif:       notif,
		subscribeCh: make(jobcompleter.SubscribeChan, 16),
		producers:   make(map[string]*producer.Producer),
		subs:        make(map[int]chan *Event),
	}

	if config.TestMode == TestModeInline {
		c.completer = jobcompleter.NewInlineCompleter(archetype, exec, c.subscribeCh)
		c.inlineExecutor = &jobexecutor.Executor{Archetype: archetype, Factory: config.Workers, Completer: c.completer}
		go c.fanout()
		return c, nil
	}

	c.completer = jobcompleter.NewAsyncCompleter(archetype, exec, c.subscribeCh)

	if config.TestMode == TestModeManual {
		go c.fanout()
		return c, nil
	}

	node := config.Node
	producerID := uuid.New().String()

	c.elector = leadership.New(archetype, exec, notif, leadership.Config{
		Node: node,
		TTL:  config.LeaseTTL,
		OnElected: func() {
			if c.cronSvc != nil {
				c.cronSvc.HandleLeaderElected()
			}
		},
	})

	c.stager = maintenance.NewStager(archetype, maintenance.StagerConfig{
		Interval: config.StageInterval,
		Executor: exec,
		Notifier: notif,
		Leader:   c.elector,
	})

	for queue, qc := range config.Queues {
		c.producers[queue] = producer.New(archetype, producer.Config{
			Queue:               queue,
			Node:                node,
			ProducerID:          producerID,
			Limit:               qc.MaxWorkers,
			FetchCooldown:       config.FetchCooldown,
			ShutdownGracePeriod: config.ShutdownGracePeriod,
			Executor:            exec,
			Completer:           c.completer,
			Factory:             config.Workers,
			Notifier:            notif,
			StageMode:           c.stager,
		})
	}

	c.pruner = maintenance.NewPruner(archetype, maintenance.PrunerConfig{
		Interval:  config.PruneInterval,
		MaxAge:    config.PruneMaxAge,
		Executor:  exec,
		Leader:    c.elector,
	})
	c.lifeline = maintenance.NewLifeline(archetype, maintenance.LifelineConfig{
		Interval:       config.RescueInterval,
		StuckThreshold: config.StuckThreshold,
		Executor:       exec,
		Leader:         c.elector,
	})

	if len(config.PeriodicJobs) > 0 {
		c.cronSvc = cron.New(archetype, cron.Config{
			Jobs:     config.PeriodicJobs,
			Inserter: c,
			Leader:   c.elector,
		})
	}

	go c.fanout()
	return c, nil
}

// fanout relays every completer-acknowledged batch to every current
// Subscribe channel, until subscribeCh is closed by the completer's own
// Stop.
func (c *Client) fanout() {
	for batch := range c.subscribeCh {
		for _, u := range batch {
			ev := &Event{Kind: eventKindFromState(u.Job.State), Job: u.Job}
			c.mu.Lock()
			for _, ch := range c.subs {
				select {
				case ch <- ev:
				default:
				}
			}
			c.mu.Unlock()
		}
	}
}

// Start launches every configured service: the notifier, the completer, and
// -- unless TestMode opts out -- the leader elector, one Producer per
// queue, the maintenance trio, and the periodic-insertion Cron.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("duraq: client already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.notif != nil {
		if err := c.notif.Start(ctx); err != nil {
			return fmt.Errorf("duraq: start notifier: %w", err)
		}
		if _, err := c.notif.Listen(ctx, notifier.TopicSignal, "", c.handleGlobalSignal); err != nil {
			return fmt.Errorf("duraq: listen signal topic: %w", err)
		}
	}

	if err := c.completer.Start(ctx); err != nil {
		return fmt.Errorf("duraq: start completer: %w", err)
	}

	if c.elector != nil {
		if err := c.elector.Start(ctx); err != nil {
			return fmt.Errorf("duraq: start elector: %w", err)
		}
	}

	for queue, p := range c.producers {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("duraq: start producer %q: %w", queue, err)
		}
		if c.notif != nil {
			if _, err := c.notif.Listen(ctx, notifier.TopicSignal, queue, c.handleQueueSignal(p)); err != nil {
				return fmt.Errorf("duraq: listen queue signal %q: %w", queue, err)
			}
		}
	}

	if c.stager != nil {
		if err := c.stager.Start(ctx); err != nil {
			return fmt.Errorf("duraq: start stager: %w", err)
		}
	}
	if c.pruner != nil {
		if err := c.pruner.Start(ctx); err != nil {
			return fmt.Errorf("duraq: start pruner: %w", err)
		}
	}
	if c.lifeline != nil {
		if err := c.lifeline.Start(ctx); err != nil {
			return fmt.Errorf("duraq: start lifeline: %w", err)
		}
	}
	if c.cronSvc != nil {
		if err := c.cronSvc.Start(ctx); err != nil {
			return fmt.Errorf("duraq: start cron: %w", err)
		}
	}
	return nil
}

// Stop shuts every service down in the reverse order Start brought them up,
// draining in-flight work (producer grace period, completer background
// acks) before returning.
func (c *Client) Stop(ctx context.Context) error {
	if c.cronSvc != nil {
		c.cronSvc.Stop()
	}
	if c.lifeline != nil {
		c.lifeline.Stop()
	}
	if c.pruner != nil {
		c.pruner.Stop()
	}
	if c.stager != nil {
		c.stager.Stop()
	}
	for _, p := range c.producers {
		p.Stop()
	}
	if c.elector != nil {
		c.elector.Stop()
	}
	c.completer.Stop()
	if c.notif != nil {
		c.notif.Stop()
	}
	return nil
}

func (c *Client) handleGlobalSignal(payload []byte) {
	var cmd signalCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return
	}
	if cmd.Cmd == "cancel" {
		c.cancelLocally(cmd.JobID)
	}
}

func (c *Client) handleQueueSignal(p *producer.Producer) notifier.Handler {
	return func(payload []byte) {
		var cmd signalCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return
		}
		switch cmd.Cmd {
		case "pause":
			p.Pause()
		case "resume":
			p.Resume()
		case "scale":
			p.Scale(cmd.Limit)
		}
	}
}

func (c *Client) cancelLocally(jobID int64) bool {
	for _, p := range c.producers {
		if p.CancelIfRunning(jobID) {
			return true
		}
	}
	return false
}

// Subscribe returns a channel of lifecycle events and a function to stop
// receiving them. The channel is closed once cancel is called and is never
// closed by the Client otherwise; while its buffer is full, further events
// are dropped for that subscriber rather than blocking job completion.
func (c *Client) Subscribe() (<-chan *Event, func()) {
	ch := make(chan *Event, c.config.SubscribeBufferSize)
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = ch
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Client) buildInsertParams(args JobArgs, opts *InsertOpts) (*driver.JobInsertParams, error) {
	if opts == nil {
		opts = &InsertOpts{}
	}
	argsJSON, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("duraq: encode args: %w", err)
	}
	var metaJSON []byte
	if opts.Meta != nil {
		metaJSON, err = json.Marshal(opts.Meta)
		if err != nil {
			return nil, fmt.Errorf("duraq: encode meta: %w", err)
		}
	}

	queue := opts.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	state := jobtype.JobStateAvailable
	var scheduledAt *time.Time
	if !opts.ScheduledAt.IsZero() {
		state = jobtype.JobStateScheduled
		t := opts.ScheduledAt
		scheduledAt = &t
	}

	return &driver.JobInsertParams{
		Args:        argsJSON,
		Meta:        metaJSON,
		Worker:      args.Worker(),
		Queue:       queue,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
		Tags:        opts.Tags,
		State:       state,
	}, nil
}

// insert runs the uniqueness algorithm (when opts.Unique is set) and then
// writes params, returning the resulting row whether or not a conflict was
// hit.
func (c *Client) insert(ctx context.Context, exec driver.Executor, params *driver.JobInsertParams, opts *InsertOpts) (*jobtype.JobRow, error) {
	if opts != nil && opts.Unique != nil {
		key, err := uniqueness.Fingerprint(params.Worker, params.Queue, params.Args, params.Meta, *opts.Unique, time.Now())
		if err != nil {
			return nil, fmt.Errorf("duraq: fingerprint: %w", err)
		}
		params.UniqueKey = key.Bytes

		// Best-effort serialization trim: the DB-level partial unique index
		// is what actually enforces uniqueness, so a
		// lost race here just means both inserts fall through to the
		// conflict-aware JobInsert below instead of one short-circuiting.
		_, _ = exec.AdvisoryLockTry(ctx, key.Hash)
	}

	result, err := exec.JobInsert(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("duraq: insert: %w", err)
	}
	if !result.Conflict {
		return result.Job, nil
	}

	if opts != nil && opts.Unique != nil && !stateBlocks(result.Job.State, opts.Unique.ByState) {
		// The conflicting row's current state isn't in this caller's
		// blocking set -- drop its stale reservation and let this insert
		// actually land.
		if err := exec.JobClearUniqueKey(ctx, result.Job.ID); err != nil {
			return nil, fmt.Errorf("duraq: clear stale unique key: %w", err)
		}
		result, err = exec.JobInsert(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("duraq: insert after clearing stale key: %w", err)
		}
		return result.Job, nil
	}

	if opts != nil && opts.ReplaceArgsOnConflict {
		replaced, err := exec.JobReplaceUniqueArgsMeta(ctx, result.Job.ID, params.Args, params.Meta)
		if err != nil {
			return nil, fmt.Errorf("duraq: replace on conflict: %w", err)
		}
		return replaced, nil
	}

	return result.Job, nil
}

func stateBlocks(state jobtype.JobState, configured []jobtype.JobState) bool {
	states := configured
	if len(states) == 0 {
		states = uniqueness.DefaultStates
	}
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

// notifyInserted hints the owning producer (or, if it's on another node,
// broadcasts via the notifier) that a row may now be available to fetch.
func (c *Client) notifyInserted(ctx context.Context, queue string) {
	if p, ok := c.producers[queue]; ok {
		p.NotifyInsert()
		return
	}
	if c.notif != nil {
		_ = c.notif.Notify(ctx, notifier.TopicInsert, queue, []byte(`{"event":"insert"}`))
	}
}

// runInline executes job synchronously (the inline testing mode) and
// returns the terminal row the executor's ack wrote.
func (c *Client) runInline(ctx context.Context, job *jobtype.JobRow) (*jobtype.JobRow, error) {
	cancelCh := make(chan struct{})
	c.inlineExecutor.Execute(ctx, job, cancelCh)
	return c.executor.JobGetByID(ctx, job.ID)
}

// Insert writes a new job row. In TestModeInline the job runs
// synchronously before Insert returns.
func (c *Client) Insert(ctx context.Context, args JobArgs, opts *InsertOpts) (*jobtype.JobRow, error) {
	return c.insertVia(ctx, c.executor, args, opts)
}

// InsertTx inserts within tx, so the row lands atomically with the
// caller's own business-data writes.
func (c *Client) InsertTx(ctx context.Context, tx driver.ExecutorTx, args JobArgs, opts *InsertOpts) (*jobtype.JobRow, error) {
	return c.insertVia(ctx, tx, args, opts)
}

func (c *Client) insertVia(ctx context.Context, exec driver.Executor, args JobArgs, opts *InsertOpts) (*jobtype.JobRow, error) {
	params, err := c.buildInsertParams(args, opts)
	if err != nil {
		return nil, err
	}
	job, err := c.insert(ctx, exec, params, opts)
	if err != nil {
		return nil, err
	}

	if c.config.TestMode == TestModeInline {
		return c.runInline(ctx, job)
	}
	c.notifyInserted(ctx, job.Queue)
	return job, nil
}

// InsertMany bulk-inserts every entry through the driver's JobInsertMany,
// which in both bundled drivers issues one INSERT per entry. It does not
// run the uniqueness algorithm, so a caller needing both should call Insert
// in a loop instead.
func (c *Client) InsertMany(ctx context.Context, jobs []InsertManyParams) ([]*jobtype.JobRow, error) {
	params := make([]*driver.JobInsertParams, len(jobs))
	for i, j := range jobs {
		p, err := c.buildInsertParams(j.Args, j.Opts)
		if err != nil {
			return nil, err
		}
		params[i] = p
	}

	rows, err := c.executor.JobInsertMany(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("duraq: insert many: %w", err)
	}

	if c.config.TestMode != TestModeInline {
		seen := make(map[string]bool, len(rows))
		for _, r := range rows {
			if seen[r.Queue] {
				continue
			}
			seen[r.Queue] = true
			c.notifyInserted(ctx, r.Queue)
		}
	}
	return rows, nil
}

// InsertPeriodic implements cron.Inserter: one periodic job's row, scoped
// to a uniqueness window that survives a leadership handover without
// double-firing.
func (c *Client) InsertPeriodic(ctx context.Context, spec *cron.JobInsertSpec, dedupeWindow time.Duration) error {
	params := &driver.JobInsertParams{
		Args:        spec.Args,
		Meta:        spec.Meta,
		Worker:      spec.Worker,
		Queue:       spec.Queue,
		Priority:    spec.Priority,
		MaxAttempts: spec.MaxAttempts,
		Tags:        spec.Tags,
		State:       jobtype.JobStateAvailable,
	}

	uniq := UniqueOpts{
		ByFields:      []UniqueField{UniqueByWorker, UniqueByQueue},
		PeriodSeconds: int64(dedupeWindow / time.Second),
	}
	key, err := uniqueness.Fingerprint(params.Worker, params.Queue, params.Args, params.Meta, uniq, time.Now())
	if err != nil {
		return fmt.Errorf("duraq: periodic fingerprint: %w", err)
	}
	params.UniqueKey = key.Bytes

	result, err := c.executor.JobInsert(ctx, params)
	if err != nil {
		return fmt.Errorf("duraq: periodic insert: %w", err)
	}
	if !result.Conflict {
		c.notifyInserted(ctx, result.Job.Queue)
	}
	return nil
}

// CancelJob cancels a job that is not yet in a terminal state; a completed,
// cancelled or discarded job is left unchanged. A job that's currently
// executing is interrupted cooperatively: locally if this node
// owns it, otherwise via a cluster-wide signal so the owning node's
// producer can interrupt its own executor.
func (c *Client) CancelJob(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	job, err := c.executor.JobCancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("duraq: cancel: %w", err)
	}
	if job.State == jobtype.JobStateExecuting {
		if !c.cancelLocally(id) && c.notif != nil {
			payload, _ := json.Marshal(signalCommand{Cmd: "cancel", JobID: id})
			_ = c.notif.Notify(ctx, notifier.TopicSignal, "", payload)
		}
	}
	return job, nil
}

// RetryJob resets job back to available, including a terminal one.
func (c *Client) RetryJob(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	job, err := c.executor.JobRetry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("duraq: retry: %w", err)
	}
	c.notifyInserted(ctx, job.Queue)
	return job, nil
}

// DeleteJob removes a single job row outright, unless it is currently
// executing.
func (c *Client) DeleteJob(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	job, err := c.executor.JobDelete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("duraq: delete: %w", err)
	}
	return job, nil
}

// JobListParams filters the bulk *AllJobs operations, per the Expanded
// Module List's cursor-paginated filter builder.
type JobListParams struct {
	Queue  string
	Worker string
	States []jobtype.JobState
}

func (c *Client) listAll(ctx context.Context, filter *JobListParams) ([]*jobtype.JobRow, error) {
	if filter == nil {
		filter = &JobListParams{}
	}
	const pageSize = int32(500)
	var (
		after int64
		all   []*jobtype.JobRow
	)
	for {
		page, err := c.executor.JobList(ctx, &driver.JobListParams{
			Queue:  filter.Queue,
			Worker: filter.Worker,
			States: filter.States,
			After:  after,
			Limit:  pageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("duraq: list jobs: %w", err)
		}
		all = append(all, page...)
		if int32(len(page)) < pageSize {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// CancelAllJobs cancels every job matching filter, returning how many were
// cancelled. Individual failures are skipped, without logging and without
// being counted, rather than aborting the whole operation.
func (c *Client) CancelAllJobs(ctx context.Context, filter *JobListParams) (int, error) {
	jobs, err := c.listAll(ctx, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if _, err := c.CancelJob(ctx, j.ID); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

// RetryAllJobs retries every job matching filter, returning how many were
// retried.
func (c *Client) RetryAllJobs(ctx context.Context, filter *JobListParams) (int, error) {
	jobs, err := c.listAll(ctx, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if _, err := c.RetryJob(ctx, j.ID); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

// DeleteAllJobs deletes every job matching filter, returning how many were
// deleted.
func (c *Client) DeleteAllJobs(ctx context.Context, filter *JobListParams) (int, error) {
	jobs, err := c.listAll(ctx, filter)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if _, err := c.DeleteJob(ctx, j.ID); err != nil {
			continue
		}
		n++
	}
	return n, nil
}

// PauseQueue stops a queue's producer from fetching further jobs. If the
// queue isn't local, the command is broadcast over the notifier's signal
// topic so the node running it can act.
func (c *Client) PauseQueue(ctx context.Context, queue string) error {
	if p, ok := c.producers[queue]; ok {
		p.Pause()
		return nil
	}
	return c.broadcastQueueCommand(ctx, queue, "pause", 0)
}

// ResumeQueue re-enables fetching on queue.
func (c *Client) ResumeQueue(ctx context.Context, queue string) error {
	if p, ok := c.producers[queue]; ok {
		p.Resume()
		return nil
	}
	return c.broadcastQueueCommand(ctx, queue, "resume", 0)
}

// ScaleQueue changes queue's concurrency limit.
func (c *Client) ScaleQueue(ctx context.Context, queue string, limit int) error {
	if p, ok := c.producers[queue]; ok {
		p.Scale(limit)
		return nil
	}
	return c.broadcastQueueCommand(ctx, queue, "scale", limit)
}

func (c *Client) broadcastQueueCommand(ctx context.Context, queue, cmd string, limit int) error {
	if c.notif == nil {
		return fmt.Errorf("duraq: queue %q is not running on this node and no notifier is configured to reach it", queue)
	}
	payload, err := json.Marshal(signalCommand{Cmd: cmd, Limit: limit})
	if err != nil {
		return err
	}
	return c.notif.Notify(ctx, notifier.TopicSignal, queue, payload)
}

// CheckQueue returns a point-in-time snapshot of queue's producer. Only
// queues running locally on this Client can be checked; a remote queue
// returns an error (cross-node introspection isn't part of this API).
func (c *Client) CheckQueue(queue string) (*QueueStatus, error) {
	p, ok := c.producers[queue]
	if !ok {
		return nil, fmt.Errorf("duraq: queue %q is not running on this node", queue)
	}
	return queueStatusFromProducerStatus(p.Check()), nil
}

// CheckAllQueues returns a snapshot of every queue running locally.
func (c *Client) CheckAllQueues() []*QueueStatus {
	out := make([]*QueueStatus, 0, len(c.producers))
	for _, p := range c.producers {
		out = append(out, queueStatusFromProducerStatus(p.Check()))
	}
	return out
}

func queueStatusFromProducerStatus(st producer.Status) *QueueStatus {
	return &QueueStatus{
		Queue:        st.Queue,
		Paused:       st.Paused,
		Limit:        st.Limit,
		RunningCount: st.RunningCount,
		Metadata:     st.Metadata,
	}
}
