// Package driver defines the storage contract: the set of atomic operations
// every Engine implementation (Postgres, SQLite, ...) must provide. The
// public duraq package and the internal services (producer, maintenance,
// cron) talk to storage exclusively through this interface so they're
// engine-agnostic; driver/pgdriver and driver/sqlitedriver are the concrete
// implementations.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/duraq/duraq/jobtype"
)

// ErrAdvisoryLocksUnsupported is available for an Executor implementation
// whose engine has no cross-session advisory lock primitive to return from
// AdvisoryLockTry. Doing so only narrows the uniqueness algorithm's
// race-trimming optimization; the DB-level unique index remains the actual
// source of truth either way.
var ErrAdvisoryLocksUnsupported = errors.New("driver: advisory locks unsupported by this engine")

// Executor is the full set of operations a storage engine must support.
// Every method is atomic at the database level and preserves the job
// lifecycle's invariants. Implementations never retry internally; callers
// (the completer, the producer) own retry policy.
type Executor interface {
	// Begin starts a transaction. Callers use it to combine an Insert with
	// their own business-data writes in the same database transaction.
	Begin(ctx context.Context) (ExecutorTx, error)

	JobInserter
	JobFetcher

	// JobSetStateIfRunningMany applies a terminal-ish state change (complete,
	// error, discard, snooze, or a late cancel) to one or more jobs that are
	// still executing. A job no longer in the executing state is left alone
	// (another path, e.g. a cancel signal, already finalized it).
	JobSetStateIfRunningMany(ctx context.Context, params *JobSetStateIfRunningManyParams) ([]*jobtype.JobRow, error)

	// JobCancel cancels a job that is not yet in a terminal state; a
	// completed, cancelled or discarded row is left unchanged. If the job is
	// currently executing, only a pending-cancel marker is set; the owning
	// producer is responsible for observing it and finalizing the
	// cancellation itself.
	JobCancel(ctx context.Context, id int64) (*jobtype.JobRow, error)

	// JobRetry resets a job (including a terminal one) back to available.
	JobRetry(ctx context.Context, id int64) (*jobtype.JobRow, error)

	// JobDelete removes a single job row outright, unless it is currently
	// executing.
	JobDelete(ctx context.Context, id int64) (*jobtype.JobRow, error)

	// JobGetByID fetches a single job by id for inspection (used by
	// check_queue-adjacent lookups and tests).
	JobGetByID(ctx context.Context, id int64) (*jobtype.JobRow, error)

	// JobSchedule implements the Stager's core operation: move
	// scheduled/retryable jobs whose time has come to available, and return
	// the affected rows so the caller can raise per-queue notifications.
	JobSchedule(ctx context.Context, params *JobScheduleParams) ([]*jobtype.JobRow, error)

	// JobDeleteBefore implements the Pruner's operation.
	JobDeleteBefore(ctx context.Context, params *JobDeleteBeforeParams) (int64, error)

	// JobFindStuckExecuting locates executing rows whose attempted_at
	// precedes horizon, locking them (SKIP LOCKED) within the caller's
	// transaction. Paired with JobRescueMany inside one Lifeline-owned
	// transaction, this makes the rescue one combined atomic operation
	// without every engine having to express the decision logic
	// (attempt < max_attempts ? available : discarded) in SQL.
	JobFindStuckExecuting(ctx context.Context, horizon time.Time, limit int32) ([]*jobtype.JobRow, error)

	// JobRescueMany implements the Lifeline's operation: every row it's
	// given is either returned to available or discarded, depending on
	// whether it has attempts left.
	JobRescueMany(ctx context.Context, params *JobRescueManyParams) error

	// JobCountByState counts one queue's jobs in the given state.
	JobCountByState(ctx context.Context, queue string, state jobtype.JobState) (int64, error)

	// JobList is the cursor-paginated filter builder behind the bulk
	// operations (cancel_all_jobs, retry_all_jobs, delete_all_jobs): rows
	// are returned in ascending id order so a caller can page through a
	// large match set with JobListParams.After.
	JobList(ctx context.Context, params *JobListParams) ([]*jobtype.JobRow, error)

	// AdvisoryLockTry and friends are only meaningful for engines that
	// support true cross-session advisory locks; engines that don't (SQLite)
	// implement uniqueness serialization some other way (see
	// driver/sqlitedriver) and may return ErrAdvisoryLocksUnsupported.
	UniquenessLocker
	LeaseStore
}

// ExecutorTx is an Executor bound to an in-flight transaction; Commit/Rollback
// are the caller's responsibility. Every Executor method is also available on
// ExecutorTx so the same call sites work whether or not a transaction was
// supplied by the caller.
type ExecutorTx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// JobInserter is the insertion half of the contract.
type JobInserter interface {
	JobInsert(ctx context.Context, params *JobInsertParams) (*JobInsertResult, error)
	JobInsertMany(ctx context.Context, params []*JobInsertParams) ([]*jobtype.JobRow, error)
}

// JobFetcher is the fetch half of the contract.
type JobFetcher interface {
	JobFetch(ctx context.Context, params *JobFetchParams) ([]*jobtype.JobRow, error)
}

// UniquenessLocker lets the uniqueness algorithm take a transaction-scoped
// advisory lock keyed by an arbitrary fingerprint before
// attempting the conflict-aware insert, trimming (though not eliminating
// the need for, since the insert itself stays atomic via a DB-level
// constraint) the race window between two nodes computing the same
// fingerprint concurrently.
type UniquenessLocker interface {
	// AdvisoryLockTry attempts a non-blocking transaction-scoped advisory
	// lock on key. It returns false immediately on contention instead of
	// waiting, so a caller can return a synthetic would-conflict job
	// without writing.
	AdvisoryLockTry(ctx context.Context, key int64) (bool, error)

	// JobClearUniqueKey nulls out a row's unique_key so a later insert with
	// the same fingerprint no longer sees it as a conflict -- used when a
	// caller's ByState set doesn't cover the conflicting row's current
	// state, so e.g. a discarded row's old reservation doesn't block a
	// fresh attempt forever.
	JobClearUniqueKey(ctx context.Context, id int64) error

	// JobReplaceUniqueArgsMeta implements the optional "replace" operation:
	// update args/meta on the existing conflicting row. A nil args or meta
	// leaves that column unchanged.
	JobReplaceUniqueArgsMeta(ctx context.Context, id int64, args, meta []byte) (*jobtype.JobRow, error)
}

// LeaseStore backs the Peer/leadership component.
type LeaseStore interface {
	// AttemptLease tries to acquire or renew the named lease for node,
	// succeeding if no lease exists, the existing lease has expired, or node
	// already holds it. ttl controls how long the lease is valid from now.
	AttemptLease(ctx context.Context, name, node string, ttl time.Duration) (acquired bool, err error)

	// RelinquishLease drops node's lease on name immediately if node is the
	// current holder, so the next election doesn't have to wait out the TTL.
	RelinquishLease(ctx context.Context, name, node string) error
}

// JobFetchParams parameters for JobFetch.
type JobFetchParams struct {
	Queue       string
	Max         int32
	AttemptedBy string // "node/producer_id" written into attempted_by
}

// JobInsertParams is the full set of fields that can be supplied on insert;
// zero values mean "use the engine default" (now, priority 0, etc).
type JobInsertParams struct {
	Args        []byte
	Meta        []byte
	Worker      string
	Queue       string
	Priority    int16
	MaxAttempts int16
	ScheduledAt *time.Time
	Tags        []string
	State       jobtype.JobState // Available or Scheduled

	// UniqueKey, when non-nil, makes this insert subject to the uniqueness
	// algorithm: the engine enforces it through a DB-level partial unique
	// index and reports a conflict via JobInsertResult instead of erroring.
	// The fingerprint is computed by internal/uniqueness and already
	// encodes the configured period as a time bucket, so the same index
	// entry naturally stops blocking once the bucket rolls over.
	UniqueKey []byte
}

// JobInsertResult reports whether an insert found an existing unique match
// instead of writing a new row.
type JobInsertResult struct {
	Job      *jobtype.JobRow
	Conflict bool
}

// JobScheduleParams parameters for JobSchedule.
type JobScheduleParams struct {
	Now time.Time
	Max int32

	// Queue, when non-empty, restricts staging to one queue -- used by a
	// producer's own local-mode fallback (see internal/producer) when the
	// Stager isn't running globally. Empty matches every queue, the
	// Stager's normal global-mode behavior.
	Queue string
}

// JobDeleteBeforeParams parameters for JobDeleteBefore. Each
// horizon is independent, per the explicit requirement that the query use
// the state-specific timestamp rather than a single shared one.
type JobDeleteBeforeParams struct {
	CompletedFinalizedAtHorizon time.Time
	CancelledFinalizedAtHorizon time.Time
	DiscardedFinalizedAtHorizon time.Time
	Max                         int32
}

// JobRescueManyParams parameters for JobRescueMany. Each
// slice is parallel: index i across all slices describes one job.
type JobRescueManyParams struct {
	ID          []int64
	Error       [][]byte
	NextState   []jobtype.JobState // Available or Discarded
	ScheduledAt []time.Time
}

// JobListParams filters JobList's cursor-paginated scan. A zero value with
// only Limit set returns the first page of every job in id order.
type JobListParams struct {
	Queue  string             // empty matches every queue
	Worker string             // empty matches every worker
	States []jobtype.JobState // empty matches every state
	After  int64              // 0 means "from the start"; otherwise id > After
	Limit  int32
}

// JobSetStateIfRunningManyParams batches a terminal-state ack across several
// jobs that are each still in state executing; used by the completer.
type JobSetStateIfRunningManyParams struct {
	ID          []int64
	State       []jobtype.JobState
	FinalizedAt []time.Time // terminal timestamp for completed/cancelled/discarded; ignored for other states
	Error       [][]byte    // nil entries mean "don't append an error"
	ScheduledAt []time.Time // zero value means "don't change scheduled_at"
	MaxAttempts []int16     // zero value means "don't change max_attempts"
}
