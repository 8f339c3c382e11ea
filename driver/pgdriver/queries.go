package pgdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/jobtype"
)

// Schema (abridged):
//
//	CREATE TABLE duraq_job (
//	    id            bigserial PRIMARY KEY,
//	    state         text NOT NULL,
//	    queue         text NOT NULL,
//	    worker        text NOT NULL,
//	    args          jsonb NOT NULL DEFAULT '{}',
//	    meta          jsonb NOT NULL DEFAULT '{}',
//	    tags          varchar(255)[] NOT NULL DEFAULT '{}',
//	    priority      smallint NOT NULL DEFAULT 0,
//	    attempt       smallint NOT NULL DEFAULT 0,
//	    max_attempts  smallint NOT NULL,
//	    attempted_by  text[] NOT NULL DEFAULT '{}',
//	    errors        jsonb[] NOT NULL DEFAULT '{}',
//	    unique_key    bytea,
//	    inserted_at   timestamptz NOT NULL DEFAULT now(),
//	    scheduled_at  timestamptz NOT NULL DEFAULT now(),
//	    attempted_at  timestamptz,
//	    completed_at  timestamptz,
//	    cancelled_at  timestamptz,
//	    discarded_at  timestamptz
//	);
//	CREATE UNIQUE INDEX ON duraq_job (worker, unique_key) WHERE unique_key IS NOT NULL;
//	CREATE INDEX ON duraq_job (state, queue, priority, scheduled_at, id)
//	    WHERE state IN ('available', 'scheduled', 'retryable');
//	CREATE INDEX ON duraq_job (scheduled_at) WHERE state IN ('scheduled', 'retryable');
//	CREATE INDEX ON duraq_job (state, completed_at);
//	CREATE INDEX ON duraq_job (state, cancelled_at);
//	CREATE INDEX ON duraq_job (state, discarded_at);
//
//	CREATE TABLE duraq_peer (
//	    name       text PRIMARY KEY,
//	    node       text NOT NULL,
//	    expires_at timestamptz NOT NULL
//	);

const jobColumns = `id, state, queue, worker, args, meta, tags, priority, attempt, max_attempts,
	attempted_by, errors, unique_key, inserted_at, scheduled_at, attempted_at,
	completed_at, cancelled_at, discarded_at`

func scanJob(row pgx.Row) (*jobtype.JobRow, error) {
	var (
		j           jobtype.JobRow
		attemptedBy []string
		rawErrors   [][]byte
	)
	if err := row.Scan(
		&j.ID, &j.State, &j.Queue, &j.Worker, &j.Args, &j.Meta, pq.Array(&j.Tags),
		&j.Priority, &j.Attempt, &j.MaxAttempts, pq.Array(&attemptedBy), pq.Array(&rawErrors),
		&j.UniqueKey, &j.InsertedAt, &j.ScheduledAt, &j.AttemptedAt,
		&j.CompletedAt, &j.CancelledAt, &j.DiscardedAt,
	); err != nil {
		return nil, err
	}
	for _, s := range attemptedBy {
		var ab jobtype.AttemptedBy
		if err := json.Unmarshal([]byte(s), &ab); err != nil {
			return nil, fmt.Errorf("pgdriver: decode attempted_by: %w", err)
		}
		j.AttemptedBy = append(j.AttemptedBy, ab)
	}
	for _, raw := range rawErrors {
		var ae jobtype.AttemptError
		if err := json.Unmarshal(raw, &ae); err != nil {
			return nil, fmt.Errorf("pgdriver: decode error entry: %w", err)
		}
		j.Errors = append(j.Errors, ae)
	}
	return &j, nil
}

// JobFetch: the CTE isolates the candidate selection (ORDER BY priority,
// scheduled_at, id; LIMIT max; FOR UPDATE SKIP LOCKED) so the planner
// can't expand the outer UPDATE past `max` rows — a required guard against
// over-fetching.
const jobFetchSQL = `
WITH locked_jobs AS (
    SELECT id
    FROM duraq_job
    WHERE state = 'available'
        AND queue = $1
        AND attempt < max_attempts
    ORDER BY priority ASC, scheduled_at ASC, id ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE duraq_job
SET state = 'executing',
    attempted_at = now(),
    attempt = duraq_job.attempt + 1,
    attempted_by = array_append(duraq_job.attempted_by, $3::text)
FROM locked_jobs
WHERE duraq_job.id = locked_jobs.id
RETURNING ` + jobColumns

func (d *Driver) JobFetch(ctx context.Context, params *driver.JobFetchParams) ([]*jobtype.JobRow, error) {
	attemptedByJSON, err := json.Marshal(jobtype.AttemptedBy{Node: params.AttemptedBy})
	if err != nil {
		return nil, err
	}
	rows, err := d.db.Query(ctx, jobFetchSQL, params.Queue, params.Max, string(attemptedByJSON))
	if err != nil {
		return nil, fmt.Errorf("pgdriver: fetch: %w", err)
	}
	defer rows.Close()

	var jobs []*jobtype.JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const jobInsertSQL = `
INSERT INTO duraq_job (
    state, queue, worker, args, meta, tags, priority, max_attempts, scheduled_at, unique_key
) VALUES ($1, $2, $3, $4, coalesce($5, '{}'), coalesce($6, '{}'), $7, $8, coalesce($9, now()), $10)
RETURNING ` + jobColumns

// jobInsertUniqueSQL is an ON CONFLICT DO UPDATE that always returns a
// row (new or existing) and
// reports via xmax whether it was the "do nothing, conflict" branch, letting
// the caller avoid a second round trip.
const jobInsertUniqueSQL = `
INSERT INTO duraq_job (
    state, queue, worker, args, meta, tags, priority, max_attempts, scheduled_at, unique_key
) VALUES ($1, $2, $3, $4, coalesce($5, '{}'), coalesce($6, '{}'), $7, $8, coalesce($9, now()), $10)
ON CONFLICT (worker, unique_key) WHERE unique_key IS NOT NULL
    DO UPDATE SET worker = EXCLUDED.worker
RETURNING ` + jobColumns + `, (xmax != 0) AS conflict`

func (d *Driver) JobInsert(ctx context.Context, p *driver.JobInsertParams) (*driver.JobInsertResult, error) {
	state := p.State
	if state == "" {
		state = jobtype.JobStateAvailable
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 25
	}

	if p.UniqueKey == nil {
		row := d.db.QueryRow(ctx, jobInsertSQL,
			state, p.Queue, p.Worker, p.Args, nullIfEmpty(p.Meta), pq.Array(p.Tags),
			p.Priority, maxAttempts, p.ScheduledAt, p.UniqueKey)
		job, err := scanJob(row)
		if err != nil {
			return nil, fmt.Errorf("pgdriver: insert: %w", err)
		}
		return &driver.JobInsertResult{Job: job}, nil
	}

	row := d.db.QueryRow(ctx, jobInsertUniqueSQL,
		state, p.Queue, p.Worker, p.Args, nullIfEmpty(p.Meta), pq.Array(p.Tags),
		p.Priority, maxAttempts, p.ScheduledAt, p.UniqueKey)

	var (
		j        jobtype.JobRow
		conflict bool
	)
	// Same column list as scanJob plus the trailing conflict flag; scanned
	// inline because scanJob's Row interface doesn't have a trailing column.
	var (
		attemptedBy []string
		rawErrors   [][]byte
	)
	if err := row.Scan(
		&j.ID, &j.State, &j.Queue, &j.Worker, &j.Args, &j.Meta, pq.Array(&j.Tags),
		&j.Priority, &j.Attempt, &j.MaxAttempts, pq.Array(&attemptedBy), pq.Array(&rawErrors),
		&j.UniqueKey, &j.InsertedAt, &j.ScheduledAt, &j.AttemptedAt,
		&j.CompletedAt, &j.CancelledAt, &j.DiscardedAt, &conflict,
	); err != nil {
		return nil, fmt.Errorf("pgdriver: insert unique: %w", err)
	}
	for _, s := range attemptedBy {
		var ab jobtype.AttemptedBy
		if err := json.Unmarshal([]byte(s), &ab); err != nil {
			return nil, err
		}
		j.AttemptedBy = append(j.AttemptedBy, ab)
	}
	for _, raw := range rawErrors {
		var ae jobtype.AttemptError
		if err := json.Unmarshal(raw, &ae); err != nil {
			return nil, err
		}
		j.Errors = append(j.Errors, ae)
	}
	return &driver.JobInsertResult{Job: &j, Conflict: conflict}, nil
}

func nullIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (d *Driver) JobInsertMany(ctx context.Context, params []*driver.JobInsertParams) ([]*jobtype.JobRow, error) {
	if len(params) == 0 {
		return nil, nil
	}
	jobs := make([]*jobtype.JobRow, 0, len(params))
	for _, p := range params {
		res, err := d.JobInsert(ctx, p)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, res.Job)
	}
	return jobs, nil
}

const jobCancelSQL = `
WITH locked_job AS (
    SELECT id, state FROM duraq_job WHERE id = $1 FOR UPDATE
)
UPDATE duraq_job
SET state = CASE WHEN locked_job.state = 'executing' THEN duraq_job.state ELSE 'cancelled' END,
    cancelled_at = CASE WHEN locked_job.state = 'executing' THEN cancelled_at ELSE now() END,
    meta = CASE WHEN locked_job.state = 'executing'
               THEN jsonb_set(duraq_job.meta, '{cancel_requested}', 'true', true)
               ELSE duraq_job.meta END
FROM locked_job
WHERE duraq_job.id = locked_job.id
    AND locked_job.state NOT IN ('cancelled', 'completed', 'discarded')
RETURNING ` + jobColumns

func (d *Driver) JobCancel(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	row := d.db.QueryRow(ctx, jobCancelSQL, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return d.JobGetByID(ctx, id)
		}
		return nil, fmt.Errorf("pgdriver: cancel: %w", err)
	}
	return job, nil
}

const jobRetrySQL = `
UPDATE duraq_job
SET state = 'available',
    scheduled_at = now(),
    completed_at = NULL,
    cancelled_at = NULL,
    discarded_at = NULL,
    max_attempts = GREATEST(max_attempts, attempt + 1)
WHERE id = $1 AND state NOT IN ('available', 'executing')
RETURNING ` + jobColumns

func (d *Driver) JobRetry(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	row := d.db.QueryRow(ctx, jobRetrySQL, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return d.JobGetByID(ctx, id)
		}
		return nil, fmt.Errorf("pgdriver: retry: %w", err)
	}
	return job, nil
}

const jobDeleteSQL = `
DELETE FROM duraq_job WHERE id = $1 AND state != 'executing'
RETURNING ` + jobColumns

func (d *Driver) JobDelete(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	row := d.db.QueryRow(ctx, jobDeleteSQL, id)
	job, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("pgdriver: delete: job %d not found or executing: %w", id, err)
		}
		return nil, fmt.Errorf("pgdriver: delete: %w", err)
	}
	return job, nil
}

const jobGetByIDSQL = `SELECT ` + jobColumns + ` FROM duraq_job WHERE id = $1`

func (d *Driver) JobGetByID(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	row := d.db.QueryRow(ctx, jobGetByIDSQL, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: get by id: %w", err)
	}
	return job, nil
}

// JobSchedule implements the Stager's move (and a local-mode producer's
// own-queue fallback, via the optional $3 queue filter).
const jobScheduleSQL = `
WITH due AS (
    SELECT id FROM duraq_job
    WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= $1
      AND ($3 = '' OR queue = $3)
    ORDER BY priority, scheduled_at, id
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE duraq_job
SET state = 'available'
FROM due
WHERE duraq_job.id = due.id
RETURNING ` + jobColumns

func (d *Driver) JobSchedule(ctx context.Context, params *driver.JobScheduleParams) ([]*jobtype.JobRow, error) {
	rows, err := d.db.Query(ctx, jobScheduleSQL, params.Now, params.Max, params.Queue)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: schedule: %w", err)
	}
	defer rows.Close()
	var jobs []*jobtype.JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// JobDeleteBefore implements the Pruner ; note the
// state-specific horizons, called out explicitly as required so that large
// tables don't end up scanning by a timestamp column that isn't indexed for
// the state in question.
const jobDeleteBeforeSQL = `
WITH doomed AS (
    SELECT id FROM duraq_job
    WHERE (state = 'completed' AND completed_at < $1)
       OR (state = 'cancelled' AND cancelled_at < $2)
       OR (state = 'discarded' AND discarded_at < $3)
    ORDER BY id
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
DELETE FROM duraq_job USING doomed WHERE duraq_job.id = doomed.id
`

func (d *Driver) JobDeleteBefore(ctx context.Context, params *driver.JobDeleteBeforeParams) (int64, error) {
	tag, err := d.db.Exec(ctx, jobDeleteBeforeSQL,
		params.CompletedFinalizedAtHorizon, params.CancelledFinalizedAtHorizon,
		params.DiscardedFinalizedAtHorizon, params.Max)
	if err != nil {
		return 0, fmt.Errorf("pgdriver: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

const jobFindStuckExecutingSQL = `
SELECT ` + jobColumns + `
FROM duraq_job
WHERE state = 'executing' AND attempted_at < $1
ORDER BY id
LIMIT $2
FOR UPDATE SKIP LOCKED
`

func (d *Driver) JobFindStuckExecuting(ctx context.Context, horizon time.Time, limit int32) ([]*jobtype.JobRow, error) {
	rows, err := d.db.Query(ctx, jobFindStuckExecutingSQL, horizon, limit)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: find stuck executing: %w", err)
	}
	defer rows.Close()
	var jobs []*jobtype.JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// JobRescueMany implements the Lifeline : one combined
// operation driven by a pre-computed per-job decision (available vs
// discarded), passed down as parallel arrays and unnested server-side.
const jobRescueManySQL = `
UPDATE duraq_job
SET state = resc.state,
    scheduled_at = resc.scheduled_at,
    discarded_at = CASE WHEN resc.state = 'discarded' THEN now() ELSE discarded_at END,
    errors = array_append(duraq_job.errors, resc.error)
FROM (
    SELECT
        unnest($1::bigint[]) AS id,
        unnest($2::jsonb[]) AS error,
        unnest($3::text[])::text AS state,
        unnest($4::timestamptz[]) AS scheduled_at
) AS resc
WHERE duraq_job.id = resc.id
`

func (d *Driver) JobRescueMany(ctx context.Context, params *driver.JobRescueManyParams) error {
	states := make([]string, len(params.NextState))
	for i, s := range params.NextState {
		states[i] = string(s)
	}
	_, err := d.db.Exec(ctx, jobRescueManySQL,
		pq.Array(params.ID), pq.Array(params.Error), pq.Array(states), pq.Array(params.ScheduledAt))
	if err != nil {
		return fmt.Errorf("pgdriver: rescue: %w", err)
	}
	return nil
}

// JobSetStateIfRunningMany is the completer's batched ack (backing
// complete/error/discard/snooze), applied only to rows still in state
// executing; a job already moved on (e.g. cancelled from another node) is
// left untouched.
const jobSetStateIfRunningManySQL = `
UPDATE duraq_job
SET state = upd.state,
    completed_at = CASE WHEN upd.state = 'completed' THEN upd.finalized_at ELSE completed_at END,
    discarded_at = CASE WHEN upd.state = 'discarded' THEN upd.finalized_at ELSE discarded_at END,
    cancelled_at = CASE WHEN upd.state = 'cancelled' THEN upd.finalized_at ELSE cancelled_at END,
    scheduled_at = CASE WHEN upd.has_scheduled_at THEN upd.scheduled_at ELSE scheduled_at END,
    max_attempts = CASE WHEN upd.max_attempts > 0 THEN upd.max_attempts ELSE max_attempts END,
    errors = CASE WHEN upd.error IS NOT NULL THEN array_append(duraq_job.errors, upd.error) ELSE errors END
FROM (
    SELECT
        unnest($1::bigint[]) AS id,
        unnest($2::text[])::text AS state,
        unnest($3::timestamptz[]) AS finalized_at,
        unnest($4::jsonb[]) AS error,
        unnest($5::timestamptz[]) AS scheduled_at,
        unnest($6::boolean[]) AS has_scheduled_at,
        unnest($7::smallint[]) AS max_attempts
) AS upd
WHERE duraq_job.id = upd.id AND duraq_job.state = 'executing'
RETURNING ` + jobColumns

// JobSetStateIfRunningMany's ScheduledAt entries use a zero time.Time to
// mean "don't change scheduled_at"; that zero value marshals to a real
// (non-NULL) 0001-01-01 timestamp over the wire, so has_scheduled_at is
// computed here rather than inferred with an "IS NOT NULL" check in SQL.
func (d *Driver) JobSetStateIfRunningMany(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) ([]*jobtype.JobRow, error) {
	states := make([]string, len(params.State))
	for i, s := range params.State {
		states[i] = string(s)
	}
	hasScheduledAt := make([]bool, len(params.ScheduledAt))
	for i, t := range params.ScheduledAt {
		hasScheduledAt[i] = !t.IsZero()
	}
	rows, err := d.db.Query(ctx, jobSetStateIfRunningManySQL,
		pq.Array(params.ID), pq.Array(states), pq.Array(params.FinalizedAt),
		pq.Array(params.Error), pq.Array(params.ScheduledAt), pq.Array(hasScheduledAt), pq.Array(params.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("pgdriver: set state if running: %w", err)
	}
	defer rows.Close()
	var jobs []*jobtype.JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const jobCountByStateSQL = `SELECT count(*) FROM duraq_job WHERE queue = $1 AND state = $2`

func (d *Driver) JobCountByState(ctx context.Context, queue string, state jobtype.JobState) (int64, error) {
	var count int64
	err := d.db.QueryRow(ctx, jobCountByStateSQL, queue, state).Scan(&count)
	return count, err
}

// JobList backs the cursor-paginated bulk operations (cancel_all_jobs,
// retry_all_jobs, delete_all_jobs): a caller pages through
// a large match set by re-issuing this query with After set to the last id
// it saw, rather than the engine trying to apply the whole operation in one
// statement.
func (d *Driver) JobList(ctx context.Context, params *driver.JobListParams) ([]*jobtype.JobRow, error) {
	query := `SELECT ` + jobColumns + ` FROM duraq_job WHERE id > $1`
	args := []any{params.After}
	if params.Queue != "" {
		args = append(args, params.Queue)
		query += fmt.Sprintf(" AND queue = $%d", len(args))
	}
	if params.Worker != "" {
		args = append(args, params.Worker)
		query += fmt.Sprintf(" AND worker = $%d", len(args))
	}
	if len(params.States) > 0 {
		states := make([]string, len(params.States))
		for i, s := range params.States {
			states[i] = string(s)
		}
		args = append(args, pq.Array(states))
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))

	rows, err := d.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*jobtype.JobRow
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

const jobClearUniqueKeySQL = `UPDATE duraq_job SET unique_key = NULL WHERE id = $1`

// JobClearUniqueKey implements the escape hatch needed when a conflicting
// row's current state has fallen outside the caller's
// configured ByState set: the old reservation is dropped so a retried
// insert with the same fingerprint succeeds instead of conflicting forever.
func (d *Driver) JobClearUniqueKey(ctx context.Context, id int64) error {
	if _, err := d.db.Exec(ctx, jobClearUniqueKeySQL, id); err != nil {
		return fmt.Errorf("pgdriver: clear unique key: %w", err)
	}
	return nil
}

const jobReplaceUniqueArgsMetaSQL = `
UPDATE duraq_job
SET args = coalesce($2, args),
    meta = coalesce($3, meta)
WHERE id = $1
RETURNING ` + jobColumns

// JobReplaceUniqueArgsMeta implements the optional replace operation,
// scoped here to args/meta (the fields a caller
// realistically wants refreshed on a duplicate hit, e.g. bumping a
// "last_seen" value in meta without creating a new row).
func (d *Driver) JobReplaceUniqueArgsMeta(ctx context.Context, id int64, args, meta []byte) (*jobtype.JobRow, error) {
	row := d.db.QueryRow(ctx, jobReplaceUniqueArgsMetaSQL, id, nullIfEmpty(args), nullIfEmpty(meta))
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("pgdriver: replace unique args/meta: %w", err)
	}
	return job, nil
}

const advisoryLockTrySQL = `SELECT pg_try_advisory_xact_lock($1)`

func (d *Driver) AdvisoryLockTry(ctx context.Context, key int64) (bool, error) {
	var locked bool
	if err := d.db.QueryRow(ctx, advisoryLockTrySQL, key).Scan(&locked); err != nil {
		return false, fmt.Errorf("pgdriver: advisory lock: %w", err)
	}
	return locked, nil
}

const attemptLeaseSQL = `
INSERT INTO duraq_peer (name, node, expires_at)
VALUES ($1, $2, now() + $3::interval)
ON CONFLICT (name) DO UPDATE
SET node = EXCLUDED.node, expires_at = EXCLUDED.expires_at
WHERE duraq_peer.node = EXCLUDED.node OR duraq_peer.expires_at < now()
`

func (d *Driver) AttemptLease(ctx context.Context, name, node string, ttl time.Duration) (bool, error) {
	tag, err := d.db.Exec(ctx, attemptLeaseSQL, name, node, fmt.Sprintf("%f seconds", ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("pgdriver: attempt lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const relinquishLeaseSQL = `DELETE FROM duraq_peer WHERE name = $1 AND node = $2`

func (d *Driver) RelinquishLease(ctx context.Context, name, node string) error {
	_, err := d.db.Exec(ctx, relinquishLeaseSQL, name, node)
	if err != nil {
		return fmt.Errorf("pgdriver: relinquish lease: %w", err)
	}
	return nil
}
