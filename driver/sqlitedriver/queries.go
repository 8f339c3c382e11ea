package sqlitedriver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/jobtype"
)

func scanJob(row *sql.Row) (*jobtype.JobRow, error) {
	return scanJobRow(row.Scan)
}

func scanJobRows(rows *sql.Rows) (*jobtype.JobRow, error) {
	return scanJobRow(rows.Scan)
}

// scanJobRow is shared by *sql.Row and *sql.Rows: both expose a Scan method
// with the same signature, but no common interface in database/sql ties
// them together, so the scan targets are built once here and the caller
// supplies whichever Scan func it has.
func scanJobRow(scan func(dest ...any) error) (*jobtype.JobRow, error) {
	var (
		j                                                    jobtype.JobRow
		tagsJSON, attemptedByJSON, errorsJSON                string
		insertedAt, scheduledAt                              string
		attemptedAt, completedAt, cancelledAt, discardedAt   sql.NullString
		uniqueKey                                            []byte
	)
	if err := scan(
		&j.ID, &j.State, &j.Queue, &j.Worker, &j.Args, &j.Meta, &tagsJSON,
		&j.Priority, &j.Attempt, &j.MaxAttempts, &attemptedByJSON, &errorsJSON,
		&uniqueKey, &insertedAt, &scheduledAt, &attemptedAt,
		&completedAt, &cancelledAt, &discardedAt,
	); err != nil {
		return nil, err
	}

	if len(uniqueKey) > 0 {
		j.UniqueKey = uniqueKey
	}
	j.InsertedAt = parseTime(insertedAt)
	j.ScheduledAt = parseTime(scheduledAt)
	j.AttemptedAt = parseTimePtr(attemptedAt)
	j.CompletedAt = parseTimePtr(completedAt)
	j.CancelledAt = parseTimePtr(cancelledAt)
	j.DiscardedAt = parseTimePtr(discardedAt)

	if err := json.Unmarshal([]byte(tagsJSON), &j.Tags); err != nil {
		return nil, fmt.Errorf("sqlitedriver: decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(attemptedByJSON), &j.AttemptedBy); err != nil {
		return nil, fmt.Errorf("sqlitedriver: decode attempted_by: %w", err)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &j.Errors); err != nil {
		return nil, fmt.Errorf("sqlitedriver: decode errors: %w", err)
	}
	return &j, nil
}

func marshalJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

const jobSelectByIDSQL = `SELECT ` + jobColumns + ` FROM duraq_job WHERE id = ?`

func (d *Driver) JobGetByID(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	row := d.execer().QueryRowContext(ctx, jobSelectByIDSQL, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: get by id: %w", err)
	}
	return job, nil
}

// JobFetch implements the same contract as pgdriver's CTE+SKIP LOCKED
// statement, but as an explicit select-candidate-ids / update-by-id /
// re-select sequence: SQLite has no FOR UPDATE SKIP LOCKED, and under its
// single-writer model a transaction already serializes every other writer
// behind this one, so the three statements together are just as atomic as
// the single Postgres statement would be.
const jobFetchCandidatesSQL = `
SELECT id FROM duraq_job
WHERE state = 'available' AND queue = ? AND attempt < max_attempts
ORDER BY priority ASC, scheduled_at ASC, id ASC
LIMIT ?`

func (d *Driver) JobFetch(ctx context.Context, params *driver.JobFetchParams) ([]*jobtype.JobRow, error) {
	var jobs []*jobtype.JobRow
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		now := formatTime(time.Now())
		rows, err := tx.QueryContext(ctx, jobFetchCandidatesSQL, params.Queue, params.Max)
		if err != nil {
			return fmt.Errorf("sqlitedriver: fetch candidates: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		attemptedByEntry := marshalJSON([]jobtype.AttemptedBy{{Node: params.AttemptedBy}})
		for _, id := range ids {
			job, err := claimOne(ctx, tx, id, now, attemptedByEntry)
			if err != nil {
				return err
			}
			if job != nil {
				jobs = append(jobs, job)
			}
		}
		return nil
	})
	return jobs, err
}

// claimOne marks a single candidate row executing and appends to its
// attempted_by array by reading it back first -- SQLite's JSON1 functions
// could splice an array server-side, but going through Go keeps this
// package's JSON columns readable without an extension dependency.
func claimOne(ctx context.Context, tx dbtx, id int64, now, attemptedByEntry string) (*jobtype.JobRow, error) {
	row := tx.QueryRowContext(ctx, `SELECT attempted_by FROM duraq_job WHERE id = ?`, id)
	var existingJSON string
	if err := row.Scan(&existingJSON); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	var existing []jobtype.AttemptedBy
	if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
		return nil, fmt.Errorf("sqlitedriver: decode attempted_by: %w", err)
	}
	var entry []jobtype.AttemptedBy
	if err := json.Unmarshal([]byte(attemptedByEntry), &entry); err != nil {
		return nil, err
	}
	merged := marshalJSON(append(existing, entry...))

	res, err := tx.ExecContext(ctx, `
		UPDATE duraq_job
		SET state = 'executing', attempted_at = ?, attempt = attempt + 1, attempted_by = ?
		WHERE id = ? AND state = 'available'`, now, merged, id)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	row = tx.QueryRowContext(ctx, jobSelectByIDSQL, id)
	return scanJob(row)
}

func (d *Driver) JobInsert(ctx context.Context, p *driver.JobInsertParams) (*driver.JobInsertResult, error) {
	state := p.State
	if state == "" {
		state = jobtype.JobStateAvailable
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 25
	}
	scheduledAt := time.Now()
	if p.ScheduledAt != nil {
		scheduledAt = *p.ScheduledAt
	}
	args := nullIfEmptyStr(p.Args, "{}")
	meta := nullIfEmptyStr(p.Meta, "{}")
	tagsJSON := marshalJSON(p.Tags)

	var result driver.JobInsertResult
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		if p.UniqueKey != nil {
			// Select-then-decide: look for an existing row under the same
			// (worker, unique_key) reservation before attempting the insert,
			// matching the Postgres path's single-round-trip conflict report
			// without relying on a typed constraint-violation error.
			row := tx.QueryRowContext(ctx, `SELECT id FROM duraq_job WHERE worker = ? AND unique_key = ?`, p.Worker, p.UniqueKey)
			var existingID int64
			switch err := row.Scan(&existingID); {
			case err == nil:
				job, err := fetchByID(ctx, tx, existingID)
				if err != nil {
					return err
				}
				result = driver.JobInsertResult{Job: job, Conflict: true}
				return nil
			case isNoRows(err):
				// fall through to insert
			default:
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO duraq_job (
				state, queue, worker, args, meta, tags, priority, attempt, max_attempts,
				attempted_by, errors, unique_key, inserted_at, scheduled_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, '[]', '[]', ?, ?, ?)`,
			state, p.Queue, p.Worker, args, meta, tagsJSON, p.Priority, maxAttempts,
			p.UniqueKey, formatTime(time.Now()), formatTime(scheduledAt))
		if err != nil {
			if p.UniqueKey != nil && isUniqueViolation(err) {
				// Lost a race against a concurrent insert of the same
				// fingerprint between our SELECT and this INSERT; the row
				// that won is the conflict to report.
				row := tx.QueryRowContext(ctx, `SELECT id FROM duraq_job WHERE worker = ? AND unique_key = ?`, p.Worker, p.UniqueKey)
				var winnerID int64
				if scanErr := row.Scan(&winnerID); scanErr != nil {
					return fmt.Errorf("sqlitedriver: insert: lost unique race and could not re-read winner: %w", err)
				}
				job, err := fetchByID(ctx, tx, winnerID)
				if err != nil {
					return err
				}
				result = driver.JobInsertResult{Job: job, Conflict: true}
				return nil
			}
			return fmt.Errorf("sqlitedriver: insert: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		job, err := fetchByID(ctx, tx, id)
		if err != nil {
			return err
		}
		result = driver.JobInsertResult{Job: job}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func fetchByID(ctx context.Context, tx dbtx, id int64) (*jobtype.JobRow, error) {
	row := tx.QueryRowContext(ctx, jobSelectByIDSQL, id)
	return scanJob(row)
}

func nullIfEmptyStr(b []byte, fallback string) string {
	if len(b) == 0 {
		return fallback
	}
	return string(b)
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

func (d *Driver) JobCancel(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	var job *jobtype.JobRow
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		row := tx.QueryRowContext(ctx, `SELECT state, meta FROM duraq_job WHERE id = ?`, id)
		var state, meta string
		if err := row.Scan(&state, &meta); err != nil {
			if isNoRows(err) {
				return nil
			}
			return err
		}

		switch jobtype.JobState(state) {
		case jobtype.JobStateCancelled, jobtype.JobStateCompleted, jobtype.JobStateDiscarded:
			// already terminal, leave as-is
		case jobtype.JobStateExecuting:
			merged, err := setMetaField(meta, "cancel_requested", true)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE duraq_job SET meta = ? WHERE id = ?`, merged, id); err != nil {
				return err
			}
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE duraq_job SET state = 'cancelled', cancelled_at = ? WHERE id = ?`,
				formatTime(time.Now()), id); err != nil {
				return err
			}
		}

		var err error
		job, err = fetchByID(ctx, tx, id)
		return err
	})
	return job, err
}

func setMetaField(metaJSON string, key string, value any) (string, error) {
	m := map[string]any{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &m); err != nil {
			return "", fmt.Errorf("sqlitedriver: decode meta: %w", err)
		}
	}
	m[key] = value
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Driver) JobRetry(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	var job *jobtype.JobRow
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		row := tx.QueryRowContext(ctx, `SELECT state, attempt, max_attempts FROM duraq_job WHERE id = ?`, id)
		var state string
		var attempt, maxAttempts int16
		if err := row.Scan(&state, &attempt, &maxAttempts); err != nil {
			if isNoRows(err) {
				return nil
			}
			return err
		}
		if state == string(jobtype.JobStateAvailable) || state == string(jobtype.JobStateExecuting) {
			var err error
			job, err = fetchByID(ctx, tx, id)
			return err
		}
		newMaxAttempts := maxAttempts
		if attempt+1 > newMaxAttempts {
			newMaxAttempts = attempt + 1
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE duraq_job
			SET state = 'available', scheduled_at = ?, completed_at = NULL,
				cancelled_at = NULL, discarded_at = NULL, max_attempts = ?
			WHERE id = ?`, formatTime(time.Now()), newMaxAttempts, id); err != nil {
			return err
		}
		var err error
		job, err = fetchByID(ctx, tx, id)
		return err
	})
	return job, err
}

func (d *Driver) JobDelete(ctx context.Context, id int64) (*jobtype.JobRow, error) {
	var job *jobtype.JobRow
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		existing, err := fetchByID(ctx, tx, id)
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("sqlitedriver: delete: job %d not found", id)
			}
			return err
		}
		if existing.State == jobtype.JobStateExecuting {
			return fmt.Errorf("sqlitedriver: delete: job %d is executing", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM duraq_job WHERE id = ?`, id); err != nil {
			return err
		}
		job = existing
		return nil
	})
	return job, err
}

const jobScheduleCandidatesSQL = `
SELECT id FROM duraq_job
WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= ?
ORDER BY priority, scheduled_at, id
LIMIT ?`

const jobScheduleCandidatesByQueueSQL = `
SELECT id FROM duraq_job
WHERE state IN ('scheduled', 'retryable') AND scheduled_at <= ? AND queue = ?
ORDER BY priority, scheduled_at, id
LIMIT ?`

// JobSchedule implements the Stager's global move, or -- when params.Queue
// is set -- a local-mode producer's own-queue fallback.
func (d *Driver) JobSchedule(ctx context.Context, params *driver.JobScheduleParams) ([]*jobtype.JobRow, error) {
	var jobs []*jobtype.JobRow
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		var rows *sql.Rows
		var err error
		if params.Queue != "" {
			rows, err = tx.QueryContext(ctx, jobScheduleCandidatesByQueueSQL, formatTime(params.Now), params.Queue, params.Max)
		} else {
			rows, err = tx.QueryContext(ctx, jobScheduleCandidatesSQL, formatTime(params.Now), params.Max)
		}
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE duraq_job SET state = 'available' WHERE id = ?`, id); err != nil {
				return err
			}
			job, err := fetchByID(ctx, tx, id)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

func (d *Driver) JobDeleteBefore(ctx context.Context, params *driver.JobDeleteBeforeParams) (int64, error) {
	var total int64
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM duraq_job
			WHERE id IN (
				SELECT id FROM duraq_job
				WHERE (state = 'completed' AND completed_at < ?)
				   OR (state = 'cancelled' AND cancelled_at < ?)
				   OR (state = 'discarded' AND discarded_at < ?)
				ORDER BY id
				LIMIT ?
			)`,
			formatTime(params.CompletedFinalizedAtHorizon),
			formatTime(params.CancelledFinalizedAtHorizon),
			formatTime(params.DiscardedFinalizedAtHorizon),
			params.Max)
		if err != nil {
			return err
		}
		total, err = res.RowsAffected()
		return err
	})
	return total, err
}

func (d *Driver) JobFindStuckExecuting(ctx context.Context, horizon time.Time, limit int32) ([]*jobtype.JobRow, error) {
	rows, err := d.execer().QueryContext(ctx, `
		SELECT `+jobColumns+` FROM duraq_job
		WHERE state = 'executing' AND attempted_at < ?
		ORDER BY id
		LIMIT ?`, formatTime(horizon), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: find stuck executing: %w", err)
	}
	defer rows.Close()
	var jobs []*jobtype.JobRow
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (d *Driver) JobRescueMany(ctx context.Context, params *driver.JobRescueManyParams) error {
	return d.withOwnTx(ctx, func(tx dbtx) error {
		for i, id := range params.ID {
			state := params.NextState[i]
			errEntryJSON := json.RawMessage(params.Error[i])
			row := tx.QueryRowContext(ctx, `SELECT errors FROM duraq_job WHERE id = ?`, id)
			var existingJSON string
			if err := row.Scan(&existingJSON); err != nil {
				if isNoRows(err) {
					continue
				}
				return err
			}
			var existing []json.RawMessage
			if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
				return err
			}
			existing = append(existing, errEntryJSON)
			mergedErrors, err := json.Marshal(existing)
			if err != nil {
				return err
			}

			if state == jobtype.JobStateDiscarded {
				_, err = tx.ExecContext(ctx, `
					UPDATE duraq_job SET state = ?, discarded_at = ?, errors = ? WHERE id = ?`,
					string(state), formatTime(time.Now()), string(mergedErrors), id)
			} else {
				_, err = tx.ExecContext(ctx, `
					UPDATE duraq_job SET state = ?, scheduled_at = ?, errors = ? WHERE id = ?`,
					string(state), formatTime(params.ScheduledAt[i]), string(mergedErrors), id)
			}
			if err != nil {
				return fmt.Errorf("sqlitedriver: rescue: %w", err)
			}
		}
		return nil
	})
}

func (d *Driver) JobSetStateIfRunningMany(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) ([]*jobtype.JobRow, error) {
	var jobs []*jobtype.JobRow
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		for i, id := range params.ID {
			row := tx.QueryRowContext(ctx, `SELECT state, errors FROM duraq_job WHERE id = ?`, id)
			var curState, existingErrorsJSON string
			if err := row.Scan(&curState, &existingErrorsJSON); err != nil {
				if isNoRows(err) {
					continue
				}
				return err
			}
			if curState != string(jobtype.JobStateExecuting) {
				continue
			}

			state := params.State[i]
			setClauses := []string{"state = ?"}
			args := []any{string(state)}

			switch state {
			case jobtype.JobStateCompleted:
				setClauses = append(setClauses, "completed_at = ?")
				args = append(args, formatTime(params.FinalizedAt[i]))
			case jobtype.JobStateDiscarded:
				setClauses = append(setClauses, "discarded_at = ?")
				args = append(args, formatTime(params.FinalizedAt[i]))
			case jobtype.JobStateCancelled:
				setClauses = append(setClauses, "cancelled_at = ?")
				args = append(args, formatTime(params.FinalizedAt[i]))
			}
			if i < len(params.ScheduledAt) && !params.ScheduledAt[i].IsZero() {
				setClauses = append(setClauses, "scheduled_at = ?")
				args = append(args, formatTime(params.ScheduledAt[i]))
			}
			if i < len(params.MaxAttempts) && params.MaxAttempts[i] > 0 {
				setClauses = append(setClauses, "max_attempts = ?")
				args = append(args, params.MaxAttempts[i])
			}
			if i < len(params.Error) && params.Error[i] != nil {
				var existing []json.RawMessage
				if err := json.Unmarshal([]byte(existingErrorsJSON), &existing); err != nil {
					return err
				}
				existing = append(existing, params.Error[i])
				merged, err := json.Marshal(existing)
				if err != nil {
					return err
				}
				setClauses = append(setClauses, "errors = ?")
				args = append(args, string(merged))
			}

			query := "UPDATE duraq_job SET "
			for j, clause := range setClauses {
				if j > 0 {
					query += ", "
				}
				query += clause
			}
			query += " WHERE id = ? AND state = 'executing'"
			args = append(args, id)

			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("sqlitedriver: set state if running: %w", err)
			}
			job, err := fetchByID(ctx, tx, id)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	return jobs, err
}

func (d *Driver) JobCountByState(ctx context.Context, queue string, state jobtype.JobState) (int64, error) {
	var count int64
	err := d.execer().QueryRowContext(ctx,
		`SELECT count(*) FROM duraq_job WHERE queue = ? AND state = ?`, queue, string(state)).Scan(&count)
	return count, err
}

func (d *Driver) JobList(ctx context.Context, params *driver.JobListParams) ([]*jobtype.JobRow, error) {
	query := `SELECT ` + jobColumns + ` FROM duraq_job WHERE id > ?`
	args := []any{params.After}
	if params.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, params.Queue)
	}
	if params.Worker != "" {
		query += ` AND worker = ?`
		args = append(args, params.Worker)
	}
	if len(params.States) > 0 {
		query += ` AND state IN (` + placeholders(len(params.States)) + `)`
		for _, s := range params.States {
			args = append(args, string(s))
		}
	}
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := d.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitedriver: list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*jobtype.JobRow
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func placeholders(n int) string {
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}

// JobClearUniqueKey implements the same escape hatch as pgdriver's version:
// drop a stale reservation so a later insert with the same fingerprint
// doesn't conflict forever against a row whose state has moved outside the
// caller's configured blocking set.
func (d *Driver) JobClearUniqueKey(ctx context.Context, id int64) error {
	_, err := d.execer().ExecContext(ctx, `UPDATE duraq_job SET unique_key = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlitedriver: clear unique key: %w", err)
	}
	return nil
}

func (d *Driver) JobReplaceUniqueArgsMeta(ctx context.Context, id int64, args, meta []byte) (*jobtype.JobRow, error) {
	var job *jobtype.JobRow
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		existing, err := fetchByID(ctx, tx, id)
		if err != nil {
			return err
		}
		newArgs := string(existing.Args)
		if len(args) > 0 {
			newArgs = string(args)
		}
		newMeta := string(existing.Meta)
		if len(meta) > 0 {
			newMeta = string(meta)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE duraq_job SET args = ?, meta = ? WHERE id = ?`, newArgs, newMeta, id); err != nil {
			return err
		}
		job, err = fetchByID(ctx, tx, id)
		return err
	})
	return job, err
}

// AdvisoryLockTry has no real counterpart under SQLite's single-writer
// model: any transaction already blocks every other writer for as long as
// it's open, so a second, independent advisory-lock primitive wouldn't buy
// the uniqueness algorithm anything it doesn't already get from the
// select-then-decide transaction in JobInsert. Reporting it unsupported
// rather than faking success keeps the caller's optimization honest about
// what it is (a race-trim, not the actual enforcement).
func (d *Driver) AdvisoryLockTry(ctx context.Context, key int64) (bool, error) {
	return false, driver.ErrAdvisoryLocksUnsupported
}

func (d *Driver) AttemptLease(ctx context.Context, name, node string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := d.withOwnTx(ctx, func(tx dbtx) error {
		now := time.Now()
		row := tx.QueryRowContext(ctx, `SELECT node, expires_at FROM duraq_peer WHERE name = ?`, name)
		var curNode, expiresAt string
		switch err := row.Scan(&curNode, &expiresAt); {
		case isNoRows(err):
			_, err := tx.ExecContext(ctx, `INSERT INTO duraq_peer (name, node, expires_at) VALUES (?, ?, ?)`,
				name, node, formatTime(now.Add(ttl)))
			if err != nil {
				return err
			}
			acquired = true
			return nil
		case err != nil:
			return err
		}

		if curNode != node && parseTime(expiresAt).After(now) {
			acquired = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE duraq_peer SET node = ?, expires_at = ? WHERE name = ?`,
			node, formatTime(now.Add(ttl)), name); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (d *Driver) RelinquishLease(ctx context.Context, name, node string) error {
	_, err := d.execer().ExecContext(ctx, `DELETE FROM duraq_peer WHERE name = ? AND node = ?`, name, node)
	if err != nil {
		return fmt.Errorf("sqlitedriver: relinquish lease: %w", err)
	}
	return nil
}
