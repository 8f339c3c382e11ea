// Package testfactory builds *jobtype.JobRow fixtures with sane defaults for
// tests; it's imported from internal/jobcompleter's tests for exactly this
// purpose.
package testfactory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/jobtype"
)

// JobOpts overrides the defaults Job below inserts with.
type JobOpts struct {
	Queue       *string
	Worker      *string
	State       *jobtype.JobState
	Priority    *int16
	// Attempt overrides only the returned JobRow's Attempt; it is not
	// written to the inserted row.
	Attempt     *int16
	MaxAttempts *int16
	ScheduledAt *time.Time
	Args        any
	Tags        []string
}

// Job inserts and returns a job row with reasonable defaults, overridden by
// opts. It's a thin convenience over driver.Executor.JobInsert for tests
// that don't care about most fields.
func Job(ctx context.Context, tb testing.TB, exec driver.Executor, opts *JobOpts) *jobtype.JobRow {
	tb.Helper()
	if opts == nil {
		opts = &JobOpts{}
	}

	queue := "default"
	if opts.Queue != nil {
		queue = *opts.Queue
	}
	worker := "fixture_worker"
	if opts.Worker != nil {
		worker = *opts.Worker
	}
	state := jobtype.JobStateAvailable
	if opts.State != nil {
		state = *opts.State
	}
	var priority int16
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := int16(25)
	if opts.MaxAttempts != nil {
		maxAttempts = *opts.MaxAttempts
	}

	args := opts.Args
	if args == nil {
		args = map[string]any{}
	}
	argsJSON, err := json.Marshal(args)
	require.NoError(tb, err)

	res, err := exec.JobInsert(ctx, &driver.JobInsertParams{
		Queue:       queue,
		Worker:      worker,
		State:       state,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: opts.ScheduledAt,
		Args:        argsJSON,
		Tags:        opts.Tags,
	})
	require.NoError(tb, err)

	job := res.Job
	if opts.Attempt != nil {
		job.Attempt = *opts.Attempt
	}
	return job
}
