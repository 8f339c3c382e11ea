package jobcompleter

import (
	"context"
	"fmt"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/startstop"
	"github.com/duraq/duraq/jobtype"
)

// numRetries is how many synchronous attempts InlineCompleter makes before
// giving up and returning the last error to its caller. Unlike AsyncCompleter
// it can't retry forever in the background: the executor goroutine that
// called JobSetStateIfRunning is blocked on it returning.
const numRetries = 3

// InlineCompleter writes a job's final state synchronously, in the
// goroutine that calls JobSetStateIfRunning. Simplest completer; the Client
// uses it in TestModeInline and an AsyncCompleter in every other mode.
type InlineCompleter struct {
	baseservice.BaseService
	startstop.BaseStartStop

	exec         driver.Executor
	subscribeCh  SubscribeChan
	disableSleep bool
}

// NewInlineCompleter returns an InlineCompleter writing through exec and
// publishing finished batches on subscribeCh.
func NewInlineCompleter(archetype *baseservice.Archetype, exec driver.Executor, subscribeCh SubscribeChan) *InlineCompleter {
	c := &InlineCompleter{exec: exec, subscribeCh: subscribeCh}
	c.BaseService = baseservice.Init(archetype, c)
	return c
}

func (c *InlineCompleter) Start(ctx context.Context) error { return nil }

func (c *InlineCompleter) Stop() {
	close(c.subscribeCh)
}

func (c *InlineCompleter) JobSetStateIfRunning(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) error {
	var (
		rows []*jobtype.JobRow
		err  error
	)

	for attempt := 1; attempt <= numRetries; attempt++ {
		rows, err = c.exec.JobSetStateIfRunningMany(ctx, params)
		if err == nil {
			break
		}

		c.Logger.Error("error completing job, retrying", "attempt", attempt, "error", err)
		if attempt < numRetries {
			sleep(ctx, backoff(attempt, c.disableSleep))
		}
	}

	if err != nil {
		return fmt.Errorf("jobcompleter: inline complete: %w", err)
	}

	c.publish(rows)
	return nil
}

func (c *InlineCompleter) publish(rows []*jobtype.JobRow) {
	if c.subscribeCh == nil || len(rows) == 0 {
		return
	}
	updates := make([]CompleterJobUpdated, len(rows))
	for i, r := range rows {
		updates[i] = CompleterJobUpdated{Job: r}
	}
	c.subscribeCh <- updates
}
