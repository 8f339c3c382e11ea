package jobcompleter

import (
	"context"
	"sync"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/startstop"
)

// DefaultAsyncConcurrency bounds how many completions AsyncCompleter runs in
// the background at once, separate from (and usually larger than) the
// fetch-side concurrency a producer is configured with.
const DefaultAsyncConcurrency = 100

// AsyncCompleter hands each completion off to its own goroutine, gated by a
// concurrency limit, and retries a failing write forever with backoff
// instead of surfacing the error to the caller: the write side of the job
// lifecycle must never just give up and leave a row stuck in executing.
type AsyncCompleter struct {
	baseservice.BaseService
	startstop.BaseStartStop

	exec         driver.Executor
	subscribeCh  SubscribeChan
	sem          chan struct{}
	wg           sync.WaitGroup
	disableSleep bool
}

// NewAsyncCompleter returns an AsyncCompleter with DefaultAsyncConcurrency.
func NewAsyncCompleter(archetype *baseservice.Archetype, exec driver.Executor, subscribeCh SubscribeChan) *AsyncCompleter {
	return newAsyncCompleterWithConcurrency(archetype, exec, DefaultAsyncConcurrency, subscribeCh)
}

func newAsyncCompleterWithConcurrency(archetype *baseservice.Archetype, exec driver.Executor, concurrency int, subscribeCh SubscribeChan) *AsyncCompleter {
	c := &AsyncCompleter{
		exec:        exec,
		subscribeCh: subscribeCh,
		sem:         make(chan struct{}, concurrency),
	}
	c.BaseService = baseservice.Init(archetype, c)
	return c
}

func (c *AsyncCompleter) Start(ctx context.Context) error { return nil }

// Stop blocks until every in-flight completion (including ones still
// retrying against a flaky database) has finished, then closes the
// subscribe channel.
func (c *AsyncCompleter) Stop() {
	c.wg.Wait()
	close(c.subscribeCh)
}

// JobSetStateIfRunning blocks only long enough to acquire a concurrency
// slot, then hands the actual write off to a background goroutine and
// returns -- letting a producer's executor pool move on to the next job
// immediately rather than wait out the database round trip.
func (c *AsyncCompleter) JobSetStateIfRunning(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		c.completeWithRetry(ctx, params)
	}()
	return nil
}

func (c *AsyncCompleter) completeWithRetry(ctx context.Context, params *driver.JobSetStateIfRunningManyParams) {
	retryCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		rows, err := c.exec.JobSetStateIfRunningMany(retryCtx, params)
		if err == nil {
			if c.subscribeCh != nil && len(rows) > 0 {
				updates := make([]CompleterJobUpdated, len(rows))
				for i, r := range rows {
					updates[i] = CompleterJobUpdated{Job: r}
				}
				c.subscribeCh <- updates
			}
			return
		}

		c.Logger.Error("error completing job, retrying", "attempt", attempt, "error", err)
		sleep(retryCtx, backoff(attempt, c.disableSleep))
	}
}
