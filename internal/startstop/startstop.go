// Package startstop gives every internal service a uniform Start/Stop
// lifecycle. A Service's Start spawns its background goroutine(s) and
// returns once they're running; Stop signals shutdown and blocks until
// they've exited.
package startstop

import (
	"context"
	"sync"
)

// Service is anything with a start/stop lifecycle.
type Service interface {
	Start(ctx context.Context) error
	Stop()
}

// StopFunc is returned by helpers below to end a goroutine's life and wait
// for it to exit.
type StopFunc func()

// BaseStartStop is embedded by services that run a single background loop.
// It provides the bookkeeping (done channel, stop-once) so the service
// itself only has to write the loop body.
type BaseStartStop struct {
	cancel  context.CancelFunc
	doneCh  chan struct{}
	stopped sync.Once
}

// StartLoop runs loop in a new goroutine bound to a cancellable child of
// ctx, and returns once loop has been launched. loop must return when its
// context is cancelled.
func (b *BaseStartStop) StartLoop(ctx context.Context, loop func(ctx context.Context)) {
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.doneCh = make(chan struct{})

	go func() {
		defer close(b.doneCh)
		loop(loopCtx)
	}()
}

// Stop cancels the loop's context and blocks until it has exited. Safe to
// call more than once.
func (b *BaseStartStop) Stop() {
	b.stopped.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
	})
	if b.doneCh != nil {
		<-b.doneCh
	}
}

// Done returns a channel closed once the loop has exited, for callers (like
// a producer waiting out a shutdown grace period) that need to select on it
// rather than block.
func (b *BaseStartStop) Done() <-chan struct{} {
	return b.doneCh
}
