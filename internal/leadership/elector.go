// Package leadership elects exactly one leader per database, through a
// single soft-leased row named "leader" that every Elector competes for
// regardless of instance name, maintained via driver.LeaseStore and
// announced over the notifier's leader topic. Built on the same
// BaseService/BaseStartStop scaffolding every internal service shares.
package leadership

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/notifier"
	"github.com/duraq/duraq/internal/startstop"
)

// leaseName is the single row every node using the database competes for.
const leaseName = "leader"

// DefaultTTL is the lease window: a valid lease is one updated within this
// window.
const DefaultTTL = 30 * time.Second

// refreshFraction controls how long before expiry the leader renews; a
// leader that waited until the last moment could lose the lease to a
// scheduling hiccup alone.
const refreshFraction = 3

// Elector runs the leader-election loop for one node.
type Elector struct {
	baseservice.BaseService
	startstop.BaseStartStop

	store    driver.LeaseStore
	notifier notifier.Notifier
	node     string
	ttl      time.Duration

	mu       sync.RWMutex
	isLeader bool

	onElected func()
	onLost    func()
}

// Config configures a new Elector. TTL defaults to DefaultTTL if zero.
type Config struct {
	Node      string
	TTL       time.Duration
	OnElected func()
	OnLost    func()
}

// New constructs an Elector bound to store for leases and notifier for
// relinquish broadcasts.
func New(archetype *baseservice.Archetype, store driver.LeaseStore, notif notifier.Notifier, config Config) *Elector {
	ttl := config.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	e := &Elector{
		store:     store,
		notifier:  notif,
		node:      config.Node,
		ttl:       ttl,
		onElected: config.OnElected,
		onLost:    config.OnLost,
	}
	e.BaseService = baseservice.Init(archetype, e)
	return e
}

func (e *Elector) Start(ctx context.Context) error {
	_, err := e.notifier.Listen(ctx, notifier.TopicLeader, "", func(payload []byte) {
		// A relinquish broadcast from the outgoing leader; react by trying to
		// acquire immediately instead of waiting for our own next tick.
		e.attempt(ctx)
	})
	if err != nil {
		return err
	}

	e.attempt(ctx)
	e.StartLoop(ctx, e.run)
	return nil
}

func (e *Elector) run(ctx context.Context) {
	ticker := time.NewTicker(e.ttl / refreshFraction)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.relinquish(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Elector) attempt(ctx context.Context) {
	acquired, err := e.store.AttemptLease(ctx, leaseName, e.node, e.ttl)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.Logger.Warn("leadership lease attempt failed", "error", err)
		}
		e.setLeader(false)
		return
	}
	e.setLeader(acquired)
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	was := e.isLeader
	e.isLeader = leader
	e.mu.Unlock()

	if leader && !was {
		e.Logger.Info("acquired leadership", "node", e.node)
		if e.onElected != nil {
			e.onElected()
		}
	} else if !leader && was {
		e.Logger.Info("lost leadership", "node", e.node)
		if e.onLost != nil {
			e.onLost()
		}
	}
}

// IsLeader reports whether this node currently holds the lease; queried by
// Stager, Pruner, Lifeline, and Cron before acting globally.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// relinquish drops the lease and broadcasts on the leader topic so other
// nodes don't have to wait out the TTL to notice.
func (e *Elector) relinquish(ctx context.Context) {
	e.mu.RLock()
	wasLeader := e.isLeader
	e.mu.RUnlock()
	if !wasLeader {
		return
	}

	if err := e.store.RelinquishLease(ctx, leaseName, e.node); err != nil {
		e.Logger.Warn("failed to relinquish leadership lease", "error", err)
	}
	e.setLeader(false)

	if err := e.notifier.Notify(ctx, notifier.TopicLeader, "", []byte(`{"event":"relinquish"}`)); err != nil {
		e.Logger.Warn("failed to broadcast leadership relinquish", "error", err)
	}
}
