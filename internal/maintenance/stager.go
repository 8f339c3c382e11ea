// Package maintenance holds the three leader-gated background tasks: the
// Stager (promote due jobs to available), the Pruner (delete old terminal
// rows), and the Lifeline (rescue jobs stuck in executing). All three share
// the same shape -- tick, check leadership, call one Engine operation, log
// the result -- each as its own small service type (built on
// internal/leadership, internal/notifier, internal/startstop) rather than
// one monolithic scheduler.
package maintenance

import (
	"context"
	"time"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/notifier"
	"github.com/duraq/duraq/internal/startstop"
	"github.com/duraq/duraq/jobtype"
)

// DefaultStageInterval is the default Stager tick.
const DefaultStageInterval = time.Second

// DefaultStageBatchSize bounds how many rows one stage tick promotes, so a
// huge backlog of due jobs doesn't monopolize a single transaction.
const DefaultStageBatchSize = 10_000

// LeaderChecker is satisfied by internal/leadership.Elector; kept as a small
// local interface so this package doesn't import leadership directly.
type LeaderChecker interface {
	IsLeader() bool
}

// StagerConfig configures a Stager.
type StagerConfig struct {
	Interval  time.Duration
	BatchSize int32
	Executor  driver.Executor
	Notifier  notifier.Notifier
	Leader    LeaderChecker
}

// Stager moves scheduled/retryable jobs whose time has come to available
// and notifies the affected queues. It runs on every node, but only does
// work (global mode) when Leader.IsLeader() is true; otherwise it defers to
// producers polling their own queues directly (local mode).
type Stager struct {
	baseservice.BaseService
	startstop.BaseStartStop

	config StagerConfig
}

// NewStager constructs a Stager with the defaults above applied where the
// caller left a field zero.
func NewStager(archetype *baseservice.Archetype, config StagerConfig) *Stager {
	if config.Interval == 0 {
		config.Interval = DefaultStageInterval
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultStageBatchSize
	}
	s := &Stager{config: config}
	s.BaseService = baseservice.Init(archetype, s)
	return s
}

// Mode reports whether this node is currently staging globally or has
// fallen back to local mode -- either because it isn't the leader, or
// because it is the leader but its pub/sub is isolated (producers poll
// their own queues directly in that case, per spec.md §4.4/§4.5).
func (s *Stager) Mode() string {
	if s.isGlobalMode() {
		return "global"
	}
	return "local"
}

// isGlobalMode reports whether this node should be doing global staging
// right now: it must both hold leadership and have working pub/sub, since
// a leader whose notifier is isolated can't reliably wake producers on
// other nodes about newly staged rows.
func (s *Stager) isGlobalMode() bool {
	if s.config.Leader == nil || !s.config.Leader.IsLeader() {
		return false
	}
	if s.config.Notifier != nil && !s.config.Notifier.Reachable() {
		return false
	}
	return true
}

// Local reports whether every producer must fall back to staging its own
// queue directly, i.e. whether this Stager is not currently doing global
// staging. Satisfies internal/producer.LocalModeChecker.
func (s *Stager) Local() bool { return !s.isGlobalMode() }

func (s *Stager) Start(ctx context.Context) error {
	s.StartLoop(ctx, s.run)
	return nil
}

func (s *Stager) run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Stager) tick(ctx context.Context) {
	if !s.isGlobalMode() {
		// Losing leadership, or losing pub/sub reachability while still the
		// leader, silently suppresses this task -- producers fall back to
		// local mode and stage their own queue instead.
		return
	}

	jobs, err := s.config.Executor.JobSchedule(ctx, &driver.JobScheduleParams{
		Now: time.Now(),
		Max: s.config.BatchSize,
	})
	if err != nil {
		s.Logger.Error("stage failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	s.notifyQueues(ctx, jobs)
	s.Logger.Info("staged jobs", "count", len(jobs))
}

// notifyQueues groups the staged rows by queue and publishes one insert
// notification per affected queue step 2.
func (s *Stager) notifyQueues(ctx context.Context, jobs []*jobtype.JobRow) {
	if s.config.Notifier == nil {
		return
	}
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if seen[j.Queue] {
			continue
		}
		seen[j.Queue] = true
		if err := s.config.Notifier.Notify(ctx, notifier.TopicInsert, j.Queue, []byte(`{"event":"stage"}`)); err != nil {
			s.Logger.Warn("failed to notify queue after staging", "queue", j.Queue, "error", err)
		}
	}
}
