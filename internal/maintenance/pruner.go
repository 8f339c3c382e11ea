package maintenance

import (
	"context"
	"time"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/startstop"
)

// DefaultPruneInterval is the default Pruner tick.
const DefaultPruneInterval = 30 * time.Second

// DefaultPruneMaxAge is how long a terminal row is retained before it
// becomes eligible for deletion.
const DefaultPruneMaxAge = 60 * time.Second

// DefaultPruneBatchSize is the default per-tick row cap.
const DefaultPruneBatchSize = 10_000

// PrunerConfig configures a Pruner.
type PrunerConfig struct {
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int32
	Executor  driver.Executor
	Leader    LeaderChecker
}

// Pruner periodically deletes terminal-state rows older than MaxAge.
// Leader-only; best-effort, so retention may transiently exceed MaxAge
// under heavy load.
type Pruner struct {
	baseservice.BaseService
	startstop.BaseStartStop

	config PrunerConfig
}

// NewPruner constructs a Pruner with the defaults above applied where the
// caller left a field zero.
func NewPruner(archetype *baseservice.Archetype, config PrunerConfig) *Pruner {
	if config.Interval == 0 {
		config.Interval = DefaultPruneInterval
	}
	if config.MaxAge == 0 {
		config.MaxAge = DefaultPruneMaxAge
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultPruneBatchSize
	}
	p := &Pruner{config: config}
	p.BaseService = baseservice.Init(archetype, p)
	return p
}

func (p *Pruner) Start(ctx context.Context) error {
	p.StartLoop(ctx, p.run)
	return nil
}

func (p *Pruner) run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pruner) tick(ctx context.Context) {
	if p.config.Leader != nil && !p.config.Leader.IsLeader() {
		return
	}

	horizon := time.Now().Add(-p.config.MaxAge)
	n, err := p.config.Executor.JobDeleteBefore(ctx, &driver.JobDeleteBeforeParams{
		CompletedFinalizedAtHorizon: horizon,
		CancelledFinalizedAtHorizon: horizon,
		DiscardedFinalizedAtHorizon: horizon,
		Max:                         p.config.BatchSize,
	})
	if err != nil {
		p.Logger.Error("prune failed", "error", err)
		return
	}
	if n > 0 {
		p.Logger.Info("pruned jobs", "count", n)
	}
}
