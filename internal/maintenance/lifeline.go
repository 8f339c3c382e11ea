package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duraq/duraq/driver"
	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/startstop"
	"github.com/duraq/duraq/jobtype"
)

// DefaultRescueInterval is the default Lifeline tick.
const DefaultRescueInterval = 60 * time.Second

// DefaultStuckThreshold is the default stuck-job cutoff: 60 minutes.
const DefaultStuckThreshold = 60 * time.Minute

// DefaultRescueBatchSize bounds one tick's transaction size.
const DefaultRescueBatchSize = 10_000

// LifelineConfig configures a Lifeline.
type LifelineConfig struct {
	Interval       time.Duration
	StuckThreshold time.Duration
	BatchSize      int32
	Executor       driver.Executor
	Leader         LeaderChecker
}

// Lifeline rescues jobs stuck in executing past StuckThreshold -- the
// producer that claimed them crashed or was killed past its shutdown grace
// period. Leader-only.
type Lifeline struct {
	baseservice.BaseService
	startstop.BaseStartStop

	config LifelineConfig
}

// NewLifeline constructs a Lifeline with the defaults above applied where
// the caller left a field zero.
func NewLifeline(archetype *baseservice.Archetype, config LifelineConfig) *Lifeline {
	if config.Interval == 0 {
		config.Interval = DefaultRescueInterval
	}
	if config.StuckThreshold == 0 {
		config.StuckThreshold = DefaultStuckThreshold
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultRescueBatchSize
	}
	l := &Lifeline{config: config}
	l.BaseService = baseservice.Init(archetype, l)
	return l
}

func (l *Lifeline) Start(ctx context.Context) error {
	l.StartLoop(ctx, l.run)
	return nil
}

func (l *Lifeline) run(ctx context.Context) {
	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Lifeline) tick(ctx context.Context) {
	if l.config.Leader != nil && !l.config.Leader.IsLeader() {
		return
	}

	tx, err := l.config.Executor.Begin(ctx)
	if err != nil {
		l.Logger.Error("rescue: failed to begin transaction", "error", err)
		return
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	horizon := time.Now().Add(-l.config.StuckThreshold)
	stuck, err := tx.JobFindStuckExecuting(ctx, horizon, l.config.BatchSize)
	if err != nil {
		l.Logger.Error("rescue: failed to find stuck jobs", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	params := buildRescueParams(stuck)
	if err := tx.JobRescueMany(ctx, params); err != nil {
		l.Logger.Error("rescue: failed to rescue jobs", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		l.Logger.Error("rescue: failed to commit", "error", err)
		return
	}

	l.Logger.Info("rescued stuck jobs", "count", len(stuck))
}

// buildRescueParams decides, per stuck job, whether it goes back to
// available or is discarded outright: attempt < max_attempts goes back to
// available, otherwise it's discarded with discarded_at set to now.
func buildRescueParams(stuck []*jobtype.JobRow) *driver.JobRescueManyParams {
	params := &driver.JobRescueManyParams{
		ID:          make([]int64, len(stuck)),
		Error:       make([][]byte, len(stuck)),
		NextState:   make([]jobtype.JobState, len(stuck)),
		ScheduledAt: make([]time.Time, len(stuck)),
	}
	now := time.Now()
	for i, job := range stuck {
		params.ID[i] = job.ID
		errJSON, _ := json.Marshal(jobtype.AttemptError{
			Attempt: int(job.Attempt),
			At:      now,
			Error:   fmt.Sprintf("rescued: stuck in executing since %s", job.AttemptedAt),
		})
		params.Error[i] = errJSON
		if int(job.Attempt) < int(job.MaxAttempts) {
			params.NextState[i] = jobtype.JobStateAvailable
			params.ScheduledAt[i] = now
		} else {
			params.NextState[i] = jobtype.JobStateDiscarded
			params.ScheduledAt[i] = job.ScheduledAt
		}
	}
	return params
}
