// Package cron implements leader-only periodic job insertion driven by
// cron expressions, deduplicated across a handover via the uniqueness
// period trick (period:59 -- a racing pair of leaders can produce at most
// one job per minute). Expression parsing uses robfig/cron/v3.
package cron

import (
	"context"
	"fmt"
	"time"

	robfigcron "github.com/robfig/cron/v3"

	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/startstop"
)

// rebootExpr is the one descriptor robfig/cron doesn't implement itself
// (there's no OS reboot event inside a long-running Go process); it's
// redefined here as "fires once per leader election" instead.
const rebootExpr = "@reboot"

// parser accepts standard 5-field expressions, lists/ranges/steps, and the
// descriptor shorthands robfig/cron already implements
// (@yearly/@monthly/@weekly/@daily/@midnight/@hourly); @reboot is handled
// separately by this package.
var parser = robfigcron.NewParser(
	robfigcron.Minute | robfigcron.Hour | robfigcron.Dom | robfigcron.Month | robfigcron.Dow | robfigcron.Descriptor,
)

// Schedule is the parsed form of one periodic job's cron expression.
type Schedule struct {
	expr     string
	schedule robfigcron.Schedule
	reboot   bool
}

// ParseSchedule parses expr, special-casing @reboot before handing
// everything else to robfig/cron.
func ParseSchedule(expr string) (*Schedule, error) {
	if expr == rebootExpr {
		return &Schedule{expr: expr, reboot: true}, nil
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse %q: %w", expr, err)
	}
	return &Schedule{expr: expr, schedule: sched}, nil
}

// matchesMinute reports whether this schedule fires during the minute
// starting at minuteStart, using the standard "does Next(just before this
// minute) land exactly on this minute" test.
func (s *Schedule) matchesMinute(minuteStart time.Time) bool {
	if s.reboot {
		return false
	}
	next := s.schedule.Next(minuteStart.Add(-time.Second))
	return next.Equal(minuteStart)
}

// JobInsertSpec is what a periodic job's constructor produces: the
// arguments for one insertion, handed to the Inserter with a uniqueness
// window scoped to this minute.
type JobInsertSpec struct {
	Worker      string
	Queue       string
	Args        []byte
	Meta        []byte
	Priority    int16
	MaxAttempts int16
	Tags        []string
}

// ConstructorFunc builds the next job to insert, or returns a nil spec to
// skip this run (e.g. the periodic job decided there's nothing to do this
// time).
type ConstructorFunc func() (*JobInsertSpec, error)

// PeriodicJob is one (expr, worker, options) entry, registered publicly via
// duraq.NewPeriodicJob.
type PeriodicJob struct {
	Schedule    *Schedule
	Constructor ConstructorFunc
}

// Inserter is the narrow seam Cron needs from the public Client: insert one
// periodic job's row with a uniqueness window that survives a leadership
// handover without double-firing.
type Inserter interface {
	InsertPeriodic(ctx context.Context, spec *JobInsertSpec, dedupeWindow time.Duration) error
}

// dedupeWindowSeconds is just under a minute (period:59), so two leaders
// racing a handover within the same minute still produce at most one row,
// while a legitimately new minute's run isn't blocked by the previous
// one's fingerprint.
const dedupeWindowSeconds = 59 * time.Second

// Config configures a Cron service.
type Config struct {
	Jobs     []*PeriodicJob
	Inserter Inserter
	Leader   LeaderChecker
}

// LeaderChecker is satisfied by internal/leadership.Elector.
type LeaderChecker interface {
	IsLeader() bool
}

// Cron is the periodic-insertion service. It runs on every node but only
// inserts while this node holds leadership.
type Cron struct {
	baseservice.BaseService
	startstop.BaseStartStop

	config Config
}

// New constructs a Cron from config.
func New(archetype *baseservice.Archetype, config Config) *Cron {
	c := &Cron{config: config}
	c.BaseService = baseservice.Init(archetype, c)
	return c
}

func (c *Cron) Start(ctx context.Context) error {
	c.StartLoop(ctx, c.run)
	return nil
}

// run waits out "time until next top-of-minute"  and then
// evaluates every registered expression against that minute.
func (c *Cron) run(ctx context.Context) {
	for {
		next := nextMinuteBoundary(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case minute := <-timer.C:
			c.evaluate(ctx, minute.Truncate(time.Minute))
		}
	}
}

func nextMinuteBoundary(now time.Time) time.Time {
	return now.Truncate(time.Minute).Add(time.Minute)
}

func (c *Cron) evaluate(ctx context.Context, minuteStart time.Time) {
	if c.config.Leader != nil && !c.config.Leader.IsLeader() {
		return
	}

	for _, pj := range c.config.Jobs {
		if !pj.Schedule.matchesMinute(minuteStart) {
			continue
		}
		c.fire(ctx, pj)
	}
}

// HandleLeaderElected fires every @reboot periodic job once: @reboot means
// "fires once per leader election" in this system. Wired as the
// leadership.Elector's OnElected callback.
func (c *Cron) HandleLeaderElected() {
	ctx := context.Background()
	for _, pj := range c.config.Jobs {
		if pj.Schedule.reboot {
			c.fire(ctx, pj)
		}
	}
}

func (c *Cron) fire(ctx context.Context, pj *PeriodicJob) {
	spec, err := pj.Constructor()
	if err != nil {
		c.Logger.Error("periodic job constructor failed", "worker", pj.Schedule.expr, "error", err)
		return
	}
	if spec == nil {
		return
	}
	if err := c.config.Inserter.InsertPeriodic(ctx, spec, dedupeWindowSeconds); err != nil {
		c.Logger.Error("periodic job insert failed", "worker", spec.Worker, "error", err)
	}
}
