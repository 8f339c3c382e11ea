package duraq

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/duraq/duraq/internal/baseservice"
	"github.com/duraq/duraq/internal/cron"
	"github.com/duraq/duraq/internal/maintenance"
)

// TestMode selects one of two testing modes, inline or manual. The zero
// value means normal (fully asynchronous) operation.
type TestMode int

const (
	// TestModeNone is ordinary cluster operation: Insert writes a row and a
	// producer picks it up asynchronously.
	TestModeNone TestMode = iota

	// TestModeInline makes Insert execute the job synchronously, blocking
	// the caller until it finishes, and return the terminal row; no Producer
	// runs.
	TestModeInline

	// TestModeManual inserts jobs but starts no producers at all, so this
	// Client never executes the jobs it inserts.
	TestModeManual
)

// QueueConfig is one entry in Config.Queues, keyed by queue name.
type QueueConfig struct {
	MaxWorkers int
}

// Config configures a new Client. Validated eagerly by NewClient so
// misconfiguration fails before Start rather than mid-run.
type Config struct {
	// Node identifies this process in attempted_by and leader-election
	// rows. Defaults to "duraq" if empty.
	Node string

	// Queues maps queue name to its configuration. At least one queue is
	// required unless TestMode is TestModeInline (which never runs a
	// producer at all).
	Queues map[string]QueueConfig

	Workers *Workers

	Logger *slog.Logger

	// InstanceName defaults to "default". The Client does not read it:
	// NOTIFY channel names come from the notifier passed to NewClient, and
	// the leader lease row is named "leader" whatever this is set to.
	InstanceName string

	FetchCooldown       time.Duration
	ShutdownGracePeriod time.Duration

	StageInterval  time.Duration
	PruneInterval  time.Duration
	PruneMaxAge    time.Duration
	RescueInterval time.Duration
	StuckThreshold time.Duration

	LeaseTTL time.Duration

	PeriodicJobs []*cron.PeriodicJob

	TestMode TestMode

	// SubscribeBufferSize sizes the channel Subscribe returns.
	SubscribeBufferSize int
}

func (c *Config) validate() error {
	if c.TestMode != TestModeInline && len(c.Queues) == 0 {
		return fmt.Errorf("duraq: Config.Queues must have at least one entry")
	}
	for name, qc := range c.Queues {
		if name == "" {
			return fmt.Errorf("duraq: queue name must not be empty")
		}
		if qc.MaxWorkers <= 0 {
			return fmt.Errorf("duraq: queue %q: MaxWorkers must be positive", name)
		}
	}
	if c.Workers == nil {
		return fmt.Errorf("duraq: Config.Workers must not be nil")
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Node == "" {
		out.Node = "duraq"
	}
	if out.InstanceName == "" {
		out.InstanceName = "default"
	}
	if out.LeaseTTL == 0 {
		out.LeaseTTL = 30 * time.Second
	}
	if out.StageInterval == 0 {
		out.StageInterval = maintenance.DefaultStageInterval
	}
	if out.PruneInterval == 0 {
		out.PruneInterval = maintenance.DefaultPruneInterval
	}
	if out.PruneMaxAge == 0 {
		out.PruneMaxAge = maintenance.DefaultPruneMaxAge
	}
	if out.RescueInterval == 0 {
		out.RescueInterval = maintenance.DefaultRescueInterval
	}
	if out.StuckThreshold == 0 {
		out.StuckThreshold = maintenance.DefaultStuckThreshold
	}
	if out.SubscribeBufferSize == 0 {
		out.SubscribeBufferSize = 100
	}
	return &out
}

func (c *Config) archetype() *baseservice.Archetype {
	return baseservice.NewArchetype(c.Logger)
}
