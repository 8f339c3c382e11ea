package duraq

import (
	"github.com/duraq/duraq/internal/cron"
)

// Schedule is a parsed cron expression, including the redefined @reboot
// descriptor ("fires once per leader election").
type Schedule = cron.Schedule

// ParseSchedule parses a 5-field cron expression, a standard descriptor
// (@yearly, @monthly, @weekly, @daily, @midnight, @hourly), or @reboot.
func ParseSchedule(expr string) (*Schedule, error) {
	return cron.ParseSchedule(expr)
}

// PeriodicJobOpts configures the row NewPeriodicJob's constructor inserts.
type PeriodicJobOpts struct {
	Queue       string
	Priority    int16
	MaxAttempts int16
	Tags        []string
}

// NewPeriodicJob registers a cron-scheduled insertion. constructor returns the args for the next run, or (zero, false) to skip
// this run entirely (e.g. there's nothing to do this time). Pass the
// result in Config.PeriodicJobs.
func NewPeriodicJob[T JobArgs](schedule *Schedule, constructor func() (T, bool), opts *PeriodicJobOpts) *cron.PeriodicJob {
	if opts == nil {
		opts = &PeriodicJobOpts{}
	}
	return &cron.PeriodicJob{
		Schedule: schedule,
		Constructor: func() (*cron.JobInsertSpec, error) {
			args, ok := constructor()
			if !ok {
				return nil, nil
			}
			argsJSON, err := encodeArgs(args)
			if err != nil {
				return nil, err
			}
			queue := opts.Queue
			if queue == "" {
				queue = DefaultQueue
			}
			maxAttempts := opts.MaxAttempts
			if maxAttempts == 0 {
				maxAttempts = DefaultMaxAttempts
			}
			return &cron.JobInsertSpec{
				Worker:      args.Worker(),
				Queue:       queue,
				Args:        argsJSON,
				Priority:    opts.Priority,
				MaxAttempts: maxAttempts,
				Tags:        opts.Tags,
			}, nil
		},
	}
}
