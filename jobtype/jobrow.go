package jobtype

import "time"

// AttemptedBy records a single (node, producer instance) pair that took a
// crack at running a job. The last entry identifies whichever producer
// currently holds the executing claim.
type AttemptedBy struct {
	Node       string `json:"node"`
	ProducerID string `json:"producer_id"`
}

// AttemptError is one entry in a job's error history, appended every time an
// attempt ends in anything but success.
type AttemptError struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Error   string    `json:"error"`
	Trace   string    `json:"trace,omitempty"`
}

// JobRow is the full row-level representation of a job, independent of the
// typed args a particular worker expects. It is what every storage driver
// returns and what the public duraq.Job[T] wraps.
type JobRow struct {
	ID           int64
	State        JobState
	Queue        string
	Worker       string
	Args         []byte // canonical JSON object, string keys after round-trip
	Meta         []byte // canonical JSON object
	Tags         []string
	Priority     int16
	Attempt      int16
	MaxAttempts  int16
	AttemptedBy  []AttemptedBy
	Errors       []AttemptError
	UniqueKey    []byte // nil unless unique insertion is in effect

	InsertedAt   time.Time
	ScheduledAt  time.Time
	AttemptedAt  *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	DiscardedAt  *time.Time
}

// IsRetryable reports whether this row is eligible to be picked up by a
// fetch, ignoring scheduling: either available now, or retryable/scheduled
// once due.
func (j *JobRow) IsRetryable() bool {
	switch j.State {
	case JobStateAvailable, JobStateScheduled, JobStateRetryable:
		return true
	default:
		return false
	}
}
