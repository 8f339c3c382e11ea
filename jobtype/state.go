// Package jobtype holds the data types shared between the public duraq
// package and the storage drivers in driver/, without either depending on
// the other. Keeping them here lets a driver package be imported standalone
// (for conformance testing, say) without pulling in the whole client.
package jobtype

// JobState is the state of a job as stored in the database. Allowed
// transitions form a DAG: scheduled -> available -> executing, executing ->
// {completed, retryable, discarded, cancelled}, retryable -> available when
// due, and cancel is reachable from any non-terminal state.
type JobState string

const (
	JobStateScheduled JobState = "scheduled"
	JobStateAvailable JobState = "available"
	JobStateExecuting JobState = "executing"
	JobStateRetryable JobState = "retryable"
	JobStateCompleted JobState = "completed"
	JobStateCancelled JobState = "cancelled"
	JobStateDiscarded JobState = "discarded"
)

// NonTerminalStates are the states from which a job can still run or be
// retried automatically by the system.
var NonTerminalStates = []JobState{
	JobStateScheduled,
	JobStateAvailable,
	JobStateExecuting,
	JobStateRetryable,
}

// TerminalStates are states the system never transitions a job out of on
// its own; only an explicit retry operation moves a job out of one of these.
var TerminalStates = []JobState{
	JobStateCompleted,
	JobStateCancelled,
	JobStateDiscarded,
}

// IsTerminal returns true if state is one from which the job will never run
// again without an explicit retry.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateCancelled, JobStateDiscarded:
		return true
	default:
		return false
	}
}
