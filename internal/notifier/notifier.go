// Package notifier implements a pub/sub abstraction with three logical
// channel kinds per instance (insert hints, control signals,
// and leader election), with interchangeable backends so the same callers
// (Stager, Producer, leadership elector) work whether the cluster is
// coordinated through Postgres LISTEN/NOTIFY or running as a single
// in-process instance under a test harness.
package notifier

import (
	"context"
)

// Topic identifies one of the three logical channel kinds, scoped to an
// instance name by the concrete Notifier implementation.
type Topic string

const (
	TopicInsert Topic = "insert"
	TopicSignal Topic = "signal"
	TopicLeader Topic = "leader"
)

// Handler receives delivered payloads. It must not block for long; slow
// consumers should hand off to their own buffered channel.
type Handler func(payload []byte)

// Notifier is the pub/sub contract every backend implements.
type Notifier interface {
	// Listen registers handler for topic, scoped to queue. An empty queue
	// addresses the topic's own queue-less channel, used for the
	// signal/leader topics which aren't per-queue; it does not receive
	// notifications sent with a queue. Returns an unsubscribe function.
	Listen(ctx context.Context, topic Topic, queue string, handler Handler) (unlisten func(), err error)

	// Notify broadcasts payload on topic/queue to every listener sharing the
	// same instance name, across every node.
	Notify(ctx context.Context, topic Topic, queue string, payload []byte) error

	// Reachable reports the notifier's most recent sonar ping result: true
	// means pub/sub is working, false means the Stager should fall back to
	// local mode.
	Reachable() bool

	Start(ctx context.Context) error
	Stop()
}
