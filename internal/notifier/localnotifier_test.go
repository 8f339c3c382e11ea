package notifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/internal/duraqtest"
)

func TestLocalNotifier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("delivers to a listening handler on the same topic and queue", func(t *testing.T) {
		t.Parallel()
		n := NewLocalNotifier()
		require.NoError(t, n.Start(ctx))
		t.Cleanup(n.Stop)

		received := make(chan []byte, 1)
		unlisten, err := n.Listen(ctx, TopicInsert, "default", func(payload []byte) {
			received <- payload
		})
		require.NoError(t, err)
		t.Cleanup(unlisten)

		require.NoError(t, n.Notify(ctx, TopicInsert, "default", []byte("hello")))
		require.Equal(t, []byte("hello"), duraqtest.WaitOrTimeout(t, received))
	})

	t.Run("does not deliver across different queues", func(t *testing.T) {
		t.Parallel()
		n := NewLocalNotifier()
		require.NoError(t, n.Start(ctx))
		t.Cleanup(n.Stop)

		received := make(chan []byte, 1)
		unlisten, err := n.Listen(ctx, TopicInsert, "default", func(payload []byte) {
			received <- payload
		})
		require.NoError(t, err)
		t.Cleanup(unlisten)

		require.NoError(t, n.Notify(ctx, TopicInsert, "other_queue", []byte("hello")))

		select {
		case payload := <-received:
			t.Fatalf("unexpected delivery across queues: %s", payload)
		default:
		}
	})

	t.Run("unlisten stops further delivery", func(t *testing.T) {
		t.Parallel()
		n := NewLocalNotifier()
		require.NoError(t, n.Start(ctx))
		t.Cleanup(n.Stop)

		received := make(chan []byte, 1)
		unlisten, err := n.Listen(ctx, TopicSignal, "", func(payload []byte) {
			received <- payload
		})
		require.NoError(t, err)
		unlisten()

		require.NoError(t, n.Notify(ctx, TopicSignal, "", []byte("hello")))

		select {
		case payload := <-received:
			t.Fatalf("unexpected delivery after unlisten: %s", payload)
		default:
		}
	})

	t.Run("reachable is always true", func(t *testing.T) {
		t.Parallel()
		n := NewLocalNotifier()
		require.True(t, n.Reachable())
	})
}
