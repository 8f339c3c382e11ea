package notifier

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/duraq/duraq/internal/duraqtest"
)

func TestPGNotifierListenNotify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	archetype := duraqtest.BaseServiceArchetype(t)
	pool := duraqtest.DBPool(ctx, t)

	instanceName := "test_" + uuid.NewString()[:8]

	n, err := NewPGNotifier(archetype, instanceName, pool)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	t.Cleanup(n.Stop)

	received := make(chan []byte, 1)
	unlisten, err := n.Listen(ctx, TopicInsert, "default", func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	t.Cleanup(unlisten)

	require.NoError(t, n.Notify(ctx, TopicInsert, "default", []byte(`{"queue":"default"}`)))
	require.Equal(t, []byte(`{"queue":"default"}`), duraqtest.WaitOrTimeout(t, received))
}

func TestPGNotifierChannelName(t *testing.T) {
	t.Parallel()

	n := &PGNotifier{instanceName: "duraq"}
	require.Equal(t, "duraq.insert.default", n.channelName(TopicInsert, "default"))
	require.Equal(t, "duraq.leader", n.channelName(TopicLeader, ""))
}
