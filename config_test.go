package duraq

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidateRequiresQueuesUnlessInline(t *testing.T) {
	t.Parallel()

	c := &Config{Workers: NewWorkers()}
	require.Error(t, c.validate())

	c.TestMode = TestModeInline
	require.NoError(t, c.validate())
}

func TestConfigValidateRejectsEmptyQueueName(t *testing.T) {
	t.Parallel()

	c := &Config{
		Workers: NewWorkers(),
		Queues:  map[string]QueueConfig{"": {MaxWorkers: 1}},
	}
	require.Error(t, c.validate())
}

func TestConfigValidateRejectsNonPositiveMaxWorkers(t *testing.T) {
	t.Parallel()

	c := &Config{
		Workers: NewWorkers(),
		Queues:  map[string]QueueConfig{"default": {MaxWorkers: 0}},
	}
	require.Error(t, c.validate())
}

func TestConfigValidateRequiresWorkers(t *testing.T) {
	t.Parallel()

	c := &Config{Queues: map[string]QueueConfig{"default": {MaxWorkers: 1}}}
	require.Error(t, c.validate())
}

func TestConfigValidateAcceptsWellFormedConfig(t *testing.T) {
	t.Parallel()

	c := &Config{
		Workers: NewWorkers(),
		Queues:  map[string]QueueConfig{"default": {MaxWorkers: 5}},
	}
	require.NoError(t, c.validate())
}

func TestConfigWithDefaultsFillsZeroValues(t *testing.T) {
	t.Parallel()

	c := &Config{Workers: NewWorkers(), Queues: map[string]QueueConfig{"default": {MaxWorkers: 1}}}
	out := c.withDefaults()

	require.NotNil(t, out.Logger)
	require.Equal(t, "duraq", out.Node)
	require.Equal(t, "default", out.InstanceName)
	require.NotZero(t, out.LeaseTTL)
	require.NotZero(t, out.StageInterval)
	require.NotZero(t, out.PruneInterval)
	require.NotZero(t, out.PruneMaxAge)
	require.NotZero(t, out.RescueInterval)
	require.NotZero(t, out.StuckThreshold)
	require.Equal(t, 100, out.SubscribeBufferSize)
}

func TestConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	t.Parallel()

	c := &Config{
		Workers:             NewWorkers(),
		Queues:              map[string]QueueConfig{"default": {MaxWorkers: 1}},
		Node:                "node-a",
		InstanceName:        "prod",
		SubscribeBufferSize: 42,
	}
	out := c.withDefaults()

	require.Equal(t, "node-a", out.Node)
	require.Equal(t, "prod", out.InstanceName)
	require.Equal(t, 42, out.SubscribeBufferSize)
}
