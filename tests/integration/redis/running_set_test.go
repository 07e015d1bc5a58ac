package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvaion/milvaion/internal/coordination"
)

func TestRunningSet_SkipPolicySemantics(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	running := coordination.NewRunningSet(client, keys, breaker)
	ctx := context.Background()

	ok, err := running.TryMarkRunning(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok)

	// A second firing while the first is in flight is refused.
	ok, err = running.TryMarkRunning(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok)

	isRunning, err := running.IsRunning(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, isRunning)

	require.NoError(t, running.MarkCompleted(ctx, "j1"))

	ok, err = running.TryMarkRunning(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, ok, "completed job must be markable again")
}

func TestRunningSet_FilterAndCount(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	running := coordination.NewRunningSet(client, keys, breaker)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		ok, err := running.TryMarkRunning(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := running.FilterRunning(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, got)

	count, err := running.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// Completing an unmarked job is a no-op, not an error.
	require.NoError(t, running.MarkCompleted(ctx, "c"))
}
