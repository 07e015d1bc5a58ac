package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvaion/milvaion/internal/coordination"
	"github.com/milvaion/milvaion/internal/domain"
)

func cachedJob(id string) coordination.CachedJob {
	cron := "*/5 * * * *"
	data := `{"report":"daily"}`
	timeout := 300
	return coordination.CachedJob{
		ID:                      id,
		Name:                    "job-" + id,
		WorkerClass:             "reports",
		JobKind:                 "report.build",
		JobData:                 &data,
		CronExpression:          &cron,
		IsActive:                true,
		ConcurrentPolicy:        domain.ConcurrentQueue,
		ExecutionTimeoutSeconds: &timeout,
		Version:                 2,
	}
}

func TestJobCache_PutGetRoundTrip(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	cache := coordination.NewJobCache(client, keys, breaker)
	ctx := context.Background()

	job := cachedJob("j1")
	require.NoError(t, cache.Put(ctx, job, time.Hour))

	got, err := cache.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Name, got.Name)
	assert.Equal(t, job.WorkerClass, got.WorkerClass)
	require.NotNil(t, got.CronExpression)
	assert.Equal(t, *job.CronExpression, *got.CronExpression)
	require.NotNil(t, got.JobData)
	assert.Equal(t, *job.JobData, *got.JobData)
	require.NotNil(t, got.ExecutionTimeoutSeconds)
	assert.Equal(t, 300, *got.ExecutionTimeoutSeconds)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.Dispatchable())
	assert.True(t, got.IsRecurring())
}

func TestJobCache_MissReturnsNil(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	cache := coordination.NewJobCache(client, keys, breaker)

	got, err := cache.Get(context.Background(), "never-cached")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestJobCache_GetBulkSkipsMisses(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	cache := coordination.NewJobCache(client, keys, breaker)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, cachedJob("a"), time.Hour))
	require.NoError(t, cache.Put(ctx, cachedJob("b"), time.Hour))

	got, err := cache.GetBulk(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "a")
	assert.Contains(t, got, "b")
}

func TestJobCache_UpdateFieldsPatchesEntry(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	cache := coordination.NewJobCache(client, keys, breaker)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, cachedJob("j1"), time.Hour))
	require.NoError(t, cache.UpdateFields(ctx, "j1", map[string]string{
		"isActive": "false",
		"version":  "3",
	}))

	got, err := cache.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsActive)
	assert.Equal(t, 3, got.Version)
	assert.False(t, got.Dispatchable())
}

func TestJobCache_RemoveEvicts(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	cache := coordination.NewJobCache(client, keys, breaker)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, cachedJob("a"), time.Hour))
	require.NoError(t, cache.Put(ctx, cachedJob("b"), time.Hour))

	require.NoError(t, cache.Remove(ctx, "a"))
	require.NoError(t, cache.RemoveBulk(ctx, []string{"b"}))

	for _, id := range []string{"a", "b"} {
		got, err := cache.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}
