package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milvaion/milvaion/internal/coordination"
)

func TestLockManager_MutualExclusion(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	locks := coordination.NewLockManager(client, keys, breaker)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, "dispatcher/leader", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.TryAcquire(ctx, "dispatcher/leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second node must not take a held lock")

	owner, err := locks.Owner(ctx, "dispatcher/leader")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)

	locked, err := locks.IsLocked(ctx, "dispatcher/leader")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestLockManager_OnlyOwnerExtendsAndReleases(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	locks := coordination.NewLockManager(client, keys, breaker)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, "dispatcher/leader", "node-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.Extend(ctx, "dispatcher/leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "non-owner extended the lock")

	ok, err = locks.Release(ctx, "dispatcher/leader", "node-b")
	require.NoError(t, err)
	assert.False(t, ok, "non-owner released the lock")

	ok, err = locks.Extend(ctx, "dispatcher/leader", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.Release(ctx, "dispatcher/leader", "node-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Released: anyone may take it now.
	ok, err = locks.TryAcquire(ctx, "dispatcher/leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockManager_OwnerReclaimsOwnLock(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	locks := coordination.NewLockManager(client, keys, breaker)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, "dispatcher/leader", "node-a", 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	// The same node comes back within the TTL, as after a fast restart, and
	// must get its lock back with a fresh TTL instead of waiting it out.
	time.Sleep(300 * time.Millisecond)
	ok, err = locks.TryAcquire(ctx, "dispatcher/leader", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner must reclaim its own held lock")

	// Past the original 500ms expiry: the reclaim refreshed the TTL, so the
	// lock is still held and still node-a's.
	time.Sleep(300 * time.Millisecond)
	ok, err = locks.TryAcquire(ctx, "dispatcher/leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "reclaim must refresh the TTL, not leave the old one")

	owner, err := locks.Owner(ctx, "dispatcher/leader")
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)
}

func TestLease_HandoffAfterRelease(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	locks := coordination.NewLockManager(client, keys, breaker)
	ctx := context.Background()

	leaseA := coordination.NewLease(locks, coordination.ResourceDispatcherLeader, "node-a", time.Minute)
	leaseB := coordination.NewLease(locks, coordination.ResourceDispatcherLeader, "node-b", time.Minute)

	ok, err := leaseA.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = leaseB.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = leaseA.Extend(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = leaseA.Release(ctx)
	require.NoError(t, err)

	ok, err = leaseB.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "peer must take over after an explicit release")
	assert.Equal(t, "node-b", leaseB.Owner())
}

func TestLock_ExpiresByTTL(t *testing.T) {
	client, keys, breaker := SetupCoordination(t)
	locks := coordination.NewLockManager(client, keys, breaker)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, "short", "node-a", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(300 * time.Millisecond)

	ok, err = locks.TryAcquire(ctx, "short", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be reacquirable")
}
