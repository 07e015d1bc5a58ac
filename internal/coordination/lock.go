package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Acquire is re-entrant for the same owner: a node restarting inside its
// own lease TTL reclaims the lock instead of waiting out the stale key.
// Extend and release verify the stored owner first, so a lock another node
// took over after expiry is never extended or deleted by the old holder.
var (
	acquireScript = redis.NewScript(`
local owner = redis.call("GET", KEYS[1])
if owner == false then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if owner == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// LockManager provides named expiring locks on the coordination store. A
// lock key holds its owner's node id; release and extension are fenced on
// that owner. The dispatcher lease and the per-job locks of the API layer
// both build on it.
//
// Operations run through the circuit breaker: on an open circuit acquisition
// and extension report false, which reads as "not the leader right now".
type LockManager struct {
	client  *redis.Client
	keys    Keys
	breaker *CircuitBreaker
}

// NewLockManager returns a lock manager over the given client.
func NewLockManager(client *redis.Client, keys Keys, breaker *CircuitBreaker) *LockManager {
	return &LockManager{client: client, keys: keys, breaker: breaker}
}

// TryAcquire attempts to take the lock without blocking. It returns true
// when the lock is free or already held by this owner; reclaiming an own
// lock refreshes its TTL. False means another owner holds it.
func (l *LockManager) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	return Call(ctx, l.breaker, false, func(ctx context.Context) (bool, error) {
		n, err := acquireScript.Run(ctx, l.client, []string{l.keys.Lock(resource)}, owner, ttl.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("lock acquire %s: %w", resource, err)
		}
		return n == 1, nil
	})
}

// Extend pushes the expiry out by ttl if owner still holds the lock. False
// means the lock expired or changed hands.
func (l *LockManager) Extend(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	return Call(ctx, l.breaker, false, func(ctx context.Context) (bool, error) {
		n, err := extendScript.Run(ctx, l.client, []string{l.keys.Lock(resource)}, owner, ttl.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("lock extend %s: %w", resource, err)
		}
		return n == 1, nil
	})
}

// Release deletes the lock if owner still holds it. False means it had
// already expired or been taken over; the new holder's lock is untouched.
func (l *LockManager) Release(ctx context.Context, resource, owner string) (bool, error) {
	return Call(ctx, l.breaker, false, func(ctx context.Context) (bool, error) {
		n, err := releaseScript.Run(ctx, l.client, []string{l.keys.Lock(resource)}, owner).Int()
		if err != nil {
			return false, fmt.Errorf("lock release %s: %w", resource, err)
		}
		return n == 1, nil
	})
}

// Owner returns the node id holding the lock, or "" when unlocked.
func (l *LockManager) Owner(ctx context.Context, resource string) (string, error) {
	return Call(ctx, l.breaker, "", func(ctx context.Context) (string, error) {
		owner, err := l.client.Get(ctx, l.keys.Lock(resource)).Result()
		if err == redis.Nil {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("lock owner %s: %w", resource, err)
		}
		return owner, nil
	})
}

// IsLocked reports whether anyone holds the lock.
func (l *LockManager) IsLocked(ctx context.Context, resource string) (bool, error) {
	owner, err := l.Owner(ctx, resource)
	return owner != "", err
}

// Lease is one node's claim on a named resource, typically dispatcher
// leadership. It bakes the resource, owner and TTL into a value the holder
// can extend every tick and release on shutdown.
type Lease struct {
	locks    *LockManager
	resource string
	owner    string
	ttl      time.Duration
}

// NewLease binds a lock resource to this node.
func NewLease(locks *LockManager, resource, owner string, ttl time.Duration) *Lease {
	return &Lease{locks: locks, resource: resource, owner: owner, ttl: ttl}
}

// Owner returns the node id this lease acquires for.
func (le *Lease) Owner() string { return le.owner }

// Acquire attempts to take the lease.
func (le *Lease) Acquire(ctx context.Context) (bool, error) {
	return le.locks.TryAcquire(ctx, le.resource, le.owner, le.ttl)
}

// Extend renews the lease for another TTL. False demotes the holder.
func (le *Lease) Extend(ctx context.Context) (bool, error) {
	return le.locks.Extend(ctx, le.resource, le.owner, le.ttl)
}

// Release gives the lease up early, letting another node take over before
// the TTL runs out.
func (le *Lease) Release(ctx context.Context) (bool, error) {
	return le.locks.Release(ctx, le.resource, le.owner)
}
