package coordination

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RunningSet tracks which jobs have an occurrence in flight. It exists for
// one purpose: Skip-policy enforcement. The dispatcher claims membership
// atomically before inserting an occurrence; the status pipeline releases it
// on any terminal transition.
//
// Operations run through the circuit breaker. TryMarkRunning falls back to
// false on an open circuit, which reads as "assume something is running":
// Skip jobs go quiet rather than double-fire while the store is down.
type RunningSet struct {
	client  *redis.Client
	keys    Keys
	breaker *CircuitBreaker
}

// NewRunningSet returns a running set over the given client.
func NewRunningSet(client *redis.Client, keys Keys, breaker *CircuitBreaker) *RunningSet {
	return &RunningSet{client: client, keys: keys, breaker: breaker}
}

// TryMarkRunning claims the job's in-flight slot. SADD is add-if-absent, so
// exactly one caller wins; false means a prior occurrence is still running.
func (r *RunningSet) TryMarkRunning(ctx context.Context, jobID string) (bool, error) {
	return Call(ctx, r.breaker, false, func(ctx context.Context) (bool, error) {
		added, err := r.client.SAdd(ctx, r.keys.Running(), jobID).Result()
		if err != nil {
			return false, fmt.Errorf("running set mark %s: %w", jobID, err)
		}
		return added == 1, nil
	})
}

// MarkCompleted releases the job's slot. Releasing a job that is not marked
// is a no-op; terminal statuses can race and both callers may release.
func (r *RunningSet) MarkCompleted(ctx context.Context, jobID string) error {
	return Do(ctx, r.breaker, func(ctx context.Context) error {
		if err := r.client.SRem(ctx, r.keys.Running(), jobID).Err(); err != nil {
			return fmt.Errorf("running set release %s: %w", jobID, err)
		}
		return nil
	})
}

// IsRunning reports whether the job currently holds a slot.
func (r *RunningSet) IsRunning(ctx context.Context, jobID string) (bool, error) {
	return Call(ctx, r.breaker, false, func(ctx context.Context) (bool, error) {
		ok, err := r.client.SIsMember(ctx, r.keys.Running(), jobID).Result()
		if err != nil {
			return false, fmt.Errorf("running set check %s: %w", jobID, err)
		}
		return ok, nil
	})
}

// FilterRunning returns the subset of jobIDs currently marked, in one round
// trip (SMISMEMBER).
func (r *RunningSet) FilterRunning(ctx context.Context, jobIDs []string) ([]string, error) {
	if len(jobIDs) == 0 {
		return nil, nil
	}
	return Call(ctx, r.breaker, nil, func(ctx context.Context) ([]string, error) {
		flags, err := r.client.SMIsMember(ctx, r.keys.Running(), toInterfaces(jobIDs)...).Result()
		if err != nil {
			return nil, fmt.Errorf("running set filter: %w", err)
		}
		var running []string
		for i, ok := range flags {
			if ok && i < len(jobIDs) {
				running = append(running, jobIDs[i])
			}
		}
		return running, nil
	})
}

// Count returns the number of jobs in flight.
func (r *RunningSet) Count(ctx context.Context) (int64, error) {
	return Call(ctx, r.breaker, 0, func(ctx context.Context) (int64, error) {
		n, err := r.client.SCard(ctx, r.keys.Running()).Result()
		if err != nil {
			return 0, fmt.Errorf("running set count: %w", err)
		}
		return n, nil
	})
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
