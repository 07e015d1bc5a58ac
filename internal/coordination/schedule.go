package coordination

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ScheduleEntry is one due firing: a job and the time its score encoded.
type ScheduleEntry struct {
	JobID   string
	FiresAt time.Time
}

// ScheduleIndex is the shared firing schedule: a single sorted set of jobIds
// scored by next fire time in unix seconds. Every node reads it; whichever
// node holds the dispatcher lease consumes it.
//
// All operations run through the circuit breaker. On an open circuit they
// return the zero fallback with a nil error so the dispatch loop stays
// responsive and resumes once the store recovers.
type ScheduleIndex struct {
	client  *redis.Client
	keys    Keys
	breaker *CircuitBreaker
}

// NewScheduleIndex returns a schedule index over the given client.
func NewScheduleIndex(client *redis.Client, keys Keys, breaker *CircuitBreaker) *ScheduleIndex {
	return &ScheduleIndex{client: client, keys: keys, breaker: breaker}
}

// Add registers or overwrites the job's next fire time. ZADD overwrites the
// score, so repeated adds for the same job keep a single entry.
func (s *ScheduleIndex) Add(ctx context.Context, jobID string, at time.Time) error {
	return Do(ctx, s.breaker, func(ctx context.Context) error {
		err := s.client.ZAdd(ctx, s.keys.Schedule(), redis.Z{
			Score:  float64(at.UTC().Unix()),
			Member: jobID,
		}).Err()
		if err != nil {
			return fmt.Errorf("schedule add %s: %w", jobID, err)
		}
		return nil
	})
}

// Update rewrites the job's fire time. Same operation as Add; the name keeps
// call sites honest about intent.
func (s *ScheduleIndex) Update(ctx context.Context, jobID string, at time.Time) error {
	return s.Add(ctx, jobID, at)
}

// Remove drops the job from the schedule. Removing an absent member is a
// no-op.
func (s *ScheduleIndex) Remove(ctx context.Context, jobID string) error {
	return Do(ctx, s.breaker, func(ctx context.Context) error {
		if err := s.client.ZRem(ctx, s.keys.Schedule(), jobID).Err(); err != nil {
			return fmt.Errorf("schedule remove %s: %w", jobID, err)
		}
		return nil
	})
}

// RemoveBulk drops several jobs in one round trip.
func (s *ScheduleIndex) RemoveBulk(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	return Do(ctx, s.breaker, func(ctx context.Context) error {
		if err := s.client.ZRem(ctx, s.keys.Schedule(), toInterfaces(jobIDs)...).Err(); err != nil {
			return fmt.Errorf("schedule remove bulk: %w", err)
		}
		return nil
	})
}

// Due returns up to limit entries with a fire time at or before now, in
// ascending score order. An open circuit yields an empty batch.
func (s *ScheduleIndex) Due(ctx context.Context, now time.Time, limit int64) ([]ScheduleEntry, error) {
	return Call(ctx, s.breaker, nil, func(ctx context.Context) ([]ScheduleEntry, error) {
		zs, err := s.client.ZRangeByScoreWithScores(ctx, s.keys.Schedule(), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UTC().Unix(), 10),
			Count: limit,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("schedule due: %w", err)
		}

		entries := make([]ScheduleEntry, 0, len(zs))
		for _, z := range zs {
			id, ok := z.Member.(string)
			if !ok {
				continue
			}
			entries = append(entries, ScheduleEntry{
				JobID:   id,
				FiresAt: time.Unix(int64(z.Score), 0).UTC(),
			})
		}
		return entries, nil
	})
}

// Time returns the job's scheduled fire time, or nil when the job has no
// entry (or the circuit is open).
func (s *ScheduleIndex) Time(ctx context.Context, jobID string) (*time.Time, error) {
	return Call(ctx, s.breaker, nil, func(ctx context.Context) (*time.Time, error) {
		score, err := s.client.ZScore(ctx, s.keys.Schedule(), jobID).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("schedule time %s: %w", jobID, err)
		}
		at := time.Unix(int64(score), 0).UTC()
		return &at, nil
	})
}

// TimesBulk returns fire times for the given jobs in one round trip. Jobs
// without an entry are absent from the result.
func (s *ScheduleIndex) TimesBulk(ctx context.Context, jobIDs []string) (map[string]time.Time, error) {
	if len(jobIDs) == 0 {
		return map[string]time.Time{}, nil
	}
	return Call(ctx, s.breaker, nil, func(ctx context.Context) (map[string]time.Time, error) {
		scores, err := s.client.ZMScore(ctx, s.keys.Schedule(), jobIDs...).Result()
		if err != nil {
			return nil, fmt.Errorf("schedule times bulk: %w", err)
		}
		times := make(map[string]time.Time, len(jobIDs))
		for i, score := range scores {
			if i >= len(jobIDs) {
				break
			}
			if score == 0 {
				// ZMSCORE reports missing members as 0; a legitimate
				// zero score is the 1970 epoch, which never occurs here.
				continue
			}
			times[jobIDs[i]] = time.Unix(int64(score), 0).UTC()
		}
		return times, nil
	})
}

// Count returns the number of scheduled jobs.
func (s *ScheduleIndex) Count(ctx context.Context) (int64, error) {
	return Call(ctx, s.breaker, 0, func(ctx context.Context) (int64, error) {
		n, err := s.client.ZCard(ctx, s.keys.Schedule()).Result()
		if err != nil {
			return 0, fmt.Errorf("schedule count: %w", err)
		}
		return n, nil
	})
}
