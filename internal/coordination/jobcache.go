package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/milvaion/milvaion/internal/domain"
)

// CachedJob is the dispatcher's read-through subset of a job definition,
// stored as one Redis hash per job. The full aggregate stays in the catalog;
// the cache carries only what a dispatch decision needs.
type CachedJob struct {
	ID                      string
	Name                    string
	WorkerClass             string
	JobKind                 string
	RoutingPattern          string
	JobData                 *string
	CronExpression          *string
	ExecuteAt               *time.Time
	IsActive                bool
	DisabledAt              *time.Time
	ConcurrentPolicy        domain.ConcurrentPolicy
	ExecutionTimeoutSeconds *int
	ZombieTimeoutMinutes    *int
	Version                 int
}

// CachedJobFrom projects a catalog job onto its cacheable subset.
func CachedJobFrom(j *domain.Job) CachedJob {
	return CachedJob{
		ID:                      j.ID,
		Name:                    j.Name,
		WorkerClass:             j.WorkerClass,
		JobKind:                 j.JobKind,
		RoutingPattern:          j.RoutingPattern,
		JobData:                 j.JobData,
		CronExpression:          j.CronExpression,
		ExecuteAt:               j.ExecuteAt,
		IsActive:                j.IsActive,
		DisabledAt:              j.AutoDisableState.DisabledAt,
		ConcurrentPolicy:        j.ConcurrentPolicy,
		ExecutionTimeoutSeconds: j.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:    j.ZombieTimeoutMinutes,
		Version:                 j.Version,
	}
}

// Dispatchable mirrors domain.Job.Dispatchable for the cached subset.
func (c *CachedJob) Dispatchable() bool {
	return c.IsActive && c.DisabledAt == nil
}

// IsRecurring reports whether the job fires on a cron schedule.
func (c *CachedJob) IsRecurring() bool {
	return c.CronExpression != nil
}

// RoutingKey returns the dispatch routing key: the explicit routing pattern
// when set, the worker class otherwise.
func (c *CachedJob) RoutingKey() string {
	if c.RoutingPattern != "" {
		return c.RoutingPattern
	}
	return c.WorkerClass
}

func (c *CachedJob) fields() map[string]interface{} {
	m := map[string]interface{}{
		"id":               c.ID,
		"name":             c.Name,
		"workerClass":      c.WorkerClass,
		"jobKind":          c.JobKind,
		"routingPattern":   c.RoutingPattern,
		"isActive":         strconv.FormatBool(c.IsActive),
		"concurrentPolicy": string(c.ConcurrentPolicy),
		"version":          strconv.Itoa(c.Version),
	}
	if c.JobData != nil {
		m["jobData"] = *c.JobData
	}
	if c.CronExpression != nil {
		m["cronExpression"] = *c.CronExpression
	}
	if c.ExecuteAt != nil {
		m["executeAt"] = c.ExecuteAt.UTC().Format(time.RFC3339Nano)
	}
	if c.DisabledAt != nil {
		m["disabledAt"] = c.DisabledAt.UTC().Format(time.RFC3339Nano)
	}
	if c.ExecutionTimeoutSeconds != nil {
		m["executionTimeoutSeconds"] = strconv.Itoa(*c.ExecutionTimeoutSeconds)
	}
	if c.ZombieTimeoutMinutes != nil {
		m["zombieTimeoutMinutes"] = strconv.Itoa(*c.ZombieTimeoutMinutes)
	}
	return m
}

func cachedJobFromFields(m map[string]string) (*CachedJob, error) {
	if m["id"] == "" {
		return nil, fmt.Errorf("cached job missing id field")
	}
	c := &CachedJob{
		ID:               m["id"],
		Name:             m["name"],
		WorkerClass:      m["workerClass"],
		JobKind:          m["jobKind"],
		RoutingPattern:   m["routingPattern"],
		ConcurrentPolicy: domain.ConcurrentPolicy(m["concurrentPolicy"]),
	}
	var err error
	if c.IsActive, err = strconv.ParseBool(m["isActive"]); err != nil {
		return nil, fmt.Errorf("cached job %s: isActive: %w", c.ID, err)
	}
	if c.Version, err = strconv.Atoi(m["version"]); err != nil {
		return nil, fmt.Errorf("cached job %s: version: %w", c.ID, err)
	}
	if v, ok := m["jobData"]; ok {
		c.JobData = &v
	}
	if v, ok := m["cronExpression"]; ok {
		c.CronExpression = &v
	}
	if v, ok := m["executeAt"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("cached job %s: executeAt: %w", c.ID, err)
		}
		t = t.UTC()
		c.ExecuteAt = &t
	}
	if v, ok := m["disabledAt"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("cached job %s: disabledAt: %w", c.ID, err)
		}
		t = t.UTC()
		c.DisabledAt = &t
	}
	if v, ok := m["executionTimeoutSeconds"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("cached job %s: executionTimeoutSeconds: %w", c.ID, err)
		}
		c.ExecutionTimeoutSeconds = &n
	}
	if v, ok := m["zombieTimeoutMinutes"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("cached job %s: zombieTimeoutMinutes: %w", c.ID, err)
		}
		c.ZombieTimeoutMinutes = &n
	}
	return c, nil
}

// JobCache is the read-through job definition cache. Job writes refresh it;
// the TTL only bounds staleness after a missed invalidation. A miss returns
// nil and the caller falls back to the catalog and re-caches.
type JobCache struct {
	client  *redis.Client
	keys    Keys
	breaker *CircuitBreaker
}

// NewJobCache returns a job cache over the given client.
func NewJobCache(client *redis.Client, keys Keys, breaker *CircuitBreaker) *JobCache {
	return &JobCache{client: client, keys: keys, breaker: breaker}
}

// Put writes the job hash and its TTL in one pipelined transaction.
func (c *JobCache) Put(ctx context.Context, job CachedJob, ttl time.Duration) error {
	return Do(ctx, c.breaker, func(ctx context.Context) error {
		key := c.keys.Job(job.ID)
		_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, job.fields())
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("job cache put %s: %w", job.ID, err)
		}
		return nil
	})
}

// Get returns the cached job, or nil on a miss. A hash that no longer
// decodes is treated as a miss so the catalog copy wins.
func (c *JobCache) Get(ctx context.Context, jobID string) (*CachedJob, error) {
	return Call(ctx, c.breaker, nil, func(ctx context.Context) (*CachedJob, error) {
		m, err := c.client.HGetAll(ctx, c.keys.Job(jobID)).Result()
		if err != nil {
			return nil, fmt.Errorf("job cache get %s: %w", jobID, err)
		}
		if len(m) == 0 {
			return nil, nil
		}
		job, err := cachedJobFromFields(m)
		if err != nil {
			slog.WarnContext(ctx, "evicting undecodable cached job", "job_id", jobID, "error", err)
			return nil, nil
		}
		return job, nil
	})
}

// GetBulk fetches several jobs with pipelined HGETALLs, fire-all-then-await.
// Misses and undecodable entries are simply absent from the result.
func (c *JobCache) GetBulk(ctx context.Context, jobIDs []string) (map[string]*CachedJob, error) {
	if len(jobIDs) == 0 {
		return map[string]*CachedJob{}, nil
	}
	return Call(ctx, c.breaker, nil, func(ctx context.Context) (map[string]*CachedJob, error) {
		pipe := c.client.Pipeline()
		cmds := make(map[string]*redis.MapStringStringCmd, len(jobIDs))
		for _, id := range jobIDs {
			cmds[id] = pipe.HGetAll(ctx, c.keys.Job(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("job cache get bulk: %w", err)
		}

		jobs := make(map[string]*CachedJob, len(jobIDs))
		for id, cmd := range cmds {
			m, err := cmd.Result()
			if err != nil || len(m) == 0 {
				continue
			}
			job, err := cachedJobFromFields(m)
			if err != nil {
				slog.WarnContext(ctx, "evicting undecodable cached job", "job_id", id, "error", err)
				continue
			}
			jobs[id] = job
		}
		return jobs, nil
	})
}

// UpdateFields patches individual hash fields without rewriting the whole
// entry. The TTL is left untouched.
func (c *JobCache) UpdateFields(ctx context.Context, jobID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return Do(ctx, c.breaker, func(ctx context.Context) error {
		if err := c.client.HSet(ctx, c.keys.Job(jobID), values).Err(); err != nil {
			return fmt.Errorf("job cache update %s: %w", jobID, err)
		}
		return nil
	})
}

// Remove evicts one job.
func (c *JobCache) Remove(ctx context.Context, jobID string) error {
	return Do(ctx, c.breaker, func(ctx context.Context) error {
		if err := c.client.Del(ctx, c.keys.Job(jobID)).Err(); err != nil {
			return fmt.Errorf("job cache remove %s: %w", jobID, err)
		}
		return nil
	})
}

// RemoveBulk evicts several jobs in one round trip.
func (c *JobCache) RemoveBulk(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = c.keys.Job(id)
	}
	return Do(ctx, c.breaker, func(ctx context.Context) error {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("job cache remove bulk: %w", err)
		}
		return nil
	})
}
