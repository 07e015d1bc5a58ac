// Package dispatch runs the leader-elected scheduling loop: claim due jobs
// from the schedule index, create occurrence rows, publish dispatch messages,
// and reschedule.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/coordination"
	"github.com/milvaion/milvaion/internal/domain"
)

// Collaborator contracts, declared consumer-side so tests can substitute
// fakes without touching the live stores.

// ScheduleIndex is the shared firing schedule.
type ScheduleIndex interface {
	Due(ctx context.Context, now time.Time, limit int64) ([]coordination.ScheduleEntry, error)
	Update(ctx context.Context, jobID string, at time.Time) error
	Remove(ctx context.Context, jobID string) error
}

// JobCache is the read-through job definition cache.
type JobCache interface {
	GetBulk(ctx context.Context, jobIDs []string) (map[string]*coordination.CachedJob, error)
	Put(ctx context.Context, job coordination.CachedJob, ttl time.Duration) error
}

// JobSource backfills cache misses from the catalog.
type JobSource interface {
	FindByIDs(ctx context.Context, jobIDs []string) (map[string]*domain.Job, error)
}

// RunningSet enforces the Skip concurrent policy.
type RunningSet interface {
	TryMarkRunning(ctx context.Context, jobID string) (bool, error)
	MarkCompleted(ctx context.Context, jobID string) error
}

// WorkerRegistry answers whether live workers exist for a class.
type WorkerRegistry interface {
	GetWorker(ctx context.Context, class string) (*domain.WorkerClass, error)
	Capacity(ctx context.Context, class string) (int, error)
	IncrConsumer(ctx context.Context, class, kind string) error
}

// OccurrenceStore is the catalog occurrence repository subset the dispatcher
// needs.
type OccurrenceStore interface {
	Insert(ctx context.Context, occ *domain.Occurrence) error
	Mutate(ctx context.Context, occurrenceID string, fn func(*domain.Occurrence) (bool, error)) (*domain.Occurrence, error)
	ListStranded(ctx context.Context, before time.Time) ([]*domain.Occurrence, error)
}

// Publisher produces bus records.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Cron computes the next firing of a cron expression.
type Cron interface {
	Next(expr string, base time.Time) (time.Time, error)
}

// Lease is this node's claim on dispatcher leadership.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) (bool, error)
	Release(ctx context.Context) (bool, error)
	Owner() string
}

// Dispatcher is the scheduling loop. Every node runs one; only the node
// holding the lease executes ticks, the rest keep trying to acquire it.
type Dispatcher struct {
	cfg      config.DispatcherConfig
	cacheTTL time.Duration

	schedule    ScheduleIndex
	cache       JobCache
	jobs        JobSource
	running     RunningSet
	registry    WorkerRegistry
	occurrences OccurrenceStore
	outbox      *OutboxBridge
	cron        Cron
	lease       Lease

	leader bool

	dispatched metric.Int64Counter
	skipped    metric.Int64Counter
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(cfg config.DispatcherConfig, cacheTTL time.Duration, schedule ScheduleIndex, cache JobCache, jobs JobSource, running RunningSet, registry WorkerRegistry, occurrences OccurrenceStore, outbox *OutboxBridge, cron Cron, lease Lease) (*Dispatcher, error) {
	meter := otel.Meter("milvaion/dispatch")
	dispatched, err := meter.Int64Counter("milvaion.occurrences.dispatched",
		metric.WithDescription("Occurrences dispatched onto the bus"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}
	skipped, err := meter.Int64Counter("milvaion.occurrences.skipped",
		metric.WithDescription("Firings skipped because a previous occurrence was still running"))
	if err != nil {
		return nil, fmt.Errorf("failed to create skipped counter: %w", err)
	}

	return &Dispatcher{
		cfg:         cfg,
		cacheTTL:    cacheTTL,
		schedule:    schedule,
		cache:       cache,
		jobs:        jobs,
		running:     running,
		registry:    registry,
		occurrences: occurrences,
		outbox:      outbox,
		cron:        cron,
		lease:       lease,
		dispatched:  dispatched,
		skipped:     skipped,
	}, nil
}

// Run ticks until the context is cancelled. On shutdown a leader releases
// the lease so a peer can take over immediately instead of waiting out the
// TTL.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "dispatcher started",
		"node_id", d.lease.Owner(),
		"polling_interval", d.cfg.PollingInterval())

	ticker := time.NewTicker(d.cfg.PollingInterval())
	defer ticker.Stop()

	defer func() {
		if !d.leader {
			return
		}
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := d.lease.Release(releaseCtx); err != nil {
			slog.Error("failed to release dispatcher lease", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.safeTick(ctx)
		}
	}
}

// safeTick runs one tick with panic recovery; a bug in one tick must not
// kill the loop.
func (d *Dispatcher) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "recovered panic in dispatch tick",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := d.tick(ctx); err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "dispatch tick failed", "error", err)
	}
}

func (d *Dispatcher) tick(ctx context.Context) error {
	if !d.leader {
		acquired, err := d.lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire dispatcher lease: %w", err)
		}
		if !acquired {
			return nil
		}
		d.leader = true
		slog.InfoContext(ctx, "acquired dispatcher leadership", "node_id", d.lease.Owner())

		if d.cfg.EnableStartupRecovery {
			cutoff := time.Now().UTC().Add(-d.cfg.RecoveryGrace())
			if err := d.outbox.RecoverStranded(ctx, cutoff); err != nil {
				slog.ErrorContext(ctx, "startup recovery failed", "error", err)
			}
		}
	} else {
		extended, err := d.lease.Extend(ctx)
		if err != nil {
			return fmt.Errorf("failed to extend dispatcher lease: %w", err)
		}
		if !extended {
			d.leader = false
			slog.WarnContext(ctx, "lost dispatcher leadership", "node_id", d.lease.Owner())
			return nil
		}
	}

	return d.dispatchDue(ctx)
}

func (d *Dispatcher) dispatchDue(ctx context.Context) error {
	now := time.Now().UTC()

	due, err := d.schedule.Due(ctx, now, int64(d.cfg.BatchSize))
	if err != nil {
		return fmt.Errorf("failed to query due jobs: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	jobs, err := d.loadJobs(ctx, due)
	if err != nil {
		return err
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return nil
		}
		job, ok := jobs[entry.JobID]
		if !ok {
			// Deleted from the catalog but still scheduled.
			if err := d.schedule.Remove(ctx, entry.JobID); err != nil {
				slog.ErrorContext(ctx, "failed to remove orphaned schedule entry",
					"job_id", entry.JobID, "error", err)
			}
			continue
		}
		if err := d.dispatchOne(ctx, now, job); err != nil {
			return err
		}
	}
	return nil
}

// loadJobs resolves due entries through the cache, backfilling misses from
// the catalog in one query and re-caching them.
func (d *Dispatcher) loadJobs(ctx context.Context, due []coordination.ScheduleEntry) (map[string]*coordination.CachedJob, error) {
	ids := make([]string, len(due))
	for i, entry := range due {
		ids[i] = entry.JobID
	}

	cached, err := d.cache.GetBulk(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read job cache: %w", err)
	}
	if cached == nil {
		cached = make(map[string]*coordination.CachedJob, len(ids))
	}

	var missing []string
	for _, id := range ids {
		if cached[id] == nil {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return cached, nil
	}

	fromCatalog, err := d.jobs.FindByIDs(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to backfill job cache: %w", err)
	}
	for id, job := range fromCatalog {
		cj := coordination.CachedJobFrom(job)
		cached[id] = &cj
		if err := d.cache.Put(ctx, cj, d.cacheTTL); err != nil {
			slog.WarnContext(ctx, "failed to re-cache job", "job_id", id, "error", err)
		}
	}
	return cached, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, now time.Time, job *coordination.CachedJob) error {
	if !job.Dispatchable() {
		if err := d.schedule.Remove(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to unschedule inactive job %s: %w", job.ID, err)
		}
		return nil
	}

	skippedFiring := false
	if job.ConcurrentPolicy == domain.ConcurrentSkip {
		marked, err := d.running.TryMarkRunning(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to mark job %s running: %w", job.ID, err)
		}
		if !marked {
			slog.WarnContext(ctx, "skipped firing, previous occurrence still running",
				"job_id", job.ID, "job_name", job.Name)
			d.skipped.Add(ctx, 1)
			skippedFiring = true
		}
	}

	if !skippedFiring {
		class, err := d.registry.GetWorker(ctx, job.WorkerClass)
		if err != nil {
			d.releaseRunningMark(ctx, job)
			return fmt.Errorf("failed to resolve worker class %s: %w", job.WorkerClass, err)
		}
		if class == nil {
			// Leave the schedule entry; the firing retries next tick once
			// workers register.
			d.releaseRunningMark(ctx, job)
			slog.WarnContext(ctx, "no worker available",
				"job_id", job.ID, "job_name", job.Name, "worker_class", job.WorkerClass)
			return nil
		}

		capacity, err := d.registry.Capacity(ctx, job.WorkerClass)
		if err == nil && capacity == 0 {
			// Telemetry only; the bus queue is the backpressure mechanism.
			slog.WarnContext(ctx, "worker class saturated",
				"worker_class", job.WorkerClass, "job_id", job.ID)
		}

		occ, err := d.createOccurrence(ctx, now, job)
		if err != nil {
			d.releaseRunningMark(ctx, job)
			return err
		}
		if occ == nil {
			d.releaseRunningMark(ctx, job)
		} else {
			if err := d.outbox.PublishDispatch(ctx, job, occ); err != nil {
				// The occurrence is marked Unknown, a terminal state the
				// status pipeline will never see, so the Skip mark must be
				// released here or the job skips every future firing. Leaving
				// the schedule entry makes the next tick retry.
				d.releaseRunningMark(ctx, job)
				slog.ErrorContext(ctx, "dispatch publish failed",
					"job_id", job.ID, "occurrence_id", occ.ID, "error", err)
				return nil
			}
			d.dispatched.Add(ctx, 1)
			if err := d.registry.IncrConsumer(ctx, job.WorkerClass, job.JobKind); err != nil {
				slog.WarnContext(ctx, "failed to increment consumer counter",
					"worker_class", job.WorkerClass, "job_kind", job.JobKind, "error", err)
			}
			slog.InfoContext(ctx, "occurrence dispatched",
				"job_id", job.ID, "job_name", job.Name,
				"occurrence_id", occ.ID, "worker_class", job.WorkerClass)
		}
	}

	return d.reschedule(ctx, now, job)
}

// releaseRunningMark gives back the Skip-policy in-flight claim when a firing
// aborts after TryMarkRunning succeeded. Without it the mark has no other
// release path: an aborted firing produces no terminal status message, so the
// status pipeline never calls MarkCompleted.
func (d *Dispatcher) releaseRunningMark(ctx context.Context, job *coordination.CachedJob) {
	if job.ConcurrentPolicy != domain.ConcurrentSkip {
		return
	}
	if err := d.running.MarkCompleted(ctx, job.ID); err != nil {
		slog.ErrorContext(ctx, "failed to clear running mark",
			"job_id", job.ID, "error", err)
	}
}

// createOccurrence inserts the Queued occurrence row. A duplicate id is
// logged and swallowed; ids are fresh UUIDs, so it cannot recur.
func (d *Dispatcher) createOccurrence(ctx context.Context, now time.Time, job *coordination.CachedJob) (*domain.Occurrence, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate occurrence id: %w", err)
	}

	occ := &domain.Occurrence{
		ID:         id.String(),
		JobID:      job.ID,
		JobVersion: job.Version,
		JobName:    job.Name,
		Status:     domain.StatusQueued,
		StatusChanges: []domain.StatusChange{
			{To: domain.StatusQueued.String(), Timestamp: now, Reason: "dispatched"},
		},
		Logs: []domain.LogEntry{
			{Timestamp: now, Level: domain.LogLevelInfo, Category: "Dispatcher", Message: "dispatched"},
		},
		ZombieTimeoutMinutes: job.ZombieTimeoutMinutes,
		CreatedAt:            now,
	}

	err = d.occurrences.Insert(ctx, occ)
	if errors.Is(err, domain.ErrDuplicateOccurrence) {
		slog.WarnContext(ctx, "duplicate occurrence id, skipping firing",
			"occurrence_id", occ.ID, "job_id", occ.JobID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to persist occurrence for job %s: %w", occ.JobID, err)
	}
	return occ, nil
}

// reschedule advances recurring jobs to their next firing and retires
// one-shot jobs from the schedule.
func (d *Dispatcher) reschedule(ctx context.Context, now time.Time, job *coordination.CachedJob) error {
	if !job.IsRecurring() {
		if err := d.schedule.Remove(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to retire one-shot job %s: %w", job.ID, err)
		}
		return nil
	}

	next, err := d.cron.Next(*job.CronExpression, now)
	if err != nil {
		// Creation-time validation makes this near-impossible; unschedule
		// rather than re-firing a broken expression every tick.
		slog.ErrorContext(ctx, "cron expression stopped firing, unscheduling",
			"job_id", job.ID, "cron", *job.CronExpression, "error", err)
		if remErr := d.schedule.Remove(ctx, job.ID); remErr != nil {
			return fmt.Errorf("failed to unschedule job %s: %w", job.ID, remErr)
		}
		return nil
	}
	if err := d.schedule.Update(ctx, job.ID, next); err != nil {
		return fmt.Errorf("failed to reschedule job %s: %w", job.ID, err)
	}
	return nil
}
