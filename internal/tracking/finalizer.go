package tracking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
)

// Collaborator contracts for terminal-status side effects, declared
// consumer-side. The status tracker and the zombie detector share one
// Finalizer, so both pipelines settle terminal occurrences identically.

// JobStore is the catalog job subset the finalizer mutates.
type JobStore interface {
	FindByID(ctx context.Context, jobID string) (*domain.Job, error)
	SetAutoDisableState(ctx context.Context, jobID string, state domain.AutoDisableState) error
	ResetFailureCount(ctx context.Context, jobID string) error
}

// ScheduleRemover unschedules a disabled job.
type ScheduleRemover interface {
	Remove(ctx context.Context, jobID string) error
}

// CacheEvictor drops a job from the definition cache.
type CacheEvictor interface {
	Remove(ctx context.Context, jobID string) error
}

// RunningSet releases the Skip-policy mark.
type RunningSet interface {
	MarkCompleted(ctx context.Context, jobID string) error
}

// ConsumerCounter tracks in-flight work per worker class and kind.
type ConsumerCounter interface {
	DecrConsumer(ctx context.Context, class, kind string) error
}

// FailureSink receives terminal-failed occurrences for operator review.
type FailureSink interface {
	Offer(fo domain.FailedOccurrence)
}

// Finalizer applies the coordination and catalog side effects of a terminal
// occurrence status: release the running mark, settle the consumer counter,
// reset or advance the job's failure streak, and hand failures to the
// resolution queue.
type Finalizer struct {
	global   config.AutoDisableConfig
	jobs     JobStore
	schedule ScheduleRemover
	cache    CacheEvictor
	running  RunningSet
	counters ConsumerCounter
	failures FailureSink
}

// NewFinalizer wires a finalizer.
func NewFinalizer(global config.AutoDisableConfig, jobs JobStore, schedule ScheduleRemover, cache CacheEvictor, running RunningSet, counters ConsumerCounter, failures FailureSink) *Finalizer {
	return &Finalizer{
		global:   global,
		jobs:     jobs,
		schedule: schedule,
		cache:    cache,
		running:  running,
		counters: counters,
		failures: failures,
	}
}

// Apply settles one terminal occurrence. Side effects are best effort and
// individually logged: the occurrence row is already terminal, and every
// effect here either self-heals (TTLs, counters) or is idempotent.
func (f *Finalizer) Apply(ctx context.Context, occ *domain.Occurrence, status domain.OccurrenceStatus, now time.Time) {
	if err := f.running.MarkCompleted(ctx, occ.JobID); err != nil {
		slog.ErrorContext(ctx, "failed to release running mark",
			"job_id", occ.JobID, "error", err)
	}

	job, err := f.jobs.FindByID(ctx, occ.JobID)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		slog.ErrorContext(ctx, "failed to load job for terminal settlement",
			"job_id", occ.JobID, "error", err)
	}
	if job != nil {
		if err := f.counters.DecrConsumer(ctx, job.WorkerClass, job.JobKind); err != nil {
			slog.WarnContext(ctx, "failed to decrement consumer counter",
				"worker_class", job.WorkerClass, "job_kind", job.JobKind, "error", err)
		}
	}

	if status == domain.StatusCompleted {
		if job != nil {
			if err := f.jobs.ResetFailureCount(ctx, job.ID); err != nil {
				slog.ErrorContext(ctx, "failed to reset failure count",
					"job_id", job.ID, "error", err)
			}
		}
		return
	}

	if !status.IsFailure() {
		return
	}

	f.failures.Offer(domain.FailedOccurrence{
		OccurrenceID:     occ.ID,
		JobID:            occ.JobID,
		JobName:          occ.JobName,
		WorkerInstanceID: occ.WorkerInstanceID,
		Status:           status,
		Exception:        occ.Exception,
		FailedAt:         now,
	})

	if job == nil {
		return
	}

	state, shouldDisable := Evaluate(ResolvePolicy(f.global, job.AutoDisable), job.AutoDisableState, now, status)
	if err := f.jobs.SetAutoDisableState(ctx, job.ID, state); err != nil {
		slog.ErrorContext(ctx, "failed to persist auto-disable state",
			"job_id", job.ID, "error", err)
		return
	}
	if !shouldDisable {
		return
	}

	slog.ErrorContext(ctx, "job auto-disabled after consecutive failures",
		"job_id", job.ID, "job_name", job.Name,
		"failure_count", state.ConsecutiveFailureCount)
	if err := f.schedule.Remove(ctx, job.ID); err != nil {
		slog.ErrorContext(ctx, "failed to unschedule auto-disabled job",
			"job_id", job.ID, "error", err)
	}
	if err := f.cache.Remove(ctx, job.ID); err != nil {
		slog.WarnContext(ctx, "failed to evict auto-disabled job from cache",
			"job_id", job.ID, "error", err)
	}
}
