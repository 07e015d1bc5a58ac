package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/milvaion/milvaion/internal/coordination"
	"github.com/milvaion/milvaion/internal/domain"
)

// OutboxBridge couples the catalog occurrence row with the bus publish. The
// row is committed first, then the message is produced; a failure in between
// leaves evidence on the row (status Unknown, or Queued for startup recovery
// to find), never a silent loss. Every dispatch message in the system is
// produced here.
type OutboxBridge struct {
	publisher   Publisher
	occurrences OccurrenceStore
	jobs        JobSource
	topicPrefix string
	maxLogs     int
}

// NewOutboxBridge wires the bridge.
func NewOutboxBridge(publisher Publisher, occurrences OccurrenceStore, jobs JobSource, topicPrefix string, maxLogs int) *OutboxBridge {
	return &OutboxBridge{
		publisher:   publisher,
		occurrences: occurrences,
		jobs:        jobs,
		topicPrefix: topicPrefix,
		maxLogs:     maxLogs,
	}
}

// Topic returns the dispatch topic for a routing key.
func (b *OutboxBridge) Topic(routingKey string) string {
	return b.topicPrefix + "." + routingKey
}

// PublishDispatch produces the dispatch message for a freshly inserted
// occurrence. On publish failure the occurrence is marked Unknown with the
// failure recorded; the caller must then leave the schedule entry alone so
// the next tick retries the firing.
func (b *OutboxBridge) PublishDispatch(ctx context.Context, job *coordination.CachedJob, occ *domain.Occurrence) error {
	msg := domain.DispatchMessage{
		OccurrenceID:            occ.ID,
		CorrelationID:           occ.ID,
		JobID:                   occ.JobID,
		JobVersion:              occ.JobVersion,
		JobKind:                 job.JobKind,
		JobData:                 job.JobData,
		WorkerClass:             job.WorkerClass,
		DispatchedAt:            occ.CreatedAt,
		ExecutionTimeoutSeconds: job.ExecutionTimeoutSeconds,
		RetryCount:              occ.RetryCount,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch message for %s: %w", occ.ID, err)
	}

	if err := b.publisher.Publish(ctx, b.Topic(job.RoutingKey()), occ.JobID, payload); err != nil {
		b.markPublishFailed(ctx, occ.ID, err)
		return fmt.Errorf("failed to publish dispatch for %s: %w", occ.ID, err)
	}
	return nil
}

// markPublishFailed records a failed publish on the occurrence. Unknown is
// honest: the message may or may not have reached a broker.
func (b *OutboxBridge) markPublishFailed(ctx context.Context, occurrenceID string, cause error) {
	now := time.Now().UTC()
	_, err := b.occurrences.Mutate(ctx, occurrenceID, func(occ *domain.Occurrence) (bool, error) {
		if occ.Status.IsTerminal() {
			return false, nil
		}
		exception := domain.ExceptionPublishFailed
		durationMs := now.Sub(occ.CreatedAt).Milliseconds()
		from := occ.Status
		occ.Status = domain.StatusUnknown
		occ.EndTime = &now
		occ.DurationMs = &durationMs
		occ.Exception = &exception
		occ.StatusChanges = append(occ.StatusChanges,
			domain.NewStatusChange(from, domain.StatusUnknown, now, domain.ExceptionPublishFailed))
		occ.Logs = domain.AppendLog(occ.Logs, b.maxLogs, domain.LogEntry{
			Timestamp: now,
			Level:     domain.LogLevelError,
			Category:  "Dispatcher",
			Message:   fmt.Sprintf("dispatch publish failed: %v", cause),
		})
		return true, nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record publish failure on occurrence",
			"occurrence_id", occurrenceID, "error", err)
	}
}

// RecoverStranded republishes dispatches that never reached the bus: rows
// stuck in Queued (a prior leader crashed between the catalog commit and the
// publish) and rows marked Unknown by a failed publish (that leader crashed
// before its tick retry fired). Republishing is safe because workers treat
// the occurrence id as the idempotency key.
func (b *OutboxBridge) RecoverStranded(ctx context.Context, before time.Time) error {
	stranded, err := b.occurrences.ListStranded(ctx, before)
	if err != nil {
		return fmt.Errorf("failed to list stranded occurrences: %w", err)
	}
	if len(stranded) == 0 {
		return nil
	}

	jobIDs := make([]string, 0, len(stranded))
	for _, occ := range stranded {
		jobIDs = append(jobIDs, occ.JobID)
	}
	jobs, err := b.jobs.FindByIDs(ctx, jobIDs)
	if err != nil {
		return fmt.Errorf("failed to load jobs for recovery: %w", err)
	}

	recovered := 0
	for _, occ := range stranded {
		job, ok := jobs[occ.JobID]
		if !ok {
			continue
		}

		now := time.Now().UTC()
		cached := coordination.CachedJobFrom(job)
		retry := occ.RetryCount + 1

		msg := domain.DispatchMessage{
			OccurrenceID:            occ.ID,
			CorrelationID:           occ.ID,
			JobID:                   occ.JobID,
			JobVersion:              occ.JobVersion,
			JobKind:                 cached.JobKind,
			JobData:                 cached.JobData,
			WorkerClass:             cached.WorkerClass,
			DispatchedAt:            now,
			ExecutionTimeoutSeconds: cached.ExecutionTimeoutSeconds,
			RetryCount:              retry,
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			slog.ErrorContext(ctx, "failed to encode recovery dispatch",
				"occurrence_id", occ.ID, "error", err)
			continue
		}
		if err := b.publisher.Publish(ctx, b.Topic(cached.RoutingKey()), occ.JobID, payload); err != nil {
			slog.ErrorContext(ctx, "failed to republish stranded occurrence",
				"occurrence_id", occ.ID, "job_id", occ.JobID, "error", err)
			continue
		}

		_, err = b.occurrences.Mutate(ctx, occ.ID, func(o *domain.Occurrence) (bool, error) {
			if !recoverable(o) {
				return false, nil
			}
			if o.Status == domain.StatusUnknown {
				// Publish casualty: the message is on the bus now, so the
				// occurrence goes back to Queued and waits for worker status.
				o.StatusChanges = append(o.StatusChanges,
					domain.NewStatusChange(o.Status, domain.StatusQueued, now, "startup recovery republish"))
				o.Status = domain.StatusQueued
				o.EndTime = nil
				o.DurationMs = nil
				o.Exception = nil
			}
			o.RetryCount = retry
			o.Logs = domain.AppendLog(o.Logs, b.maxLogs, domain.LogEntry{
				Timestamp: now,
				Level:     domain.LogLevelWarning,
				Category:  "Dispatcher",
				Message:   "republished by startup recovery",
			})
			return true, nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to record recovery republish",
				"occurrence_id", occ.ID, "error", err)
			continue
		}
		recovered++
	}

	slog.InfoContext(ctx, "startup recovery finished",
		"stranded", len(stranded), "republished", recovered)
	return nil
}

// recoverable reports whether startup recovery may republish the occurrence:
// still Queued, or marked Unknown by a failed publish. Any other state means
// a worker got the message after all.
func recoverable(o *domain.Occurrence) bool {
	if o.Status == domain.StatusQueued {
		return true
	}
	return o.Status == domain.StatusUnknown &&
		o.Exception != nil && *o.Exception == domain.ExceptionPublishFailed
}
