// Package tracking consumes worker status messages and advances occurrence
// lifecycle state, including the failure accounting that auto-disables
// flapping jobs.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
)

// OccurrenceStore is the catalog occurrence subset the tracker mutates.
type OccurrenceStore interface {
	Mutate(ctx context.Context, occurrenceID string, fn func(*domain.Occurrence) (bool, error)) (*domain.Occurrence, error)
}

// DeadLetterer receives records whose processing retries are exhausted.
type DeadLetterer interface {
	Send(ctx context.Context, rec *kgo.Record, source string, attempts int, cause error) error
}

// StatusTracker processes one batch of status records at a time. Records are
// grouped by correlation id in arrival order; within a group each message is
// applied in its own catalog transaction, so the per-correlation partition
// order the bus guarantees is preserved end to end.
type StatusTracker struct {
	cfg         config.StatusTrackerConfig
	occurrences OccurrenceStore
	finalizer   *Finalizer
	dlq         DeadLetterer

	processed metric.Int64Counter
}

// NewStatusTracker wires a tracker.
func NewStatusTracker(cfg config.StatusTrackerConfig, occurrences OccurrenceStore, finalizer *Finalizer, dlq DeadLetterer) (*StatusTracker, error) {
	meter := otel.Meter("milvaion/tracking")
	processed, err := meter.Int64Counter("milvaion.status.processed",
		metric.WithDescription("Status messages applied to occurrences"))
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}
	return &StatusTracker{
		cfg:         cfg,
		occurrences: occurrences,
		finalizer:   finalizer,
		dlq:         dlq,
		processed:   processed,
	}, nil
}

// HandleBatch is the bus.BatchHandler for the status topic. Malformed
// payloads are logged and dropped; transient processing failures retry in
// process and then dead-letter. The batch is always fully consumed.
func (t *StatusTracker) HandleBatch(ctx context.Context, records []*kgo.Record) {
	type pending struct {
		rec *kgo.Record
		msg domain.StatusMessage
	}

	groups := make(map[string][]pending)
	var order []string
	for _, rec := range records {
		var msg domain.StatusMessage
		if err := json.Unmarshal(rec.Value, &msg); err != nil {
			slog.WarnContext(ctx, "dropping malformed status message",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset,
				"error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			slog.WarnContext(ctx, "dropping invalid status message",
				"correlation_id", msg.CorrelationID, "error", err)
			continue
		}
		if _, seen := groups[msg.CorrelationID]; !seen {
			order = append(order, msg.CorrelationID)
		}
		groups[msg.CorrelationID] = append(groups[msg.CorrelationID], pending{rec: rec, msg: msg})
	}

	for _, correlationID := range order {
		for _, p := range groups[correlationID] {
			err := bus.Retry(ctx, t.cfg.MaxRetries, func(ctx context.Context) error {
				return t.processOne(ctx, p.msg)
			})
			if err == nil {
				t.processed.Add(ctx, 1)
				continue
			}
			if domain.IsRetryable(err) {
				slog.ErrorContext(ctx, "status message exhausted retries, dead-lettering",
					"correlation_id", correlationID, "error", err)
				if dlqErr := t.dlq.Send(ctx, p.rec, "status-tracker", t.cfg.MaxRetries, err); dlqErr != nil {
					slog.ErrorContext(ctx, "failed to dead-letter status message",
						"correlation_id", correlationID, "error", dlqErr)
				}
				continue
			}
			slog.ErrorContext(ctx, "dropping unprocessable status message",
				"correlation_id", correlationID, "error", err)
		}
	}
}

// processOne applies a single status message in one occurrence transaction.
func (t *StatusTracker) processOne(ctx context.Context, msg domain.StatusMessage) error {
	now := time.Now().UTC()

	var (
		kind     domain.TransitionKind
		from     domain.OccurrenceStatus
		terminal bool
	)
	occ, err := t.occurrences.Mutate(ctx, msg.CorrelationID, func(occ *domain.Occurrence) (bool, error) {
		from = occ.Status
		kind = domain.ClassifyTransition(occ.Status, msg.Status)
		if kind == domain.TransitionOverride && !t.withinOverrideGrace(occ, now) {
			kind = domain.TransitionReject
		}

		switch kind {
		case domain.TransitionReject:
			return false, nil
		case domain.TransitionHeartbeat:
			occ.LastHeartbeat = &now
			return true, nil
		}

		t.apply(occ, msg, now, kind)
		terminal = msg.Status.IsTerminal()
		return true, nil
	})
	if errors.Is(err, domain.ErrOccurrenceNotFound) {
		slog.WarnContext(ctx, "status for unknown occurrence, discarding",
			"correlation_id", msg.CorrelationID, "status", msg.Status.String())
		return nil
	}
	if err != nil {
		return domain.Transient(fmt.Errorf("failed to apply status for %s: %w", msg.CorrelationID, err))
	}

	if kind == domain.TransitionReject {
		slog.WarnContext(ctx, "rejected lifecycle transition",
			"correlation_id", msg.CorrelationID,
			"from", from.String(), "to", msg.Status.String())
		return nil
	}

	if terminal {
		t.finalizer.Apply(ctx, occ, msg.Status, now)
	}
	return nil
}

// apply writes the message's fields onto the locked occurrence.
func (t *StatusTracker) apply(occ *domain.Occurrence, msg domain.StatusMessage, now time.Time, kind domain.TransitionKind) {
	from := occ.Status
	occ.Status = msg.Status

	if occ.WorkerInstanceID == nil && msg.WorkerInstanceID != "" {
		instance := msg.WorkerInstanceID
		occ.WorkerInstanceID = &instance
	}
	if msg.StartTime != nil {
		start := msg.StartTime.UTC()
		occ.StartTime = &start
	}
	if msg.EndTime != nil {
		end := msg.EndTime.UTC()
		occ.EndTime = &end
	}
	if msg.DurationMs != nil {
		occ.DurationMs = msg.DurationMs
	}
	if msg.Result != nil {
		occ.Result = msg.Result
	}
	if msg.Exception != nil {
		occ.Exception = msg.Exception
	}
	occ.LastHeartbeat = &now

	if msg.Status.IsTerminal() {
		if occ.EndTime == nil {
			occ.EndTime = &now
		}
		if occ.DurationMs == nil && occ.StartTime != nil {
			durationMs := occ.EndTime.Sub(*occ.StartTime).Milliseconds()
			occ.DurationMs = &durationMs
		}
		if msg.Status == domain.StatusCompleted {
			occ.Exception = nil
		}
	}

	reason := "reported by worker"
	if kind == domain.TransitionOverride {
		reason = "worker override of Unknown"
	}
	occ.StatusChanges = append(occ.StatusChanges,
		domain.NewStatusChange(from, msg.Status, now, reason))
}

// withinOverrideGrace reports whether a late worker status may still replace
// Unknown, measured from the moment the occurrence became Unknown.
func (t *StatusTracker) withinOverrideGrace(occ *domain.Occurrence, now time.Time) bool {
	for i := len(occ.StatusChanges) - 1; i >= 0; i-- {
		if occ.StatusChanges[i].To == domain.StatusUnknown.String() {
			return now.Sub(occ.StatusChanges[i].Timestamp) <= t.cfg.UnknownOverrideGrace()
		}
	}
	// No recorded transition to Unknown; nothing to measure from, allow.
	return true
}
