package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/milvaion/milvaion/internal/domain"
)

// CancellationSource delivers cancellation broadcasts from the coordination
// store.
type CancellationSource interface {
	Subscribe(ctx context.Context) (<-chan domain.CancellationMessage, error)
}

// CancellationListener is the core's bookkeeping subscriber on the
// cancellation channel: it stamps a log line on the target occurrence so the
// evidence trail shows when cancellation was requested. The actual stop is
// the worker's job; the terminal Cancelled status arrives through the status
// topic like any other.
type CancellationListener struct {
	source      CancellationSource
	occurrences OccurrenceStore
	maxLogs     int
}

// NewCancellationListener wires a listener.
func NewCancellationListener(source CancellationSource, occurrences OccurrenceStore, maxLogs int) *CancellationListener {
	return &CancellationListener{source: source, occurrences: occurrences, maxLogs: maxLogs}
}

// Run consumes cancellation broadcasts until the context is cancelled.
func (l *CancellationListener) Run(ctx context.Context) error {
	ch, err := l.source.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}

	for msg := range ch {
		l.stamp(ctx, msg)
	}
	return nil
}

func (l *CancellationListener) stamp(ctx context.Context, msg domain.CancellationMessage) {
	now := time.Now().UTC()
	message := "cancellation requested"
	if msg.Reason != "" {
		message = "cancellation requested: " + msg.Reason
	}

	_, err := l.occurrences.Mutate(ctx, msg.CorrelationID, func(occ *domain.Occurrence) (bool, error) {
		occ.Logs = domain.AppendLog(occ.Logs, l.maxLogs, domain.LogEntry{
			Timestamp: now,
			Level:     domain.LogLevelWarning,
			Category:  "Cancellation",
			Message:   message,
		})
		return true, nil
	})
	if errors.Is(err, domain.ErrOccurrenceNotFound) {
		slog.WarnContext(ctx, "cancellation for unknown occurrence",
			"correlation_id", msg.CorrelationID)
		return
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to stamp cancellation on occurrence",
			"correlation_id", msg.CorrelationID, "error", err)
	}
}
