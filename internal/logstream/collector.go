// Package logstream consumes worker execution logs and appends them to
// occurrence rows, bounded per occurrence.
package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/milvaion/milvaion/internal/bus"
	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
)

// OccurrenceStore is the catalog subset the collector writes through.
type OccurrenceStore interface {
	AppendLogs(ctx context.Context, occurrenceID string, max int, entries ...domain.LogEntry) error
}

// DeadLetterer receives records whose processing retries are exhausted.
type DeadLetterer interface {
	Send(ctx context.Context, rec *kgo.Record, source string, attempts int, cause error) error
}

// Collector batches worker log messages per occurrence and appends them in
// one transaction each. Logs are ordered by the worker-reported timestamp
// (ties keep arrival order) and capped at the configured maximum; terminal
// occurrences still accept appends, since workers flush post-mortem.
type Collector struct {
	cfg         config.LogCollectorConfig
	occurrences OccurrenceStore
	dlq         DeadLetterer
}

// NewCollector wires a collector.
func NewCollector(cfg config.LogCollectorConfig, occurrences OccurrenceStore, dlq DeadLetterer) *Collector {
	return &Collector{cfg: cfg, occurrences: occurrences, dlq: dlq}
}

// HandleBatch is the bus.BatchHandler for the logs topic.
func (c *Collector) HandleBatch(ctx context.Context, records []*kgo.Record) {
	type group struct {
		entries []domain.LogEntry
		last    *kgo.Record
	}

	groups := make(map[string]*group)
	var order []string
	for _, rec := range records {
		var msg domain.LogMessage
		if err := json.Unmarshal(rec.Value, &msg); err != nil {
			slog.WarnContext(ctx, "dropping malformed log message",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset,
				"error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			slog.WarnContext(ctx, "dropping invalid log message", "error", err)
			continue
		}
		g, ok := groups[msg.CorrelationID]
		if !ok {
			g = &group{}
			groups[msg.CorrelationID] = g
			order = append(order, msg.CorrelationID)
		}
		g.entries = append(g.entries, msg.Log)
		g.last = rec
	}

	for _, correlationID := range order {
		g := groups[correlationID]

		// Workers timestamp each line at emission; the bus only guarantees
		// per-partition order, so restore the worker's order. Stable sort
		// keeps arrival order for equal timestamps.
		sort.SliceStable(g.entries, func(i, j int) bool {
			return g.entries[i].Timestamp.Before(g.entries[j].Timestamp)
		})

		err := bus.Retry(ctx, c.cfg.MaxRetries, func(ctx context.Context) error {
			return c.append(ctx, correlationID, g.entries)
		})
		if err == nil {
			continue
		}
		if domain.IsRetryable(err) {
			slog.ErrorContext(ctx, "log batch exhausted retries, dead-lettering",
				"correlation_id", correlationID, "error", err)
			if dlqErr := c.dlq.Send(ctx, g.last, "log-collector", c.cfg.MaxRetries, err); dlqErr != nil {
				slog.ErrorContext(ctx, "failed to dead-letter log batch",
					"correlation_id", correlationID, "error", dlqErr)
			}
			continue
		}
		slog.ErrorContext(ctx, "dropping unprocessable log batch",
			"correlation_id", correlationID, "error", err)
	}
}

func (c *Collector) append(ctx context.Context, correlationID string, entries []domain.LogEntry) error {
	err := c.occurrences.AppendLogs(ctx, correlationID, c.cfg.MaxLogCount, entries...)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrOccurrenceNotFound) {
		slog.WarnContext(ctx, "logs for unknown occurrence, discarding",
			"correlation_id", correlationID, "count", len(entries))
		return nil
	}
	return domain.Transient(err)
}
