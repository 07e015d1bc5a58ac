// Package resolution maintains the failed-occurrence review queue: terminal
// failures flow in from the status tracker and the zombie sweep, operators
// work them off through the list/resolve/discard operations.
package resolution

import (
	"context"
	"log/slog"
	"time"

	"github.com/milvaion/milvaion/internal/domain"
)

// Store is the catalog review queue repository subset.
type Store interface {
	Insert(ctx context.Context, fo *domain.FailedOccurrence) error
	ListPending(ctx context.Context, limit, offset int) ([]*domain.FailedOccurrence, error)
	Resolve(ctx context.Context, id int64, resolvedBy, note string) error
	Discard(ctx context.Context, id int64, resolvedBy, note string) error
}

// insertAttempts bounds how often one queue entry is retried before it is
// dropped. The insert is idempotent on occurrence id, so a later producer of
// the same failure can still land it.
const insertAttempts = 3

// Handler drains terminal failures from an in-process buffered channel into
// the catalog. Producers never block: a full buffer drops the entry with a
// log line, and the durable occurrence row still carries the evidence.
type Handler struct {
	store Store
	queue chan domain.FailedOccurrence
}

// NewHandler wires a handler with the given buffer capacity.
func NewHandler(store Store, buffer int) *Handler {
	if buffer <= 0 {
		buffer = 256
	}
	return &Handler{store: store, queue: make(chan domain.FailedOccurrence, buffer)}
}

// Offer enqueues one terminal failure without blocking.
func (h *Handler) Offer(fo domain.FailedOccurrence) {
	select {
	case h.queue <- fo:
	default:
		slog.Warn("failed occurrence queue full, dropping entry",
			"occurrence_id", fo.OccurrenceID, "job_id", fo.JobID)
	}
}

// Run drains the queue until the context is cancelled, then flushes whatever
// is already buffered.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.flush()
			return nil
		case fo := <-h.queue:
			h.insert(ctx, fo)
		}
	}
}

// flush writes buffered entries with a short independent deadline; shutdown
// must not wait on a slow catalog.
func (h *Handler) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case fo := <-h.queue:
			h.insert(ctx, fo)
		default:
			return
		}
	}
}

func (h *Handler) insert(ctx context.Context, fo domain.FailedOccurrence) {
	var err error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		if err = h.store.Insert(ctx, &fo); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	slog.ErrorContext(ctx, "failed to record failed occurrence",
		"occurrence_id", fo.OccurrenceID, "job_id", fo.JobID, "error", err)
}
