// Package zombie reaps occurrences whose workers went silent: a periodic
// sweep marks abandoned Queued/Running rows Unknown with full evidence.
package zombie

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
	"github.com/milvaion/milvaion/internal/tracking"
)

// sweepBatchSize bounds one sweep pass; anything left over is picked up by
// the next interval.
const sweepBatchSize = 500

// OccurrenceStore is the catalog subset the sweep reads and marks.
type OccurrenceStore interface {
	ListZombieCandidates(ctx context.Context, now time.Time, defaultTimeoutMinutes int, limit int) ([]*domain.Occurrence, error)
	MarkZombie(ctx context.Context, occurrenceID string, expected domain.OccurrenceStatus, now time.Time, change domain.StatusChange, logEntry domain.LogEntry, maxLogs int) (bool, error)
}

// Detector runs the zombie sweep on a timer. Every node sweeps; the marking
// update is guarded on the candidate's status, so exactly one node wins each
// occurrence and only the winner settles coordination state.
type Detector struct {
	cfg       config.ZombieConfig
	maxLogs   int
	store     OccurrenceStore
	finalizer *tracking.Finalizer

	reaped metric.Int64Counter
}

// NewDetector wires a detector.
func NewDetector(cfg config.ZombieConfig, maxLogs int, store OccurrenceStore, finalizer *tracking.Finalizer) (*Detector, error) {
	meter := otel.Meter("milvaion/zombie")
	reaped, err := meter.Int64Counter("milvaion.occurrences.reaped",
		metric.WithDescription("Occurrences marked Unknown by the zombie sweep"))
	if err != nil {
		return nil, fmt.Errorf("failed to create reaped counter: %w", err)
	}
	return &Detector{
		cfg:       cfg,
		maxLogs:   maxLogs,
		store:     store,
		finalizer: finalizer,
		reaped:    reaped,
	}, nil
}

// Run sweeps until the context is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "zombie detector started",
		"sweep_interval", d.cfg.SweepInterval(),
		"default_timeout", d.cfg.DefaultTimeout())

	ticker := time.NewTicker(d.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.safeSweep(ctx)
		}
	}
}

func (d *Detector) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "recovered panic in zombie sweep",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := d.sweep(ctx); err != nil && ctx.Err() == nil {
		slog.ErrorContext(ctx, "zombie sweep failed", "error", err)
	}
}

func (d *Detector) sweep(ctx context.Context) error {
	now := time.Now().UTC()

	candidates, err := d.store.ListZombieCandidates(ctx, now, d.cfg.DefaultTimeoutMinutes, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list zombie candidates: %w", err)
	}

	for _, occ := range candidates {
		if ctx.Err() != nil {
			return nil
		}
		d.reap(ctx, occ, now)
	}
	return nil
}

// reap marks one candidate Unknown. The update is fenced on the status the
// candidate was listed with: a worker status that landed in between makes
// this node lose the race, and the loser performs no side effects.
func (d *Detector) reap(ctx context.Context, occ *domain.Occurrence, now time.Time) {
	change := domain.NewStatusChange(occ.Status, domain.StatusUnknown, now, "zombie occurrence detected")
	logEntry := domain.LogEntry{
		Timestamp: now,
		Level:     domain.LogLevelError,
		Category:  "ZombieDetector",
		Message:   "no worker activity within the zombie timeout, marking Unknown",
	}

	won, err := d.store.MarkZombie(ctx, occ.ID, occ.Status, now, change, logEntry, d.maxLogs)
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark zombie occurrence",
			"occurrence_id", occ.ID, "job_id", occ.JobID, "error", err)
		return
	}
	if !won {
		return
	}

	slog.ErrorContext(ctx, "zombie occurrence detected",
		"occurrence_id", occ.ID, "job_id", occ.JobID, "job_name", occ.JobName,
		"previous_status", occ.Status.String(),
		"created_at", occ.CreatedAt)
	d.reaped.Add(ctx, 1)

	exception := "Zombie occurrence detected"
	settled := *occ
	settled.Status = domain.StatusUnknown
	settled.Exception = &exception
	d.finalizer.Apply(ctx, &settled, domain.StatusUnknown, now)
}
