package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvaion/milvaion/internal/domain"
)

const failedColumns = `id, occurrence_id, job_id, job_name,
	worker_instance_id, status, exception, failed_at, created_at,
	resolution, resolved_at, resolved_by, resolution_note`

// FailedOccurrenceRepository is the operator review queue for terminal-failed
// occurrences.
type FailedOccurrenceRepository struct {
	pool *pgxpool.Pool
}

// Insert records a terminal failure for review. Idempotent on occurrence id:
// both the status tracker and the zombie sweep may emit the same occurrence,
// and only the first insert sticks.
func (r *FailedOccurrenceRepository) Insert(ctx context.Context, fo *domain.FailedOccurrence) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO failed_occurrences (occurrence_id, job_id, job_name,
			worker_instance_id, status, exception, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (occurrence_id) DO NOTHING`,
		fo.OccurrenceID, fo.JobID, fo.JobName, fo.WorkerInstanceID,
		int(fo.Status), fo.Exception, fo.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to insert failed occurrence %s: %w", fo.OccurrenceID, err)
	}
	return nil
}

// ListPending returns unresolved entries, oldest first.
func (r *FailedOccurrenceRepository) ListPending(ctx context.Context, limit, offset int) ([]*domain.FailedOccurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+failedColumns+` FROM failed_occurrences
		WHERE resolution = $1
		ORDER BY created_at
		LIMIT $2 OFFSET $3`,
		string(domain.ResolutionPending), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending failed occurrences: %w", err)
	}
	defer rows.Close()

	var entries []*domain.FailedOccurrence
	for rows.Next() {
		fo, err := scanFailedOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed occurrence: %w", err)
		}
		entries = append(entries, fo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read failed occurrences: %w", err)
	}
	return entries, nil
}

// Get loads one review queue entry.
func (r *FailedOccurrenceRepository) Get(ctx context.Context, id int64) (*domain.FailedOccurrence, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+failedColumns+` FROM failed_occurrences WHERE id = $1`, id)
	fo, err := scanFailedOccurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrFailedOccurrenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find failed occurrence %d: %w", id, err)
	}
	return fo, nil
}

// Resolve marks a pending entry resolved. Returns ErrAlreadyResolved when
// another operator got there first.
func (r *FailedOccurrenceRepository) Resolve(ctx context.Context, id int64, resolvedBy, note string) error {
	return r.settle(ctx, id, domain.ResolutionResolved, resolvedBy, note)
}

// Discard marks a pending entry discarded.
func (r *FailedOccurrenceRepository) Discard(ctx context.Context, id int64, resolvedBy, note string) error {
	return r.settle(ctx, id, domain.ResolutionDiscarded, resolvedBy, note)
}

func (r *FailedOccurrenceRepository) settle(ctx context.Context, id int64, state domain.ResolutionState, resolvedBy, note string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE failed_occurrences
		SET resolution = $2, resolved_at = $3, resolved_by = $4, resolution_note = $5
		WHERE id = $1 AND resolution = $6`,
		id, string(state), time.Now().UTC(), resolvedBy, note,
		string(domain.ResolutionPending))
	if err != nil {
		return fmt.Errorf("failed to settle failed occurrence %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already handled.
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return domain.ErrAlreadyResolved
	}
	return nil
}

func scanFailedOccurrence(row pgx.Row) (*domain.FailedOccurrence, error) {
	var (
		fo         domain.FailedOccurrence
		status     int
		resolution string
	)
	err := row.Scan(&fo.ID, &fo.OccurrenceID, &fo.JobID, &fo.JobName,
		&fo.WorkerInstanceID, &status, &fo.Exception, &fo.FailedAt,
		&fo.CreatedAt, &resolution, &fo.ResolvedAt, &fo.ResolvedBy,
		&fo.ResolutionNote)
	if err != nil {
		return nil, err
	}
	fo.Status = domain.OccurrenceStatus(status)
	fo.Resolution = domain.ResolutionState(resolution)
	fo.FailedAt = fo.FailedAt.UTC()
	fo.CreatedAt = fo.CreatedAt.UTC()
	return &fo, nil
}
