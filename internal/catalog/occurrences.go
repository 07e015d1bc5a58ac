package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvaion/milvaion/internal/domain"
)

const occurrenceColumns = `id, job_id, job_version, job_name,
	worker_instance_id, status, start_time, end_time, duration_ms, result,
	exception, logs, status_change_log, retry_count, last_heartbeat,
	zombie_timeout_minutes, created_at`

// OccurrenceRepository persists occurrence rows: the evidence trail of every
// firing. All multi-field mutations go through Mutate so each occurrence is
// updated under a row lock in a single transaction.
type OccurrenceRepository struct {
	pool *pgxpool.Pool
}

// Insert writes a freshly dispatched occurrence. A unique violation maps to
// ErrDuplicateOccurrence; ids are fresh UUIDs, so duplicates are harmless.
func (r *OccurrenceRepository) Insert(ctx context.Context, occ *domain.Occurrence) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO occurrences (id, job_id, job_version, job_name,
			worker_instance_id, status, start_time, end_time, duration_ms,
			result, exception, logs, status_change_log, retry_count,
			last_heartbeat, zombie_timeout_minutes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17)`,
		occ.ID, occ.JobID, occ.JobVersion, occ.JobName, occ.WorkerInstanceID,
		int(occ.Status), occ.StartTime, occ.EndTime, occ.DurationMs,
		occ.Result, occ.Exception, occ.Logs, occ.StatusChanges,
		occ.RetryCount, occ.LastHeartbeat, occ.ZombieTimeoutMinutes,
		occ.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateOccurrence
		}
		return fmt.Errorf("failed to insert occurrence %s: %w", occ.ID, err)
	}
	return nil
}

// Get loads one occurrence by id (== correlation id).
func (r *OccurrenceRepository) Get(ctx context.Context, occurrenceID string) (*domain.Occurrence, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1`, occurrenceID)
	occ, err := scanOccurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find occurrence %s: %w", occurrenceID, err)
	}
	return occ, nil
}

// Mutate loads the occurrence FOR UPDATE, applies fn, and writes the full row
// back in the same transaction. fn returning false commits without a write
// (the row was inspected but not changed). The returned occurrence reflects
// fn's mutations.
func (r *OccurrenceRepository) Mutate(ctx context.Context, occurrenceID string, fn func(*domain.Occurrence) (bool, error)) (*domain.Occurrence, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1 FOR UPDATE`,
		occurrenceID)
	occ, err := scanOccurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOccurrenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock occurrence %s: %w", occurrenceID, err)
	}

	changed, err := fn(occ)
	if err != nil {
		return nil, err
	}
	if changed {
		_, err = tx.Exec(ctx, `
			UPDATE occurrences SET worker_instance_id = $2, status = $3,
				start_time = $4, end_time = $5, duration_ms = $6, result = $7,
				exception = $8, logs = $9, status_change_log = $10,
				retry_count = $11, last_heartbeat = $12
			WHERE id = $1`,
			occ.ID, occ.WorkerInstanceID, int(occ.Status), occ.StartTime,
			occ.EndTime, occ.DurationMs, occ.Result, occ.Exception, occ.Logs,
			occ.StatusChanges, occ.RetryCount, occ.LastHeartbeat)
		if err != nil {
			return nil, fmt.Errorf("failed to update occurrence %s: %w", occurrenceID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit occurrence %s: %w", occurrenceID, err)
	}
	return occ, nil
}

// AppendLogs appends entries to the occurrence's log slice, keeping at most
// max entries (oldest dropped). Terminal occurrences still accept logs;
// workers flush post-mortem.
func (r *OccurrenceRepository) AppendLogs(ctx context.Context, occurrenceID string, max int, entries ...domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := r.Mutate(ctx, occurrenceID, func(occ *domain.Occurrence) (bool, error) {
		occ.Logs = domain.AppendLog(occ.Logs, max, entries...)
		return true, nil
	})
	return err
}

// ListStranded returns dispatches that never reached the bus, for startup
// recovery to republish: Queued rows older than the cutoff (a leader crashed
// between catalog commit and publish) and Unknown rows carrying the
// publish-failure exception (a leader crashed before its tick retry could
// fire). Only occurrences of still-active jobs qualify.
func (r *OccurrenceRepository) ListStranded(ctx context.Context, before time.Time) ([]*domain.Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT o.id, o.job_id, o.job_version, o.job_name,
			o.worker_instance_id, o.status, o.start_time, o.end_time,
			o.duration_ms, o.result, o.exception, o.logs, o.status_change_log,
			o.retry_count, o.last_heartbeat, o.zombie_timeout_minutes,
			o.created_at
		FROM occurrences o
		JOIN jobs j ON j.id = o.job_id
		WHERE (o.status = 0 OR (o.status = 6 AND o.exception = $2))
		  AND o.created_at < $1
		  AND j.is_active AND j.disabled_at IS NULL
		ORDER BY o.created_at`, before, domain.ExceptionPublishFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list stranded occurrences: %w", err)
	}
	defer rows.Close()
	return collectOccurrences(rows)
}

// ListZombieCandidates returns non-terminal occurrences whose effective
// zombie timeout has elapsed. The effective timeout is the occurrence's
// captured value when set, the global default otherwise; the reference time
// is the freshest liveness signal the row carries.
func (r *OccurrenceRepository) ListZombieCandidates(ctx context.Context, now time.Time, defaultTimeoutMinutes int, limit int) ([]*domain.Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+`
		FROM occurrences
		WHERE status IN (0, 1)
		  AND COALESCE(last_heartbeat, start_time, created_at)
		      < $1 - make_interval(mins => COALESCE(zombie_timeout_minutes, $2))
		ORDER BY created_at
		LIMIT $3`, now, defaultTimeoutMinutes, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list zombie candidates: %w", err)
	}
	defer rows.Close()
	return collectOccurrences(rows)
}

// MarkZombie transitions the occurrence to Unknown iff its status still
// equals expected. Returns true only for the winning updater; every node runs
// the sweep, so concurrent sweeps race on this guard and exactly one wins.
func (r *OccurrenceRepository) MarkZombie(ctx context.Context, occurrenceID string, expected domain.OccurrenceStatus, now time.Time, change domain.StatusChange, logEntry domain.LogEntry, maxLogs int) (bool, error) {
	won := false
	_, err := r.Mutate(ctx, occurrenceID, func(occ *domain.Occurrence) (bool, error) {
		if occ.Status != expected {
			return false, nil
		}
		exception := "Zombie occurrence detected"
		durationMs := now.Sub(occ.CreatedAt).Milliseconds()
		occ.Status = domain.StatusUnknown
		occ.EndTime = &now
		occ.DurationMs = &durationMs
		occ.Exception = &exception
		occ.StatusChanges = append(occ.StatusChanges, change)
		occ.Logs = domain.AppendLog(occ.Logs, maxLogs, logEntry)
		won = true
		return true, nil
	})
	if errors.Is(err, domain.ErrOccurrenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return won, nil
}

// ListByJob returns a page of a job's occurrences, newest first. Serves the
// external API's history view.
func (r *OccurrenceRepository) ListByJob(ctx context.Context, jobID string, limit, offset int) ([]*domain.Occurrence, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+occurrenceColumns+` FROM occurrences
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list occurrences for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return collectOccurrences(rows)
}

func collectOccurrences(rows pgx.Rows) ([]*domain.Occurrence, error) {
	var occs []*domain.Occurrence
	for rows.Next() {
		occ, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan occurrence: %w", err)
		}
		occs = append(occs, occ)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read occurrences: %w", err)
	}
	return occs, nil
}

func scanOccurrence(row pgx.Row) (*domain.Occurrence, error) {
	var (
		occ    domain.Occurrence
		status int
	)
	err := row.Scan(&occ.ID, &occ.JobID, &occ.JobVersion, &occ.JobName,
		&occ.WorkerInstanceID, &status, &occ.StartTime, &occ.EndTime,
		&occ.DurationMs, &occ.Result, &occ.Exception, &occ.Logs,
		&occ.StatusChanges, &occ.RetryCount, &occ.LastHeartbeat,
		&occ.ZombieTimeoutMinutes, &occ.CreatedAt)
	if err != nil {
		return nil, err
	}
	occ.Status = domain.OccurrenceStatus(status)
	occ.CreatedAt = occ.CreatedAt.UTC()
	return &occ, nil
}
