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

const jobColumns = `id, name, description, tags, owner, worker_class, job_kind,
	routing_pattern, job_data, cron_expression, execute_at, is_active,
	concurrent_policy, execution_timeout_seconds, zombie_timeout_minutes,
	version, auto_disable_enabled, auto_disable_threshold,
	auto_disable_window_minutes, consecutive_failure_count, last_failure_time,
	disabled_at, created_at, updated_at, created_by`

// JobRepository persists job definitions. The API layer creates and edits
// jobs; the status pipeline mutates only the auto-disable state.
type JobRepository struct {
	pool *pgxpool.Pool
}

// Create inserts a new job. The caller is expected to have validated the
// definition (including the schedule) first.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (id, name, description, tags, owner, worker_class,
			job_kind, routing_pattern, job_data, cron_expression, execute_at,
			is_active, concurrent_policy, execution_timeout_seconds,
			zombie_timeout_minutes, version, auto_disable_enabled,
			auto_disable_threshold, auto_disable_window_minutes,
			created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22)`,
		job.ID, job.Name, job.Description, job.Tags, job.Owner,
		job.WorkerClass, job.JobKind, job.RoutingPattern, job.JobData,
		job.CronExpression, job.ExecuteAt, job.IsActive,
		string(job.ConcurrentPolicy), job.ExecutionTimeoutSeconds,
		job.ZombieTimeoutMinutes, job.Version, job.AutoDisable.Enabled,
		job.AutoDisable.Threshold, job.AutoDisable.WindowMinutes,
		job.CreatedAt, job.UpdatedAt, job.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// Update rewrites the operator-editable fields and bumps the version. The
// auto-disable state columns are untouched; they belong to the status
// pipeline.
func (r *JobRepository) Update(ctx context.Context, job *domain.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET name = $2, description = $3, tags = $4, owner = $5,
			worker_class = $6, job_kind = $7, routing_pattern = $8,
			job_data = $9, cron_expression = $10, execute_at = $11,
			is_active = $12, concurrent_policy = $13,
			execution_timeout_seconds = $14, zombie_timeout_minutes = $15,
			version = version + 1,
			auto_disable_enabled = $16, auto_disable_threshold = $17,
			auto_disable_window_minutes = $18,
			disabled_at = CASE WHEN $12 THEN NULL ELSE disabled_at END,
			updated_at = $19
		WHERE id = $1`,
		job.ID, job.Name, job.Description, job.Tags, job.Owner,
		job.WorkerClass, job.JobKind, job.RoutingPattern, job.JobData,
		job.CronExpression, job.ExecuteAt, job.IsActive,
		string(job.ConcurrentPolicy), job.ExecutionTimeoutSeconds,
		job.ZombieTimeoutMinutes, job.AutoDisable.Enabled,
		job.AutoDisable.Threshold, job.AutoDisable.WindowMinutes,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Delete removes the job and, via cascade, its occurrences.
func (r *JobRepository) Delete(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// FindByID loads one job.
func (r *JobRepository) FindByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job %s: %w", jobID, err)
	}
	return job, nil
}

// FindByIDs loads several jobs in one query; missing ids are simply absent
// from the result. Used by the dispatcher to backfill cache misses.
func (r *JobRepository) FindByIDs(ctx context.Context, jobIDs []string) (map[string]*domain.Job, error) {
	if len(jobIDs) == 0 {
		return map[string]*domain.Job{}, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ANY($1)`, jobIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find jobs: %w", err)
	}
	defer rows.Close()

	jobs := make(map[string]*domain.Job, len(jobIDs))
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs[job.ID] = job
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// ListActive returns every dispatchable job. Used to rebuild the schedule
// index after a coordination store loss.
func (r *JobRepository) ListActive(ctx context.Context) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE is_active AND disabled_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// SetAutoDisableState writes the failure counters, and when DisabledAt is
// set also deactivates the job, in one statement. This is the only job
// mutation the status pipeline performs.
func (r *JobRepository) SetAutoDisableState(ctx context.Context, jobID string, state domain.AutoDisableState) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET consecutive_failure_count = $2, last_failure_time = $3,
			disabled_at = $4,
			is_active = CASE WHEN $4::timestamptz IS NULL THEN is_active ELSE FALSE END
		WHERE id = $1`,
		jobID, state.ConsecutiveFailureCount, state.LastFailureTime, state.DisabledAt)
	if err != nil {
		return fmt.Errorf("failed to update auto-disable state for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ResetFailureCount clears the consecutive failure streak after a success.
func (r *JobRepository) ResetFailureCount(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET consecutive_failure_count = 0
		WHERE id = $1 AND consecutive_failure_count <> 0`, jobID)
	if err != nil {
		return fmt.Errorf("failed to reset failure count for job %s: %w", jobID, err)
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		policy string
	)
	err := row.Scan(&job.ID, &job.Name, &job.Description, &job.Tags,
		&job.Owner, &job.WorkerClass, &job.JobKind, &job.RoutingPattern,
		&job.JobData, &job.CronExpression, &job.ExecuteAt, &job.IsActive,
		&policy, &job.ExecutionTimeoutSeconds, &job.ZombieTimeoutMinutes,
		&job.Version, &job.AutoDisable.Enabled, &job.AutoDisable.Threshold,
		&job.AutoDisable.WindowMinutes,
		&job.AutoDisableState.ConsecutiveFailureCount,
		&job.AutoDisableState.LastFailureTime,
		&job.AutoDisableState.DisabledAt,
		&job.CreatedAt, &job.UpdatedAt, &job.CreatedBy)
	if err != nil {
		return nil, err
	}
	job.ConcurrentPolicy = domain.ConcurrentPolicy(policy)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}
