package domain

import "time"

// ConcurrentPolicy controls what happens when a job fires while a previous
// occurrence is still in flight.
// Value object - immutable string enum.
type ConcurrentPolicy string

const (
	// ConcurrentSkip drops the new firing; the job is only rescheduled.
	ConcurrentSkip ConcurrentPolicy = "SKIP"

	// ConcurrentQueue dispatches regardless; occurrences may overlap.
	ConcurrentQueue ConcurrentPolicy = "QUEUE"
)

// Validate checks if the policy is one of the defined values.
func (p ConcurrentPolicy) Validate() error {
	switch p {
	case ConcurrentSkip, ConcurrentQueue:
		return nil
	default:
		return ErrInvalidConcurrentPolicy
	}
}

// AutoDisableConfig is the per-job override of the global auto-disable
// policy. Nil fields fall back to the global configuration.
type AutoDisableConfig struct {
	Enabled       *bool
	Threshold     *int
	WindowMinutes *int
}

// AutoDisableState tracks the job's recent failure pattern. Mutated only by
// the status pipeline; API mutations never touch it.
type AutoDisableState struct {
	ConsecutiveFailureCount int
	LastFailureTime         *time.Time
	DisabledAt              *time.Time
}

// Job is an aggregate root: a user-defined scheduled unit, possibly
// recurring. Each firing of a job produces an Occurrence.
//
// Exactly one of CronExpression/ExecuteAt is set. Version is bumped on every
// API mutation; occurrences pin the version they were dispatched with, so
// in-flight work is never affected by later edits.
type Job struct {
	ID          string
	Name        string
	Description *string
	Tags        []string
	Owner       string

	// Routing descriptor. RoutingPattern selects the dispatch topic and
	// defaults to the worker class when empty.
	WorkerClass    string
	JobKind        string
	RoutingPattern string

	// JobData is an opaque JSON blob passed verbatim to workers.
	JobData *string

	// Schedule: exactly one of these is non-nil.
	CronExpression *string
	ExecuteAt      *time.Time

	IsActive         bool
	ConcurrentPolicy ConcurrentPolicy

	// Optional per-job timeouts. Nil falls back to the global defaults.
	ExecutionTimeoutSeconds *int
	ZombieTimeoutMinutes    *int

	// Optimistic version, bumped on every API mutation.
	Version int

	AutoDisable      AutoDisableConfig
	AutoDisableState AutoDisableState

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string
}

// Validate checks the structural invariants enforced at creation time.
// Schedule well-formedness (parseable cron, future firing) is the cron
// engine's job on top of this.
func (j *Job) Validate() error {
	if j.Name == "" {
		return ErrJobNameRequired
	}
	if j.WorkerClass == "" {
		return ErrWorkerClassRequired
	}
	if (j.CronExpression == nil) == (j.ExecuteAt == nil) {
		return ErrScheduleConflict
	}
	if err := j.ConcurrentPolicy.Validate(); err != nil {
		return err
	}
	return nil
}

// IsRecurring reports whether the job fires on a cron schedule.
func (j *Job) IsRecurring() bool {
	return j.CronExpression != nil
}

// Dispatchable reports whether the dispatcher may fire this job.
func (j *Job) Dispatchable() bool {
	return j.IsActive && j.AutoDisableState.DisabledAt == nil
}

// RoutingKey returns the dispatch routing key: the explicit routing pattern
// when set, the worker class otherwise.
func (j *Job) RoutingKey() string {
	if j.RoutingPattern != "" {
		return j.RoutingPattern
	}
	return j.WorkerClass
}
