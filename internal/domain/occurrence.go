package domain

import "time"

// LogLevel mirrors the worker SDK's log severities.
// Value object - immutable string enum.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "Debug"
	LogLevelInfo    LogLevel = "Info"
	LogLevelWarning LogLevel = "Warning"
	LogLevelError   LogLevel = "Error"
)

// ExceptionPublishFailed is recorded on occurrences whose dispatch message
// never reached the bus. Startup recovery fences on this exact string to
// tell publish casualties apart from worker-reported Unknowns.
const ExceptionPublishFailed = "dispatch publish failed"

// LogEntry is one user-visible log line on an occurrence. The JSON form is
// both the bus wire format (inside LogMessage) and the catalog JSONB shape.
type LogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	Level         LogLevel  `json:"level"`
	Message       string    `json:"message"`
	Category      string    `json:"category"`
	Data          *string   `json:"data,omitempty"`
	ExceptionType *string   `json:"exceptionType,omitempty"`
}

// StatusChange is one entry in an occurrence's status change log. From is
// empty on the seed entry written at dispatch. Statuses are recorded by name
// so the evidence trail reads without a decoder ring.
type StatusChange struct {
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// NewStatusChange builds a log entry for the from→to move at ts.
func NewStatusChange(from, to OccurrenceStatus, ts time.Time, reason string) StatusChange {
	return StatusChange{From: from.String(), To: to.String(), Timestamp: ts, Reason: reason}
}

// Occurrence is one firing of a Job: the unit of dispatch, status tracking,
// and log collection. Its ID doubles as the correlation ID on every bus
// message, so a trace can be stitched end to end from a single value.
//
// Created by the dispatcher in Queued; advanced by the status pipeline;
// possibly terminated by the zombie sweep. EndTime and DurationMs are set
// exactly when the status is terminal.
type Occurrence struct {
	// ID is a UUIDv7 and equals the correlation ID on the bus.
	ID string

	JobID      string
	JobVersion int // pinned at dispatch; later job edits do not apply
	JobName    string

	// WorkerInstanceID is nil until the first status update arrives.
	WorkerInstanceID *string

	Status OccurrenceStatus

	StartTime  *time.Time
	EndTime    *time.Time
	DurationMs *int64

	// Result and Exception are mutually exclusive evidence fields.
	Result    *string
	Exception *string

	// Logs is capped at the configured executionLogMaxCount; oldest entries
	// are dropped on overflow.
	Logs []LogEntry

	// StatusChanges records every non-idempotent transition in order.
	StatusChanges []StatusChange

	RetryCount    int
	LastHeartbeat *time.Time

	// ZombieTimeoutMinutes is captured from the job at dispatch so edits do
	// not retime in-flight occurrences. Nil falls back to job, then global.
	ZombieTimeoutMinutes *int

	CreatedAt time.Time
}

// AppendLog appends entries to logs, dropping oldest entries to keep the
// result within max. max <= 0 means unbounded.
func AppendLog(logs []LogEntry, max int, entries ...LogEntry) []LogEntry {
	logs = append(logs, entries...)
	if max > 0 && len(logs) > max {
		logs = logs[len(logs)-max:]
	}
	return logs
}
