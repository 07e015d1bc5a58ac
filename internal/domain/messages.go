package domain

import "time"

// Bus wire messages. Field names are a published contract with worker SDKs;
// timestamps are RFC3339 UTC.

// DispatchMessage tells a worker class to execute one occurrence.
type DispatchMessage struct {
	OccurrenceID            string     `json:"occurrenceId"`
	CorrelationID           string     `json:"correlationId"`
	JobID                   string     `json:"jobId"`
	JobVersion              int        `json:"jobVersion"`
	JobKind                 string     `json:"jobKind"`
	JobData                 *string    `json:"jobData"`
	WorkerClass             string     `json:"workerClass"`
	DispatchedAt            time.Time  `json:"dispatchedAt"`
	ExecutionTimeoutSeconds *int       `json:"executionTimeoutSeconds"`
	RetryCount              int        `json:"retryCount"`
}

// StatusMessage reports an occurrence state change from a worker.
type StatusMessage struct {
	CorrelationID    string           `json:"correlationId"`
	JobID            string           `json:"jobId"`
	WorkerInstanceID string           `json:"workerInstanceId"`
	Status           OccurrenceStatus `json:"status"`
	StartTime        *time.Time       `json:"startTime"`
	EndTime          *time.Time       `json:"endTime"`
	DurationMs       *int64           `json:"durationMs"`
	Result           *string          `json:"result"`
	Exception        *string          `json:"exception"`
	MessageTimestamp time.Time        `json:"messageTimestamp"`
}

// Validate rejects messages the status pipeline cannot act on.
func (m *StatusMessage) Validate() error {
	if m.CorrelationID == "" {
		return ErrCorrelationRequired
	}
	if !m.Status.Valid() {
		return ErrUnknownStatusValue
	}
	return nil
}

// LogMessage carries one worker log line for an occurrence.
type LogMessage struct {
	CorrelationID    string    `json:"correlationId"`
	WorkerInstanceID string    `json:"workerInstanceId"`
	Log              LogEntry  `json:"log"`
	MessageTimestamp time.Time `json:"messageTimestamp"`
}

// Validate rejects messages the log pipeline cannot act on.
func (m *LogMessage) Validate() error {
	if m.CorrelationID == "" {
		return ErrCorrelationRequired
	}
	return nil
}

// CancellationMessage is broadcast on the cancellation channel. Delivery is
// best effort; callers that need certainty poll occurrence status.
type CancellationMessage struct {
	CorrelationID string `json:"correlationId"`
	JobID         string `json:"jobId"`
	OccurrenceID  string `json:"occurrenceId"`
	Reason        string `json:"reason"`
}
