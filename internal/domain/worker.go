package domain

import "time"

// WorkerStatus is the advertised state of a worker instance.
// Value object - immutable string enum.
type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "ACTIVE"
	WorkerStatusDraining WorkerStatus = "DRAINING"
	WorkerStatusOffline  WorkerStatus = "OFFLINE"
)

// JobKindSpec declares one job kind a worker class implements. Schema is an
// optional JSON-schema document describing the expected jobData; the core
// stores it opaquely for the API and dashboard to use.
type JobKindSpec struct {
	Kind   string  `json:"kind"`
	Schema *string `json:"schema,omitempty"`
}

// WorkerClass is the registry record shared by all instances of one class.
// It lives in the coordination store with a TTL refreshed on any instance
// heartbeat; its absence means no live workers exist for the class.
type WorkerClass struct {
	Name            string
	RoutingPatterns []string
	JobKinds        []JobKindSpec
	MaxParallelJobs int // per instance
	Version         string
	Metadata        map[string]string
	UpdatedAt       time.Time
}

// SupportsKind reports whether the class declares the given job kind.
func (c *WorkerClass) SupportsKind(kind string) bool {
	for _, k := range c.JobKinds {
		if k.Kind == kind {
			return true
		}
	}
	return false
}

// WorkerInstance is one live process of a worker class. The record expires
// on a short TTL; a crashed worker cannot say goodbye, so TTL decay is the
// only partition-safe liveness signal.
type WorkerInstance struct {
	Class           string
	InstanceID      string
	Hostname        string
	IPAddress       string
	CurrentJobCount int
	Status          WorkerStatus
	LastHeartbeat   time.Time
	RegisteredAt    time.Time
}

// WorkerRegistration is the payload a worker sends when it joins.
type WorkerRegistration struct {
	Class           string
	InstanceID      string
	Hostname        string
	IPAddress       string
	RoutingPatterns []string
	JobKinds        []JobKindSpec
	MaxParallelJobs int
	Version         string
	Metadata        map[string]string
}

// Validate checks the fields the registry cannot key records without.
func (r *WorkerRegistration) Validate() error {
	if r.Class == "" {
		return ErrWorkerClassRequired
	}
	if r.InstanceID == "" {
		return ErrWorkerInstanceRequired
	}
	return nil
}

// FailedOccurrence is a resolution-queue record: the denormalized minimum an
// operator needs to review a terminal-failed occurrence without joining back
// to the occurrence table.
type FailedOccurrence struct {
	ID               int64
	OccurrenceID     string
	JobID            string
	JobName          string
	WorkerInstanceID *string
	Status           OccurrenceStatus
	Exception        *string
	FailedAt         time.Time
	CreatedAt        time.Time

	// Resolution tracking
	Resolution     ResolutionState
	ResolvedAt     *time.Time
	ResolvedBy     *string
	ResolutionNote *string
}

// ResolutionState tracks operator handling of a failed occurrence.
// Value object - immutable string enum.
type ResolutionState string

const (
	ResolutionPending   ResolutionState = "PENDING"
	ResolutionResolved  ResolutionState = "RESOLVED"
	ResolutionDiscarded ResolutionState = "DISCARDED"
)
