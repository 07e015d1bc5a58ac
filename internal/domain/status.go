package domain

import "fmt"

// OccurrenceStatus is the lifecycle state of an occurrence. The integer
// values are the wire representation used in status messages and the
// catalog column; they must never be renumbered.
type OccurrenceStatus int

const (
	StatusQueued    OccurrenceStatus = 0
	StatusRunning   OccurrenceStatus = 1
	StatusCompleted OccurrenceStatus = 2
	StatusFailed    OccurrenceStatus = 3
	StatusCancelled OccurrenceStatus = 4
	StatusTimedOut  OccurrenceStatus = 5
	StatusUnknown   OccurrenceStatus = 6
)

var statusNames = map[OccurrenceStatus]string{
	StatusQueued:    "Queued",
	StatusRunning:   "Running",
	StatusCompleted: "Completed",
	StatusFailed:    "Failed",
	StatusCancelled: "Cancelled",
	StatusTimedOut:  "TimedOut",
	StatusUnknown:   "Unknown",
}

func (s OccurrenceStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OccurrenceStatus(%d)", int(s))
}

// Valid reports whether s is one of the seven defined states.
func (s OccurrenceStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsTerminal reports whether s ends the occurrence lifecycle.
func (s OccurrenceStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s counts against the job's auto-disable window.
// Cancelled is operator-initiated and does not count.
func (s OccurrenceStatus) IsFailure() bool {
	switch s {
	case StatusFailed, StatusTimedOut, StatusUnknown:
		return true
	default:
		return false
	}
}

// TransitionKind classifies a reported status against the current one.
type TransitionKind int

const (
	// TransitionAdvance is a lawful forward move through the lifecycle.
	TransitionAdvance TransitionKind = iota

	// TransitionHeartbeat is the same status reported again; it refreshes
	// lastHeartbeat and is never recorded in the status change log.
	TransitionHeartbeat

	// TransitionOverride replaces Unknown with an authoritative terminal
	// status from the worker. Callers enforce the grace window.
	TransitionOverride

	// TransitionReject violates the lifecycle machine.
	TransitionReject
)

// ClassifyTransition applies the occurrence state machine:
//
//	Queued  → Running, Cancelled, Unknown, Failed, TimedOut
//	Running → Completed, Failed, Cancelled, TimedOut, Unknown
//	Unknown → Completed, Failed, Cancelled, TimedOut   (worker override)
//
// Any other terminal→terminal move is rejected. A repeat of the current
// status is a heartbeat.
func ClassifyTransition(from, to OccurrenceStatus) TransitionKind {
	if !to.Valid() || !from.Valid() {
		return TransitionReject
	}
	if from == to {
		return TransitionHeartbeat
	}

	switch from {
	case StatusQueued:
		switch to {
		case StatusRunning, StatusCancelled, StatusUnknown, StatusFailed, StatusTimedOut:
			return TransitionAdvance
		}
	case StatusRunning:
		switch to {
		case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown:
			return TransitionAdvance
		}
	case StatusUnknown:
		switch to {
		case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
			return TransitionOverride
		}
	}
	return TransitionReject
}

// TransitionError reports a rejected lifecycle move.
type TransitionError struct {
	From OccurrenceStatus
	To   OccurrenceStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("illegal occurrence transition %s -> %s", e.From, e.To)
}
