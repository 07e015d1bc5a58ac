package domain

import "testing"

func TestClassifyTransition(t *testing.T) {
	cases := []struct {
		from, to OccurrenceStatus
		want     TransitionKind
	}{
		// Lawful advances from Queued.
		{StatusQueued, StatusRunning, TransitionAdvance},
		{StatusQueued, StatusCancelled, TransitionAdvance},
		{StatusQueued, StatusUnknown, TransitionAdvance},
		{StatusQueued, StatusFailed, TransitionAdvance},
		{StatusQueued, StatusTimedOut, TransitionAdvance},
		// Queued cannot complete without running.
		{StatusQueued, StatusCompleted, TransitionReject},

		// Lawful advances from Running.
		{StatusRunning, StatusCompleted, TransitionAdvance},
		{StatusRunning, StatusFailed, TransitionAdvance},
		{StatusRunning, StatusCancelled, TransitionAdvance},
		{StatusRunning, StatusTimedOut, TransitionAdvance},
		{StatusRunning, StatusUnknown, TransitionAdvance},
		{StatusRunning, StatusQueued, TransitionReject},

		// Unknown accepts an authoritative worker terminal.
		{StatusUnknown, StatusCompleted, TransitionOverride},
		{StatusUnknown, StatusFailed, TransitionOverride},
		{StatusUnknown, StatusCancelled, TransitionOverride},
		{StatusUnknown, StatusTimedOut, TransitionOverride},
		{StatusUnknown, StatusRunning, TransitionReject},
		{StatusUnknown, StatusQueued, TransitionReject},

		// Other terminal states are immutable.
		{StatusCompleted, StatusFailed, TransitionReject},
		{StatusCompleted, StatusUnknown, TransitionReject},
		{StatusFailed, StatusCompleted, TransitionReject},
		{StatusCancelled, StatusRunning, TransitionReject},
		{StatusTimedOut, StatusUnknown, TransitionReject},

		// Repeats are heartbeats, terminal or not.
		{StatusQueued, StatusQueued, TransitionHeartbeat},
		{StatusRunning, StatusRunning, TransitionHeartbeat},
		{StatusCompleted, StatusCompleted, TransitionHeartbeat},
		{StatusUnknown, StatusUnknown, TransitionHeartbeat},

		// Out-of-range values are rejected.
		{StatusRunning, OccurrenceStatus(42), TransitionReject},
		{OccurrenceStatus(-1), StatusRunning, TransitionReject},
	}

	for _, tc := range cases {
		if got := ClassifyTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ClassifyTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	terminals := []OccurrenceStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, StatusUnknown}
	for _, s := range terminals {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OccurrenceStatus{StatusQueued, StatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}

	for _, s := range []OccurrenceStatus{StatusFailed, StatusTimedOut, StatusUnknown} {
		if !s.IsFailure() {
			t.Errorf("%s should count as a failure", s)
		}
	}
	for _, s := range []OccurrenceStatus{StatusCompleted, StatusCancelled, StatusQueued, StatusRunning} {
		if s.IsFailure() {
			t.Errorf("%s should not count as a failure", s)
		}
	}
}

func TestStatusWireValues(t *testing.T) {
	// The integer mapping is a wire contract with worker SDKs.
	want := map[OccurrenceStatus]int{
		StatusQueued:    0,
		StatusRunning:   1,
		StatusCompleted: 2,
		StatusFailed:    3,
		StatusCancelled: 4,
		StatusTimedOut:  5,
		StatusUnknown:   6,
	}
	for s, n := range want {
		if int(s) != n {
			t.Errorf("%s = %d, want %d", s, int(s), n)
		}
	}
}
