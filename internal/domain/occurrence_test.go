package domain

import (
	"testing"
	"time"
)

func TestAppendLog_DropsOldestBeyondCap(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var logs []LogEntry
	for i := 0; i < 5; i++ {
		logs = AppendLog(logs, 3, LogEntry{
			Timestamp: at.Add(time.Duration(i) * time.Second),
			Level:     LogLevelInfo,
			Message:   string(rune('a' + i)),
		})
	}

	if len(logs) != 3 {
		t.Fatalf("len = %d, want 3", len(logs))
	}
	if logs[0].Message != "c" || logs[2].Message != "e" {
		t.Fatalf("kept %q..%q, want the newest three", logs[0].Message, logs[2].Message)
	}
}

func TestAppendLog_ZeroMaxIsUnbounded(t *testing.T) {
	var logs []LogEntry
	for i := 0; i < 10; i++ {
		logs = AppendLog(logs, 0, LogEntry{Message: "x"})
	}
	if len(logs) != 10 {
		t.Fatalf("len = %d, want 10", len(logs))
	}
}

func TestNewStatusChange(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	change := NewStatusChange(StatusRunning, StatusCompleted, at, "reported by worker")

	if change.From != "Running" || change.To != "Completed" {
		t.Fatalf("change = %+v", change)
	}
	if !change.Timestamp.Equal(at) || change.Reason != "reported by worker" {
		t.Fatalf("change = %+v", change)
	}
}
