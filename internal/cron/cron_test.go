package cron

import (
	"errors"
	"testing"
	"time"

	"github.com/milvaion/milvaion/internal/domain"
)

func TestNextFiveField(t *testing.T) {
	e := New()
	base := time.Date(2025, 6, 1, 12, 2, 30, 0, time.UTC)

	next, err := e.Next("*/5 * * * *", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextStrictlyAfterBoundary(t *testing.T) {
	e := New()
	// Base sits exactly on a firing boundary; the same instant must not
	// fire twice.
	base := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)

	next, err := e.Next("*/5 * * * *", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextSixFieldSeconds(t *testing.T) {
	e := New()
	base := time.Date(2025, 6, 1, 12, 0, 10, 0, time.UTC)

	next, err := e.Next("*/30 * * * * *", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextDescriptor(t *testing.T) {
	e := New()
	base := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	next, err := e.Next("@hourly", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextConvertsBaseToUTC(t *testing.T) {
	e := New()
	stockholm, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 14:02 in Stockholm (UTC+2 in June) is 12:02 UTC.
	base := time.Date(2025, 6, 1, 14, 2, 0, 0, stockholm)

	next, err := e.Next("0 * * * *", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if next.Location() != time.UTC {
		t.Fatalf("next location = %v, want UTC", next.Location())
	}
}

func TestParseMalformed(t *testing.T) {
	e := New()
	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *"} {
		if _, err := e.Parse(expr); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", expr)
		}
	}
}

func TestNeverFires(t *testing.T) {
	e := New()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// February 30th does not exist.
	_, err := e.Next("0 0 30 2 *", base)
	if !errors.Is(err, domain.ErrScheduleNeverFires) {
		t.Fatalf("got %v, want ErrScheduleNeverFires", err)
	}

	if err := e.Validate("0 0 30 2 *", base); !errors.Is(err, domain.ErrScheduleNeverFires) {
		t.Fatalf("Validate: got %v, want ErrScheduleNeverFires", err)
	}
	if err := e.Validate("*/5 * * * *", base); err != nil {
		t.Fatalf("Validate sane expression: %v", err)
	}
}
