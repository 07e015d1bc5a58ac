package coordination

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errStoreDown = errors.New("connection refused")

// newTestBreaker returns a breaker on a manual clock. Advance the clock by
// mutating the returned pointer.
func newTestBreaker(settings BreakerSettings) (*CircuitBreaker, *time.Time) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &now

	b := NewCircuitBreaker("test", settings)
	b.now = func() time.Time { return *clock }
	b.stats.WindowStart = now

	return b, clock
}

func failingOp(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "", errStoreDown
	}
}

func succeedingOp(calls *int) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*calls++
		return "live", nil
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3, OpenInterval: 30 * time.Second, HalfOpenProbes: 1})
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		v, err := Call(ctx, b, "fallback", failingOp(&calls))
		if err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
		if v != "fallback" {
			t.Fatalf("call %d: got %q, want fallback", i, v)
		}
	}

	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after %d failures = %v, want open", calls, got)
	}

	// Open circuit short-circuits without invoking the operation.
	v, err := Call(ctx, b, "fallback", failingOp(&calls))
	if err != nil {
		t.Fatalf("open call: unexpected error %v", err)
	}
	if v != "fallback" {
		t.Fatalf("open call: got %q, want fallback", v)
	}
	if calls != 3 {
		t.Fatalf("operation invoked %d times, want 3", calls)
	}
}

func TestBreaker_HalfOpenProbeRecovers(t *testing.T) {
	b, clock := newTestBreaker(BreakerSettings{FailureThreshold: 1, OpenInterval: 30 * time.Second, HalfOpenProbes: 1})
	ctx := context.Background()

	calls := 0
	if _, err := Call(ctx, b, "", failingOp(&calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state = %v, want open", got)
	}

	// Before the interval elapses nothing goes through.
	*clock = clock.Add(10 * time.Second)
	if _, err := Call(ctx, b, "", succeedingOp(&calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("operation invoked during open interval")
	}

	// After the interval one probe is allowed and success closes the circuit.
	*clock = clock.Add(25 * time.Second)
	v, err := Call(ctx, b, "", succeedingOp(&calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "live" {
		t.Fatalf("probe result = %q, want live", v)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state after successful probe = %v, want closed", got)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(BreakerSettings{FailureThreshold: 1, OpenInterval: 30 * time.Second, HalfOpenProbes: 1})
	ctx := context.Background()

	calls := 0
	_, _ = Call(ctx, b, "", failingOp(&calls))

	*clock = clock.Add(31 * time.Second)
	if _, err := Call(ctx, b, "", failingOp(&calls)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("probe not invoked, calls = %d", calls)
	}
	if got := b.State(); got != BreakerOpen {
		t.Fatalf("state after failed probe = %v, want open", got)
	}

	// The full interval applies again from the failed probe.
	*clock = clock.Add(29 * time.Second)
	_, _ = Call(ctx, b, "", failingOp(&calls))
	if calls != 2 {
		t.Fatalf("operation invoked before reopened interval elapsed")
	}
}

func TestBreaker_ContextCancellationNotCounted(t *testing.T) {
	b, _ := newTestBreaker(BreakerSettings{FailureThreshold: 1, OpenInterval: 30 * time.Second, HalfOpenProbes: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, b, "fallback", func(ctx context.Context) (string, error) {
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed; cancellation must not trip the breaker", got)
	}
	if got := b.Stats().Failures; got != 0 {
		t.Fatalf("failures = %d, want 0", got)
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3, OpenInterval: 30 * time.Second, HalfOpenProbes: 1})
	ctx := context.Background()

	calls := 0
	_, _ = Call(ctx, b, "", failingOp(&calls))
	_, _ = Call(ctx, b, "", failingOp(&calls))
	_, _ = Call(ctx, b, "", succeedingOp(&calls))
	_, _ = Call(ctx, b, "", failingOp(&calls))
	_, _ = Call(ctx, b, "", failingOp(&calls))

	if got := b.State(); got != BreakerClosed {
		t.Fatalf("state = %v, want closed; success must reset the streak", got)
	}
}

func TestBreaker_StatsWindowResets(t *testing.T) {
	b, clock := newTestBreaker(BreakerSettings{FailureThreshold: 10, OpenInterval: 30 * time.Second, HalfOpenProbes: 1})
	ctx := context.Background()

	calls := 0
	_, _ = Call(ctx, b, "", failingOp(&calls))
	_, _ = Call(ctx, b, "", failingOp(&calls))

	stats := b.Stats()
	if stats.Calls != 2 || stats.Failures != 2 {
		t.Fatalf("stats = %+v, want 2 calls 2 failures", stats)
	}

	*clock = clock.Add(61 * time.Minute)
	_, _ = Call(ctx, b, "", succeedingOp(&calls))

	stats = b.Stats()
	if stats.Calls != 1 {
		t.Fatalf("calls after window reset = %d, want 1", stats.Calls)
	}
	if stats.Failures != 0 {
		t.Fatalf("failures after window reset = %d, want 0", stats.Failures)
	}
	if !stats.WindowStart.Equal(*clock) {
		t.Fatalf("window start = %v, want %v", stats.WindowStart, *clock)
	}
}
