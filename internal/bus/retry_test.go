package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/milvaion/milvaion/internal/domain"
)

func TestRetry_PermanentErrorReturnsImmediately(t *testing.T) {
	permanent := errors.New("schema violation")
	calls := 0

	err := Retry(context.Background(), 5, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("err = %v, want the permanent error", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1", calls)
	}
}

func TestRetry_TransientErrorRetries(t *testing.T) {
	calls := 0

	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.Transient(errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil after recovery", err)
	}
	if calls != 3 {
		t.Fatalf("op called %d times, want 3", calls)
	}
}

func TestRetry_TransientErrorExhaustsAttempts(t *testing.T) {
	transient := domain.Transient(errors.New("timeout"))
	calls := 0

	err := Retry(context.Background(), 3, func(context.Context) error {
		calls++
		return transient
	})
	if !domain.IsRetryable(err) {
		t.Fatalf("err = %v, want the transient error surfaced", err)
	}
	if calls != 3 {
		t.Fatalf("op called %d times, want 3", calls)
	}
}

func TestRetry_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Retry(ctx, 10, func(context.Context) error {
		calls++
		cancel()
		return domain.Transient(errors.New("timeout"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1", calls)
	}
}

func TestRetry_ZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	if err := Retry(context.Background(), 0, func(context.Context) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1", calls)
	}
}
