package coordination

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerStats is a snapshot of breaker activity in the current window.
// The window resets lazily every hour.
type BreakerStats struct {
	Calls       int64
	Failures    int64
	Fallbacks   int64
	Opened      int64
	WindowStart time.Time
}

// BreakerSettings tunes one circuit breaker.
type BreakerSettings struct {
	FailureThreshold int
	OpenInterval     time.Duration
	HalfOpenProbes   int
}

// CircuitBreaker guards coordination store reads. The scheduler keeps working
// when Redis is down: Call returns the fallback value instead of an error, so
// lookups degrade to the catalog and the dispatcher skips a tick instead of
// crash-looping.
type CircuitBreaker struct {
	name     string
	settings BreakerSettings

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probes              int
	stats               BreakerStats

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, settings BreakerSettings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenInterval <= 0 {
		settings.OpenInterval = 30 * time.Second
	}
	if settings.HalfOpenProbes <= 0 {
		settings.HalfOpenProbes = 1
	}
	b := &CircuitBreaker{
		name:     name,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}
	b.stats.WindowStart = b.now()
	return b
}

// Call runs op through the breaker. On an open circuit or a store failure it
// returns the fallback value with a nil error. Context cancellation is the
// caller's problem, not a store health signal: it is returned as-is and never
// counted against the breaker.
func Call[T any](ctx context.Context, b *CircuitBreaker, fallback T, op func(context.Context) (T, error)) (T, error) {
	if !b.begin() {
		return fallback, nil
	}

	v, err := op(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			b.abandon()
			return fallback, err
		}

		b.fail(ctx, err)
		return fallback, nil
	}

	b.succeed()
	return v, nil
}

// Do runs an operation with no result through the breaker. Failures are
// swallowed the same way Call swallows them.
func Do(ctx context.Context, b *CircuitBreaker, op func(context.Context) error) error {
	_, err := Call(ctx, b, struct{}{}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// State returns the current circuit state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the current window.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// begin records the call and reports whether it may proceed.
func (b *CircuitBreaker) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetStats()
	b.stats.Calls++

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.settings.OpenInterval {
			b.state = BreakerHalfOpen
			b.probes = 1
			return true
		}
		b.stats.Fallbacks++
		return false

	case BreakerHalfOpen:
		if b.probes < b.settings.HalfOpenProbes {
			b.probes++
			return true
		}
		b.stats.Fallbacks++
		return false
	}

	return false
}

func (b *CircuitBreaker) succeed() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerClosed {
		slog.Info("circuit closed", "breaker", b.name)
	}
	b.state = BreakerClosed
	b.consecutiveFailures = 0
	b.probes = 0
}

func (b *CircuitBreaker) fail(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Failures++

	switch b.state {
	case BreakerHalfOpen:
		// The probe failed, back to open for a full interval.
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probes = 0
		b.stats.Opened++
		slog.WarnContext(ctx, "circuit reopened after failed probe",
			"breaker", b.name,
			"error", err)

	case BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			b.stats.Opened++
			slog.WarnContext(ctx, "circuit opened",
				"breaker", b.name,
				"consecutive_failures", b.consecutiveFailures,
				"error", err)
		}
	}
}

// abandon frees a half-open probe slot when the call ended without a verdict
// on store health.
func (b *CircuitBreaker) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen && b.probes > 0 {
		b.probes--
	}
}

func (b *CircuitBreaker) maybeResetStats() {
	now := b.now()
	if now.Sub(b.stats.WindowStart) >= time.Hour {
		b.stats = BreakerStats{WindowStart: now}
	}
}
