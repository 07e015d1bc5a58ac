package tracking

import (
	"time"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/domain"
)

// AutoDisablePolicy is the effective auto-disable policy for one job: the
// global configuration with the job's nullable overrides applied.
type AutoDisablePolicy struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
}

// ResolvePolicy applies per-job overrides on top of the global policy. Nil
// override fields fall back to the global value.
func ResolvePolicy(global config.AutoDisableConfig, override domain.AutoDisableConfig) AutoDisablePolicy {
	p := AutoDisablePolicy{
		Enabled:   global.Enabled,
		Threshold: global.Threshold,
		Window:    global.Window(),
	}
	if override.Enabled != nil {
		p.Enabled = *override.Enabled
	}
	if override.Threshold != nil {
		p.Threshold = *override.Threshold
	}
	if override.WindowMinutes != nil {
		p.Window = time.Duration(*override.WindowMinutes) * time.Minute
	}
	return p
}

// Evaluate advances the job's failure state for one terminal failure and
// reports whether the job should be disabled. Pure function: the caller
// persists the returned state and performs the disable side effects.
//
// A failure streak resets when the gap since the previous failure exceeds
// the window. Reaching the threshold stamps DisabledAt.
func Evaluate(policy AutoDisablePolicy, state domain.AutoDisableState, now time.Time, status domain.OccurrenceStatus) (domain.AutoDisableState, bool) {
	if !policy.Enabled || !status.IsFailure() {
		return state, false
	}

	if state.LastFailureTime != nil && now.Sub(*state.LastFailureTime) > policy.Window {
		state.ConsecutiveFailureCount = 0
	}

	state.ConsecutiveFailureCount++
	failedAt := now
	state.LastFailureTime = &failedAt

	if policy.Threshold > 0 && state.ConsecutiveFailureCount >= policy.Threshold {
		disabledAt := now
		state.DisabledAt = &disabledAt
		return state, true
	}
	return state, false
}
