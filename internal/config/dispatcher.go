package config

import "time"

// DispatcherConfig tunes the leader dispatch loop.
type DispatcherConfig struct {
	// Enabled turns the dispatcher role off entirely on this node; the node
	// then only runs consumers and sweeps.
	Enabled bool `env:"MILVAION_DISPATCHER_ENABLED" default:"true"`

	// PollingIntervalSeconds is the tick cadence of the dispatch loop.
	PollingIntervalSeconds int `env:"MILVAION_DISPATCHER_POLLING_INTERVAL_SECONDS" default:"1"`

	// BatchSize caps how many due entries one tick claims from the schedule.
	BatchSize int `env:"MILVAION_DISPATCHER_BATCH_SIZE" default:"100"`

	// LeaseTTLSeconds is the leadership lease lifetime. The lease is
	// refreshed every tick, so it only expires when the leader stalls.
	LeaseTTLSeconds int `env:"MILVAION_DISPATCHER_LEASE_TTL_SECONDS" default:"600"`

	// EnableStartupRecovery republishes dispatches that never reached the
	// bus: occurrences stuck in Queued after a crash between persist and
	// publish, and occurrences a crashed leader marked Unknown on a failed
	// publish.
	EnableStartupRecovery bool `env:"MILVAION_DISPATCHER_STARTUP_RECOVERY" default:"true"`

	// RecoveryGraceSeconds is how old a stranded occurrence must be before
	// startup recovery republishes it, to avoid racing in-flight dispatches.
	RecoveryGraceSeconds int `env:"MILVAION_DISPATCHER_RECOVERY_GRACE_SECONDS" default:"60"`
}

// PollingInterval returns the tick cadence as a duration.
func (c *DispatcherConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSeconds) * time.Second
}

// LeaseTTL returns the leadership lease lifetime as a duration.
func (c *DispatcherConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSeconds) * time.Second
}

// RecoveryGrace returns the startup recovery age threshold as a duration.
func (c *DispatcherConfig) RecoveryGrace() time.Duration {
	return time.Duration(c.RecoveryGraceSeconds) * time.Second
}
