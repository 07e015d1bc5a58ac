package config

import "time"

// StatusTrackerConfig tunes the status message consumer.
type StatusTrackerConfig struct {
	// BatchSize is how many status messages one write batch may hold.
	BatchSize int `env:"MILVAION_STATUS_BATCH_SIZE" default:"50"`

	// BatchIntervalMs flushes a partial batch after this long.
	BatchIntervalMs int `env:"MILVAION_STATUS_BATCH_INTERVAL_MS" default:"500"`

	// MaxRetries is how many times one batch is retried in process before
	// its messages move to the dead letter topic.
	MaxRetries int `env:"MILVAION_STATUS_MAX_RETRIES" default:"3"`

	// UnknownOverrideGraceMinutes bounds how long after an occurrence was
	// marked Unknown a late authoritative worker status may still override it.
	UnknownOverrideGraceMinutes int `env:"MILVAION_UNKNOWN_OVERRIDE_GRACE_MINUTES" default:"10"`
}

// BatchInterval returns the flush window as a duration.
func (c *StatusTrackerConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}

// UnknownOverrideGrace returns the override window as a duration.
func (c *StatusTrackerConfig) UnknownOverrideGrace() time.Duration {
	return time.Duration(c.UnknownOverrideGraceMinutes) * time.Minute
}

// AutoDisableConfig holds the system-wide automatic job disabling policy.
// Individual jobs may override each field.
type AutoDisableConfig struct {
	Enabled bool `env:"MILVAION_AUTO_DISABLE_ENABLED" default:"true"`

	// Threshold is the consecutive failure count that disables a job.
	Threshold int `env:"MILVAION_AUTO_DISABLE_THRESHOLD" default:"5"`

	// WindowMinutes resets the failure streak when the gap between failures
	// exceeds it.
	WindowMinutes int `env:"MILVAION_AUTO_DISABLE_WINDOW_MINUTES" default:"60"`
}

// Window returns the streak reset gap as a duration.
func (c *AutoDisableConfig) Window() time.Duration {
	return time.Duration(c.WindowMinutes) * time.Minute
}
