package config

import "time"

// ZombieConfig tunes detection of occurrences whose workers went silent.
type ZombieConfig struct {
	Enabled bool `env:"MILVAION_ZOMBIE_DETECTION_ENABLED" default:"true"`

	// SweepIntervalSeconds is how often running occurrences are checked for
	// missed heartbeats.
	SweepIntervalSeconds int `env:"MILVAION_ZOMBIE_SWEEP_INTERVAL_SECONDS" default:"300"`

	// DefaultTimeoutMinutes marks an occurrence Unknown after this long
	// without a heartbeat, unless the job pins its own timeout.
	DefaultTimeoutMinutes int `env:"MILVAION_ZOMBIE_TIMEOUT_MINUTES" default:"10"`
}

// SweepInterval returns the sweep cadence as a duration.
func (c *ZombieConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// DefaultTimeout returns the heartbeat silence threshold as a duration.
func (c *ZombieConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMinutes) * time.Minute
}
