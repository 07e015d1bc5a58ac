package config

import (
	"errors"
	"time"
)

// ErrRedisAddrRequired is returned when the Redis address is not configured.
var ErrRedisAddrRequired = errors.New("MILVAION_REDIS_ADDR is required")

// RedisConfig holds the coordination store connection configuration.
type RedisConfig struct {
	Addr     string `env:"MILVAION_REDIS_ADDR" default:"localhost:6379"`
	Password string `env:"MILVAION_REDIS_PASSWORD"`
	DB       int    `env:"MILVAION_REDIS_DB"`

	// KeyPrefix namespaces every coordination key so several deployments can
	// share one Redis instance.
	KeyPrefix string `env:"MILVAION_REDIS_KEY_PREFIX" default:"M:JS:"`
}

// Validate validates the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return ErrRedisAddrRequired
	}
	return nil
}

// BreakerConfig tunes the circuit breaker guarding coordination reads.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int `env:"MILVAION_BREAKER_FAILURE_THRESHOLD" default:"5"`

	// OpenSeconds is how long the circuit stays open before a single probe
	// is allowed through.
	OpenSeconds int `env:"MILVAION_BREAKER_OPEN_SECONDS" default:"30"`

	// HalfOpenProbes is the number of trial calls allowed in half-open state.
	HalfOpenProbes int `env:"MILVAION_BREAKER_HALF_OPEN_PROBES" default:"1"`
}

// OpenDuration returns the open interval as a duration.
func (c *BreakerConfig) OpenDuration() time.Duration {
	return time.Duration(c.OpenSeconds) * time.Second
}

// CacheConfig tunes the job definition cache.
type CacheConfig struct {
	// TTLHours is the expiry on cached job definitions. The cache is
	// write-through, so the TTL only bounds staleness after missed updates.
	TTLHours int `env:"MILVAION_JOB_CACHE_TTL_HOURS" default:"24"`
}

// TTL returns the cache expiry as a duration.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// RegistryConfig tunes worker registration tracking.
type RegistryConfig struct {
	// InstanceTTLSeconds is the expiry on per-instance registration keys.
	// Instances refresh on heartbeat; missed heartbeats age the key out.
	InstanceTTLSeconds int `env:"MILVAION_WORKER_INSTANCE_TTL_SECONDS" default:"120"`

	// ClassTTLSeconds is the expiry on the shared per-class descriptor,
	// refreshed whenever any instance of the class heartbeats.
	ClassTTLSeconds int `env:"MILVAION_WORKER_CLASS_TTL_SECONDS" default:"300"`
}

// InstanceTTL returns the registration expiry as a duration.
func (c *RegistryConfig) InstanceTTL() time.Duration {
	return time.Duration(c.InstanceTTLSeconds) * time.Second
}

// ClassTTL returns the class descriptor expiry as a duration.
func (c *RegistryConfig) ClassTTL() time.Duration {
	return time.Duration(c.ClassTTLSeconds) * time.Second
}
