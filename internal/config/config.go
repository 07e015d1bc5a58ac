package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/milvaion/milvaion/internal/env"
)

// Config holds the full scheduler node configuration, assembled from
// environment variables with the MILVAION_ prefix. Each component receives
// only its own section.
type Config struct {
	// NodeID identifies this replica in leader election and lease ownership.
	// Generated as hostname-<short uuid> when unset.
	NodeID string `env:"MILVAION_NODE_ID"`

	// ShutdownTimeoutSeconds is the hard deadline for graceful shutdown;
	// in-flight work is abandoned after it and the bus redelivers.
	ShutdownTimeoutSeconds int `env:"MILVAION_SHUTDOWN_TIMEOUT_SECONDS" default:"30"`

	Database      DatabaseConfig
	Redis         RedisConfig
	Bus           BusConfig
	Observability ObservabilityConfig

	Dispatcher    DispatcherConfig
	StatusTracker StatusTrackerConfig
	LogCollector  LogCollectorConfig
	Zombie        ZombieConfig
	AutoDisable   AutoDisableConfig
	Breaker       BreakerConfig
	Cache         CacheConfig
	Registry      RegistryConfig
	Pagination    PaginationConfig
}

// Load parses environment variables into a Config and fills derived
// defaults. Nested sections validate themselves during parsing.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = defaultNodeID()
	}

	return cfg, nil
}

// ShutdownTimeout returns the hard shutdown deadline as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "milvaion"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
