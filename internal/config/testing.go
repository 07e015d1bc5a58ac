package config

import (
	"fmt"

	"github.com/milvaion/milvaion/internal/env"
)

// TestConfig holds configuration for integration tests. The backing services
// are opt-in: a test suite skips itself when its address is unset.
type TestConfig struct {
	DatabaseDSN string `env:"MILVAION_TEST_DB_DSN"`
	RedisAddr   string `env:"MILVAION_TEST_REDIS_ADDR"`
}

// LoadTestConfig loads test configuration from environment.
func LoadTestConfig() (*TestConfig, error) {
	cfg := &TestConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load test config: %w", err)
	}

	return cfg, nil
}
