package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/milvaion/milvaion/internal/config"
	"github.com/milvaion/milvaion/internal/coordination"
)

// testKeyPrefix isolates test keys from anything else on the instance.
const testKeyPrefix = "M:JS:test:"

// SetupCoordination connects to the test Redis instance and flushes every
// test-prefixed key on cleanup. The suite skips itself when
// MILVAION_TEST_REDIS_ADDR is unset.
func SetupCoordination(t *testing.T) (*redis.Client, coordination.Keys, *coordination.CircuitBreaker) {
	t.Helper()

	cfg, err := config.LoadTestConfig()
	require.NoError(t, err)
	if cfg.RedisAddr == "" {
		t.Skip("set MILVAION_TEST_REDIS_ADDR to run coordination integration tests")
	}

	client, err := coordination.NewClient(context.Background(), coordination.ClientConfig{
		Addr: cfg.RedisAddr,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, testKeyPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})

	breaker := coordination.NewCircuitBreaker("test", coordination.BreakerSettings{
		FailureThreshold: 5,
		OpenInterval:     30 * time.Second,
		HalfOpenProbes:   1,
	})
	return client, coordination.NewKeys(testKeyPrefix), breaker
}
