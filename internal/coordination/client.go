// Package coordination implements the shared Redis state the scheduler
// replicas coordinate through: the schedule index, job cache, locks and
// leases, the running set, worker registrations and the cancellation channel.
package coordination

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ClientConfig holds Redis connection settings for the coordination store.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to the coordination store and verifies connectivity.
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping coordination store: %w", err)
	}

	return client, nil
}
