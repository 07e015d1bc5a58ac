// Package bus is the Kafka/Redpanda binding: dispatch publishing, the
// status/log return-queue consumers, and the dead letter topic.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// ClientConfig configures one kgo client. Group and Topics are set for
// consumers and left empty for producer-only clients.
type ClientConfig struct {
	Brokers  []string
	ClientID string

	Group  string
	Topics []string

	// FetchMaxWait bounds how long one poll blocks broker-side; consumers
	// set it to their batch window so empty polls return in time.
	FetchMaxWait time.Duration
}

// NewClient builds a kgo client with otel produce/consume instrumentation.
// Topics are auto-created on first use; production deployments pre-provision
// them with real partition counts.
func NewClient(cfg ClientConfig) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.AllowAutoTopicCreation(),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
	}

	if cfg.Group != "" {
		fetchMaxWait := cfg.FetchMaxWait
		if fetchMaxWait <= 0 {
			fetchMaxWait = time.Second
		}
		opts = append(opts,
			kgo.ConsumerGroup(cfg.Group),
			kgo.ConsumeTopics(cfg.Topics...),
			kgo.FetchMaxWait(fetchMaxWait),
			// Batches are marked after the handler returns; marks commit on
			// the autocommit interval and on rebalance/close.
			kgo.AutoCommitMarks(),
			kgo.AutoCommitInterval(time.Second),
		)
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus client: %w", err)
	}
	return client, nil
}

// Ping verifies broker connectivity at startup.
func Ping(ctx context.Context, client *kgo.Client) error {
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach bus brokers: %w", err)
	}
	return nil
}
