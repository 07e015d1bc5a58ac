package bus

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher produces records synchronously. Dispatch correctness depends on
// knowing whether the publish landed, so every produce waits for the broker
// ack before the caller proceeds.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher wraps a producer-capable client.
func NewPublisher(client *kgo.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish produces one record and waits for the ack. The key selects the
// partition; dispatch records are keyed by jobId and return-queue records by
// correlationId so per-key ordering holds.
func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
