package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/milvaion/milvaion/internal/domain"
)

// CancellationBus fans cancellation requests out to every node and worker
// subscribed to the channel. Pub/sub is fire-and-forget: the catalog status
// update is what makes a cancellation stick, the channel only makes it fast.
type CancellationBus struct {
	client  *redis.Client
	keys    Keys
	breaker *CircuitBreaker
}

// NewCancellationBus creates a cancellation bus on the given client.
func NewCancellationBus(client *redis.Client, keys Keys, breaker *CircuitBreaker) *CancellationBus {
	return &CancellationBus{client: client, keys: keys, breaker: breaker}
}

// Publish broadcasts a cancellation request. Delivery is best effort; on an
// open circuit the request is silently dropped and subscribers find out by
// polling occurrence status.
func (b *CancellationBus) Publish(ctx context.Context, msg domain.CancellationMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode cancellation for %s: %w", msg.CorrelationID, err)
	}
	return Do(ctx, b.breaker, func(ctx context.Context) error {
		if err := b.client.Publish(ctx, b.keys.CancellationChannel(), payload).Err(); err != nil {
			return fmt.Errorf("failed to publish cancellation for %s: %w", msg.CorrelationID, err)
		}
		return nil
	})
}

// Subscribe delivers cancellation requests until the context is cancelled.
// The returned channel is closed on shutdown. Malformed payloads are logged
// and skipped.
func (b *CancellationBus) Subscribe(ctx context.Context) (<-chan domain.CancellationMessage, error) {
	pubsub := b.client.Subscribe(ctx, b.keys.CancellationChannel())

	// Force the subscription to be established before returning so callers
	// never miss messages published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to cancellation channel: %w", err)
	}

	out := make(chan domain.CancellationMessage, 16)

	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var msg domain.CancellationMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					slog.WarnContext(ctx, "dropping malformed cancellation message",
						"error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
