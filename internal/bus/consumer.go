package bus

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"
)

// BatchHandler processes one fetched batch. Handlers own their error policy:
// they retry or dead-letter internally and never fail the poll loop, so the
// whole batch is marked committed when the handler returns.
type BatchHandler func(ctx context.Context, records []*kgo.Record)

// Consumer is a batching group consumer: poll up to batchSize records or
// until the batch window elapses, hand the batch to the handler, mark, and
// poll again. Partition order within the batch is preserved by kgo, which is
// what gives per-correlation processing order.
type Consumer struct {
	name      string
	client    *kgo.Client
	batchSize int
	handle    BatchHandler
}

// NewConsumer wraps a group-configured client. The batch window is the
// client's FetchMaxWait, set in NewClient.
func NewConsumer(name string, client *kgo.Client, batchSize int, handle BatchHandler) *Consumer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Consumer{name: name, client: client, batchSize: batchSize, handle: handle}
}

// Run polls until the context is cancelled. Poll errors back off
// exponentially; a successful poll resets the backoff.
func (c *Consumer) Run(ctx context.Context) error {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = 500 * time.Millisecond
	boff.MaxInterval = 30 * time.Second

	slog.InfoContext(ctx, "bus consumer started", "consumer", c.name)

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetches := c.client.PollRecords(ctx, c.batchSize)
		if fetches.IsClientClosed() || errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			retry := false
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return nil
				}
				retry = true
				slog.ErrorContext(ctx, "bus fetch error",
					"consumer", c.name,
					"topic", fe.Topic,
					"partition", fe.Partition,
					"error", fe.Err)
			}
			if retry {
				wait := boff.NextBackOff()
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				continue
			}
		}

		records := fetches.Records()
		if len(records) == 0 {
			continue
		}
		boff.Reset()

		c.handleBatch(ctx, records)
		c.client.MarkCommitRecords(records...)
	}
}

// handleBatch isolates handler panics to the batch: the poll loop keeps
// running and the batch is still marked, matching the at-least-once contract.
func (c *Consumer) handleBatch(ctx context.Context, records []*kgo.Record) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic in batch handler",
				"consumer", c.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	c.handle(ctx, records)
}
