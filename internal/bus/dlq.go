package bus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DeadLetterer copies exhausted records onto the dead letter topic with
// enough headers to diagnose them without replaying the source partition.
type DeadLetterer struct {
	client *kgo.Client
	topic  string
}

// NewDeadLetterer wraps a producer-capable client.
func NewDeadLetterer(client *kgo.Client, topic string) *DeadLetterer {
	return &DeadLetterer{client: client, topic: topic}
}

// Send dead-letters one record. The original key and value are preserved;
// source names the consumer that gave up, attempts how many times it tried.
func (d *DeadLetterer) Send(ctx context.Context, rec *kgo.Record, source string, attempts int, cause error) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	dead := &kgo.Record{
		Topic: d.topic,
		Key:   rec.Key,
		Value: rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: "error", Value: []byte(errText)},
			{Key: "source", Value: []byte(source)},
			{Key: "attempts", Value: []byte(strconv.Itoa(attempts))},
			{Key: "original-topic", Value: []byte(rec.Topic)},
		},
	}
	if err := d.client.ProduceSync(ctx, dead).FirstErr(); err != nil {
		return fmt.Errorf("failed to dead-letter record from %s: %w", rec.Topic, err)
	}
	return nil
}
