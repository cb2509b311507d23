package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/tradeguard/internal/retry"
)

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by subject so that all events
// for one order land on the same partition in commit order.
type KafkaSink struct {
	w      MessageWriter
	policy retry.Policy
}

// NewKafkaWriter builds a writer for the given brokers and topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewKafkaSink wraps w. Publishing retries with retry.DefaultPolicy.
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{w: w, policy: retry.DefaultPolicy}
}

// WithPolicy overrides the retry policy.
func (k *KafkaSink) WithPolicy(p retry.Policy) *KafkaSink {
	k.policy = p
	return k
}

// Publish encodes and writes the event.
func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Subject),
		Value: payload,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "event-id", Value: []byte(e.ID)},
		},
	}
	if err := k.policy.Do(ctx, func() error {
		return k.w.WriteMessages(ctx, msg)
	}); err != nil {
		return fmt.Errorf("publish event %s: %w", e.ID, err)
	}
	return nil
}

// Close closes the underlying writer.
func (k *KafkaSink) Close() error {
	return k.w.Close()
}
