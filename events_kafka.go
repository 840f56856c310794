package authcore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes domain events to Kafka, one topic per event type
// (prefixed, e.g. "auth.login_succeeded"). Delivery is at-least-once; the
// dispatcher above it bounds retries.
type KafkaSink struct {
	writer      *kafka.Writer
	topicPrefix string
}

// NewKafkaSink creates a sink writing to the given brokers. topicPrefix may
// be empty, in which case topics are the bare event type names.
func NewKafkaSink(brokers []string, topicPrefix string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 50 * time.Millisecond,
		// Topic is per message: each event type has its own topic.
	}
	return &KafkaSink{writer: writer, topicPrefix: topicPrefix}
}

func (s *KafkaSink) topic(t EventType) string {
	if s.topicPrefix == "" {
		return string(t)
	}
	return s.topicPrefix + "." + string(t)
}

// Emit serializes the event as JSON and writes it, keyed by subject so events
// for one identity stay ordered within a partition.
func (s *KafkaSink) Emit(ctx context.Context, event DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: s.topic(event.Type),
		Key:   []byte(event.SubjectID),
		Value: payload,
	})
}

// Close closes the underlying writer. Safe to call multiple times.
func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
