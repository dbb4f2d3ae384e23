package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-presence/internal/models"
)

// Publisher announces presence table changes.
type Publisher interface {
	Publish(ctx context.Context, ev models.PresenceEvent) error
	Close() error
}

// MessageWriter is the kafka-go writer surface the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// NewProducerWithWriter wraps an existing writer; used by tests.
func NewProducerWithWriter(w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// Publish writes ev keyed by record id so one user's events stay ordered on a partition.
func (k *KafkaProducer) Publish(ctx context.Context, ev models.PresenceEvent) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.Record.ID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Nop discards events when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, models.PresenceEvent) error { return nil }
func (Nop) Close() error                                        { return nil }
