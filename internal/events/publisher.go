// Package events publishes catalog change notifications.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	kafkago "github.com/segmentio/kafka-go"
)

// Event types.
const (
	DatasetRegistered = "dataset.registered"
	DatasetRemoved    = "dataset.removed"
)

// CatalogEvent describes a dataset entering or leaving the catalog.
type CatalogEvent struct {
	Type       string    `json:"type"`
	Dataset    string    `json:"dataset"`
	Years      []int     `json:"years,omitempty"`
	Islands    []string  `json:"islands,omitempty"`
	Months     []string  `json:"months,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher sends catalog events somewhere interested parties can see them.
type Publisher interface {
	Publish(ctx context.Context, event CatalogEvent) error
	Close() error
}

// messageWriter is the subset of kafka-go's Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces catalog events to a Kafka topic, keyed by dataset name.
type KafkaPublisher struct {
	writer messageWriter
	clock  clockwork.Clock
}

// NewKafkaPublisher creates a producer for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, clock clockwork.Clock) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w, clock: clock}
}

// Publish serializes event and writes it. A zero OccurredAt is stamped with the current time.
func (p *KafkaPublisher) Publish(ctx context.Context, event CatalogEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.clock.Now().UTC()
	}
	msg, err := toMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(event CatalogEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize catalog event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(event.Dataset),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "occurred_at", Value: []byte(event.OccurredAt.Format(time.RFC3339))},
		},
	}, nil
}

// NopPublisher discards events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, CatalogEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
