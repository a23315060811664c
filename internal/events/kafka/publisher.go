// Package kafka publishes transaction lifecycle events to a Kafka topic.
// Publishing is best-effort: the ledger write has already committed by the
// time an event is emitted, and the posting service drops failures.
package kafka

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/centbook/centbook/internal/service/posting"
)

// Publisher writes posting events to a single topic, keyed by transaction
// code so amendments and retractions of the same transaction stay ordered
// within a partition.
type Publisher struct {
	writer *kafkago.Writer
}

// NewPublisher constructs a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafkago.LeastBytes{},
		},
	}
}

// Publish implements posting.Publisher.
func (p *Publisher) Publish(ctx context.Context, ev posting.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(ev.Code),
		Value: data,
	})
}

// Close flushes and releases the underlying writer.
func (p *Publisher) Close() error { return p.writer.Close() }
