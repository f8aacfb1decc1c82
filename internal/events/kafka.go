package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const HeaderEventType = "event_type"

type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer that hashes on the message key so events
// of one entity land on one partition.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

type KafkaPublisher struct {
	log    *slog.Logger
	writer Writer
	topic  string
}

func NewKafkaPublisher(log *slog.Logger, writer Writer, topic string) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaPublisher{log: log, writer: writer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("events: encode %s: %w", e.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Topic:   p.topic,
			Key:     []byte(e.Key),
			Value:   value,
			Headers: injectHeaders(ctx, []kafka.Header{{Key: HeaderEventType, Value: []byte(e.Type)}}),
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.log.ErrorContext(ctx, "event publish failed", "count", len(msgs), "error", err)
		return fmt.Errorf("events: publish: %w", err)
	}
	for _, e := range events {
		p.log.DebugContext(ctx, "event published", "event_id", e.ID, "type", e.Type, "key", e.Key)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func injectHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
