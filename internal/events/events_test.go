package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaPublisher_KeysAndHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	w := &fakeWriter{}
	p := NewKafkaPublisher(nil, w, "reservation.events")

	err := p.Publish(ctx,
		New(ReservationCreated, "RES-1", "TX1", map[string]any{"quantity": 2}),
		New(OrderCreated, "ORD-1", "TX1", map[string]any{"status": "CREATED"}),
	)
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)

	m := w.msgs[0]
	assert.Equal(t, "reservation.events", m.Topic)
	assert.Equal(t, "RES-1", string(m.Key))
	assert.Equal(t, string(ReservationCreated), header(m, HeaderEventType))
	assert.Contains(t, header(m, "traceparent"), span.SpanContext().TraceID().String())

	var decoded Event
	require.NoError(t, json.Unmarshal(m.Value, &decoded))
	assert.Equal(t, ReservationCreated, decoded.Type)
	assert.Equal(t, "TX1", decoded.TransactionID)
	assert.Equal(t, "ORD-1", string(w.msgs[1].Key))
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewKafkaPublisher(nil, w, "t")
	err := p.Publish(context.Background(), New(PaymentFailed, "PAY-1", "TX1", nil))
	assert.ErrorContains(t, err, "broker down")

	assert.NoError(t, p.Publish(context.Background()))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), New(OrderCancelled, "ORD-1", "TX1", nil)))
	assert.Equal(t, []Type{OrderCancelled}, r.Types())
	r.Reset()
	assert.Empty(t, r.Events())
}
