// Package events publishes domain events for significant saga transitions.
// Delivery is at-least-once; consumers dedupe on Event.ID.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ReservationCreated   Type = "ReservationCreated"
	ReservationConfirmed Type = "ReservationConfirmed"
	ReservationCancelled Type = "ReservationCancelled"
	OrderCreated         Type = "OrderCreated"
	OrderStatusChanged   Type = "OrderStatusChanged"
	OrderCancelled       Type = "OrderCancelled"
	PaymentProcessed     Type = "PaymentProcessed"
	PaymentFailed        Type = "PaymentFailed"
)

// Event carries a minimal snapshot of one entity. Key is the entity id and
// is used as the partition key.
type Event struct {
	ID            string    `json:"eventId"`
	Type          Type      `json:"eventType"`
	Key           string    `json:"key"`
	TransactionID string    `json:"transactionId"`
	OccurredAt    time.Time `json:"occurredAt"`
	Payload       any       `json:"payload"`
}

func New(t Type, key, txID string, payload any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		Key:           key,
		TransactionID: txID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, ...Event) error { return nil }
