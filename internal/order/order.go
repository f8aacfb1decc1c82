// Package order owns the order records of a purchase. Every state change is
// written to the WAL before and after it is applied.
package order

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("order: not found")
	ErrInvalidState     = errors.New("order: invalid state")
	ErrConcurrentUpdate = errors.New("order: concurrent update")
)

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPaid      Status = "PAID"
	StatusCancelled Status = "CANCELLED"
)

const Table = "orders"

type Order struct {
	ID            string    `json:"orderId"`
	TransactionID string    `json:"transactionId"`
	ReservationID string    `json:"reservationId"`
	CustomerID    string    `json:"customerId"`
	ProductID     string    `json:"productId"`
	Quantity      int       `json:"quantity"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Status        Status    `json:"status"`
	PaymentID     string    `json:"paymentId,omitempty"`
	CancelReason  string    `json:"cancelReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Repository persists orders. Update is a compare-and-set on status: it
// returns ErrConcurrentUpdate when the stored status is not expected.
type Repository interface {
	Insert(ctx context.Context, o *Order) error
	Update(ctx context.Context, o *Order, expected Status) error
	Get(ctx context.Context, id string) (*Order, error)
	FindByReservation(ctx context.Context, reservationID string) (*Order, error)
}
