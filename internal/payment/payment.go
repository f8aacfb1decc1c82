// Package payment records payments and drives the external gateway. The
// gateway is consumed only through the Gateway port.
package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("payment: not found")
	ErrDeclined         = errors.New("payment: declined")
	ErrInvalidState     = errors.New("payment: invalid state")
	ErrConcurrentUpdate = errors.New("payment: concurrent update")
)

type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

const Table = "payments"

type Payment struct {
	ID                   string    `json:"paymentId"`
	TransactionID        string    `json:"transactionId"`
	OrderID              string    `json:"orderId"`
	ReservationID        string    `json:"reservationId"`
	CustomerID           string    `json:"customerId"`
	Amount               int64     `json:"amount"`
	Currency             string    `json:"currency"`
	Method               string    `json:"method"`
	Status               Status    `json:"status"`
	GatewayTransactionID string    `json:"gatewayTransactionId,omitempty"`
	ApprovalCode         string    `json:"approvalCode,omitempty"`
	FailureReason        string    `json:"failureReason,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// ChargeRequest is what the gateway needs to charge a customer.
type ChargeRequest struct {
	PaymentID  string `json:"paymentId"`
	CustomerID string `json:"customerId"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Method     string `json:"method"`
}

type ChargeResult struct {
	Success              bool   `json:"success"`
	GatewayTransactionID string `json:"gatewayTransactionId"`
	ApprovalCode         string `json:"approvalCode"`
	ErrorMessage         string `json:"errorMessage"`
}

// Gateway is the external payment capability. A returned error means the
// gateway could not be reached or did not answer; a declined charge is a
// ChargeResult with Success false.
type Gateway interface {
	ProcessPayment(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	RefundPayment(ctx context.Context, gatewayTransactionID string) (bool, error)
}

// Repository persists payments. Update is a compare-and-set on status.
type Repository interface {
	Insert(ctx context.Context, p *Payment) error
	Update(ctx context.Context, p *Payment, expected Status) error
	Get(ctx context.Context, id string) (*Payment, error)
	FindByOrder(ctx context.Context, orderID string) (*Payment, error)
}
