package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/inventory-saga/internal/payment"
)

const paymentColumns = `id, transaction_id, order_id, reservation_id, customer_id, amount, currency,
       method, status, gateway_transaction_id, approval_code, failure_reason, created_at, updated_at`

type PaymentRepository struct {
	db *sql.DB
}

var _ payment.Repository = (*PaymentRepository)(nil)

func (r *PaymentRepository) Insert(ctx context.Context, p *payment.Payment) error {
	const q = `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		p.ID, p.TransactionID, p.OrderID, p.ReservationID, p.CustomerID, p.Amount, p.Currency,
		p.Method, string(p.Status), p.GatewayTransactionID, p.ApprovalCode, p.FailureReason,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert payment %q: %w", p.ID, err)
	}
	return nil
}

func (r *PaymentRepository) Update(ctx context.Context, p *payment.Payment, expected payment.Status) error {
	const q = `
		UPDATE payments
		SET    status = ?, gateway_transaction_id = ?, approval_code = ?, failure_reason = ?, updated_at = ?
		WHERE  id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, q,
		string(p.Status), p.GatewayTransactionID, p.ApprovalCode, p.FailureReason, formatTime(p.UpdatedAt),
		p.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update payment %q: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update payment %q: %w", p.ID, err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, p.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is no longer %s", payment.ErrConcurrentUpdate, p.ID, expected)
	}
	return nil
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*payment.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE id = ?`
	return r.one(ctx, q, id)
}

// FindByOrder returns the most recent payment attempt for an order.
func (r *PaymentRepository) FindByOrder(ctx context.Context, orderID string) (*payment.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = ? ORDER BY created_at DESC LIMIT 1`
	return r.one(ctx, q, orderID)
}

func (r *PaymentRepository) one(ctx context.Context, q string, arg string) (*payment.Payment, error) {
	var (
		p         payment.Payment
		status    string
		createdAt string
		updatedAt string
	)
	err := r.db.QueryRowContext(ctx, q, arg).Scan(
		&p.ID, &p.TransactionID, &p.OrderID, &p.ReservationID, &p.CustomerID, &p.Amount, &p.Currency,
		&p.Method, &status, &p.GatewayTransactionID, &p.ApprovalCode, &p.FailureReason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", payment.ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get payment %q: %w", arg, err)
	}

	p.Status = payment.Status(status)
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
