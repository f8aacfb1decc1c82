package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jcmexdev/inventory-saga/internal/order"
)

const orderColumns = `id, transaction_id, reservation_id, customer_id, product_id, quantity,
       amount, currency, status, payment_id, cancel_reason, created_at, updated_at`

type OrderRepository struct {
	db *sql.DB
}

var _ order.Repository = (*OrderRepository)(nil)

func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	const q = `
		INSERT INTO orders (` + orderColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, q,
		o.ID, o.TransactionID, o.ReservationID, o.CustomerID, o.ProductID, o.Quantity,
		o.Amount, o.Currency, string(o.Status), o.PaymentID, o.CancelReason,
		formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert order %q: %w", o.ID, err)
	}
	return nil
}

func (r *OrderRepository) Update(ctx context.Context, o *order.Order, expected order.Status) error {
	const q = `
		UPDATE orders
		SET    status = ?, payment_id = ?, cancel_reason = ?, updated_at = ?
		WHERE  id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, q,
		string(o.Status), o.PaymentID, o.CancelReason, formatTime(o.UpdatedAt),
		o.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("sqlite: update order %q: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update order %q: %w", o.ID, err)
	}
	if n == 0 {
		if _, err := r.Get(ctx, o.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is no longer %s", order.ErrConcurrentUpdate, o.ID, expected)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	return r.one(ctx, q, id)
}

// FindByReservation returns the most recent order placed for a reservation.
func (r *OrderRepository) FindByReservation(ctx context.Context, reservationID string) (*order.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE reservation_id = ? ORDER BY created_at DESC LIMIT 1`
	return r.one(ctx, q, reservationID)
}

func (r *OrderRepository) one(ctx context.Context, q string, arg string) (*order.Order, error) {
	var (
		o         order.Order
		status    string
		createdAt string
		updatedAt string
	)
	err := r.db.QueryRowContext(ctx, q, arg).Scan(
		&o.ID, &o.TransactionID, &o.ReservationID, &o.CustomerID, &o.ProductID, &o.Quantity,
		&o.Amount, &o.Currency, &status, &o.PaymentID, &o.CancelReason, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get order %q: %w", arg, err)
	}

	o.Status = order.Status(status)
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &o, nil
}
