package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcmexdev/inventory-saga/internal/events"
	"github.com/jcmexdev/inventory-saga/internal/inventory"
	"github.com/jcmexdev/inventory-saga/internal/order"
	"github.com/jcmexdev/inventory-saga/internal/payment"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

const (
	stepReserve     = "reserve_inventory"
	stepCreateOrder = "create_order"
	stepPayment     = "process_payment"
	stepConfirm     = "confirm_inventory"
	stepMarkPaid    = "mark_order_paid"
)

// purchase is the state shared by the steps of one run.
type purchase struct {
	txID string
	req  PurchaseRequest

	reservation  *inventory.Reservation
	reserveLogID string
	order        *order.Order
	orderLogID   string
	payment      *payment.Payment

	events []events.Event
}

func (p *purchase) emit(t events.Type, key string, payload any) {
	p.events = append(p.events, events.New(t, key, p.txID, payload))
}

func (p *purchase) entityIDs() map[string]string {
	m := map[string]string{wal.KeyProductID: p.req.ProductID}
	if p.reservation != nil {
		m[wal.KeyReservationID] = p.reservation.ID
	}
	if p.order != nil {
		m[wal.KeyOrderID] = p.order.ID
	}
	if p.payment != nil {
		m[wal.KeyPaymentID] = p.payment.ID
	}
	return m
}

// --- reserveStep ---

type reserveStep struct {
	engine *inventory.Engine
	p      *purchase
}

func (s *reserveStep) Name() string { return stepReserve }

func (s *reserveStep) Execute(ctx context.Context) error {
	res, err := s.engine.Reserve(ctx, inventory.ReserveRequest{
		TransactionID: s.p.txID,
		ProductID:     s.p.req.ProductID,
		CustomerID:    s.p.req.CustomerID,
		Quantity:      s.p.req.Quantity,
		TTL:           s.p.req.TTL,
	})
	if err != nil {
		return fmt.Errorf("failed to reserve inventory: %w", err)
	}
	if !res.OK {
		return fmt.Errorf("%w: %d of %s", inventory.ErrInsufficientInventory, s.p.req.Quantity, s.p.req.ProductID)
	}
	s.p.reservation = res.Reservation
	s.p.reserveLogID = res.Phase1LogID
	s.p.emit(events.ReservationCreated, res.Reservation.ID, res.Reservation)
	return nil
}

func (s *reserveStep) Compensate(ctx context.Context) error {
	if s.p.reservation.Status != inventory.StatusReserved {
		return nil
	}
	r, err := s.engine.Release(ctx, s.p.txID, s.p.reservation.ID)
	if err != nil {
		return err
	}
	s.p.reservation = r
	s.p.emit(events.ReservationCancelled, r.ID, r)
	return nil
}

// --- createOrderStep ---

type createOrderStep struct {
	orders *order.Service
	p      *purchase
}

func (s *createOrderStep) Name() string { return stepCreateOrder }

func (s *createOrderStep) Execute(ctx context.Context) error {
	o, logID, err := s.orders.Create(ctx, s.p.txID, order.CreateRequest{
		ReservationID: s.p.reservation.ID,
		CustomerID:    s.p.req.CustomerID,
		ProductID:     s.p.req.ProductID,
		Quantity:      s.p.req.Quantity,
		Amount:        s.p.req.Amount(),
		Currency:      s.p.req.Currency,
	})
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	s.p.order = o
	s.p.orderLogID = logID
	s.p.emit(events.OrderCreated, o.ID, o)
	return nil
}

func (s *createOrderStep) Compensate(ctx context.Context) error {
	if s.p.order.Status == order.StatusCancelled {
		return nil
	}
	o, err := s.orders.Cancel(ctx, s.p.txID, s.p.order.ID, "purchase rolled back")
	if err != nil {
		return err
	}
	s.p.order = o
	s.p.emit(events.OrderCancelled, o.ID, o)
	return nil
}

// --- paymentStep ---

type paymentStep struct {
	payments *payment.Service
	p        *purchase
}

func (s *paymentStep) Name() string { return stepPayment }

func (s *paymentStep) Execute(ctx context.Context) error {
	pay, err := s.payments.Process(ctx, s.p.txID, payment.ProcessRequest{
		OrderID:       s.p.order.ID,
		ReservationID: s.p.reservation.ID,
		CustomerID:    s.p.req.CustomerID,
		Amount:        s.p.req.Amount(),
		Currency:      s.p.req.Currency,
		Method:        s.p.req.PaymentMethod,
	})
	if pay != nil {
		s.p.payment = pay
	}
	if err != nil {
		if pay != nil {
			s.p.emit(events.PaymentFailed, pay.ID, pay)
		}
		return fmt.Errorf("payment for order %s: %w", s.p.order.ID, err)
	}
	s.p.emit(events.PaymentProcessed, pay.ID, pay)
	return nil
}

func (s *paymentStep) Compensate(ctx context.Context) error {
	if s.p.payment == nil || s.p.payment.Status != payment.StatusCompleted {
		return nil
	}
	pay, err := s.payments.Refund(ctx, s.p.txID, s.p.payment.ID)
	if err != nil {
		return err
	}
	s.p.payment = pay
	return nil
}

// --- confirmStep ---

type confirmStep struct {
	engine *inventory.Engine
	wal    *wal.Service
	log    *slog.Logger
	p      *purchase
}

func (s *confirmStep) Name() string { return stepConfirm }

// Retains keeps the reservation held when confirmation fails: the units may
// already be paid for, so they are flagged for an operator and kept out of
// the expiry sweep instead of being released.
func (s *confirmStep) Retains() []string { return []string{stepReserve} }

func (s *confirmStep) Execute(ctx context.Context) error {
	r, err := s.engine.Confirm(ctx, s.p.txID, s.p.reserveLogID, s.p.reservation.ID)
	if err != nil {
		s.hold(ctx, err)
		return fmt.Errorf("failed to confirm inventory: %w", err)
	}
	s.p.reservation = r
	s.p.emit(events.ReservationConfirmed, r.ID, r)
	return nil
}

func (s *confirmStep) hold(ctx context.Context, cause error) {
	msg := "reservation held for manual reconciliation: " + cause.Error()
	if r, err := s.engine.Hold(ctx, s.p.txID, s.p.reservation.ID, msg); err != nil {
		s.log.ErrorContext(ctx, "failed to flag held reservation", "tx_id", s.p.txID, "error", err)
	} else {
		s.p.reservation = r
	}
	if _, err := s.wal.LogFailure(ctx, s.p.txID, wal.KindReservationHeld, inventory.Table, s.p.entityIDs(), msg); err != nil {
		s.log.ErrorContext(ctx, "failed to log held reservation", "tx_id", s.p.txID, "error", err)
	}
	s.log.ErrorContext(ctx, "CRITICAL: inventory confirmation failed after payment, reservation held",
		"tx_id", s.p.txID, "reservation_id", s.p.reservation.ID, "error", cause)
}

func (s *confirmStep) Compensate(ctx context.Context) error {
	r, err := s.engine.Rollback(ctx, s.p.txID, s.p.reservation.ID, "order update failed")
	if err != nil {
		return err
	}
	s.p.reservation = r
	s.p.emit(events.ReservationCancelled, r.ID, r)
	return nil
}

// --- markPaidStep ---

type markPaidStep struct {
	orders *order.Service
	p      *purchase
}

func (s *markPaidStep) Name() string { return stepMarkPaid }

func (s *markPaidStep) Execute(ctx context.Context) error {
	o, err := s.orders.MarkPaid(ctx, s.p.txID, s.p.orderLogID, s.p.order.ID, s.p.payment.ID)
	if err != nil {
		return fmt.Errorf("failed to mark order %s paid: %w", s.p.order.ID, err)
	}
	s.p.order = o
	s.p.emit(events.OrderStatusChanged, o.ID, o)
	return nil
}

// Compensate is a no-op: nothing runs after this step.
func (s *markPaidStep) Compensate(context.Context) error { return nil }
