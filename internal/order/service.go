package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/inventory-saga/internal/pkg/ids"
	"github.com/jcmexdev/inventory-saga/internal/pkg/retry"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

type CreateRequest struct {
	ReservationID string
	CustomerID    string
	ProductID     string
	Quantity      int
	Amount        int64
	Currency      string
}

type Service struct {
	repo Repository
	wal  *wal.Service
	log  *slog.Logger
	now  func() time.Time
}

func NewService(repo Repository, journal *wal.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, wal: journal, log: logger, now: time.Now}
}

// Create inserts a CREATED order and returns it with the id of its Phase 1
// WAL entry.
func (s *Service) Create(ctx context.Context, txID string, req CreateRequest) (*Order, string, error) {
	now := s.now().UTC()
	o := &Order{
		ID:            ids.NewOrderID(),
		TransactionID: txID,
		ReservationID: req.ReservationID,
		CustomerID:    req.CustomerID,
		ProductID:     req.ProductID,
		Quantity:      req.Quantity,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	rec, err := s.wal.Begin(ctx, wal.Start{
		TransactionID: txID,
		Kind:          wal.KindOrderCreate,
		Table:         Table,
		EntityIDs:     entityIDs(o),
		After:         o,
	})
	if err != nil {
		return nil, "", err
	}

	if err := s.repo.Insert(ctx, o); err != nil {
		rec.Fail(ctx, err)
		return nil, "", fmt.Errorf("order: create for reservation %s: %w", req.ReservationID, err)
	}
	rec.Commit(ctx, nil, o)

	s.log.InfoContext(ctx, "order created", "tx_id", txID, "order_id", o.ID, "reservation_id", o.ReservationID)
	return o, rec.LogID(), nil
}

// MarkPaid moves a CREATED order to PAID. Repeating it with the same payment
// id on a PAID order returns the order unchanged.
func (s *Service) MarkPaid(ctx context.Context, txID, phase1LogID, orderID, paymentID string) (*Order, error) {
	return s.transition(ctx, orderID, func(o *Order) (bool, error) {
		switch o.Status {
		case StatusPaid:
			if o.PaymentID == paymentID {
				return false, nil
			}
			return false, fmt.Errorf("%w: %s already paid by %s", ErrInvalidState, o.ID, o.PaymentID)
		case StatusCreated:
		default:
			return false, fmt.Errorf("%w: cannot pay %s order %s", ErrInvalidState, o.Status, o.ID)
		}
		return true, nil
	}, func(ctx context.Context, before Order) (*wal.Record, *Order, error) {
		after := before
		after.Status = StatusPaid
		after.PaymentID = paymentID
		after.UpdatedAt = s.now().UTC()

		rec, err := s.wal.Begin(ctx, wal.Start{
			TransactionID: txID,
			Kind:          wal.KindOrderPaid,
			Table:         Table,
			EntityIDs:     entityIDs(&after),
			RelatedLogID:  phase1LogID,
			Before:        before,
			After:         after,
		})
		return rec, &after, err
	})
}

// Cancel moves a CREATED or PAID order to CANCELLED. Cancelling a cancelled
// order is a no-op.
func (s *Service) Cancel(ctx context.Context, txID, orderID, reason string) (*Order, error) {
	return s.transition(ctx, orderID, func(o *Order) (bool, error) {
		if o.Status == StatusCancelled {
			return false, nil
		}
		return true, nil
	}, func(ctx context.Context, before Order) (*wal.Record, *Order, error) {
		after := before
		after.Status = StatusCancelled
		after.CancelReason = reason
		after.UpdatedAt = s.now().UTC()

		rec, err := s.wal.Begin(ctx, wal.Start{
			TransactionID: txID,
			Kind:          wal.KindOrderCancel,
			Table:         Table,
			EntityIDs:     entityIDs(&after),
			Before:        before,
			After:         after,
		})
		return rec, &after, err
	})
}

func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) FindByReservation(ctx context.Context, reservationID string) (*Order, error) {
	return s.repo.FindByReservation(ctx, reservationID)
}

// transition runs a read-modify-write of one order. check decides whether
// the change applies; apply opens the WAL record and builds the new state.
// A lost compare-and-set is retried from a fresh read.
func (s *Service) transition(
	ctx context.Context,
	orderID string,
	check func(o *Order) (bool, error),
	apply func(ctx context.Context, before Order) (*wal.Record, *Order, error),
) (*Order, error) {
	policy := retry.DefaultPolicy
	policy.Retryable = func(err error) bool { return errors.Is(err, ErrConcurrentUpdate) }

	return retry.Value(ctx, policy, func(ctx context.Context) (*Order, error) {
		current, err := s.repo.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		change, err := check(current)
		if err != nil || !change {
			return current, err
		}

		rec, next, err := apply(ctx, *current)
		if err != nil {
			return nil, err
		}
		if err := s.repo.Update(ctx, next, current.Status); err != nil {
			rec.Fail(ctx, err)
			return nil, err
		}
		rec.Commit(ctx, current, next)

		s.log.InfoContext(ctx, "order status changed",
			"tx_id", next.TransactionID, "order_id", next.ID, "from", current.Status, "to", next.Status)
		return next, nil
	})
}

func entityIDs(o *Order) map[string]string {
	m := map[string]string{
		wal.KeyOrderID:       o.ID,
		wal.KeyReservationID: o.ReservationID,
	}
	if o.PaymentID != "" {
		m[wal.KeyPaymentID] = o.PaymentID
	}
	if o.ProductID != "" {
		m[wal.KeyProductID] = o.ProductID
	}
	return m
}
