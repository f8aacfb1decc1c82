package payment

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

const DefaultTimeout = 5 * time.Second

type ProcessRequest struct {
	OrderID       string
	ReservationID string
	CustomerID    string
	Amount        int64
	Currency      string
	Method        string
}

type Service struct {
	repo    Repository
	gateway Gateway
	wal     *wal.Service
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

// WithTimeout bounds each gateway call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(repo Repository, gateway Gateway, journal *wal.Service, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:    repo,
		gateway: gateway,
		wal:     journal,
		log:     logger,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process charges the customer. A declined charge and a gateway that did
// not answer in time both return an error wrapping ErrDeclined; the WAL
// message records which of the two happened.
func (s *Service) Process(ctx context.Context, txID string, req ProcessRequest) (*Payment, error) {
	now := s.now().UTC()
	p := &Payment{
		ID:            ids.NewPaymentID(),
		TransactionID: txID,
		OrderID:       req.OrderID,
		ReservationID: req.ReservationID,
		CustomerID:    req.CustomerID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Method:        req.Method,
		Status:        StatusProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	rec, err := s.wal.Begin(ctx, wal.Start{
		TransactionID: txID,
		Kind:          wal.KindPaymentProcess,
		Table:         Table,
		EntityIDs:     entityIDs(p),
		After:         p,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, p); err != nil {
		rec.Fail(ctx, err)
		return nil, fmt.Errorf("payment: insert %s: %w", p.ID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, callErr := s.gateway.ProcessPayment(callCtx, ChargeRequest{
		PaymentID:  p.ID,
		CustomerID: p.CustomerID,
		Amount:     p.Amount,
		Currency:   p.Currency,
		Method:     p.Method,
	})
	cancel()

	before := *p
	if callErr == nil && res.Success {
		p.Status = StatusCompleted
		p.GatewayTransactionID = res.GatewayTransactionID
		p.ApprovalCode = res.ApprovalCode
		p.UpdatedAt = s.now().UTC()
		if err := s.repo.Update(ctx, p, StatusProcessing); err != nil {
			s.log.ErrorContext(ctx, "failed to record completed payment",
				"tx_id", txID, "payment_id", p.ID, "gateway_tx_id", res.GatewayTransactionID, "error", err)
			rec.Fail(ctx, err)
			s.refundUnrecorded(ctx, txID, p)
			return nil, fmt.Errorf("payment: record completion of %s: %w", p.ID, err)
		}
		rec.Commit(ctx, before, p)
		s.log.InfoContext(ctx, "payment completed", "tx_id", txID, "payment_id", p.ID, "order_id", p.OrderID)
		return p, nil
	}

	reason := failureReason(res, callErr, s.timeout)
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, p, StatusProcessing); err != nil {
		s.log.ErrorContext(ctx, "failed to record failed payment", "tx_id", txID, "payment_id", p.ID, "error", err)
	}
	rec.Fail(ctx, errors.New(reason))

	s.log.WarnContext(ctx, "payment failed", "tx_id", txID, "payment_id", p.ID, "reason", reason)
	return p, fmt.Errorf("%w: %s", ErrDeclined, reason)
}

// refundUnrecorded reverses a charge whose completion could not be stored,
// so no compensation will ever find it. If the gateway refuses the refund
// the refund start entry stays PENDING with the gateway transaction id for
// an operator.
func (s *Service) refundUnrecorded(ctx context.Context, txID string, charged *Payment) {
	ctx = context.WithoutCancel(ctx)

	refunded := *charged
	refunded.Status = StatusRefunded
	entities := entityIDs(charged)
	entities[wal.KeyGatewayTxID] = charged.GatewayTransactionID
	rec, err := s.wal.Begin(ctx, wal.Start{
		TransactionID: txID,
		Kind:          wal.KindPaymentRefund,
		Table:         Table,
		EntityIDs:     entities,
		Before:        charged,
		After:         refunded,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "CRITICAL: unrecorded charge needs a manual refund",
			"tx_id", txID, "payment_id", charged.ID, "gateway_tx_id", charged.GatewayTransactionID, "error", err)
		return
	}

	err = retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		ok, err := s.gateway.RefundPayment(callCtx, charged.GatewayTransactionID)
		if err == nil && !ok {
			err = fmt.Errorf("%w: refund rejected for %s", ErrDeclined, charged.GatewayTransactionID)
		}
		return err
	})
	if err != nil {
		s.log.ErrorContext(ctx, "CRITICAL: unrecorded charge could not be refunded",
			"tx_id", txID, "payment_id", charged.ID, "gateway_tx_id", charged.GatewayTransactionID, "error", err)
		return
	}

	refunded.UpdatedAt = s.now().UTC()
	if current, err := s.repo.Get(ctx, charged.ID); err == nil {
		if err := s.repo.Update(ctx, &refunded, current.Status); err != nil {
			s.log.WarnContext(ctx, "failed to record refund of unrecorded charge", "payment_id", charged.ID, "error", err)
		}
	}
	rec.Commit(ctx, charged, refunded)
	s.log.WarnContext(ctx, "unrecorded charge refunded",
		"tx_id", txID, "payment_id", charged.ID, "gateway_tx_id", charged.GatewayTransactionID)
}

// Refund returns a completed payment to the customer. Refunding a refunded
// payment is a no-op.
func (s *Service) Refund(ctx context.Context, txID, paymentID string) (*Payment, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case StatusRefunded:
		return p, nil
	case StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: cannot refund %s payment %s", ErrInvalidState, p.Status, p.ID)
	}

	before := *p
	after := *p
	after.Status = StatusRefunded
	rec, err := s.wal.Begin(ctx, wal.Start{
		TransactionID: txID,
		Kind:          wal.KindPaymentRefund,
		Table:         Table,
		EntityIDs:     entityIDs(p),
		Before:        before,
		After:         after,
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	ok, err := s.gateway.RefundPayment(callCtx, p.GatewayTransactionID)
	cancel()
	if err == nil && !ok {
		err = fmt.Errorf("%w: refund rejected for %s", ErrDeclined, p.GatewayTransactionID)
	}
	if err != nil {
		rec.Fail(ctx, err)
		return nil, fmt.Errorf("payment: refund %s: %w", p.ID, err)
	}

	after.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, &after, StatusCompleted); err != nil {
		rec.Fail(ctx, err)
		return nil, fmt.Errorf("payment: record refund of %s: %w", p.ID, err)
	}
	rec.Commit(ctx, before, after)

	s.log.InfoContext(ctx, "payment refunded", "tx_id", txID, "payment_id", p.ID)
	return &after, nil
}

// MarkFailed closes a payment that never left PROCESSING.
func (s *Service) MarkFailed(ctx context.Context, paymentID, reason string) (*Payment, error) {
	p, err := s.repo.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusProcessing {
		return p, nil
	}
	p.Status = StatusFailed
	p.FailureReason = reason
	p.UpdatedAt = s.now().UTC()
	if err := s.repo.Update(ctx, p, StatusProcessing); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) FindByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return s.repo.FindByOrder(ctx, orderID)
}

func failureReason(res ChargeResult, err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("gateway timeout after %s", timeout)
	case err != nil:
		return "gateway error: " + err.Error()
	case res.ErrorMessage != "":
		return "declined: " + res.ErrorMessage
	}
	return "declined"
}

func entityIDs(p *Payment) map[string]string {
	return map[string]string{
		wal.KeyPaymentID:     p.ID,
		wal.KeyOrderID:       p.OrderID,
		wal.KeyReservationID: p.ReservationID,
	}
}
