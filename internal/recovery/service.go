// Package recovery brings every transaction the WAL shows as unfinished to
// a terminal state, either by finishing it or by compensating it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jcmexdev/inventory-saga/internal/inventory"
	"github.com/jcmexdev/inventory-saga/internal/order"
	"github.com/jcmexdev/inventory-saga/internal/payment"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

const tracerName = "github.com/jcmexdev/inventory-saga/internal/recovery"

// Report summarises one recovery pass.
type Report struct {
	Scanned   int           `json:"scanned"`
	Recovered int           `json:"recovered"`
	Failed    int           `json:"failed"`
	Manual    int           `json:"manual"`
	Duration  time.Duration `json:"duration"`
}

type outcome int

const (
	recovered outcome = iota
	failed
	manual
)

type action func(ctx context.Context, e *wal.Entry) (string, error)

// errUnresolved is returned by an action that cannot tell which way an entry
// should go. The entry stays PENDING and counts as manual.
var errUnresolved = errors.New("outcome unknown")

type Service struct {
	mu       sync.Mutex
	wal      *wal.Service
	engine   *inventory.Engine
	orders   *order.Service
	payments *payment.Service
	log      *slog.Logger
}

func NewService(journal *wal.Service, engine *inventory.Engine, orders *order.Service, payments *payment.Service, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{wal: journal, engine: engine, orders: orders, payments: payments, log: log}
}

// Run makes one pass over the PENDING and IN_PROGRESS entries at least
// minAge old, in LSN order. Entries it cannot resolve stay PENDING for the
// next pass. Concurrent calls are serialised.
func (s *Service) Run(ctx context.Context, minAge time.Duration) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "recovery.Run")
	defer span.End()

	start := time.Now()
	pending, err := s.wal.FindPendingOlderThan(ctx, minAge)
	if err != nil {
		return Report{}, fmt.Errorf("recovery: list pending: %w", err)
	}

	rep := Report{Scanned: len(pending)}
	for _, e := range pending {
		if ctx.Err() != nil {
			break
		}
		switch s.recoverEntry(ctx, e) {
		case recovered:
			rep.Recovered++
		case failed:
			rep.Failed++
		case manual:
			rep.Manual++
		}
	}
	rep.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("recovery.scanned", rep.Scanned),
		attribute.Int("recovery.recovered", rep.Recovered),
		attribute.Int("recovery.failed", rep.Failed),
	)
	if rep.Scanned > 0 {
		s.log.InfoContext(ctx, "recovery pass finished",
			"scanned", rep.Scanned, "recovered", rep.Recovered, "failed", rep.Failed, "manual", rep.Manual,
			"duration", rep.Duration)
	}
	return rep, ctx.Err()
}

func (s *Service) recoverEntry(ctx context.Context, e *wal.Entry) outcome {
	log := s.log.With("tx_id", e.TransactionID, "log_id", e.LogID, "lsn", e.LSN, "operation", e.Operation)

	act := s.plan(e)
	if act == nil {
		log.WarnContext(ctx, "wal entry needs manual intervention")
		return manual
	}

	if err := s.wal.UpdateStatus(ctx, e.LogID, wal.StatusInProgress, "recovery started"); err != nil {
		log.ErrorContext(ctx, "failed to claim wal entry", "error", err)
		return failed
	}

	msg, err := act(ctx, e)
	if errors.Is(err, errUnresolved) {
		msg = "needs manual intervention: " + err.Error()
		log.WarnContext(ctx, "wal entry needs manual intervention", "reason", err)
		if uerr := s.wal.UpdateStatus(ctx, e.LogID, wal.StatusPending, msg); uerr != nil {
			log.ErrorContext(ctx, "failed to release wal entry", "error", uerr)
		}
		s.audit(ctx, e, false, msg)
		return manual
	}
	if err != nil {
		msg = "recovery failed: " + err.Error()
		log.ErrorContext(ctx, "recovery attempt failed, entry left pending", "error", err)
		if uerr := s.wal.UpdateStatus(ctx, e.LogID, wal.StatusPending, msg); uerr != nil {
			log.ErrorContext(ctx, "failed to release wal entry", "error", uerr)
		}
		s.audit(ctx, e, false, msg)
		return failed
	}

	if err := s.wal.UpdateStatus(ctx, e.LogID, wal.StatusRecovered, msg); err != nil {
		log.ErrorContext(ctx, "failed to mark wal entry recovered", "error", err)
		return failed
	}
	s.audit(ctx, e, true, msg)
	log.InfoContext(ctx, "wal entry recovered", "result", msg)
	return recovered
}

func (s *Service) audit(ctx context.Context, e *wal.Entry, ok bool, msg string) {
	if _, err := s.wal.LogRecovery(ctx, e, ok, msg); err != nil {
		s.log.ErrorContext(ctx, "failed to log recovery outcome", "log_id", e.LogID, "error", err)
	}
}

// plan picks the action for an entry from its kind. Only start entries are
// actionable; a nil action means an operator has to decide.
func (s *Service) plan(e *wal.Entry) action {
	kind, stage, ok := wal.ParseOperation(e.Operation)
	if !ok || stage != wal.StageStart {
		return nil
	}
	switch kind {
	case wal.KindInventoryReserve, wal.KindOrderCreate:
		return s.rollBackward
	case wal.KindPaymentProcess:
		return s.resolvePayment
	case wal.KindInventoryConfirm:
		return s.retryConfirm
	case wal.KindOrderPaid:
		return s.retryMarkPaid
	case wal.KindInventoryRelease, wal.KindInventoryExpire:
		return s.retryRelease
	case wal.KindOrderCancel:
		return s.retryCancel
	}
	// Refunds and rollbacks of confirmed stock move money or sold units.
	return nil
}

// rollBackward undoes a transaction that never got past Phase 1, unless the
// saga already committed and the entry is only missing its completion.
func (s *Service) rollBackward(ctx context.Context, e *wal.Entry) (string, error) {
	committed, err := s.sagaCommitted(ctx, e.TransactionID)
	if err != nil {
		return "", err
	}
	if committed {
		return "transaction already committed", nil
	}
	if err := s.compensate(ctx, e); err != nil {
		return "", err
	}
	return "rolled back", nil
}

// resolvePayment rolls forward when the payment went through and backward
// when it never reached the gateway or was declined. A PROCESSING payment
// may still be charged by a call in flight, so it is left alone.
func (s *Service) resolvePayment(ctx context.Context, e *wal.Entry) (string, error) {
	p, err := s.payments.Get(ctx, e.EntityID(wal.KeyPaymentID))
	if err != nil && !errors.Is(err, payment.ErrNotFound) {
		return "", err
	}

	if p != nil && p.Status == payment.StatusCompleted {
		if err := s.rollForward(ctx, e, p); err != nil {
			return "", err
		}
		return "rolled forward", nil
	}

	committed, err := s.sagaCommitted(ctx, e.TransactionID)
	if err != nil {
		return "", err
	}
	if committed {
		return "transaction already committed", nil
	}
	if p != nil && p.Status == payment.StatusProcessing {
		return "", fmt.Errorf("%w: payment %s still processing", errUnresolved, p.ID)
	}
	if err := s.compensate(ctx, e); err != nil {
		return "", err
	}
	return "rolled back", nil
}

func (s *Service) rollForward(ctx context.Context, e *wal.Entry, p *payment.Payment) error {
	entries, err := s.wal.FindByTransaction(ctx, e.TransactionID)
	if err != nil {
		return err
	}
	reserveLogID := startLogID(entries, wal.KindInventoryReserve)
	orderLogID := startLogID(entries, wal.KindOrderCreate)

	if _, err := s.engine.Confirm(ctx, e.TransactionID, reserveLogID, e.EntityID(wal.KeyReservationID)); err != nil {
		return fmt.Errorf("confirm reservation: %w", err)
	}
	if _, err := s.orders.MarkPaid(ctx, e.TransactionID, orderLogID, e.EntityID(wal.KeyOrderID), p.ID); err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	return nil
}

func (s *Service) retryConfirm(ctx context.Context, e *wal.Entry) (string, error) {
	if _, err := s.engine.Confirm(ctx, e.TransactionID, e.RelatedLogID, e.EntityID(wal.KeyReservationID)); err != nil {
		return "", err
	}
	return "confirm retried", nil
}

func (s *Service) retryMarkPaid(ctx context.Context, e *wal.Entry) (string, error) {
	_, err := s.orders.MarkPaid(ctx, e.TransactionID, e.RelatedLogID, e.EntityID(wal.KeyOrderID), e.EntityID(wal.KeyPaymentID))
	if err != nil {
		return "", err
	}
	return "mark paid retried", nil
}

func (s *Service) retryRelease(ctx context.Context, e *wal.Entry) (string, error) {
	if err := s.release(ctx, e.TransactionID, e.EntityID(wal.KeyReservationID)); err != nil {
		return "", err
	}
	return "release retried", nil
}

func (s *Service) retryCancel(ctx context.Context, e *wal.Entry) (string, error) {
	if err := s.cancelOrder(ctx, e.TransactionID, e.EntityID(wal.KeyOrderID)); err != nil {
		return "", err
	}
	return "cancel retried", nil
}

// compensate releases the reservation and cancels the order of the entry's
// transaction. Missing entities count as already compensated.
func (s *Service) compensate(ctx context.Context, e *wal.Entry) error {
	reservationID := e.EntityID(wal.KeyReservationID)
	orderID := e.EntityID(wal.KeyOrderID)
	if orderID == "" && reservationID != "" {
		o, err := s.orders.FindByReservation(ctx, reservationID)
		switch {
		case err == nil:
			orderID = o.ID
		case !errors.Is(err, order.ErrNotFound):
			return err
		}
	}

	if err := s.cancelOrder(ctx, e.TransactionID, orderID); err != nil {
		return err
	}
	return s.release(ctx, e.TransactionID, reservationID)
}

func (s *Service) release(ctx context.Context, txID, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	_, err := s.engine.Release(ctx, txID, reservationID)
	if errors.Is(err, inventory.ErrReservationNotFound) {
		return nil
	}
	return err
}

func (s *Service) cancelOrder(ctx context.Context, txID, orderID string) error {
	if orderID == "" {
		return nil
	}
	_, err := s.orders.Cancel(ctx, txID, orderID, "cancelled by recovery")
	if errors.Is(err, order.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) sagaCommitted(ctx context.Context, txID string) (bool, error) {
	entries, err := s.wal.FindByTransaction(ctx, txID)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Operation == wal.OpSagaCommit {
			return true, nil
		}
	}
	return false, nil
}

func startLogID(entries []*wal.Entry, kind wal.Kind) string {
	for _, e := range entries {
		if e.Operation == kind.Start() {
			return e.LogID
		}
	}
	return ""
}
