package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/inventory-saga/internal/pkg/ids"
	"github.com/jcmexdev/inventory-saga/internal/pkg/lock"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultRetention = 24 * time.Hour
	sweepBatch       = 100
)

type ReserveRequest struct {
	TransactionID string
	ProductID     string
	CustomerID    string
	Quantity      int
	// TTL overrides the engine default when positive.
	TTL time.Duration
}

// ReserveResult reports the outcome of Reserve. OK is false with Reason set
// when stock was insufficient; that is not an error.
type ReserveResult struct {
	Reservation *Reservation
	Phase1LogID string
	OK          bool
	Reason      string
}

// Engine is the single mutation entry point for stock counters.
type Engine struct {
	store     Store
	locker    lock.Locker
	wal       *wal.Service
	ledger    Ledger
	log       *slog.Logger
	now       func() time.Time
	ttl       time.Duration
	retention time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithDefaultTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// WithLedger makes every counter change go through the durable ledger
// before it reaches the fast store.
func WithLedger(l Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

func NewEngine(store Store, locker lock.Locker, journal *wal.Service, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		locker:    locker,
		wal:       journal,
		log:       slog.Default(),
		now:       time.Now,
		ttl:       DefaultTTL,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockKey(productID string) string { return "inventory:" + productID }

// InitProduct sets the stock of a product.
func (e *Engine) InitProduct(ctx context.Context, productID string, total int) (*InventoryResource, error) {
	if total < 0 {
		return nil, ErrInvalidQuantity
	}
	var res *InventoryResource
	err := e.locker.WithLock(ctx, lockKey(productID), func(ctx context.Context) error {
		if e.ledger != nil {
			if err := e.ledger.Init(ctx, productID, total); err != nil {
				return fmt.Errorf("inventory: init ledger for %s: %w", productID, err)
			}
		}
		var err error
		res, err = e.store.InitProduct(ctx, productID, total)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.InfoContext(ctx, "inventory initialised", "product_id", productID, "total", res.Total, "available", res.Available)
	return res, nil
}

func (e *Engine) Inventory(ctx context.Context, productID string) (*InventoryResource, error) {
	return e.store.Inventory(ctx, productID)
}

func (e *Engine) Reservation(ctx context.Context, id string) (*Reservation, error) {
	return e.store.Reservation(ctx, id)
}

// Reserve holds req.Quantity units of a product. The Phase 1 start entry is
// written before the store is touched, so a crash between the two leaves a
// PENDING entry carrying the reservation id.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if req.Quantity <= 0 {
		return ReserveResult{}, ErrInvalidQuantity
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.ttl
	}

	now := e.now().UTC()
	r := &Reservation{
		ID:            ids.NewReservationID(),
		ProductID:     req.ProductID,
		CustomerID:    req.CustomerID,
		TransactionID: req.TransactionID,
		Quantity:      req.Quantity,
		Status:        StatusReserved,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		UpdatedAt:     now,
	}

	rec, err := e.wal.Begin(ctx, wal.Start{
		TransactionID: req.TransactionID,
		Kind:          wal.KindInventoryReserve,
		Table:         Table,
		EntityIDs:     entityIDs(r),
		After:         r,
	})
	if err != nil {
		return ReserveResult{}, err
	}

	var out Outcome
	err = e.locker.WithLock(ctx, lockKey(r.ProductID), func(ctx context.Context) error {
		inv, err := e.store.Inventory(ctx, r.ProductID)
		if err != nil {
			return err
		}
		if inv.Available < r.Quantity {
			return ErrInsufficientInventory
		}
		d := Delta{Available: -r.Quantity, Reserved: r.Quantity}
		out, err = e.withLedger(ctx, r.ProductID, d, func() (Outcome, error) {
			return e.store.Reserve(ctx, r, e.retention)
		})
		return err
	})

	switch {
	case errors.Is(err, ErrInsufficientInventory):
		rec.Fail(ctx, err)
		e.log.InfoContext(ctx, "reservation rejected: insufficient inventory",
			"tx_id", req.TransactionID, "product_id", req.ProductID, "quantity", req.Quantity)
		return ReserveResult{Reason: ReasonInsufficientInventory}, nil
	case err != nil:
		rec.Fail(ctx, err)
		return ReserveResult{}, fmt.Errorf("inventory: reserve %d of %s: %w", req.Quantity, req.ProductID, err)
	}

	rec.Commit(ctx, nil, out.Reservation)
	e.log.InfoContext(ctx, "inventory reserved",
		"tx_id", req.TransactionID, "reservation_id", r.ID, "product_id", r.ProductID, "quantity", r.Quantity)
	return ReserveResult{Reservation: out.Reservation, Phase1LogID: rec.LogID(), OK: true}, nil
}

// Confirm is Phase 2: the held units are consumed for good. Confirming a
// confirmed reservation returns it unchanged.
func (e *Engine) Confirm(ctx context.Context, txID, phase1LogID, reservationID string) (*Reservation, error) {
	current, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case StatusConfirmed:
		return current, nil
	case StatusReserved:
	default:
		return nil, fmt.Errorf("%w: cannot confirm %s reservation %s", ErrInvalidState, current.Status, reservationID)
	}

	after := *current
	after.Status = StatusConfirmed
	rec, err := e.wal.Begin(ctx, wal.Start{
		TransactionID: txID,
		Kind:          wal.KindInventoryConfirm,
		Table:         Table,
		EntityIDs:     entityIDs(current),
		RelatedLogID:  phase1LogID,
		Before:        current,
		After:         after,
	})
	if err != nil {
		return nil, err
	}

	var out Outcome
	err = e.locker.WithLock(ctx, lockKey(current.ProductID), func(ctx context.Context) error {
		r, err := e.store.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status == StatusConfirmed {
			out = Outcome{Reservation: r}
			return nil
		}
		if r.Status != StatusReserved {
			return fmt.Errorf("%w: cannot confirm %s reservation %s", ErrInvalidState, r.Status, reservationID)
		}
		d := Delta{Total: -r.Quantity, Reserved: -r.Quantity}
		out, err = e.withLedger(ctx, r.ProductID, d, func() (Outcome, error) {
			return e.store.Confirm(ctx, reservationID, e.now().UTC())
		})
		return err
	})
	if err != nil {
		rec.Fail(ctx, err)
		return nil, fmt.Errorf("inventory: confirm %s: %w", reservationID, err)
	}

	rec.Commit(ctx, current, out.Reservation)
	e.log.InfoContext(ctx, "reservation confirmed", "tx_id", txID, "reservation_id", reservationID)
	return out.Reservation, nil
}

// Release cancels a RESERVED reservation and returns its units to
// available. Releasing a cancelled or expired reservation is a no-op.
func (e *Engine) Release(ctx context.Context, txID, reservationID string) (*Reservation, error) {
	return e.release(ctx, txID, reservationID, StatusCancelled, wal.KindInventoryRelease)
}

// Rollback undoes a reservation whatever its stage: a RESERVED one is
// released, a CONFIRMED one has its consumed units restored to stock.
func (e *Engine) Rollback(ctx context.Context, txID, reservationID, reason string) (*Reservation, error) {
	current, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case StatusCancelled, StatusExpired:
		return current, nil
	case StatusReserved:
		return e.Release(ctx, txID, reservationID)
	}

	after := *current
	after.Status = StatusCancelled
	rec, err := e.wal.Begin(ctx, wal.Start{
		TransactionID: txID,
		Kind:          wal.KindInventoryRollback,
		Table:         Table,
		EntityIDs:     entityIDs(current),
		Before:        current,
		After:         map[string]any{"reservation": after, "reason": reason},
	})
	if err != nil {
		return nil, err
	}

	var out Outcome
	err = e.locker.WithLock(ctx, lockKey(current.ProductID), func(ctx context.Context) error {
		r, err := e.store.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		var d Delta
		switch r.Status {
		case StatusConfirmed:
			d = Delta{Total: r.Quantity, Available: r.Quantity}
		case StatusReserved:
			d = Delta{Available: r.Quantity, Reserved: -r.Quantity}
		default:
			out = Outcome{Reservation: r}
			return nil
		}
		out, err = e.withLedger(ctx, r.ProductID, d, func() (Outcome, error) {
			return e.store.Rollback(ctx, reservationID, e.now().UTC())
		})
		return err
	})
	if err != nil {
		rec.Fail(ctx, err)
		return nil, fmt.Errorf("inventory: rollback %s: %w", reservationID, err)
	}

	rec.Commit(ctx, current, out.Reservation)
	e.log.WarnContext(ctx, "confirmed reservation rolled back",
		"tx_id", txID, "reservation_id", reservationID, "reason", reason)
	return out.Reservation, nil
}

// Hold keeps a RESERVED reservation out of the expiry sweep. Its units stay
// reserved until an operator releases or rolls it back.
func (e *Engine) Hold(ctx context.Context, txID, reservationID, reason string) (*Reservation, error) {
	current, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	var out Outcome
	err = e.locker.WithLock(ctx, lockKey(current.ProductID), func(ctx context.Context) error {
		var err error
		out, err = e.store.Hold(ctx, reservationID, e.now().UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inventory: hold %s: %w", reservationID, err)
	}

	if out.Changed {
		e.log.WarnContext(ctx, "reservation held",
			"tx_id", txID, "reservation_id", reservationID, "reason", reason)
	}
	return out.Reservation, nil
}

// SweepExpired expires every RESERVED reservation past its expiry and
// reports how many were expired.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	expired := 0
	for {
		batch, err := e.store.Expired(ctx, e.now().UTC(), sweepBatch)
		if err != nil {
			return expired, fmt.Errorf("inventory: list expired: %w", err)
		}
		progressed := false
		for _, id := range batch {
			r, err := e.store.Reservation(ctx, id)
			if err != nil {
				e.log.WarnContext(ctx, "expired reservation unreadable", "reservation_id", id, "error", err)
				continue
			}
			if _, err := e.release(ctx, r.TransactionID, id, StatusExpired, wal.KindInventoryExpire); err != nil {
				e.log.ErrorContext(ctx, "failed to expire reservation", "reservation_id", id, "error", err)
				continue
			}
			expired++
			progressed = true
		}
		if len(batch) < sweepBatch || !progressed {
			return expired, nil
		}
	}
}

func (e *Engine) release(ctx context.Context, txID, reservationID string, to ReservationStatus, kind wal.Kind) (*Reservation, error) {
	current, err := e.store.Reservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case StatusCancelled, StatusExpired:
		return current, nil
	case StatusConfirmed:
		return nil, fmt.Errorf("%w: cannot release confirmed reservation %s", ErrInvalidState, reservationID)
	}

	after := *current
	after.Status = to
	rec, err := e.wal.Begin(ctx, wal.Start{
		TransactionID: txID,
		Kind:          kind,
		Table:         Table,
		EntityIDs:     entityIDs(current),
		Before:        current,
		After:         after,
	})
	if err != nil {
		return nil, err
	}

	var out Outcome
	err = e.locker.WithLock(ctx, lockKey(current.ProductID), func(ctx context.Context) error {
		r, err := e.store.Reservation(ctx, reservationID)
		if err != nil {
			return err
		}
		switch r.Status {
		case StatusCancelled, StatusExpired:
			out = Outcome{Reservation: r}
			return nil
		case StatusConfirmed:
			return fmt.Errorf("%w: cannot release confirmed reservation %s", ErrInvalidState, reservationID)
		}
		d := Delta{Available: r.Quantity, Reserved: -r.Quantity}
		out, err = e.withLedger(ctx, r.ProductID, d, func() (Outcome, error) {
			return e.store.Release(ctx, reservationID, to, e.now().UTC())
		})
		return err
	})
	if err != nil {
		rec.Fail(ctx, err)
		return nil, fmt.Errorf("inventory: release %s: %w", reservationID, err)
	}

	rec.Commit(ctx, current, out.Reservation)
	e.log.InfoContext(ctx, "reservation released",
		"tx_id", txID, "reservation_id", reservationID, "status", to)
	return out.Reservation, nil
}

// withLedger applies d to the durable ledger, then runs the fast-store
// mutation. If the mutation fails or turns out to be a no-op the ledger
// change is reversed. Callers hold the product lock.
func (e *Engine) withLedger(ctx context.Context, productID string, d Delta, mutate func() (Outcome, error)) (Outcome, error) {
	if e.ledger == nil || d.IsZero() {
		return mutate()
	}
	if err := e.ledger.Apply(ctx, productID, d); err != nil {
		return Outcome{}, fmt.Errorf("durable ledger: %w", err)
	}

	out, err := mutate()
	if err == nil && out.Changed {
		return out, nil
	}
	if rerr := e.ledger.Apply(context.WithoutCancel(ctx), productID, d.Negate()); rerr != nil {
		e.log.ErrorContext(ctx, "CRITICAL: failed to reverse ledger change, reconciliation required",
			"product_id", productID, "delta", d, "error", rerr)
	}
	return out, err
}

func entityIDs(r *Reservation) map[string]string {
	return map[string]string{
		wal.KeyReservationID: r.ID,
		wal.KeyProductID:     r.ProductID,
	}
}
