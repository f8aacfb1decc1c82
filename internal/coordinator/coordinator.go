// Package coordinator runs the purchase saga: reserve inventory, create the
// order, charge the customer, confirm inventory and mark the order paid,
// unwinding completed steps in reverse when one fails.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/jcmexdev/inventory-saga/internal/events"
	"github.com/jcmexdev/inventory-saga/internal/inventory"
	"github.com/jcmexdev/inventory-saga/internal/order"
	"github.com/jcmexdev/inventory-saga/internal/payment"
	"github.com/jcmexdev/inventory-saga/internal/pkg/cache"
	"github.com/jcmexdev/inventory-saga/internal/pkg/ids"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

const DefaultResultTTL = time.Hour

var ErrInvalidRequest = errors.New("coordinator: invalid request")

type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusReserved  Status = "RESERVED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
	// StatusPartial marks a result rebuilt from the reservation record alone.
	StatusPartial Status = "PARTIAL"
)

type ReasonCode string

const (
	ReasonInsufficientInventory ReasonCode = inventory.ReasonInsufficientInventory
	ReasonOrderCreationFailed   ReasonCode = "ORDER_CREATION_FAILED"
	ReasonPaymentFailed         ReasonCode = "PAYMENT_FAILED"
	ReasonConfirmationFailed    ReasonCode = "CONFIRMATION_FAILED"
	ReasonOrderUpdateFailed     ReasonCode = "ORDER_UPDATE_FAILED"
	ReasonInvalidRequest        ReasonCode = "INVALID_REQUEST"
	ReasonSystemError           ReasonCode = "SYSTEM_ERROR"
)

type PurchaseRequest struct {
	// TransactionID is the caller's correlation id. Resubmitting a request
	// with the same id returns the first result.
	TransactionID string        `json:"transactionId,omitempty"`
	CustomerID    string        `json:"customerId"`
	ProductID     string        `json:"productId"`
	Quantity      int           `json:"quantity"`
	UnitPrice     int64         `json:"unitPrice"`
	Currency      string        `json:"currency"`
	PaymentMethod string        `json:"paymentMethod"`
	TTL           time.Duration `json:"-"`
}

// Amount is the total to charge, in minor units.
func (r PurchaseRequest) Amount() int64 { return r.UnitPrice * int64(r.Quantity) }

func (r PurchaseRequest) validate(needsPayment bool) error {
	switch {
	case r.CustomerID == "" || r.ProductID == "":
		return fmt.Errorf("%w: customerId and productId are required", ErrInvalidRequest)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	case needsPayment && r.UnitPrice <= 0:
		return fmt.Errorf("%w: unitPrice must be positive", ErrInvalidRequest)
	}
	return nil
}

// Result is the composite outcome of a purchase, as returned to callers and
// cached by reservation id and by transaction id.
type Result struct {
	TransactionID string                 `json:"transactionId"`
	Status        Status                 `json:"status"`
	ReasonCode    ReasonCode             `json:"reasonCode,omitempty"`
	Message       string                 `json:"message"`
	ReservationID string                 `json:"reservationId,omitempty"`
	OrderID       string                 `json:"orderId,omitempty"`
	PaymentID     string                 `json:"paymentId,omitempty"`
	Reservation   *inventory.Reservation `json:"reservation,omitempty"`
	Order         *order.Order           `json:"order,omitempty"`
	Payment       *payment.Payment       `json:"payment,omitempty"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

type PurchaseCoordinator struct {
	engine   *inventory.Engine
	orders   *order.Service
	payments *payment.Service
	wal      *wal.Service
	cache    cache.Cache
	cacheTTL time.Duration
	events   events.Publisher
	log      *slog.Logger
	now      func() time.Time
	inflight singleflight.Group
}

type Option func(*PurchaseCoordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *PurchaseCoordinator) { c.log = l }
}

// WithCache sets the composite result cache. ttl <= 0 keeps the default.
func WithCache(rc cache.Cache, ttl time.Duration) Option {
	return func(c *PurchaseCoordinator) {
		c.cache = rc
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(c *PurchaseCoordinator) { c.events = p }
}

func NewPurchaseCoordinator(
	engine *inventory.Engine,
	orders *order.Service,
	payments *payment.Service,
	journal *wal.Service,
	opts ...Option,
) *PurchaseCoordinator {
	c := &PurchaseCoordinator{
		engine:   engine,
		orders:   orders,
		payments: payments,
		wal:      journal,
		cache:    cache.NewMemoryCache("reservation-service"),
		cacheTTL: DefaultResultTTL,
		events:   events.Discard{},
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessPurchase runs the full saga. It never returns an error: failures
// are reported through Result.Status and Result.ReasonCode.
func (c *PurchaseCoordinator) ProcessPurchase(ctx context.Context, req PurchaseRequest) Result {
	if err := req.validate(true); err != nil {
		return c.invalid(req, err)
	}
	return c.once(ctx, req, func(ctx context.Context, txID string) Result {
		p := &purchase{txID: txID, req: req}
		steps := []Step{
			&reserveStep{engine: c.engine, p: p},
			&createOrderStep{orders: c.orders, p: p},
			&paymentStep{payments: c.payments, p: p},
			&confirmStep{engine: c.engine, wal: c.wal, log: c.log, p: p},
			&markPaidStep{orders: c.orders, p: p},
		}
		return c.run(ctx, "ProcessPurchase", p, steps, StatusCompleted, "purchase completed")
	})
}

// ReserveOnly runs the reservation step alone, for flows that pay later.
func (c *PurchaseCoordinator) ReserveOnly(ctx context.Context, req PurchaseRequest) Result {
	if err := req.validate(false); err != nil {
		return c.invalid(req, err)
	}
	return c.once(ctx, req, func(ctx context.Context, txID string) Result {
		p := &purchase{txID: txID, req: req}
		steps := []Step{&reserveStep{engine: c.engine, p: p}}
		return c.run(ctx, "ReserveOnly", p, steps, StatusReserved, "reservation created")
	})
}

// GetReservationStatus returns the cached composite result for a
// reservation. On a cache miss it rebuilds a PARTIAL result from the
// reservation record.
func (c *PurchaseCoordinator) GetReservationStatus(ctx context.Context, reservationID string) (Result, error) {
	var res Result
	ok, err := cache.GetJSON(ctx, c.cache, c.reservationKey(reservationID), &res)
	if err != nil {
		c.log.WarnContext(ctx, "result cache read failed", "reservation_id", reservationID, "error", err)
	}
	if ok {
		return res, nil
	}

	r, err := c.engine.Reservation(ctx, reservationID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		TransactionID: r.TransactionID,
		Status:        StatusPartial,
		Message:       "reservation " + string(r.Status),
		ReservationID: r.ID,
		Reservation:   r,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

// CancelPurchase undoes a purchase or a bare reservation: refund or close the
// payment, cancel the order, and release or roll back the reservation.
// Every part is attempted even if an earlier one fails.
func (c *PurchaseCoordinator) CancelPurchase(ctx context.Context, reservationID, reason string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if reason == "" {
		reason = "cancelled by customer"
	}

	r, err := c.engine.Reservation(ctx, reservationID)
	if err != nil {
		return Result{}, err
	}
	o, pay, err := c.lookup(ctx, reservationID)
	if err != nil {
		return Result{}, err
	}

	p := &purchase{txID: r.TransactionID, reservation: r, order: o, payment: pay}
	p.req.ProductID = r.ProductID
	var errs []error

	switch {
	case pay == nil:
	case pay.Status == payment.StatusCompleted:
		refunded, err := c.payments.Refund(ctx, p.txID, pay.ID)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.payment = refunded
		}
	case pay.Status == payment.StatusProcessing:
		// Recovery leaves these for an operator, who cancels once the gateway
		// shows no charge.
		failed, err := c.payments.MarkFailed(ctx, pay.ID, reason)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.payment = failed
		}
	}
	if o != nil && o.Status != order.StatusCancelled {
		cancelled, err := c.orders.Cancel(ctx, p.txID, o.ID, reason)
		if err != nil {
			errs = append(errs, err)
		} else {
			p.order = cancelled
			p.emit(events.OrderCancelled, cancelled.ID, cancelled)
		}
	}

	var released *inventory.Reservation
	switch r.Status {
	case inventory.StatusConfirmed:
		released, err = c.engine.Rollback(ctx, p.txID, r.ID, reason)
	case inventory.StatusReserved:
		released, err = c.engine.Release(ctx, p.txID, r.ID)
	}
	if err != nil {
		errs = append(errs, err)
	} else if released != nil {
		p.reservation = released
		p.emit(events.ReservationCancelled, released.ID, released)
	}

	res := c.result(p, nil, StatusCancelled, "purchase cancelled")
	if err := errors.Join(errs...); err != nil {
		c.log.ErrorContext(ctx, "CRITICAL: purchase cancellation incomplete",
			"tx_id", p.txID, "reservation_id", reservationID, "error", err)
		res.Status = StatusFailed
		res.ReasonCode = ReasonSystemError
		res.Message = "cancellation incomplete: " + err.Error()
	}

	c.publish(ctx, p.events)
	c.store(ctx, res)
	return res, nil
}

// once resolves the transaction id and runs fn at most once per id:
// concurrent duplicates share one run and later ones get the cached result.
func (c *PurchaseCoordinator) once(ctx context.Context, req PurchaseRequest, fn func(ctx context.Context, txID string) Result) Result {
	txID := req.TransactionID
	if txID == "" {
		txID = ids.NewTransactionID()
	}

	v, _, _ := c.inflight.Do(txID, func() (any, error) {
		var cached Result
		ok, err := cache.GetJSON(ctx, c.cache, c.txKey(txID), &cached)
		if err != nil {
			c.log.WarnContext(ctx, "result cache read failed", "tx_id", txID, "error", err)
		}
		if ok {
			c.log.InfoContext(ctx, "returning cached result for resubmitted transaction", "tx_id", txID)
			return cached, nil
		}
		// The saga must finish even if the caller goes away.
		return fn(context.WithoutCancel(ctx), txID), nil
	})
	return v.(Result)
}

func (c *PurchaseCoordinator) run(ctx context.Context, name string, p *purchase, steps []Step, success Status, message string) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.tx_id", p.txID),
		attribute.String("product.id", p.req.ProductID),
		attribute.Int("purchase.quantity", p.req.Quantity),
	)

	saga := NewOrchestrator(p.txID, steps, c.wal, c.log)
	saga.Entities = p.entityIDs
	err := saga.Start(ctx)

	res := c.result(p, err, success, message)
	if err != nil {
		span.SetStatus(codes.Error, res.Message)
	}
	c.log.InfoContext(ctx, "purchase finished",
		"tx_id", p.txID, "status", res.Status, "reason", res.ReasonCode, "reservation_id", res.ReservationID)

	c.publish(ctx, p.events)
	c.store(ctx, res)
	return res
}

func (c *PurchaseCoordinator) result(p *purchase, err error, success Status, message string) Result {
	res := Result{
		TransactionID: p.txID,
		Status:        success,
		Message:       message,
		Reservation:   p.reservation,
		Order:         p.order,
		Payment:       p.payment,
		UpdatedAt:     c.now().UTC(),
	}
	if p.reservation != nil {
		res.ReservationID = p.reservation.ID
	}
	if p.order != nil {
		res.OrderID = p.order.ID
	}
	if p.payment != nil {
		res.PaymentID = p.payment.ID
	}
	if err != nil {
		res.Status = StatusFailed
		res.ReasonCode, res.Message = classify(err)
	}
	return res
}

// classify maps the failed step to a reason code and message.
func classify(err error) (ReasonCode, string) {
	var se *StepError
	if !errors.As(err, &se) {
		return ReasonSystemError, "system error: " + err.Error()
	}

	var code ReasonCode
	var msg string
	switch se.Step {
	case stepReserve:
		if !errors.Is(se.Err, inventory.ErrInsufficientInventory) {
			return ReasonSystemError, "system error: " + se.Err.Error()
		}
		code, msg = ReasonInsufficientInventory, "insufficient inventory"
	case stepCreateOrder:
		code, msg = ReasonOrderCreationFailed, "order creation failed"
	case stepPayment:
		code, msg = ReasonPaymentFailed, "payment failed"
	case stepConfirm:
		code, msg = ReasonConfirmationFailed, "inventory confirmation failed"
	case stepMarkPaid:
		code, msg = ReasonOrderUpdateFailed, "order update failed"
	default:
		code, msg = ReasonSystemError, "system error"
	}
	return code, msg + ": " + se.Err.Error()
}

func (c *PurchaseCoordinator) invalid(req PurchaseRequest, err error) Result {
	return Result{
		TransactionID: req.TransactionID,
		Status:        StatusFailed,
		ReasonCode:    ReasonInvalidRequest,
		Message:       err.Error(),
		UpdatedAt:     c.now().UTC(),
	}
}

// lookup finds the order and payment of a reservation, through the cached
// composite result first and the durable stores otherwise. Either may be nil.
func (c *PurchaseCoordinator) lookup(ctx context.Context, reservationID string) (*order.Order, *payment.Payment, error) {
	var cached Result
	if _, err := cache.GetJSON(ctx, c.cache, c.reservationKey(reservationID), &cached); err != nil {
		c.log.WarnContext(ctx, "result cache read failed", "reservation_id", reservationID, "error", err)
	}

	var (
		o   *order.Order
		err error
	)
	if cached.OrderID != "" {
		o, err = c.orders.Get(ctx, cached.OrderID)
	} else {
		o, err = c.orders.FindByReservation(ctx, reservationID)
	}
	switch {
	case errors.Is(err, order.ErrNotFound):
		return nil, nil, nil
	case err != nil:
		return nil, nil, err
	}

	var pay *payment.Payment
	if cached.PaymentID != "" {
		pay, err = c.payments.Get(ctx, cached.PaymentID)
	} else {
		pay, err = c.payments.FindByOrder(ctx, o.ID)
	}
	switch {
	case errors.Is(err, payment.ErrNotFound):
		return o, nil, nil
	case err != nil:
		return nil, nil, err
	}
	return o, pay, nil
}

func (c *PurchaseCoordinator) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := c.events.Publish(ctx, evs...); err != nil {
		c.log.WarnContext(ctx, "failed to publish events", "count", len(evs), "error", err)
	}
}

func (c *PurchaseCoordinator) store(ctx context.Context, res Result) {
	keys := []string{c.txKey(res.TransactionID)}
	if res.ReservationID != "" {
		keys = append(keys, c.reservationKey(res.ReservationID))
	}
	for _, k := range keys {
		if err := cache.SetJSON(ctx, c.cache, k, res, c.cacheTTL); err != nil {
			c.log.WarnContext(ctx, "result cache write failed", "key", k, "error", err)
		}
	}
}

func (c *PurchaseCoordinator) txKey(txID string) string {
	return c.cache.GenerateKey("purchase-tx", txID)
}

func (c *PurchaseCoordinator) reservationKey(id string) string {
	return c.cache.GenerateKey("purchase-reservation", id)
}
