// Package inventory is the reservation engine: capacity-bounded, TTL-limited
// holds on product stock. Counters are mutated only through Engine, inside a
// per-product lock, and every mutation is bracketed by WAL entries.
package inventory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientInventory = errors.New("inventory: insufficient inventory")
	ErrReservationNotFound   = errors.New("inventory: reservation not found")
	ErrProductNotFound       = errors.New("inventory: product not found")
	ErrInvalidState          = errors.New("inventory: invalid reservation state")
	ErrInvalidQuantity       = errors.New("inventory: quantity must be positive")
	ErrDuplicateReservation  = errors.New("inventory: duplicate reservation id")
)

const (
	Table = "inventory"

	ReasonInsufficientInventory = "INSUFFICIENT_INVENTORY"
)

type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "RESERVED"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusCancelled ReservationStatus = "CANCELLED"
	StatusExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether the reservation can no longer change, except for
// a rollback of a confirmed reservation.
func (s ReservationStatus) Terminal() bool {
	return s != StatusReserved
}

// InventoryResource holds the stock counters of one product.
// Available + Reserved == Total at all times.
type InventoryResource struct {
	ProductID string `json:"productId"`
	Total     int    `json:"total"`
	Available int    `json:"available"`
	Reserved  int    `json:"reserved"`
	Version   int64  `json:"version"`
}

// Consistent reports whether the counters satisfy the invariant.
func (r InventoryResource) Consistent() bool {
	return r.Available >= 0 && r.Reserved >= 0 && r.Available+r.Reserved == r.Total
}

// SameCounters compares the counters, ignoring version.
func (r InventoryResource) SameCounters(o InventoryResource) bool {
	return r.Total == o.Total && r.Available == o.Available && r.Reserved == o.Reserved
}

type Reservation struct {
	ID            string            `json:"reservationId"`
	ProductID     string            `json:"productId"`
	CustomerID    string            `json:"customerId"`
	TransactionID string            `json:"transactionId"`
	Quantity      int               `json:"quantity"`
	Status        ReservationStatus `json:"status"`
	// Held is set on a RESERVED reservation that only an operator may free.
	// The expiry sweep skips it.
	Held          bool              `json:"held,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Outcome is what a store mutation left behind. Changed is false when the
// call was an idempotent no-op.
type Outcome struct {
	Changed     bool
	Reservation *Reservation
	Inventory   *InventoryResource
}

// Store is the fast reservation store. Each mutation is atomic on its own;
// callers serialize mutations of one product with a lock.
type Store interface {
	// InitProduct sets the total stock, keeping outstanding reservations:
	// available becomes total - reserved.
	InitProduct(ctx context.Context, productID string, total int) (*InventoryResource, error)
	Inventory(ctx context.Context, productID string) (*InventoryResource, error)
	Reservation(ctx context.Context, id string) (*Reservation, error)

	// Reserve moves r.Quantity from available to reserved and stores r as
	// RESERVED, or fails with ErrInsufficientInventory without mutating.
	// The record is kept for retention after it reaches a terminal state;
	// a RESERVED record never expires on its own.
	Reserve(ctx context.Context, r *Reservation, retention time.Duration) (Outcome, error)

	// Confirm consumes a RESERVED reservation: reserved and total both drop
	// by its quantity. Confirming a CONFIRMED reservation is a no-op.
	Confirm(ctx context.Context, id string, at time.Time) (Outcome, error)

	// Release returns a RESERVED reservation's quantity to available and
	// sets status to CANCELLED or EXPIRED. Releasing a CANCELLED or EXPIRED
	// reservation is a no-op; releasing a CONFIRMED one is ErrInvalidState.
	Release(ctx context.Context, id string, to ReservationStatus, at time.Time) (Outcome, error)

	// Rollback drives a RESERVED or CONFIRMED reservation to CANCELLED and
	// restores its quantity to available.
	Rollback(ctx context.Context, id string, at time.Time) (Outcome, error)

	// Hold flags a RESERVED reservation so that Expired no longer lists it.
	// Holding a held reservation is a no-op.
	Hold(ctx context.Context, id string, at time.Time) (Outcome, error)

	// Expired lists RESERVED, not held, reservations whose expiry is not after now.
	Expired(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Overwrite replaces the counters of a product.
	Overwrite(ctx context.Context, r InventoryResource) error
}

// Delta is a change to the counters of one product.
type Delta struct {
	Total     int
	Available int
	Reserved  int
}

func (d Delta) Negate() Delta {
	return Delta{Total: -d.Total, Available: -d.Available, Reserved: -d.Reserved}
}

func (d Delta) IsZero() bool { return d == Delta{} }

// Ledger is the durable system of record for the counters.
type Ledger interface {
	Init(ctx context.Context, productID string, total int) error
	Load(ctx context.Context, productID string) (*InventoryResource, error)
	Products(ctx context.Context) ([]string, error)
	Apply(ctx context.Context, productID string, d Delta) error
}
