// Package memstore is an in-process inventory.Store for single-instance
// deployments and tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jcmexdev/inventory-saga/internal/inventory"
)

type Store struct {
	mu           sync.Mutex
	products     map[string]*inventory.InventoryResource
	reservations map[string]*inventory.Reservation
}

var _ inventory.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		products:     make(map[string]*inventory.InventoryResource),
		reservations: make(map[string]*inventory.Reservation),
	}
}

func (s *Store) InitProduct(_ context.Context, productID string, total int) (*inventory.InventoryResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		p = &inventory.InventoryResource{ProductID: productID}
		s.products[productID] = p
	}
	if total < p.Reserved {
		return nil, fmt.Errorf("%w: total %d below reserved %d", inventory.ErrInvalidState, total, p.Reserved)
	}
	p.Total = total
	p.Available = total - p.Reserved
	p.Version++

	cp := *p
	return &cp, nil
}

func (s *Store) Inventory(_ context.Context, productID string) (*inventory.InventoryResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) Reservation(_ context.Context, id string) (*inventory.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", inventory.ErrReservationNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) Reserve(_ context.Context, r *inventory.Reservation, _ time.Duration) (inventory.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[r.ProductID]
	if !ok {
		return inventory.Outcome{}, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, r.ProductID)
	}
	if _, dup := s.reservations[r.ID]; dup {
		return inventory.Outcome{}, fmt.Errorf("%w: %s", inventory.ErrDuplicateReservation, r.ID)
	}
	if p.Available < r.Quantity {
		return inventory.Outcome{}, inventory.ErrInsufficientInventory
	}

	p.Available -= r.Quantity
	p.Reserved += r.Quantity
	p.Version++

	stored := *r
	stored.Status = inventory.StatusReserved
	s.reservations[r.ID] = &stored
	return s.outcome(&stored, p), nil
}

func (s *Store) Confirm(_ context.Context, id string, at time.Time) (inventory.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, p, err := s.load(id)
	if err != nil {
		return inventory.Outcome{}, err
	}
	switch r.Status {
	case inventory.StatusConfirmed:
		return s.unchanged(r, p), nil
	case inventory.StatusReserved:
	default:
		return inventory.Outcome{}, fmt.Errorf("%w: %s is %s", inventory.ErrInvalidState, id, r.Status)
	}

	p.Reserved -= r.Quantity
	p.Total -= r.Quantity
	p.Version++
	r.Status = inventory.StatusConfirmed
	r.UpdatedAt = at
	return s.outcome(r, p), nil
}

func (s *Store) Release(_ context.Context, id string, to inventory.ReservationStatus, at time.Time) (inventory.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, p, err := s.load(id)
	if err != nil {
		return inventory.Outcome{}, err
	}
	switch r.Status {
	case inventory.StatusCancelled, inventory.StatusExpired:
		return s.unchanged(r, p), nil
	case inventory.StatusReserved:
	default:
		return inventory.Outcome{}, fmt.Errorf("%w: %s is %s", inventory.ErrInvalidState, id, r.Status)
	}

	p.Available += r.Quantity
	p.Reserved -= r.Quantity
	p.Version++
	r.Status = to
	r.UpdatedAt = at
	return s.outcome(r, p), nil
}

func (s *Store) Rollback(_ context.Context, id string, at time.Time) (inventory.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, p, err := s.load(id)
	if err != nil {
		return inventory.Outcome{}, err
	}
	switch r.Status {
	case inventory.StatusReserved:
		p.Available += r.Quantity
		p.Reserved -= r.Quantity
	case inventory.StatusConfirmed:
		p.Available += r.Quantity
		p.Total += r.Quantity
	default:
		return s.unchanged(r, p), nil
	}
	p.Version++
	r.Status = inventory.StatusCancelled
	r.UpdatedAt = at
	return s.outcome(r, p), nil
}

func (s *Store) Hold(_ context.Context, id string, at time.Time) (inventory.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, p, err := s.load(id)
	if err != nil {
		return inventory.Outcome{}, err
	}
	if r.Status != inventory.StatusReserved {
		return inventory.Outcome{}, fmt.Errorf("%w: cannot hold %s reservation %s", inventory.ErrInvalidState, r.Status, id)
	}
	if r.Held {
		return s.unchanged(r, p), nil
	}
	r.Held = true
	r.UpdatedAt = at
	return s.outcome(r, p), nil
}

func (s *Store) Expired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*inventory.Reservation
	for _, r := range s.reservations {
		if r.Status == inventory.StatusReserved && !r.Held && !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, r := range due {
		out[i] = r.ID
	}
	return out, nil
}

func (s *Store) Overwrite(_ context.Context, r inventory.InventoryResource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := r
	if p, ok := s.products[r.ProductID]; ok && p.Version >= cp.Version {
		cp.Version = p.Version + 1
	}
	s.products[r.ProductID] = &cp
	return nil
}

func (s *Store) load(id string) (*inventory.Reservation, *inventory.InventoryResource, error) {
	r, ok := s.reservations[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", inventory.ErrReservationNotFound, id)
	}
	p, ok := s.products[r.ProductID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, r.ProductID)
	}
	return r, p, nil
}

func (s *Store) outcome(r *inventory.Reservation, p *inventory.InventoryResource) inventory.Outcome {
	out := s.unchanged(r, p)
	out.Changed = true
	return out
}

func (s *Store) unchanged(r *inventory.Reservation, p *inventory.InventoryResource) inventory.Outcome {
	rc, pc := *r, *p
	return inventory.Outcome{Reservation: &rc, Inventory: &pc}
}
