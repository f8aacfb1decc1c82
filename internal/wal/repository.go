package wal

import (
	"context"
	"time"
)

// Repository is the port for persisting log entries.
type Repository interface {
	// Append inserts a new entry and sets its LSN. The write must be durable
	// on return, independently of any other unit of work.
	Append(ctx context.Context, e *Entry) error

	// Transition moves an entry out of PENDING or IN_PROGRESS. Moving an
	// entry to the terminal status it already has is a no-op; any other
	// change to a terminal entry returns ErrInvalidTransition.
	Transition(ctx context.Context, logID string, to Status, message string, at time.Time) error

	Get(ctx context.Context, logID string) (*Entry, error)

	// FindByStatus returns entries in one of statuses created before the
	// given instant, ordered by LSN.
	FindByStatus(ctx context.Context, statuses []Status, createdBefore time.Time) ([]*Entry, error)

	// FindByTransaction returns every entry of a transaction ordered by LSN.
	FindByTransaction(ctx context.Context, transactionID string) ([]*Entry, error)

	// Archive moves terminal entries created before olderThan out of the
	// live log and reports how many were moved.
	Archive(ctx context.Context, olderThan time.Time) (int64, error)
}
