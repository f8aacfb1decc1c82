// Package wal records every phase transition of a purchase saga in an
// append-only log. Each entry carries the transaction id it belongs to and
// enough entity ids to undo or finish the work after a crash, so recovery
// never has to consult any other store to decide what to do.
//
// Entries are immutable once written except for status, message and
// completion time, which move at most once into a terminal state.
package wal

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrEntryNotFound     = errors.New("wal: entry not found")
	ErrInvalidTransition = errors.New("wal: invalid status transition")
)

// Status is the lifecycle state of a single entry.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCommitted  Status = "COMMITTED"
	StatusFailed     Status = "FAILED"
	StatusRecovered  Status = "RECOVERED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusFailed, StatusRecovered:
		return true
	}
	return false
}

// Phase distinguishes the provisional hold from the final commit.
type Phase int

const (
	PhaseNone Phase = iota
	Phase1
	Phase2
)

func (p Phase) String() string {
	switch p {
	case Phase1:
		return "PHASE_1"
	case Phase2:
		return "PHASE_2"
	}
	return "NONE"
}

// Keys used in Entry.EntityIDs.
const (
	KeyReservationID = "reservationId"
	KeyOrderID       = "orderId"
	KeyPaymentID     = "paymentId"
	KeyProductID     = "productId"
	KeyRelatedLogID  = "relatedLogId"
	KeyGatewayTxID   = "gatewayTransactionId"
)

// Entry is a single row of the log.
type Entry struct {
	// LSN is assigned by the repository on Append and is strictly increasing.
	LSN           int64
	LogID         string
	TransactionID string
	Operation     string
	Phase         Phase
	TableName     string
	EntityIDs     map[string]string
	BeforeData    json.RawMessage
	AfterData     json.RawMessage
	Status        Status
	RelatedLogID  string
	Message       string
	TraceID       string
	SpanID        string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// Kind returns the operation family of the entry, or "" if the operation is
// not one this package knows about.
func (e *Entry) Kind() Kind {
	k, _, _ := ParseOperation(e.Operation)
	return k
}

// Stage returns the stage suffix of the operation.
func (e *Entry) Stage() Stage {
	_, s, _ := ParseOperation(e.Operation)
	return s
}

// EntityID returns the id stored under key, or "".
func (e *Entry) EntityID(key string) string {
	if e.EntityIDs == nil {
		return ""
	}
	return e.EntityIDs[key]
}
