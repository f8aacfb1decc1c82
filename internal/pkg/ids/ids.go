// Package ids generates the prefixed identifiers used across the saga:
// reservations, orders, payments, transactions and WAL entries.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixReservation = "RES"
	PrefixOrder       = "ORD"
	PrefixPayment     = "PAY"
	PrefixTransaction = "TX"
	PrefixLog         = "LOG"
)

func NewReservationID() string { return New(PrefixReservation) }
func NewOrderID() string       { return New(PrefixOrder) }
func NewPaymentID() string     { return New(PrefixPayment) }
func NewTransactionID() string { return New(PrefixTransaction) }
func NewLogID() string         { return New(PrefixLog) }

// New returns prefix-<uuid v7 without dashes>. v7 keeps ids roughly time
// ordered, which makes them pleasant to scan in the WAL.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}
