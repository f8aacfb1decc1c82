package wal

import "strings"

// Kind is the closed set of operation families written to the log.
// Recovery dispatches on Kind and Stage, never on free-form strings.
type Kind string

const (
	KindInventoryReserve  Kind = "INVENTORY_RESERVE"
	KindInventoryConfirm  Kind = "INVENTORY_CONFIRM"
	KindInventoryRelease  Kind = "INVENTORY_RELEASE"
	KindInventoryRollback Kind = "INVENTORY_ROLLBACK"
	KindInventoryExpire   Kind = "INVENTORY_EXPIRE"
	KindOrderCreate       Kind = "ORDER_CREATE"
	KindOrderPaid         Kind = "ORDER_PAID"
	KindOrderCancel       Kind = "ORDER_CANCEL"
	KindPaymentProcess    Kind = "PAYMENT_PROCESS"
	KindPaymentRefund     Kind = "PAYMENT_REFUND"
	KindSaga              Kind = "SAGA"
	KindReservationHeld   Kind = "RESERVATION_HELD"
	KindRecovery          Kind = "RECOVERY"
)

var kinds = map[Kind]Phase{
	KindInventoryReserve:  Phase1,
	KindInventoryConfirm:  Phase2,
	KindInventoryRelease:  PhaseNone,
	KindInventoryRollback: PhaseNone,
	KindInventoryExpire:   PhaseNone,
	KindOrderCreate:       Phase1,
	KindOrderPaid:         Phase2,
	KindOrderCancel:       PhaseNone,
	KindPaymentProcess:    Phase1,
	KindPaymentRefund:     PhaseNone,
	KindSaga:              PhaseNone,
	KindReservationHeld:   PhaseNone,
	KindRecovery:          PhaseNone,
}

// Phase returns the reservation protocol phase the kind belongs to.
func (k Kind) Phase() Phase { return kinds[k] }

func (k Kind) Start() string    { return string(k) + "_" + string(StageStart) }
func (k Kind) Complete() string { return string(k) + "_" + string(StageComplete) }
func (k Kind) Failed() string   { return string(k) + "_" + string(StageFailed) }

// Stage is the suffix of an operation name.
type Stage string

const (
	StageStart    Stage = "START"
	StageComplete Stage = "COMPLETE"
	StageFailed   Stage = "FAILED"
	StageCommit   Stage = "COMMIT"
	StageAbort    Stage = "ABORT"
)

// Saga run terminators.
var (
	OpSagaCommit = string(KindSaga) + "_" + string(StageCommit)
	OpSagaAbort  = string(KindSaga) + "_" + string(StageAbort)
)

// ParseOperation splits an operation name into its kind and stage. ok is
// false when either part is unknown.
func ParseOperation(op string) (Kind, Stage, bool) {
	i := strings.LastIndexByte(op, '_')
	if i <= 0 {
		return "", "", false
	}
	k, s := Kind(op[:i]), Stage(op[i+1:])
	if _, known := kinds[k]; !known {
		return "", "", false
	}
	switch s {
	case StageStart, StageComplete, StageFailed, StageCommit, StageAbort:
		return k, s, true
	}
	return "", "", false
}
