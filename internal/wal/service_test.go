package wal_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/inventory-saga/internal/store/sqlite"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

func newService(t *testing.T) *wal.Service {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return wal.NewService(db.WAL(), nil)
}

func TestParseOperation(t *testing.T) {
	k, s, ok := wal.ParseOperation("INVENTORY_RESERVE_START")
	require.True(t, ok)
	assert.Equal(t, wal.KindInventoryReserve, k)
	assert.Equal(t, wal.StageStart, s)

	k, s, ok = wal.ParseOperation(wal.OpSagaCommit)
	require.True(t, ok)
	assert.Equal(t, wal.KindSaga, k)
	assert.Equal(t, wal.StageCommit, s)

	_, _, ok = wal.ParseOperation("SOMETHING_ELSE_START")
	assert.False(t, ok)
	_, _, ok = wal.ParseOperation("INVENTORY_RESERVE_MAYBE")
	assert.False(t, ok)

	assert.Equal(t, wal.Phase1, wal.KindInventoryReserve.Phase())
	assert.Equal(t, wal.Phase2, wal.KindInventoryConfirm.Phase())
	assert.Equal(t, wal.PhaseNone, wal.KindInventoryRelease.Phase())
}

func TestService_PhaseOneAndTwoAreLinked(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	ids := map[string]string{wal.KeyReservationID: "RES-1"}

	p1, err := svc.LogPhase1Start(ctx, "TX-1", wal.KindInventoryReserve, "inventory", ids, map[string]int{"quantity": 2})
	require.NoError(t, err)
	_, err = svc.LogComplete(ctx, "TX-1", wal.KindInventoryReserve, "inventory", ids, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.UpdateStatus(ctx, p1, wal.StatusCommitted, "done"))

	p2, err := svc.LogPhase2Start(ctx, "TX-1", p1, wal.KindInventoryConfirm, "inventory", ids, nil, nil)
	require.NoError(t, err)

	entry, err := svc.Get(ctx, p2)
	require.NoError(t, err)
	assert.Equal(t, p1, entry.RelatedLogID)
	assert.Equal(t, wal.Phase2, entry.Phase)
	assert.Equal(t, wal.StatusPending, entry.Status)

	_, err = svc.LogPhase2Start(ctx, "TX-1", "", wal.KindInventoryConfirm, "inventory", ids, nil, nil)
	assert.Error(t, err, "phase 2 needs its phase 1 entry")
}

func TestService_UpdateStatusIsIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	id, err := svc.LogPhase1Start(ctx, "TX-1", wal.KindOrderCreate, "orders", nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, id, wal.StatusFailed, "boom"))
	require.NoError(t, svc.UpdateStatus(ctx, id, wal.StatusFailed, "boom"))
	assert.ErrorIs(t, svc.UpdateStatus(ctx, id, wal.StatusCommitted, ""), wal.ErrInvalidTransition)
}

func TestRecord_CommitAndFail(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	ok, err := svc.Begin(ctx, wal.Start{TransactionID: "TX-1", Kind: wal.KindInventoryReserve, Table: "inventory"})
	require.NoError(t, err)
	ok.Commit(ctx, nil, map[string]string{"status": "RESERVED"})

	bad, err := svc.Begin(ctx, wal.Start{TransactionID: "TX-1", Kind: wal.KindOrderCreate, Table: "orders"})
	require.NoError(t, err)
	bad.Fail(ctx, errors.New("disk full"))

	entries, err := svc.FindByTransaction(ctx, "TX-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	ops := make([]string, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
		assert.True(t, e.Status.Terminal(), e.Operation)
	}
	assert.Equal(t, []string{
		"INVENTORY_RESERVE_START",
		"INVENTORY_RESERVE_COMPLETE",
		"ORDER_CREATE_START",
		"ORDER_CREATE_FAILED",
	}, ops)
	assert.Equal(t, entries[0].LogID, entries[1].RelatedLogID)
	assert.Equal(t, "disk full", entries[2].Message)

	pending, err := svc.FindPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRecord_SurvivesCancelledContext(t *testing.T) {
	svc := newService(t)
	ctx, cancel := context.WithCancel(context.Background())

	rec, err := svc.Begin(ctx, wal.Start{TransactionID: "TX-1", Kind: wal.KindPaymentProcess, Table: "payments"})
	require.NoError(t, err)
	cancel()
	rec.Fail(ctx, context.Canceled)

	e, err := svc.Get(context.Background(), rec.LogID())
	require.NoError(t, err)
	assert.Equal(t, wal.StatusFailed, e.Status)
}

func TestService_FindPendingOlderThan(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	clock := now.Add(-10 * time.Minute)
	svc := wal.NewService(db.WAL(), nil, wal.WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	_, err = svc.LogPhase1Start(ctx, "TX-old", wal.KindInventoryReserve, "inventory", nil, nil)
	require.NoError(t, err)
	clock = now
	_, err = svc.LogPhase1Start(ctx, "TX-new", wal.KindInventoryReserve, "inventory", nil, nil)
	require.NoError(t, err)

	aged, err := svc.FindPendingOlderThan(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, aged, 1)
	assert.Equal(t, "TX-old", aged[0].TransactionID)

	all, err := svc.FindPending(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestService_ArchiveDisabledByDefault(t *testing.T) {
	svc := newService(t)
	n, err := svc.Archive(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
