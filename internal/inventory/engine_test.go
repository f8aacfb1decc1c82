package inventory_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/inventory-saga/internal/inventory"
	"github.com/jcmexdev/inventory-saga/internal/inventory/memstore"
	"github.com/jcmexdev/inventory-saga/internal/inventory/redisstore"
	"github.com/jcmexdev/inventory-saga/internal/pkg/lock"
	"github.com/jcmexdev/inventory-saga/internal/store/sqlite"
	"github.com/jcmexdev/inventory-saga/internal/wal"
)

type fixture struct {
	engine  *inventory.Engine
	store   inventory.Store
	journal *wal.Service
	clock   *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T) (inventory.Store, lock.Locker)

var stores = map[string]storeFactory{
	"memory": func(t *testing.T) (inventory.Store, lock.Locker) {
		return memstore.New(), lock.NewKeyed()
	},
	"redis": func(t *testing.T) (inventory.Store, lock.Locker) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return redisstore.New(client), lock.NewRedis(client, 5*time.Second, 5*time.Second)
	},
}

func newFixture(t *testing.T, factory storeFactory, opts ...inventory.Option) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	journal := wal.NewService(db.WAL(), nil)
	store, locker := factory(t)

	opts = append([]inventory.Option{inventory.WithClock(clock.Now)}, opts...)
	return &fixture{
		engine:  inventory.NewEngine(store, locker, journal, opts...),
		store:   store,
		journal: journal,
		clock:   clock,
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, factory storeFactory)) {
	for name, factory := range stores {
		t.Run(name, func(t *testing.T) { fn(t, factory) })
	}
}

func (f *fixture) reserve(t *testing.T, product string, qty int) inventory.ReserveResult {
	t.Helper()
	res, err := f.engine.Reserve(context.Background(), inventory.ReserveRequest{
		TransactionID: "TX-" + product,
		ProductID:     product,
		CustomerID:    "C1",
		Quantity:      qty,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) inventory(t *testing.T, product string) *inventory.InventoryResource {
	t.Helper()
	inv, err := f.engine.Inventory(context.Background(), product)
	require.NoError(t, err)
	require.True(t, inv.Consistent(), "invariant broken: %+v", inv)
	return inv
}

func TestEngine_ConcurrentReserveNeverOversells(t *testing.T) {
	forEachStore(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory)
		ctx := context.Background()
		_, err := f.engine.InitProduct(ctx, "p1", 3)
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok, fail int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := f.engine.Reserve(ctx, inventory.ReserveRequest{
					TransactionID: "TX", ProductID: "p1", CustomerID: "C", Quantity: 1,
				})
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				if res.OK {
					ok++
				} else {
					assert.Equal(t, inventory.ReasonInsufficientInventory, res.Reason)
					fail++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, ok)
		assert.Equal(t, 7, fail)

		inv := f.inventory(t, "p1")
		assert.Equal(t, 0, inv.Available)
		assert.Equal(t, 3, inv.Reserved)
		assert.Equal(t, 3, inv.Total)
	})
}

func TestEngine_SecondReservationOfLastUnitFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory)
		_, err := f.engine.InitProduct(context.Background(), "p1", 1)
		require.NoError(t, err)

		first := f.reserve(t, "p1", 1)
		require.True(t, first.OK)
		second := f.reserve(t, "p1", 1)
		assert.False(t, second.OK)
		assert.Equal(t, inventory.ReasonInsufficientInventory, second.Reason)

		inv := f.inventory(t, "p1")
		assert.Equal(t, 0, inv.Available)
		assert.Equal(t, 1, inv.Reserved)
	})
}

func TestEngine_ReserveThenReleaseRestoresCounters(t *testing.T) {
	forEachStore(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory)
		ctx := context.Background()
		_, err := f.engine.InitProduct(ctx, "p1", 5)
		require.NoError(t, err)

		res := f.reserve(t, "p1", 2)
		require.True(t, res.OK)

		r, err := f.engine.Release(ctx, "TX-p1", res.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusCancelled, r.Status)

		inv := f.inventory(t, "p1")
		assert.Equal(t, 5, inv.Available)
		assert.Equal(t, 0, inv.Reserved)

		// Releasing again is a no-op.
		_, err = f.engine.Release(ctx, "TX-p1", res.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, f.inventory(t, "p1").Available)
	})
}

func TestEngine_ConfirmConsumesPermanently(t *testing.T) {
	forEachStore(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory)
		ctx := context.Background()
		_, err := f.engine.InitProduct(ctx, "p1", 5)
		require.NoError(t, err)

		res := f.reserve(t, "p1", 2)
		require.True(t, res.OK)

		r, err := f.engine.Confirm(ctx, "TX-p1", res.Phase1LogID, res.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusConfirmed, r.Status)

		inv := f.inventory(t, "p1")
		assert.Equal(t, 3, inv.Available)
		assert.Equal(t, 0, inv.Reserved)

		// Confirm is idempotent.
		_, err = f.engine.Confirm(ctx, "TX-p1", res.Phase1LogID, res.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, inv.Total, f.inventory(t, "p1").Total)

		// A confirmed reservation cannot be released.
		_, err = f.engine.Release(ctx, "TX-p1", res.Reservation.ID)
		assert.ErrorIs(t, err, inventory.ErrInvalidState)
		assert.Equal(t, 3, f.inventory(t, "p1").Available)
	})
}

func TestEngine_RollbackOfConfirmedRestoresStock(t *testing.T) {
	forEachStore(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory)
		ctx := context.Background()
		_, err := f.engine.InitProduct(ctx, "p1", 5)
		require.NoError(t, err)

		res := f.reserve(t, "p1", 2)
		_, err = f.engine.Confirm(ctx, "TX-p1", res.Phase1LogID, res.Reservation.ID)
		require.NoError(t, err)

		r, err := f.engine.Rollback(ctx, "TX-p1", res.Reservation.ID, "order update failed")
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusCancelled, r.Status)

		inv := f.inventory(t, "p1")
		assert.Equal(t, 5, inv.Total)
		assert.Equal(t, 5, inv.Available)

		_, err = f.engine.Rollback(ctx, "TX-p1", res.Reservation.ID, "again")
		require.NoError(t, err)
		assert.Equal(t, 5, f.inventory(t, "p1").Available)
	})
}

func TestEngine_SweepExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory, inventory.WithDefaultTTL(time.Minute))
		ctx := context.Background()
		_, err := f.engine.InitProduct(ctx, "p1", 5)
		require.NoError(t, err)

		stale := f.reserve(t, "p1", 2)
		f.clock.Advance(30 * time.Second)
		fresh := f.reserve(t, "p1", 1)
		f.clock.Advance(31 * time.Second)

		n, err := f.engine.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		r, err := f.engine.Reservation(ctx, stale.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusExpired, r.Status)

		r, err = f.engine.Reservation(ctx, fresh.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusReserved, r.Status)

		inv := f.inventory(t, "p1")
		assert.Equal(t, 4, inv.Available)
		assert.Equal(t, 1, inv.Reserved)

		_, err = f.engine.Confirm(ctx, "TX-p1", stale.Phase1LogID, stale.Reservation.ID)
		assert.ErrorIs(t, err, inventory.ErrInvalidState)
	})
}

func TestEngine_HeldReservationIsNotSwept(t *testing.T) {
	forEachStore(t, func(t *testing.T, factory storeFactory) {
		f := newFixture(t, factory, inventory.WithDefaultTTL(time.Minute))
		ctx := context.Background()
		_, err := f.engine.InitProduct(ctx, "p1", 5)
		require.NoError(t, err)

		res := f.reserve(t, "p1", 2)
		held, err := f.engine.Hold(ctx, "TX-p1", res.Reservation.ID, "confirmation failed")
		require.NoError(t, err)
		assert.True(t, held.Held)

		f.clock.Advance(time.Hour)
		n, err := f.engine.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		r, err := f.engine.Reservation(ctx, res.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusReserved, r.Status)
		assert.True(t, r.Held)
		assert.Equal(t, 3, f.inventory(t, "p1").Available)

		// An operator can still free it.
		r, err = f.engine.Release(ctx, "TX-p1", res.Reservation.ID)
		require.NoError(t, err)
		assert.Equal(t, inventory.StatusCancelled, r.Status)
		assert.Equal(t, 5, f.inventory(t, "p1").Available)

		_, err = f.engine.Hold(ctx, "TX-p1", res.Reservation.ID, "too late")
		assert.ErrorIs(t, err, inventory.ErrInvalidState)
	})
}

func TestEngine_SweepAfterRetentionWindow(t *testing.T) {
	var mr *miniredis.Miniredis
	factory := func(t *testing.T) (inventory.Store, lock.Locker) {
		mr = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return redisstore.New(client), lock.NewRedis(client, 5*time.Second, 5*time.Second)
	}
	f := newFixture(t, factory, inventory.WithDefaultTTL(time.Minute))
	ctx := context.Background()
	_, err := f.engine.InitProduct(ctx, "p1", 5)
	require.NoError(t, err)

	// The sweeper was down for longer than the retention window.
	res := f.reserve(t, "p1", 2)
	mr.FastForward(inventory.DefaultRetention + time.Hour)
	f.clock.Advance(inventory.DefaultRetention + time.Hour)

	n, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r, err := f.engine.Reservation(ctx, res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusExpired, r.Status)
	inv := f.inventory(t, "p1")
	assert.Equal(t, 5, inv.Available)
	assert.Zero(t, inv.Reserved)
}

func TestSweeperAndReconciler_NilLogger(t *testing.T) {
	ledger := newMemLedger()
	f := newFixture(t, stores["memory"], inventory.WithLedger(ledger))
	ctx := context.Background()
	_, err := f.engine.InitProduct(ctx, "p1", 5)
	require.NoError(t, err)
	require.NoError(t, f.store.Overwrite(ctx, inventory.InventoryResource{ProductID: "p1", Total: 1, Available: 1}))

	n, err := inventory.NewReconciler(nil, f.engine, time.Minute).ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, inventory.NewSweeper(nil, f.engine, 5*time.Millisecond).Run(runCtx))
}

func TestEngine_ReserveWritesPhaseOneEntries(t *testing.T) {
	f := newFixture(t, stores["memory"])
	ctx := context.Background()
	_, err := f.engine.InitProduct(ctx, "p1", 1)
	require.NoError(t, err)

	ok := f.reserve(t, "p1", 1)
	require.True(t, ok.OK)
	rejected := f.reserve(t, "p1", 1)
	require.False(t, rejected.OK)

	entries, err := f.journal.FindByTransaction(ctx, "TX-p1")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, "INVENTORY_RESERVE_START", entries[0].Operation)
	assert.Equal(t, ok.Phase1LogID, entries[0].LogID)
	assert.Equal(t, wal.Phase1, entries[0].Phase)
	assert.Equal(t, ok.Reservation.ID, entries[0].EntityID(wal.KeyReservationID))
	assert.Equal(t, wal.StatusCommitted, entries[0].Status)
	assert.Equal(t, "INVENTORY_RESERVE_COMPLETE", entries[1].Operation)
	assert.Equal(t, wal.StatusFailed, entries[2].Status)
	assert.Equal(t, "INVENTORY_RESERVE_FAILED", entries[3].Operation)

	_, err = f.engine.Confirm(ctx, "TX-p1", ok.Phase1LogID, ok.Reservation.ID)
	require.NoError(t, err)
	entries, err = f.journal.FindByTransaction(ctx, "TX-p1")
	require.NoError(t, err)
	phase2 := entries[4]
	assert.Equal(t, "INVENTORY_CONFIRM_START", phase2.Operation)
	assert.Equal(t, wal.Phase2, phase2.Phase)
	assert.Equal(t, ok.Phase1LogID, phase2.RelatedLogID)
}

func TestEngine_RejectsBadInput(t *testing.T) {
	f := newFixture(t, stores["memory"])
	ctx := context.Background()

	_, err := f.engine.Reserve(ctx, inventory.ReserveRequest{ProductID: "p1", Quantity: 0})
	assert.ErrorIs(t, err, inventory.ErrInvalidQuantity)

	_, err = f.engine.Reserve(ctx, inventory.ReserveRequest{ProductID: "unknown", Quantity: 1})
	assert.ErrorIs(t, err, inventory.ErrProductNotFound)

	_, err = f.engine.Release(ctx, "TX", "RES-missing")
	assert.ErrorIs(t, err, inventory.ErrReservationNotFound)
}

// memLedger is an in-memory inventory.Ledger.
type memLedger struct {
	mu       sync.Mutex
	products map[string]inventory.InventoryResource
	failNext bool
}

func newMemLedger() *memLedger {
	return &memLedger{products: make(map[string]inventory.InventoryResource)}
}

func (l *memLedger) Init(_ context.Context, productID string, total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.products[productID]
	p.ProductID = productID
	p.Total = total
	p.Available = total - p.Reserved
	p.Version++
	l.products[productID] = p
	return nil
}

func (l *memLedger) Load(_ context.Context, productID string) (*inventory.InventoryResource, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.products[productID]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	return &p, nil
}

func (l *memLedger) Products(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for id := range l.products {
		out = append(out, id)
	}
	return out, nil
}

func (l *memLedger) Apply(_ context.Context, productID string, d inventory.Delta) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return errors.New("ledger unavailable")
	}
	p := l.products[productID]
	p.Total += d.Total
	p.Available += d.Available
	p.Reserved += d.Reserved
	p.Version++
	l.products[productID] = p
	return nil
}

func TestEngine_LedgerFollowsEveryChange(t *testing.T) {
	ledger := newMemLedger()
	f := newFixture(t, stores["memory"], inventory.WithLedger(ledger))
	ctx := context.Background()
	_, err := f.engine.InitProduct(ctx, "p1", 5)
	require.NoError(t, err)

	a := f.reserve(t, "p1", 2)
	b := f.reserve(t, "p1", 1)
	_, err = f.engine.Confirm(ctx, "TX-p1", a.Phase1LogID, a.Reservation.ID)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, "TX-p1", b.Reservation.ID)
	require.NoError(t, err)

	durable, err := ledger.Load(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, durable.SameCounters(*f.inventory(t, "p1")))
}

func TestEngine_LedgerFailureLeavesFastStoreUntouched(t *testing.T) {
	ledger := newMemLedger()
	f := newFixture(t, stores["memory"], inventory.WithLedger(ledger))
	ctx := context.Background()
	_, err := f.engine.InitProduct(ctx, "p1", 5)
	require.NoError(t, err)

	ledger.failNext = true
	_, err = f.engine.Reserve(ctx, inventory.ReserveRequest{TransactionID: "TX", ProductID: "p1", Quantity: 1})
	require.Error(t, err)

	assert.Equal(t, 5, f.inventory(t, "p1").Available)
	pending, err := f.journal.FindPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconciler_TrustsLedgerOnMismatch(t *testing.T) {
	ledger := newMemLedger()
	f := newFixture(t, stores["memory"], inventory.WithLedger(ledger))
	ctx := context.Background()
	_, err := f.engine.InitProduct(ctx, "p1", 5)
	require.NoError(t, err)
	_, err = f.engine.InitProduct(ctx, "p2", 3)
	require.NoError(t, err)
	f.reserve(t, "p1", 2)

	// Drift the fast store behind the engine's back.
	require.NoError(t, f.store.Overwrite(ctx, inventory.InventoryResource{ProductID: "p1", Total: 9, Available: 9}))

	rec := inventory.NewReconciler(slogDiscard(), f.engine, time.Minute)
	n, err := rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	inv := f.inventory(t, "p1")
	assert.Equal(t, 5, inv.Total)
	assert.Equal(t, 3, inv.Available)
	assert.Equal(t, 2, inv.Reserved)

	n, err = rec.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
