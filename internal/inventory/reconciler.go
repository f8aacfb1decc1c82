package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reconciler compares the fast store with the durable ledger and, on any
// mismatch, overwrites the fast store with the ledger's counters.
type Reconciler struct {
	log      *slog.Logger
	engine   *Engine
	interval time.Duration
}

func NewReconciler(log *slog.Logger, engine *Engine, interval time.Duration) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{log: log, engine: engine, interval: interval}
}

// ReconcileOnce checks every product known to the ledger and returns the
// number of products whose fast-store counters were repaired.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	e := r.engine
	if e.ledger == nil {
		return 0, nil
	}

	products, err := e.ledger.Products(ctx)
	if err != nil {
		return 0, fmt.Errorf("inventory: list ledger products: %w", err)
	}

	repaired := 0
	for _, id := range products {
		var fixed bool
		err := e.locker.WithLock(ctx, lockKey(id), func(ctx context.Context) error {
			durable, err := e.ledger.Load(ctx, id)
			if err != nil {
				return err
			}
			fast, err := e.store.Inventory(ctx, id)
			if err != nil && !errors.Is(err, ErrProductNotFound) {
				return err
			}
			if fast != nil && fast.SameCounters(*durable) {
				return nil
			}

			r.log.WarnContext(ctx, "inventory mismatch, trusting durable ledger",
				"product_id", id, "fast", fast, "durable", durable)
			fixed = true
			return e.store.Overwrite(ctx, *durable)
		})
		if err != nil {
			r.log.ErrorContext(ctx, "reconcile failed", "product_id", id, "error", err)
			continue
		}
		if fixed {
			repaired++
		}
	}
	return repaired, nil
}

// Run blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopping")
			return nil
		case <-t.C:
			n, err := r.ReconcileOnce(ctx)
			if err != nil {
				r.log.Error("reconcile pass error", "error", err)
				continue
			}
			if n > 0 {
				r.log.Info("inventory reconciled", "repaired", n)
			}
		}
	}
}
