// Package postgres is the durable system of record for inventory counters.
// Writes use an optimistic version check: a concurrent writer makes the
// update miss, and the change is re-read and retried with linear backoff.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jcmexdev/inventory-saga/internal/inventory"
	"github.com/jcmexdev/inventory-saga/internal/pkg/retry"
)

var ErrVersionConflict = errors.New("postgres: version conflict")

const schema = `
CREATE TABLE IF NOT EXISTS inventory_ledger (
    product_id  TEXT        PRIMARY KEY,
    total       INTEGER     NOT NULL CHECK (total >= 0),
    available   INTEGER     NOT NULL CHECK (available >= 0),
    reserved    INTEGER     NOT NULL CHECK (reserved >= 0),
    version     BIGINT      NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    CHECK (available + reserved = total)
)`

type Ledger struct {
	log    *slog.Logger
	pool   *pgxpool.Pool
	policy retry.Policy
}

var _ inventory.Ledger = (*Ledger)(nil)

func NewLedger(log *slog.Logger, pool *pgxpool.Pool) *Ledger {
	policy := retry.DefaultPolicy
	policy.Retryable = func(err error) bool { return errors.Is(err, ErrVersionConflict) }
	return &Ledger{log: log, pool: pool, policy: policy}
}

// Migrate creates the ledger table if it does not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate ledger: %w", err)
	}
	return nil
}

// Init sets total stock for a product, keeping reserved units.
func (l *Ledger) Init(ctx context.Context, productID string, total int) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var reserved int
	err = tx.QueryRow(ctx,
		`SELECT reserved FROM inventory_ledger WHERE product_id = $1 FOR UPDATE`, productID).Scan(&reserved)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: lock %s: %w", productID, err)
	}
	if total < reserved {
		return fmt.Errorf("%w: total %d below reserved %d", inventory.ErrInvalidState, total, reserved)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_ledger (product_id, total, available, reserved, version, updated_at)
		VALUES ($1, $2, $2, 0, 1, now())
		ON CONFLICT (product_id) DO UPDATE
		SET total = $2, available = $2 - inventory_ledger.reserved,
		    version = inventory_ledger.version + 1, updated_at = now()`,
		productID, total)
	if err != nil {
		return fmt.Errorf("postgres: init %s: %w", productID, err)
	}
	return tx.Commit(ctx)
}

func (l *Ledger) Load(ctx context.Context, productID string) (*inventory.InventoryResource, error) {
	r := &inventory.InventoryResource{ProductID: productID}
	err := l.pool.QueryRow(ctx,
		`SELECT total, available, reserved, version FROM inventory_ledger WHERE product_id = $1`, productID).
		Scan(&r.Total, &r.Available, &r.Reserved, &r.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", inventory.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load %s: %w", productID, err)
	}
	return r, nil
}

func (l *Ledger) Products(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT product_id FROM inventory_ledger ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list products: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Apply adds d to the counters of a product. The update only lands if the
// version read is still current; otherwise it is retried.
func (l *Ledger) Apply(ctx context.Context, productID string, d inventory.Delta) error {
	attempt := 0
	return retry.Do(ctx, l.policy, func(ctx context.Context) error {
		attempt++
		cur, err := l.Load(ctx, productID)
		if err != nil {
			return err
		}

		next := *cur
		next.Total += d.Total
		next.Available += d.Available
		next.Reserved += d.Reserved
		if !next.Consistent() {
			return fmt.Errorf("%w: delta %+v breaks counters of %s", inventory.ErrInvalidState, d, productID)
		}

		tag, err := l.pool.Exec(ctx, `
			UPDATE inventory_ledger
			SET total = $1, available = $2, reserved = $3, version = version + 1, updated_at = now()
			WHERE product_id = $4 AND version = $5`,
			next.Total, next.Available, next.Reserved, productID, cur.Version)
		if err != nil {
			return fmt.Errorf("postgres: apply to %s: %w", productID, err)
		}
		if tag.RowsAffected() == 0 {
			l.log.DebugContext(ctx, "ledger version conflict", "product_id", productID, "attempt", attempt)
			return ErrVersionConflict
		}
		return nil
	})
}
