// Package sqlite provides the SQLite-backed repositories of the service: the
// write-ahead log, orders and payments. All three share one database handle.
//
// WAL journal mode is enabled on Open so that readers never block the single
// writer connection.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Register the pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS wal_log (
    lsn             INTEGER PRIMARY KEY AUTOINCREMENT,
    log_id          TEXT    NOT NULL UNIQUE,
    transaction_id  TEXT    NOT NULL,
    operation       TEXT    NOT NULL,
    phase           INTEGER NOT NULL DEFAULT 0,
    table_name      TEXT    NOT NULL DEFAULT '',
    entity_ids      TEXT    NOT NULL DEFAULT '{}',
    before_data     TEXT,
    after_data      TEXT,
    status          TEXT    NOT NULL,
    related_log_id  TEXT    NOT NULL DEFAULT '',
    message         TEXT    NOT NULL DEFAULT '',
    trace_id        TEXT    NOT NULL DEFAULT '',
    span_id         TEXT    NOT NULL DEFAULT '',
    created_at      TEXT    NOT NULL,
    completed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_wal_log_transaction ON wal_log(transaction_id, lsn);
CREATE INDEX IF NOT EXISTS idx_wal_log_status ON wal_log(status, lsn);

CREATE TABLE IF NOT EXISTS wal_log_archive (
    lsn             INTEGER PRIMARY KEY,
    log_id          TEXT    NOT NULL UNIQUE,
    transaction_id  TEXT    NOT NULL,
    operation       TEXT    NOT NULL,
    phase           INTEGER NOT NULL DEFAULT 0,
    table_name      TEXT    NOT NULL DEFAULT '',
    entity_ids      TEXT    NOT NULL DEFAULT '{}',
    before_data     TEXT,
    after_data      TEXT,
    status          TEXT    NOT NULL,
    related_log_id  TEXT    NOT NULL DEFAULT '',
    message         TEXT    NOT NULL DEFAULT '',
    trace_id        TEXT    NOT NULL DEFAULT '',
    span_id         TEXT    NOT NULL DEFAULT '',
    created_at      TEXT    NOT NULL,
    completed_at    TEXT
);

CREATE TABLE IF NOT EXISTS orders (
    id              TEXT    PRIMARY KEY,
    transaction_id  TEXT    NOT NULL,
    reservation_id  TEXT    NOT NULL,
    customer_id     TEXT    NOT NULL,
    product_id      TEXT    NOT NULL DEFAULT '',
    quantity        INTEGER NOT NULL DEFAULT 0,
    amount          INTEGER NOT NULL,
    currency        TEXT    NOT NULL DEFAULT '',
    status          TEXT    NOT NULL,
    payment_id      TEXT    NOT NULL DEFAULT '',
    cancel_reason   TEXT    NOT NULL DEFAULT '',
    created_at      TEXT    NOT NULL,
    updated_at      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_reservation ON orders(reservation_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
    id                      TEXT    PRIMARY KEY,
    transaction_id          TEXT    NOT NULL,
    order_id                TEXT    NOT NULL,
    reservation_id          TEXT    NOT NULL DEFAULT '',
    customer_id             TEXT    NOT NULL DEFAULT '',
    amount                  INTEGER NOT NULL,
    currency                TEXT    NOT NULL DEFAULT '',
    method                  TEXT    NOT NULL DEFAULT '',
    status                  TEXT    NOT NULL,
    gateway_transaction_id  TEXT    NOT NULL DEFAULT '',
    approval_code           TEXT    NOT NULL DEFAULT '',
    failure_reason          TEXT    NOT NULL DEFAULT '',
    created_at              TEXT    NOT NULL,
    updated_at              TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_order ON payments(order_id, created_at);
`

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB is an open SQLite database with the schema applied.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, creating the parent
// directory if needed.
//
//	db, err := sqlite.Open("./data/reservation.db")
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) WAL() *WALRepository { return &WALRepository{db: d.db} }

func (d *DB) Orders() *OrderRepository { return &OrderRepository{db: d.db} }

func (d *DB) Payments() *PaymentRepository { return &PaymentRepository{db: d.db} }

// applySchema runs the DDL statements once. Idempotent due to IF NOT EXISTS.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

// nullableString returns nil for empty strings so SQLite stores NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
