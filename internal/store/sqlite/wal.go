package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jcmexdev/inventory-saga/internal/wal"
)

const walColumns = `lsn, log_id, transaction_id, operation, phase, table_name, entity_ids,
       before_data, after_data, status, related_log_id, message, trace_id, span_id,
       created_at, completed_at`

// WALRepository is the SQLite implementation of wal.Repository. The LSN is
// the AUTOINCREMENT rowid, so it is never reused even after archival.
type WALRepository struct {
	db *sql.DB
}

var _ wal.Repository = (*WALRepository)(nil)

func (r *WALRepository) Append(ctx context.Context, e *wal.Entry) error {
	const q = `
		INSERT INTO wal_log
			(log_id, transaction_id, operation, phase, table_name, entity_ids,
			 before_data, after_data, status, related_log_id, message, trace_id, span_id,
			 created_at, completed_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	ids, err := json.Marshal(e.EntityIDs)
	if err != nil {
		return fmt.Errorf("sqlite: encode entity ids for %q: %w", e.LogID, err)
	}
	if e.EntityIDs == nil {
		ids = []byte("{}")
	}

	res, err := r.db.ExecContext(ctx, q,
		e.LogID,
		e.TransactionID,
		e.Operation,
		int(e.Phase),
		e.TableName,
		string(ids),
		nullableString(string(e.BeforeData)),
		nullableString(string(e.AfterData)),
		string(e.Status),
		e.RelatedLogID,
		e.Message,
		e.TraceID,
		e.SpanID,
		formatTime(e.CreatedAt),
		nullableTime(e.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append wal entry %q: %w", e.LogID, err)
	}

	lsn, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: lsn of %q: %w", e.LogID, err)
	}
	e.LSN = lsn
	return nil
}

func (r *WALRepository) Transition(ctx context.Context, logID string, to wal.Status, message string, at time.Time) error {
	const q = `
		UPDATE wal_log
		SET    status = ?,
		       message = COALESCE(NULLIF(?, ''), message),
		       completed_at = ?
		WHERE  log_id = ?
		AND    status IN ('PENDING', 'IN_PROGRESS')`

	var completedAt any
	if !at.IsZero() {
		completedAt = formatTime(at)
	}

	res, err := r.db.ExecContext(ctx, q, string(to), message, completedAt, logID)
	if err != nil {
		return fmt.Errorf("sqlite: transition %q to %s: %w", logID, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: transition %q to %s: %w", logID, to, err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM wal_log WHERE log_id = ?`, logID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", wal.ErrEntryNotFound, logID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read status of %q: %w", logID, err)
	}
	if wal.Status(current) == to {
		return nil
	}
	return fmt.Errorf("%w: %s is %s, cannot become %s", wal.ErrInvalidTransition, logID, current, to)
}

func (r *WALRepository) Get(ctx context.Context, logID string) (*wal.Entry, error) {
	q := `SELECT ` + walColumns + ` FROM wal_log WHERE log_id = ?`

	e, err := scanEntry(r.db.QueryRowContext(ctx, q, logID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", wal.ErrEntryNotFound, logID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get wal entry %q: %w", logID, err)
	}
	return e, nil
}

func (r *WALRepository) FindByStatus(ctx context.Context, statuses []wal.Status, createdBefore time.Time) ([]*wal.Entry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	q := `SELECT ` + walColumns + ` FROM wal_log WHERE status IN (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + `)`
	if !createdBefore.IsZero() {
		q += ` AND created_at < ?`
		args = append(args, formatTime(createdBefore))
	}
	q += ` ORDER BY lsn ASC`

	return r.query(ctx, q, args...)
}

func (r *WALRepository) FindByTransaction(ctx context.Context, transactionID string) ([]*wal.Entry, error) {
	q := `SELECT ` + walColumns + ` FROM wal_log WHERE transaction_id = ? ORDER BY lsn ASC`
	return r.query(ctx, q, transactionID)
}

// Archive copies terminal entries created before olderThan into
// wal_log_archive and removes them from wal_log in one transaction.
func (r *WALRepository) Archive(ctx context.Context, olderThan time.Time) (int64, error) {
	const where = `status IN ('COMMITTED', 'FAILED', 'RECOVERED') AND created_at < ?`
	cutoff := formatTime(olderThan)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin archive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wal_log_archive (`+walColumns+`) SELECT `+walColumns+` FROM wal_log WHERE `+where, cutoff); err != nil {
		return 0, fmt.Errorf("sqlite: copy to archive: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM wal_log WHERE `+where, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete archived: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit archive: %w", err)
	}
	return n, nil
}

func (r *WALRepository) query(ctx context.Context, q string, args ...any) ([]*wal.Entry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query wal: %w", err)
	}
	defer rows.Close()

	var out []*wal.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan wal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*wal.Entry, error) {
	var (
		e           wal.Entry
		phase       int
		entityIDs   string
		before      sql.NullString
		after       sql.NullString
		status      string
		createdAt   string
		completedAt sql.NullString
	)
	err := s.Scan(
		&e.LSN,
		&e.LogID,
		&e.TransactionID,
		&e.Operation,
		&phase,
		&e.TableName,
		&entityIDs,
		&before,
		&after,
		&status,
		&e.RelatedLogID,
		&e.Message,
		&e.TraceID,
		&e.SpanID,
		&createdAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Phase = wal.Phase(phase)
	e.Status = wal.Status(status)
	if before.Valid {
		e.BeforeData = json.RawMessage(before.String)
	}
	if after.Valid {
		e.AfterData = json.RawMessage(after.String)
	}
	if entityIDs != "" && entityIDs != "{}" {
		if err := json.Unmarshal([]byte(entityIDs), &e.EntityIDs); err != nil {
			return nil, fmt.Errorf("decode entity ids of %q: %w", e.LogID, err)
		}
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
