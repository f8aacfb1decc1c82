package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jcmexdev/inventory-saga/internal/pkg/ids"
)

// Service writes and queries the log on behalf of the domain operations.
//
// Writes detach from the caller's cancellation: a saga step that failed
// because its context expired must still be able to record that failure.
type Service struct {
	repo Repository
	log  *slog.Logger
	now  func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{repo: repo, log: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start describes the first record of an operation.
type Start struct {
	TransactionID string
	Kind          Kind
	Table         string
	EntityIDs     map[string]string
	RelatedLogID  string
	Before        any
	After         any
}

// LogPhase1Start writes a PENDING start entry and returns its log id.
func (s *Service) LogPhase1Start(ctx context.Context, txID string, kind Kind, table string, entityIDs map[string]string, after any) (string, error) {
	e, err := s.appendStart(ctx, Start{
		TransactionID: txID,
		Kind:          kind,
		Table:         table,
		EntityIDs:     entityIDs,
		After:         after,
	})
	if err != nil {
		return "", err
	}
	return e.LogID, nil
}

// LogPhase2Start writes a PENDING start entry linked to the Phase 1 entry
// that produced the state being committed.
func (s *Service) LogPhase2Start(ctx context.Context, txID, phase1LogID string, kind Kind, table string, entityIDs map[string]string, before, after any) (string, error) {
	e, err := s.appendStart(ctx, Start{
		TransactionID: txID,
		Kind:          kind,
		Table:         table,
		EntityIDs:     entityIDs,
		RelatedLogID:  phase1LogID,
		Before:        before,
		After:         after,
	})
	if err != nil {
		return "", err
	}
	return e.LogID, nil
}

// LogComplete writes a COMMITTED completion entry.
func (s *Service) LogComplete(ctx context.Context, txID string, kind Kind, table string, entityIDs map[string]string, before, after any) (string, error) {
	return s.appendTerminal(ctx, txID, kind.Complete(), kind, table, entityIDs, "", before, after, StatusCommitted, "completed")
}

// LogFailure writes a FAILED entry carrying errMsg.
func (s *Service) LogFailure(ctx context.Context, txID string, kind Kind, table string, entityIDs map[string]string, errMsg string) (string, error) {
	after := map[string]string{"error": errMsg}
	return s.appendTerminal(ctx, txID, kind.Failed(), kind, table, entityIDs, "", nil, after, StatusFailed, errMsg)
}

// LogSagaEnd writes the terminal record of an orchestrator run.
func (s *Service) LogSagaEnd(ctx context.Context, txID string, committed bool, entityIDs map[string]string, message string) (string, error) {
	op, status := OpSagaAbort, StatusFailed
	if committed {
		op, status = OpSagaCommit, StatusCommitted
	}
	return s.appendTerminal(ctx, txID, op, KindSaga, "saga", entityIDs, "", nil, nil, status, message)
}

// LogRecovery writes the outcome of a recovery attempt for the entry logID.
func (s *Service) LogRecovery(ctx context.Context, target *Entry, recovered bool, message string) (string, error) {
	op, status := KindRecovery.Complete(), StatusCommitted
	if !recovered {
		op, status = KindRecovery.Failed(), StatusFailed
	}
	return s.appendTerminal(ctx, target.TransactionID, op, KindRecovery, target.TableName, target.EntityIDs, target.LogID, nil, nil, status, message)
}

// UpdateStatus transitions an entry. Repeating the same terminal transition
// is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, logID string, status Status, message string) error {
	var at time.Time
	if status.Terminal() {
		at = s.now().UTC()
	}
	if err := s.repo.Transition(context.WithoutCancel(ctx), logID, status, message, at); err != nil {
		return fmt.Errorf("wal: update %s to %s: %w", logID, status, err)
	}
	return nil
}

// FindPending returns every PENDING or IN_PROGRESS entry ordered by LSN.
func (s *Service) FindPending(ctx context.Context) ([]*Entry, error) {
	return s.FindPendingOlderThan(ctx, 0)
}

// FindPendingOlderThan is FindPending restricted to entries at least minAge
// old, so a recovery pass does not race sagas that are still running.
func (s *Service) FindPendingOlderThan(ctx context.Context, minAge time.Duration) ([]*Entry, error) {
	before := s.now().UTC().Add(-minAge)
	if minAge <= 0 {
		before = time.Time{}
	}
	return s.repo.FindByStatus(ctx, []Status{StatusPending, StatusInProgress}, before)
}

func (s *Service) FindByTransaction(ctx context.Context, txID string) ([]*Entry, error) {
	return s.repo.FindByTransaction(ctx, txID)
}

func (s *Service) Get(ctx context.Context, logID string) (*Entry, error) {
	return s.repo.Get(ctx, logID)
}

// Archive moves terminal entries older than retention out of the live log.
func (s *Service) Archive(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := s.repo.Archive(ctx, s.now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("wal: archive: %w", err)
	}
	if n > 0 {
		s.log.InfoContext(ctx, "archived wal entries", "count", n, "retention", retention)
	}
	return n, nil
}

// Begin writes the start entry of an operation and returns a Record used to
// close it.
func (s *Service) Begin(ctx context.Context, st Start) (*Record, error) {
	e, err := s.appendStart(ctx, st)
	if err != nil {
		return nil, err
	}
	return &Record{svc: s, entry: e}, nil
}

func (s *Service) appendStart(ctx context.Context, st Start) (*Entry, error) {
	if st.Kind.Phase() == Phase2 && st.RelatedLogID == "" {
		return nil, fmt.Errorf("wal: %s requires a phase 1 log id", st.Kind)
	}
	before, err := encode(st.Before)
	if err != nil {
		return nil, err
	}
	after, err := encode(st.After)
	if err != nil {
		return nil, err
	}

	e := s.newEntry(ctx, st.TransactionID, st.Kind.Start(), st.Kind, st.Table, st.EntityIDs)
	e.RelatedLogID = st.RelatedLogID
	e.BeforeData = before
	e.AfterData = after
	e.Status = StatusPending
	e.Message = "started"

	if err := s.repo.Append(context.WithoutCancel(ctx), e); err != nil {
		return nil, fmt.Errorf("wal: append %s for %s: %w", e.Operation, st.TransactionID, err)
	}
	s.log.DebugContext(ctx, "wal start logged",
		"tx_id", e.TransactionID, "operation", e.Operation, "log_id", e.LogID, "lsn", e.LSN)
	return e, nil
}

func (s *Service) appendTerminal(ctx context.Context, txID, op string, kind Kind, table string, entityIDs map[string]string, related string, before, after any, status Status, message string) (string, error) {
	b, err := encode(before)
	if err != nil {
		return "", err
	}
	a, err := encode(after)
	if err != nil {
		return "", err
	}

	e := s.newEntry(ctx, txID, op, kind, table, entityIDs)
	e.RelatedLogID = related
	e.BeforeData = b
	e.AfterData = a
	e.Status = status
	e.Message = message
	done := e.CreatedAt
	e.CompletedAt = &done

	if err := s.repo.Append(context.WithoutCancel(ctx), e); err != nil {
		return "", fmt.Errorf("wal: append %s for %s: %w", op, txID, err)
	}
	return e.LogID, nil
}

func (s *Service) newEntry(ctx context.Context, txID, op string, kind Kind, table string, entityIDs map[string]string) *Entry {
	ti := ExtractTraceInfo(ctx)
	return &Entry{
		LogID:         ids.NewLogID(),
		TransactionID: txID,
		Operation:     op,
		Phase:         kind.Phase(),
		TableName:     table,
		EntityIDs:     copyIDs(entityIDs),
		TraceID:       ti.TraceID,
		SpanID:        ti.SpanID,
		CreatedAt:     s.now().UTC(),
	}
}

// Record is an open operation: a PENDING start entry waiting for its outcome.
type Record struct {
	svc   *Service
	entry *Entry
}

func (r *Record) LogID() string { return r.entry.LogID }

// Commit marks the start entry COMMITTED and appends a completion entry.
// Failures are logged rather than returned: the domain mutation already
// happened, and an entry left PENDING is exactly what recovery looks for.
func (r *Record) Commit(ctx context.Context, before, after any) {
	e := r.entry
	if err := r.svc.UpdateStatus(ctx, e.LogID, StatusCommitted, "completed"); err != nil {
		r.svc.log.ErrorContext(ctx, "failed to commit wal entry",
			"tx_id", e.TransactionID, "log_id", e.LogID, "error", err)
		return
	}
	if _, err := r.svc.appendTerminal(ctx, e.TransactionID, r.kind().Complete(), r.kind(), e.TableName, e.EntityIDs, e.LogID, before, after, StatusCommitted, "completed"); err != nil {
		r.svc.log.ErrorContext(ctx, "failed to log wal completion",
			"tx_id", e.TransactionID, "log_id", e.LogID, "error", err)
	}
}

// Fail marks the start entry FAILED and appends a failure entry.
func (r *Record) Fail(ctx context.Context, cause error) {
	e := r.entry
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := r.svc.UpdateStatus(ctx, e.LogID, StatusFailed, msg); err != nil {
		r.svc.log.ErrorContext(ctx, "failed to mark wal entry failed",
			"tx_id", e.TransactionID, "log_id", e.LogID, "error", err)
		return
	}
	after := map[string]string{"error": msg}
	if _, err := r.svc.appendTerminal(ctx, e.TransactionID, r.kind().Failed(), r.kind(), e.TableName, e.EntityIDs, e.LogID, nil, after, StatusFailed, msg); err != nil {
		r.svc.log.ErrorContext(ctx, "failed to log wal failure",
			"tx_id", e.TransactionID, "log_id", e.LogID, "error", err)
	}
}

func (r *Record) kind() Kind { return r.entry.Kind() }

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wal: encode snapshot: %w", err)
	}
	return b, nil
}

func copyIDs(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
