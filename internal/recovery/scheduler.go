package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/jcmexdev/inventory-saga/internal/wal"
)

// Scheduler runs a recovery pass at startup, then on a fixed interval, and
// on demand through Trigger.
type Scheduler struct {
	log       *slog.Logger
	svc       *Service
	interval  time.Duration
	minAge    time.Duration
	journal   *wal.Service
	retention time.Duration
	ready     chan struct{}
}

type SchedulerOption func(*Scheduler)

// WithArchive archives terminal WAL entries older than retention after each
// scheduled pass. retention <= 0 disables archival.
func WithArchive(journal *wal.Service, retention time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.journal = journal
		s.retention = retention
	}
}

func NewScheduler(log *slog.Logger, svc *Service, interval, minAge time.Duration, opts ...SchedulerOption) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &Scheduler{log: log, svc: svc, interval: interval, minAge: minAge, ready: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is done. The startup pass ignores minAge: nothing
// can still be in flight right after a restart.
func (s *Scheduler) Run(ctx context.Context) error {
	s.pass(ctx, 0)
	close(s.ready)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("recovery scheduler stopping")
			return nil
		case <-t.C:
			s.pass(ctx, s.minAge)
			s.archive(ctx)
		}
	}
}

// Ready is closed once the startup pass has finished.
func (s *Scheduler) Ready() <-chan struct{} { return s.ready }

// Trigger runs a pass now. Like the scheduled passes it only looks at entries
// older than minAge, since purchases may be in flight.
func (s *Scheduler) Trigger(ctx context.Context) (Report, error) {
	s.log.InfoContext(ctx, "recovery triggered on demand", "min_age", s.minAge)
	return s.svc.Run(ctx, s.minAge)
}

func (s *Scheduler) pass(ctx context.Context, minAge time.Duration) {
	if _, err := s.svc.Run(ctx, minAge); err != nil && ctx.Err() == nil {
		s.log.Error("recovery pass error", "error", err)
	}
}

func (s *Scheduler) archive(ctx context.Context) {
	if s.journal == nil || s.retention <= 0 {
		return
	}
	if _, err := s.journal.Archive(ctx, s.retention); err != nil {
		s.log.Error("wal archive error", "error", err)
	}
}
