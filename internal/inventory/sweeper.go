package inventory

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs Engine.SweepExpired on a fixed interval.
type Sweeper struct {
	log      *slog.Logger
	engine   *Engine
	interval time.Duration
}

func NewSweeper(log *slog.Logger, engine *Engine, interval time.Duration) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{log: log, engine: engine, interval: interval}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopping")
			return nil
		case <-t.C:
			n, err := s.engine.SweepExpired(ctx)
			if err != nil {
				s.log.Error("expiry sweep error", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("expired reservations swept", "count", n)
			}
		}
	}
}
