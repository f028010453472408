package expiry

import (
	"context"
	"log/slog"
	"time"
)

// Store is the ledger slice the sweeper drives.
type Store interface {
	ExpireBatch(ctx context.Context, limit int) (int, error)
}

// Sweeper releases pending holds whose payment never arrived. Instances can
// run concurrently: the batch query locks rows with SKIP LOCKED, so they
// share the work instead of colliding.
type Sweeper struct {
	store  Store
	logger *slog.Logger
	batch  int
}

func NewSweeper(store Store, logger *slog.Logger, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{store: store, logger: logger, batch: batchSize}
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.store.ExpireBatch(ctx, s.batch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("expiry sweep failed", "err", err)
		}
		return
	}
	if n > 0 {
		s.logger.Info("released expired holds", "count", n)
	}
}
