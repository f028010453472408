package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/consulere/booking/libs/db"
)

// Store is the ledger slice the completer drives.
type Store interface {
	CompleteBatch(ctx context.Context, limit int) (int, error)
}

// Completer moves confirmed appointments whose end time has passed to
// completed. Unlike the expiry sweep this is pure bookkeeping, so a single
// instance doing it is enough.
type Completer struct {
	pool        *db.Pool
	store       Store
	logger      *slog.Logger
	batchSize   int
	advisoryKey int64
}

type Config struct {
	BatchSize       int
	AdvisoryLockKey int64
}

func NewCompleter(pool *db.Pool, store Store, logger *slog.Logger, cfg Config) *Completer {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 100
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		// Stable-ish default; override via env if the key collides with
		// another job on the same database.
		lockKey = 7421001
	}
	return &Completer{
		pool:        pool,
		store:       store,
		logger:      logger,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (c *Completer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	// Best-effort leader election for multi-instance deployments. Only the
	// instance holding the advisory lock reconciles.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := c.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, c.advisoryKey).Scan(&locked); err != nil {
			c.logger.Error("completion reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			c.logger.Info("completion reconcile: advisory lock held by another instance", "lock_key", c.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		c.logger.Info("completion reconcile: advisory lock acquired", "lock_key", c.advisoryKey)
		defer func() {
			_, _ = c.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, c.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	c.completeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.completeOnce(ctx)
		}
	}
}

func (c *Completer) completeOnce(ctx context.Context) {
	n, err := c.store.CompleteBatch(ctx, c.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("completion reconcile failed", "err", err)
		}
		return
	}
	if n > 0 {
		c.logger.Info("marked past appointments completed", "count", n)
	}
}
