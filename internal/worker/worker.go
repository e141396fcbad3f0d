// Package worker runs the stale-pending sweeper: tracking records stuck in
// pending past a cutoff are closed out as failed. A record only stays pending
// that long when the send path died between creating the record and
// confirming the dispatch, so there is nothing to retry.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jcormack/mailtrack/internal/metrics"
)

// StaleStore is the store surface the sweeper needs.
type StaleStore interface {
	MarkStalePendingFailed(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error)
}

// Config holds sweeper configuration.
type Config struct {
	SweepInterval time.Duration // how often to sweep
	PendingMaxAge time.Duration // how long a record may sit in pending
	BatchSize     int           // max records closed per sweep
}

// Sweeper periodically fails out stale pending records.
type Sweeper struct {
	store  StaleStore
	config Config
	logger *zap.Logger
}

// New creates a sweeper with the given configuration.
func New(store StaleStore, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.PendingMaxAge <= 0 {
		cfg.PendingMaxAge = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	return &Sweeper{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("stale-pending sweeper started",
		zap.Duration("interval", s.config.SweepInterval),
		zap.Duration("pending_max_age", s.config.PendingMaxAge),
	)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stale-pending sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single sweep pass. Exported so operators can trigger it
// directly and tests can exercise it without the ticker.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	ids, err := s.store.MarkStalePendingFailed(ctx, s.config.PendingMaxAge, s.config.BatchSize)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	metrics.RecordStalePendingSwept(len(ids))
	for _, id := range ids {
		s.logger.Warn("stale pending record failed out",
			zap.String("record_id", id.String()),
			zap.Duration("pending_max_age", s.config.PendingMaxAge),
		)
	}
}
