package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/metrics"
	"github.com/jnst/email-event-service/internal/model"
	"github.com/jnst/email-event-service/internal/repository"
)

// OrphanScannerImpl periodically resubmits emails whose delivery stalled,
// typically because the process handling them stopped mid-retry.
type OrphanScannerImpl struct {
	store      repository.EventStore
	queue      Enqueuer
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOrphanScannerImpl creates a scanner running every interval and resubmitting
// emails submitted more than staleAfter ago.
func NewOrphanScannerImpl(
	store repository.EventStore,
	queue Enqueuer,
	interval, staleAfter time.Duration,
	opts ...Option,
) *OrphanScannerImpl {
	o := applyOptions(opts)

	return &OrphanScannerImpl{
		store:      store,
		queue:      queue,
		interval:   interval,
		staleAfter: staleAfter,
		now:        o.now,
		logger:     o.logger.With(logger.Component("orphan_scanner")),
		metrics:    o.metrics,
	}
}

// Start scans immediately and then on every tick until ctx is cancelled.
// Scan failures are logged and retried on the next tick.
func (s *OrphanScannerImpl) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "orphan scanner started",
		slog.Duration("interval", s.interval),
		slog.Duration("stale_after", s.staleAfter),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("orphan scan failed", logger.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("orphan scanner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce resubmits every stalled email and returns how many were queued.
func (s *OrphanScannerImpl) ScanOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)

	orphans, err := s.store.FindOrphans(ctx, cutoff, model.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to query orphans: %w", err)
	}

	for _, email := range orphans {
		s.queue.Push(&model.QueuedSubmission{
			CorrelationID:     uuid.New(),
			EmailID:           email.ID,
			CurrentRetryCount: email.Retries,
			Recipient:         email.Recipient,
			Subject:           email.Subject,
			Body:              email.Body,
		})
	}

	if len(orphans) > 0 {
		s.metrics.OrphansResubmitted.Add(float64(len(orphans)))
		s.logger.Info("resubmitted orphaned emails", slog.Int("count", len(orphans)))
	}

	return len(orphans), nil
}
