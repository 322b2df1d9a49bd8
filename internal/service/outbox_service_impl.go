package service

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/metrics"
	"github.com/jnst/email-event-service/internal/repository"
)

// OutboxServiceImpl relays stored email events to a Redis Stream.
type OutboxServiceImpl struct {
	outboxRepo  repository.OutboxRepository
	redisClient rueidis.Client
	streamKey   string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewOutboxServiceImpl creates a new OutboxService implementation.
func NewOutboxServiceImpl(
	outboxRepo repository.OutboxRepository,
	redisClient rueidis.Client,
	streamKey string,
	opts ...Option,
) OutboxService {
	o := applyOptions(opts)

	return &OutboxServiceImpl{
		outboxRepo:  outboxRepo,
		redisClient: redisClient,
		streamKey:   streamKey,
		logger:      o.logger.With(logger.Component("outbox")),
		metrics:     o.metrics,
	}
}

// ProcessUnpublishedEvents publishes up to limit events in log order.
// An event that fails to publish is retried on the next call.
func (s *OutboxServiceImpl) ProcessUnpublishedEvents(ctx context.Context, limit int) error {
	events, err := s.outboxRepo.GetUnpublishedEvents(ctx, limit)
	if err != nil {
		return err
	}

	for _, event := range events {
		cmd := s.redisClient.B().Xadd().Key(s.streamKey).Id("*").
			FieldValue().FieldValue("event_type", string(event.EventType)).
			FieldValue("email_id", event.EmailID.String()).
			FieldValue("version", strconv.Itoa(event.Version)).
			FieldValue("payload", string(event.Payload)).
			Build()

		if err := s.redisClient.Do(ctx, cmd).Error(); err != nil {
			s.metrics.EventsPublishFails.Inc()
			s.logger.Error("failed to publish event", slog.Int64("event_id", event.ID), logger.Error(err))

			continue
		}

		if err := s.outboxRepo.MarkAsPublished(ctx, event.ID); err != nil {
			s.logger.Error("failed to mark event as published", slog.Int64("event_id", event.ID), logger.Error(err))

			continue
		}

		s.metrics.EventsPublished.Inc()
		s.logger.Debug("published event",
			slog.Int64("event_id", event.ID),
			slog.String("event_type", string(event.EventType)),
			slog.String("stream", s.streamKey),
		)
	}

	return nil
}
