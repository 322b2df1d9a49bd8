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
	"github.com/jnst/email-event-service/internal/transport"
)

const defaultBookkeepingTimeout = 10 * time.Second

// SenderConfig holds the mail server settings and the retry base delay.
type SenderConfig struct {
	Host       string
	Port       int
	Security   transport.SecurityMode
	From       string
	Username   string
	Password   string
	RetryDelay time.Duration
	// BookkeepingTimeout bounds event writes made after the delivery context is cancelled.
	BookkeepingTimeout time.Duration
}

// SenderImpl delivers emails with exponential backoff, recording every outcome.
type SenderImpl struct {
	store        repository.EventStore
	newTransport transport.Factory
	cfg          SenderConfig
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewSenderImpl creates a new Sender implementation.
func NewSenderImpl(
	store repository.EventStore,
	newTransport transport.Factory,
	cfg SenderConfig,
	opts ...Option,
) *SenderImpl {
	o := applyOptions(opts)
	if cfg.BookkeepingTimeout <= 0 {
		cfg.BookkeepingTimeout = defaultBookkeepingTimeout
	}

	return &SenderImpl{
		store:        store,
		newTransport: newTransport,
		cfg:          cfg,
		logger:       o.logger.With(logger.Component("sender")),
		metrics:      o.metrics,
	}
}

// Attempts returns how many round trips a delivery resuming at
// currentRetryCount may make. With one retry or less left there is a single try.
func Attempts(currentRetryCount int) int {
	remaining := model.MaxRetries - currentRetryCount
	if remaining <= 1 {
		return 1
	}

	return remaining + 1
}

// Backoff returns the wait before retry n (1-based): base * 2^(n-1).
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		return 0
	}

	return base << (n - 1)
}

// Deliver runs the retry loop for one email.
// Cancellation stops the loop without recording a failure.
func (s *SenderImpl) Deliver(ctx context.Context, req DeliveryRequest) error {
	log := s.logger.With(logger.EmailID(req.EmailID))
	msg := &transport.Message{
		From:    s.cfg.From,
		To:      req.Recipient,
		Subject: req.Subject,
		Body:    req.Body,
	}

	attempts := Attempts(req.CurrentRetryCount)
	status := model.StatusPending

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, Backoff(s.cfg.RetryDelay, attempt-1)); err != nil {
				s.abandon(log, attempt)
				return nil
			}
		}

		sendErr := s.roundTrip(ctx, msg)
		if sendErr == nil {
			if err := s.record(ctx, req.EmailID, true); err != nil {
				return fmt.Errorf("failed to record delivery of %s: %w", req.EmailID, err)
			}

			s.metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
			log.Info("email delivered", slog.Int("attempt", attempt))

			return nil
		}

		if ctx.Err() != nil {
			s.abandon(log, attempt)
			return nil
		}

		log.Warn("send attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			logger.Error(sendErr),
		)

		if err := s.record(ctx, req.EmailID, false); err != nil {
			return fmt.Errorf("failed to record failed attempt for %s: %w", req.EmailID, err)
		}

		email, err := s.load(ctx, req.EmailID)
		if err != nil {
			return fmt.Errorf("failed to reload %s: %w", req.EmailID, err)
		}

		status = email.Status
		if status == model.StatusUndeliverable {
			break
		}
	}

	outcome := metrics.OutcomeFailed
	if status == model.StatusUndeliverable {
		outcome = metrics.OutcomeUndeliverable
	}
	s.metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()

	log.Error("failed to send email",
		slog.String("recipient", req.Recipient),
		slog.String("subject", req.Subject),
		slog.String("status", string(status)),
	)

	return nil
}

// roundTrip performs connect, authenticate, send and disconnect against a fresh transport.
func (s *SenderImpl) roundTrip(ctx context.Context, msg *transport.Message) (err error) {
	start := time.Now()
	defer func() {
		s.metrics.AttemptDuration.Observe(time.Since(start).Seconds())
		result := "success"
		if err != nil {
			result = "failure"
		}
		s.metrics.AttemptsTotal.WithLabelValues(result).Inc()
	}()

	t := s.newTransport()
	if err := t.Connect(ctx, s.cfg.Host, s.cfg.Port, s.cfg.Security); err != nil {
		return err
	}

	if err := t.Authenticate(ctx, s.cfg.Username, s.cfg.Password); err != nil {
		_ = t.Disconnect(ctx, false)
		return err
	}

	if err := t.Send(ctx, msg); err != nil {
		_ = t.Disconnect(ctx, false)
		return err
	}

	return t.Disconnect(ctx, true)
}

// record appends the attempt outcome. The write outlives ctx cancellation
// so a finished round trip is never lost.
func (s *SenderImpl) record(ctx context.Context, id uuid.UUID, sent bool) error {
	ctx, cancel := s.bookkeepingContext(ctx)
	defer cancel()

	session := s.store.OpenSession()
	if sent {
		session.RecordSent(id)
	} else {
		session.RecordFailed(id)
	}

	return session.Commit(ctx)
}

func (s *SenderImpl) load(ctx context.Context, id uuid.UUID) (*model.Email, error) {
	ctx, cancel := s.bookkeepingContext(ctx)
	defer cancel()

	return s.store.Load(ctx, id)
}

func (s *SenderImpl) bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BookkeepingTimeout)
}

func (s *SenderImpl) abandon(log *slog.Logger, attempt int) {
	s.metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeAbandoned).Inc()
	log.Info("delivery interrupted by shutdown", slog.Int("attempt", attempt))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
