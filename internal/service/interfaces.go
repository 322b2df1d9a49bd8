// Package service provides business logic layer implementations.
package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/metrics"
	"github.com/jnst/email-event-service/internal/model"
)

// EmailService is the public entry point for sending emails.
type EmailService interface {
	// Submit validates the request, queues it and returns the assigned email id.
	Submit(ctx context.Context, params *model.SendEmailParams) (uuid.UUID, error)
	// GetEmail returns the current state of an email.
	GetEmail(ctx context.Context, id uuid.UUID) (*model.Email, error)
}

// Sender delivers one email with retries.
type Sender interface {
	// Deliver absorbs transport failures and returns only bookkeeping errors.
	Deliver(ctx context.Context, req DeliveryRequest) error
}

// Enqueuer accepts submissions for the queue processor.
type Enqueuer interface {
	Push(sub *model.QueuedSubmission)
}

// OutboxService defines business logic methods for outbox event processing.
type OutboxService interface {
	ProcessUnpublishedEvents(ctx context.Context, limit int) error
}

// DeliveryRequest is the input of one delivery.
type DeliveryRequest struct {
	EmailID           uuid.UUID
	CurrentRetryCount int
	Recipient         string
	Subject           string
	Body              string
}

// Option configures the logging, metrics and clock of a service component.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics the component reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.metrics == nil {
		o.metrics = metrics.NewUnregistered()
	}

	return o
}
