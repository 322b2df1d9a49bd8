package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/model"
	"github.com/jnst/email-event-service/internal/repository"
)

// EmailServiceImpl implements EmailService on top of the submission queue.
type EmailServiceImpl struct {
	queue         Enqueuer
	correlator    *Correlator
	store         repository.EventStore
	submitTimeout time.Duration
}

// NewEmailServiceImpl creates a new EmailService implementation.
// A positive submitTimeout bounds how long Submit waits for an id.
func NewEmailServiceImpl(
	queue Enqueuer,
	correlator *Correlator,
	store repository.EventStore,
	submitTimeout time.Duration,
) EmailService {
	return &EmailServiceImpl{
		queue:         queue,
		correlator:    correlator,
		store:         store,
		submitTimeout: submitTimeout,
	}
}

// Submit validates params, queues them and waits for the assigned email id.
// It does not wait for delivery.
func (s *EmailServiceImpl) Submit(ctx context.Context, params *model.SendEmailParams) (uuid.UUID, error) {
	if err := params.Validate(); err != nil {
		return uuid.Nil, err
	}

	if s.submitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.submitTimeout)
		defer cancel()
	}

	correlationID := uuid.New()
	pending, err := s.correlator.Register(correlationID)
	if err != nil {
		return uuid.Nil, err
	}

	s.queue.Push(&model.QueuedSubmission{
		CorrelationID: correlationID,
		Recipient:     params.Recipient,
		Subject:       params.Subject,
		Body:          params.Body,
	})

	assignment, err := pending.Await(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed waiting for email id: %w", err)
	}
	if assignment.Err != nil {
		return uuid.Nil, assignment.Err
	}

	return assignment.EmailID, nil
}

// GetEmail retrieves the current state of an email.
func (s *EmailServiceImpl) GetEmail(ctx context.Context, id uuid.UUID) (*model.Email, error) {
	return s.store.Load(ctx, id)
}
