package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/model"
)

var errSessionCommitted = errors.New("event session already committed")

// streamAppender persists a batch of events atomically.
type streamAppender interface {
	appendEvents(ctx context.Context, events []model.Event) error
}

// EventSessionImpl is the session shared by every EventStore implementation.
type EventSessionImpl struct {
	sender    string
	now       func() time.Time
	appender  streamAppender
	pending   []model.Event
	committed bool
}

func newEventSession(sender string, now func() time.Time, appender streamAppender) *EventSessionImpl {
	return &EventSessionImpl{
		sender:   sender,
		now:      now,
		appender: appender,
	}
}

// Submit buffers an EmailSubmitted event for a freshly minted id.
func (s *EventSessionImpl) Submit(recipient, subject, body string) uuid.UUID {
	id := uuid.New()
	s.pending = append(s.pending, model.EmailSubmitted{
		EmailID:     id,
		Sender:      s.sender,
		Recipient:   recipient,
		Subject:     subject,
		Body:        body,
		SubmittedAt: s.now().UTC(),
	})

	return id
}

// RecordSent buffers an EmailSent event.
func (s *EventSessionImpl) RecordSent(id uuid.UUID) {
	s.pending = append(s.pending, model.EmailSent{EmailID: id, SentAt: s.now().UTC()})
}

// RecordFailed buffers an EmailSendAttemptFailed event.
func (s *EventSessionImpl) RecordFailed(id uuid.UUID) {
	s.pending = append(s.pending, model.EmailSendAttemptFailed{EmailID: id, AttemptedAt: s.now().UTC()})
}

// Commit hands the buffered events to the store. A session can be committed once.
func (s *EventSessionImpl) Commit(ctx context.Context) error {
	if s.committed {
		return fmt.Errorf("%w: %w", model.ErrPersistence, errSessionCommitted)
	}
	s.committed = true

	if len(s.pending) == 0 {
		return nil
	}

	events := s.pending
	s.pending = nil

	return s.appender.appendEvents(ctx, events)
}

type streamBatch struct {
	id     uuid.UUID
	events []model.Event
}

// groupByStream splits events per stream, keeping first-seen stream order
// and append order within each stream.
func groupByStream(events []model.Event) []*streamBatch {
	var batches []*streamBatch
	index := make(map[uuid.UUID]*streamBatch)

	for _, ev := range events {
		b, ok := index[ev.StreamID()]
		if !ok {
			b = &streamBatch{id: ev.StreamID()}
			index[ev.StreamID()] = b
			batches = append(batches, b)
		}
		b.events = append(b.events, ev)
	}

	return batches
}

// foldStream applies a batch on top of the current projection, which is nil
// for streams that do not exist yet.
func foldStream(current *model.Email, b *streamBatch) (*model.Email, error) {
	events := b.events

	if current == nil {
		first, ok := events[0].(model.EmailSubmitted)
		if !ok {
			return nil, fmt.Errorf("%w: %s", model.ErrNotFound, b.id)
		}
		current = model.Create(first)
		events = events[1:]
	} else {
		if _, ok := events[0].(model.EmailSubmitted); ok {
			return nil, fmt.Errorf("%w: %w: stream %s already exists",
				model.ErrPersistence, model.ErrConcurrencyConflict, b.id)
		}
		current = current.Clone()
	}

	for _, ev := range events {
		if err := current.Apply(ev); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrPersistence, err)
		}
	}

	return current, nil
}
