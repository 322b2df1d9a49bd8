package repository

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/model"
)

// MemoryEventStore keeps streams in process memory.
// It implements EventStore and OutboxRepository for tests and local runs.
type MemoryEventStore struct {
	sender string
	now    func() time.Time

	mu      sync.RWMutex
	log     []*model.StoredEvent
	streams map[uuid.UUID][]*model.StoredEvent
	emails  map[uuid.UUID]*model.Email
}

// NewMemoryEventStore creates an empty in-memory store.
func NewMemoryEventStore(sender string, opts ...StoreOption) *MemoryEventStore {
	o := applyStoreOptions(opts)

	return &MemoryEventStore{
		sender:  sender,
		now:     o.now,
		streams: make(map[uuid.UUID][]*model.StoredEvent),
		emails:  make(map[uuid.UUID]*model.Email),
	}
}

// OpenSession starts a unit of work.
func (s *MemoryEventStore) OpenSession() EventSession {
	return newEventSession(s.sender, s.now, s)
}

func (s *MemoryEventStore) appendEvents(ctx context.Context, events []model.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batches := groupByStream(events)
	next := make([]*model.Email, len(batches))

	// Fold everything first so a failing stream leaves no trace.
	for i, b := range batches {
		email, err := foldStream(s.emails[b.id], b)
		if err != nil {
			return err
		}
		next[i] = email
	}

	for i, b := range batches {
		version := len(s.streams[b.id])
		for _, ev := range b.events {
			payload, err := model.EncodeEvent(ev)
			if err != nil {
				return fmt.Errorf("%w: %w", model.ErrPersistence, err)
			}

			version++
			stored := &model.StoredEvent{
				ID:        int64(len(s.log) + 1),
				EmailID:   b.id,
				Version:   version,
				EventType: ev.EventType(),
				Payload:   payload,
				CreatedAt: ev.OccurredAt(),
			}
			s.log = append(s.log, stored)
			s.streams[b.id] = append(s.streams[b.id], stored)
		}
		s.emails[b.id] = next[i]
	}

	return nil
}

// Load returns a copy of the current projection.
func (s *MemoryEventStore) Load(_ context.Context, id uuid.UUID) (*model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.emails[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}

	return email.Clone(), nil
}

// Events returns copies of a stream's stored events.
func (s *MemoryEventStore) Events(_ context.Context, id uuid.UUID) ([]*model.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}

	out := make([]*model.StoredEvent, len(stream))
	for i, ev := range stream {
		c := *ev
		out[i] = &c
	}

	return out, nil
}

// FindOrphans scans all projections for stalled emails.
func (s *MemoryEventStore) FindOrphans(_ context.Context, submittedBefore time.Time, maxRetries int) ([]*model.Email, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orphans []*model.Email
	for _, email := range s.emails {
		if isOrphan(email, submittedBefore, maxRetries) {
			orphans = append(orphans, email.Clone())
		}
	}

	slices.SortFunc(orphans, func(a, b *model.Email) int {
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})

	return orphans, nil
}

func isOrphan(email *model.Email, submittedBefore time.Time, maxRetries int) bool {
	if email.Status != model.StatusPending && email.Status != model.StatusFailed {
		return false
	}

	return email.Retries < maxRetries && email.SubmittedAt.Before(submittedBefore)
}

// GetUnpublishedEvents returns the oldest events not yet relayed.
func (s *MemoryEventStore) GetUnpublishedEvents(_ context.Context, limit int) ([]*model.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.StoredEvent
	for _, ev := range s.log {
		if len(out) == limit {
			break
		}
		if ev.PublishedAt == nil {
			c := *ev
			out = append(out, &c)
		}
	}

	return out, nil
}

// MarkAsPublished stamps an event as relayed.
func (s *MemoryEventStore) MarkAsPublished(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 1 || id > int64(len(s.log)) {
		return fmt.Errorf("%w: event %d", model.ErrNotFound, id)
	}

	now := s.now().UTC()
	s.log[id-1].PublishedAt = &now

	return nil
}
