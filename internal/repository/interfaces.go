// Package repository provides data access interfaces and implementations.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/model"
)

// EventStore gives access to email streams and their projections.
type EventStore interface {
	// OpenSession starts a unit of work. Sessions are not safe for concurrent use.
	OpenSession() EventSession
	// Load returns the current projection of a stream.
	Load(ctx context.Context, id uuid.UUID) (*model.Email, error)
	// Events returns a stream in append order.
	Events(ctx context.Context, id uuid.UUID) ([]*model.StoredEvent, error)
	// FindOrphans returns pending or failed emails with retries below maxRetries
	// that were submitted before submittedBefore, oldest first.
	FindOrphans(ctx context.Context, submittedBefore time.Time, maxRetries int) ([]*model.Email, error)
}

// EventSession buffers events until Commit persists them atomically.
type EventSession interface {
	// Submit opens a new stream and returns its id.
	Submit(recipient, subject, body string) uuid.UUID
	RecordSent(id uuid.UUID)
	RecordFailed(id uuid.UUID)
	// Commit persists every buffered event or none of them.
	Commit(ctx context.Context) error
}

// OutboxRepository defines methods for relaying stored events.
type OutboxRepository interface {
	GetUnpublishedEvents(ctx context.Context, limit int) ([]*model.StoredEvent, error)
	MarkAsPublished(ctx context.Context, id int64) error
}

// TransactionManager defines methods for database transaction management.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// StoreOption configures an event store.
type StoreOption func(*storeOptions)

type storeOptions struct {
	now func() time.Time
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func applyStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}
