package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/email-event-service/internal/model"
)

const (
	selectUnpublishedSQL = `SELECT id, email_id, version, event_type, payload, created_at, published_at
	FROM email_events WHERE published_at IS NULL ORDER BY id LIMIT $1`

	markPublishedSQL = `UPDATE email_events SET published_at = now() WHERE id = $1`
)

// OutboxRepositoryImpl implements OutboxRepository over the email_events log.
type OutboxRepositoryImpl struct {
	pool *pgxpool.Pool
}

// NewOutboxRepositoryImpl creates a new OutboxRepository implementation.
func NewOutboxRepositoryImpl(pool *pgxpool.Pool) OutboxRepository {
	return &OutboxRepositoryImpl{pool: pool}
}

// GetUnpublishedEvents retrieves events not yet relayed, oldest first.
func (r *OutboxRepositoryImpl) GetUnpublishedEvents(ctx context.Context, limit int) ([]*model.StoredEvent, error) {
	rows, err := dbFrom(ctx, r.pool).Query(ctx, selectUnpublishedSQL, limit)
	if err != nil {
		return nil, storeError(err)
	}

	events, err := pgx.CollectRows(rows, scanStoredEvent)
	if err != nil {
		return nil, storeError(err)
	}

	return events, nil
}

// MarkAsPublished marks an event as relayed.
func (r *OutboxRepositoryImpl) MarkAsPublished(ctx context.Context, id int64) error {
	tag, err := dbFrom(ctx, r.pool).Exec(ctx, markPublishedSQL, id)
	if err != nil {
		return storeError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %d", model.ErrNotFound, id)
	}

	return nil
}
