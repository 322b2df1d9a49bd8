package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jnst/email-event-service/internal/model"
)

const uniqueViolation = "23505"

const emailColumns = `id, sender, recipient, subject, body, submitted_at,
	last_attempt_at, delivered_at, status, retries, version`

const (
	selectEmailSQL = `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`

	lockEmailSQL = selectEmailSQL + ` FOR UPDATE`

	insertEventSQL = `INSERT INTO email_events (email_id, version, event_type, payload, created_at)
	VALUES ($1, $2, $3, $4, $5)`

	upsertEmailSQL = `INSERT INTO emails (` + emailColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		last_attempt_at = EXCLUDED.last_attempt_at,
		delivered_at = EXCLUDED.delivered_at,
		status = EXCLUDED.status,
		retries = EXCLUDED.retries,
		version = EXCLUDED.version`

	selectOrphansSQL = `SELECT ` + emailColumns + ` FROM emails
	WHERE status IN ('pending', 'failed') AND retries < $1 AND submitted_at < $2
	ORDER BY submitted_at`

	selectStreamSQL = `SELECT id, email_id, version, event_type, payload, created_at, published_at
	FROM email_events WHERE email_id = $1 ORDER BY version`
)

// EventStoreImpl implements EventStore on PostgreSQL.
// email_events is the append-only log; emails is the projection kept in the same transaction.
type EventStoreImpl struct {
	pool   *pgxpool.Pool
	txm    TransactionManager
	sender string
	now    func() time.Time
}

// NewEventStoreImpl creates a new EventStore implementation.
func NewEventStoreImpl(pool *pgxpool.Pool, txm TransactionManager, sender string, opts ...StoreOption) *EventStoreImpl {
	o := applyStoreOptions(opts)

	return &EventStoreImpl{
		pool:   pool,
		txm:    txm,
		sender: sender,
		now:    o.now,
	}
}

// OpenSession starts a unit of work.
func (s *EventStoreImpl) OpenSession() EventSession {
	return newEventSession(s.sender, s.now, s)
}

func (s *EventStoreImpl) appendEvents(ctx context.Context, events []model.Event) error {
	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		db := dbFrom(ctx, s.pool)

		for _, b := range groupByStream(events) {
			if err := s.appendStream(ctx, db, b); err != nil {
				return err
			}
		}

		return nil
	})

	return storeError(err)
}

func (s *EventStoreImpl) appendStream(ctx context.Context, db querier, b *streamBatch) error {
	current, err := scanEmail(db.QueryRow(ctx, lockEmailSQL, b.id))
	if errors.Is(err, pgx.ErrNoRows) {
		current = nil
	} else if err != nil {
		return fmt.Errorf("failed to lock email %s: %w", b.id, err)
	}

	next, err := foldStream(current, b)
	if err != nil {
		return err
	}

	version := 0
	if current != nil {
		version = current.Version
	}

	for _, ev := range b.events {
		payload, err := model.EncodeEvent(ev)
		if err != nil {
			return err
		}

		version++
		if _, err := db.Exec(ctx, insertEventSQL, b.id, version, string(ev.EventType()), payload, ev.OccurredAt()); err != nil {
			return fmt.Errorf("failed to append %s to %s: %w", ev.EventType(), b.id, err)
		}
	}

	_, err = db.Exec(ctx, upsertEmailSQL,
		next.ID, next.Sender, next.Recipient, next.Subject, next.Body, next.SubmittedAt,
		next.LastAttemptAt, next.DeliveredAt, string(next.Status), next.Retries, next.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update email %s: %w", b.id, err)
	}

	return nil
}

// Load reads the projection row of an email.
func (s *EventStoreImpl) Load(ctx context.Context, id uuid.UUID) (*model.Email, error) {
	email, err := scanEmail(dbFrom(ctx, s.pool).QueryRow(ctx, selectEmailSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, storeError(err)
	}

	return email, nil
}

// Events reads a stream in version order.
func (s *EventStoreImpl) Events(ctx context.Context, id uuid.UUID) ([]*model.StoredEvent, error) {
	rows, err := dbFrom(ctx, s.pool).Query(ctx, selectStreamSQL, id)
	if err != nil {
		return nil, storeError(err)
	}

	events, err := pgx.CollectRows(rows, scanStoredEvent)
	if err != nil {
		return nil, storeError(err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, id)
	}

	return events, nil
}

// FindOrphans queries the projection for stalled emails.
func (s *EventStoreImpl) FindOrphans(ctx context.Context, submittedBefore time.Time, maxRetries int) ([]*model.Email, error) {
	rows, err := dbFrom(ctx, s.pool).Query(ctx, selectOrphansSQL, maxRetries, submittedBefore)
	if err != nil {
		return nil, storeError(err)
	}

	emails, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Email, error) {
		return scanEmail(row)
	})
	if err != nil {
		return nil, storeError(err)
	}

	return emails, nil
}

func scanEmail(row pgx.Row) (*model.Email, error) {
	var (
		email  model.Email
		status string
	)

	err := row.Scan(
		&email.ID, &email.Sender, &email.Recipient, &email.Subject, &email.Body, &email.SubmittedAt,
		&email.LastAttemptAt, &email.DeliveredAt, &status, &email.Retries, &email.Version,
	)
	if err != nil {
		return nil, err
	}

	email.Status = model.Status(status)

	return &email, nil
}

func scanStoredEvent(row pgx.CollectableRow) (*model.StoredEvent, error) {
	var (
		ev        model.StoredEvent
		eventType string
	)

	if err := row.Scan(&ev.ID, &ev.EmailID, &ev.Version, &eventType, &ev.Payload, &ev.CreatedAt, &ev.PublishedAt); err != nil {
		return nil, err
	}

	ev.EventType = model.EventType(eventType)

	return &ev, nil
}

// storeError classifies database failures into the domain sentinels.
func storeError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrPersistence) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %w: %w", model.ErrPersistence, model.ErrConcurrencyConflict, err)
	}

	return fmt.Errorf("%w: %w", model.ErrPersistence, err)
}
