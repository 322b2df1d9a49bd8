package repository_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/model"
	"github.com/jnst/email-event-service/internal/repository"
)

const testSender = "noreply@example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Microsecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeUnderTest interface {
	repository.EventStore
	repository.OutboxRepository
}

type storeFactory func(t *testing.T, clock *testClock) storeUnderTest

func TestMemoryEventStore(t *testing.T) {
	t.Parallel()

	runEventStoreContract(t, func(_ *testing.T, clock *testClock) storeUnderTest {
		return repository.NewMemoryEventStore(testSender, repository.WithClock(clock.Now))
	})
}

func TestPostgresEventStore(t *testing.T) {
	url := os.Getenv("EMAIL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EMAIL_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, repository.Migrate(ctx, pool, logger.Discard()))

	type pgStore struct {
		*repository.EventStoreImpl
		repository.OutboxRepository
	}

	runEventStoreContract(t, func(_ *testing.T, clock *testClock) storeUnderTest {
		txm := repository.NewTransactionManagerImpl(pool)
		return pgStore{
			EventStoreImpl:   repository.NewEventStoreImpl(pool, txm, testSender, repository.WithClock(clock.Now)),
			OutboxRepository: repository.NewOutboxRepositoryImpl(pool),
		}
	})
}

func submit(t *testing.T, store repository.EventStore, recipient string) uuid.UUID {
	t.Helper()

	session := store.OpenSession()
	id := session.Submit(recipient, "S", "B")
	require.NoError(t, session.Commit(context.Background()))

	return id
}

func record(t *testing.T, store repository.EventStore, id uuid.UUID, failures int, sent bool) {
	t.Helper()

	for range failures {
		session := store.OpenSession()
		session.RecordFailed(id)
		require.NoError(t, session.Commit(context.Background()))
	}
	if sent {
		session := store.OpenSession()
		session.RecordSent(id)
		require.NoError(t, session.Commit(context.Background()))
	}
}

func runEventStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("submit opens a stream", func(t *testing.T) {
		ctx := context.Background()
		clock := newTestClock()
		store := newStore(t, clock)

		id := submit(t, store, "a@b.com")

		email, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, email.ID)
		assert.Equal(t, testSender, email.Sender)
		assert.Equal(t, "a@b.com", email.Recipient)
		assert.Equal(t, model.StatusPending, email.Status)
		assert.Zero(t, email.Retries)
		assert.WithinDuration(t, clock.Now(), email.SubmittedAt, time.Millisecond)

		events, err := store.Events(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, model.EventTypeEmailSubmitted, events[0].EventType)
		assert.Equal(t, 1, events[0].Version)

		decoded, err := events[0].Decode()
		require.NoError(t, err)
		submitted, ok := decoded.(model.EmailSubmitted)
		require.True(t, ok)
		assert.Equal(t, "a@b.com", submitted.Recipient)
		assert.Equal(t, "S", submitted.Subject)
		assert.Equal(t, "B", submitted.Body)
	})

	t.Run("uncommitted events are invisible", func(t *testing.T) {
		store := newStore(t, newTestClock())

		session := store.OpenSession()
		id := session.Submit("a@b.com", "S", "B")

		_, err := store.Load(context.Background(), id)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("appending to a missing stream fails the whole commit", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, newTestClock())

		session := store.OpenSession()
		id := session.Submit("a@b.com", "S", "B")
		session.RecordFailed(uuid.New())

		err := session.Commit(ctx)
		require.ErrorIs(t, err, model.ErrNotFound)

		_, err = store.Load(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("session commits once", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, newTestClock())

		session := store.OpenSession()
		session.Submit("a@b.com", "S", "B")
		require.NoError(t, session.Commit(ctx))
		assert.ErrorIs(t, session.Commit(ctx), model.ErrPersistence)
	})

	t.Run("empty commit is a no-op", func(t *testing.T) {
		assert.NoError(t, newStore(t, newTestClock()).OpenSession().Commit(context.Background()))
	})

	t.Run("projection follows appended events", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, newTestClock())

		delivered := submit(t, store, "a@b.com")
		record(t, store, delivered, 2, true)

		email, err := store.Load(ctx, delivered)
		require.NoError(t, err)
		assert.Equal(t, model.StatusDelivered, email.Status)
		assert.Equal(t, 1, email.Retries)
		assert.NotNil(t, email.DeliveredAt)
		assert.Equal(t, 4, email.Version)

		lost := submit(t, store, "a@b.com")
		record(t, store, lost, 4, false)

		email, err = store.Load(ctx, lost)
		require.NoError(t, err)
		assert.Equal(t, model.StatusUndeliverable, email.Status)
		assert.Equal(t, model.MaxRetries, email.Retries)
		assert.Nil(t, email.DeliveredAt)

		events, err := store.Events(ctx, lost)
		require.NoError(t, err)
		require.Len(t, events, 5)
		for i, ev := range events {
			assert.Equal(t, i+1, ev.Version)
		}
	})

	t.Run("find orphans", func(t *testing.T) {
		ctx := context.Background()
		clock := newTestClock()
		store := newStore(t, clock)

		stalePending := submit(t, store, "pending@b.com")
		staleFailed := submit(t, store, "failed@b.com")
		record(t, store, staleFailed, 2, false)
		staleDelivered := submit(t, store, "delivered@b.com")
		record(t, store, staleDelivered, 0, true)
		staleUndeliverable := submit(t, store, "undeliverable@b.com")
		record(t, store, staleUndeliverable, 4, false)

		clock.Advance(2 * time.Hour)
		fresh := submit(t, store, "fresh@b.com")

		orphans, err := store.FindOrphans(ctx, clock.Now().Add(-time.Hour), model.MaxRetries)
		require.NoError(t, err)

		found := make(map[uuid.UUID]*model.Email)
		for _, o := range orphans {
			found[o.ID] = o
		}

		assert.Contains(t, found, stalePending)
		assert.Contains(t, found, staleFailed)
		assert.NotContains(t, found, staleDelivered)
		assert.NotContains(t, found, staleUndeliverable)
		assert.NotContains(t, found, fresh)
		assert.Equal(t, 1, found[staleFailed].Retries)
	})

	t.Run("outbox relays events once", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t, newTestClock())

		id := submit(t, store, "a@b.com")
		record(t, store, id, 0, true)

		pending, err := store.GetUnpublishedEvents(ctx, 1000)
		require.NoError(t, err)

		var mine []*model.StoredEvent
		for _, ev := range pending {
			if ev.EmailID == id {
				mine = append(mine, ev)
			}
		}
		require.Len(t, mine, 2)
		assert.Less(t, mine[0].ID, mine[1].ID)
		assert.Nil(t, mine[0].PublishedAt)

		require.NoError(t, store.MarkAsPublished(ctx, mine[0].ID))

		pending, err = store.GetUnpublishedEvents(ctx, 1000)
		require.NoError(t, err)
		for _, ev := range pending {
			assert.NotEqual(t, mine[0].ID, ev.ID)
		}

		assert.ErrorIs(t, store.MarkAsPublished(ctx, -1), model.ErrNotFound)
	})
}

func TestMemoryEventStore_ConcurrentSessions(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryEventStore(testSender)
	id := submit(t, store, "a@b.com")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session := store.OpenSession()
			session.RecordFailed(id)
			assert.NoError(t, session.Commit(context.Background()))
		}()
	}
	wg.Wait()

	events, err := store.Events(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, events, 21)

	email, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUndeliverable, email.Status)
	assert.Equal(t, 21, email.Version)
}

func TestMemoryEventStore_CancelledCommit(t *testing.T) {
	t.Parallel()

	store := repository.NewMemoryEventStore(testSender)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := store.OpenSession()
	id := session.Submit("a@b.com", "S", "B")
	require.ErrorIs(t, session.Commit(ctx), model.ErrPersistence)

	_, err := store.Load(context.Background(), id)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
