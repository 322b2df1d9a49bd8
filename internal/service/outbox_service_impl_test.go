package service_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnst/email-event-service/internal/metrics"
	"github.com/jnst/email-event-service/internal/model"
	"github.com/jnst/email-event-service/internal/repository"
	"github.com/jnst/email-event-service/internal/service"
)

const testStream = "email:events"

func newTestRedis(t *testing.T) (*miniredis.Miniredis, rueidis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return mr, client
}

func fieldMap(values []string) map[string]string {
	m := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		m[values[i]] = values[i+1]
	}

	return m
}

func TestOutboxService_PublishesInLogOrder(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	store := repository.NewMemoryEventStore(testSender)
	id := seedEmail(t, store, 2)
	m := metrics.NewUnregistered()

	svc := service.NewOutboxServiceImpl(store, client, testStream, service.WithMetrics(m))
	require.NoError(t, svc.ProcessUnpublishedEvents(context.Background(), 10))

	entries, err := mr.Stream(testStream)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	wantTypes := []model.EventType{model.EventTypeEmailSubmitted, model.EventTypeEmailSendAttemptFailed, model.EventTypeEmailSendAttemptFailed}
	for i, entry := range entries {
		fields := fieldMap(entry.Values)
		assert.Equal(t, string(wantTypes[i]), fields["event_type"])
		assert.Equal(t, id.String(), fields["email_id"])
		assert.Equal(t, strconv.Itoa(i+1), fields["version"])

		ev, err := model.DecodeEvent(wantTypes[i], []byte(fields["payload"]))
		require.NoError(t, err)
		assert.Equal(t, id, ev.StreamID())
	}

	left, err := store.GetUnpublishedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.InDelta(t, 3, testutil.ToFloat64(m.EventsPublished), 0)
}

func TestOutboxService_RespectsBatchSize(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	store := repository.NewMemoryEventStore(testSender)
	seedEmail(t, store, 3)

	svc := service.NewOutboxServiceImpl(store, client, testStream)
	require.NoError(t, svc.ProcessUnpublishedEvents(context.Background(), 2))

	entries, err := mr.Stream(testStream)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, svc.ProcessUnpublishedEvents(context.Background(), 2))
	entries, err = mr.Stream(testStream)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestOutboxService_FailedPublishIsRetried(t *testing.T) {
	t.Parallel()

	mr, client := newTestRedis(t)
	store := repository.NewMemoryEventStore(testSender)
	seedEmail(t, store, 0)
	m := metrics.NewUnregistered()

	svc := service.NewOutboxServiceImpl(store, client, testStream, service.WithMetrics(m))

	mr.SetError("ERR injected failure")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.ProcessUnpublishedEvents(ctx, 10))

	left, err := store.GetUnpublishedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EventsPublishFails), 0)

	mr.SetError("")
	require.NoError(t, svc.ProcessUnpublishedEvents(context.Background(), 10))

	left, err = store.GetUnpublishedEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}
