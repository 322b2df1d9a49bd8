package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/jnst/email-event-service/internal/model"
	"github.com/jnst/email-event-service/internal/repository"
	"github.com/jnst/email-event-service/internal/service"
	"github.com/jnst/email-event-service/internal/transport"
)

const testSender = "noreply@example.com"

var errSMTPDown = errors.New("smtp down")

// MockTransport is a testify mock of transport.Transport.
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Connect(ctx context.Context, host string, port int, mode transport.SecurityMode) error {
	return m.Called(ctx, host, port, mode).Error(0)
}

func (m *MockTransport) Authenticate(ctx context.Context, username, password string) error {
	return m.Called(ctx, username, password).Error(0)
}

func (m *MockTransport) Send(ctx context.Context, msg *transport.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockTransport) Disconnect(ctx context.Context, quit bool) error {
	return m.Called(ctx, quit).Error(0)
}

// scriptedTransports hands out transports whose Send results follow a script.
// Once the script is exhausted, every send uses fallback.
type scriptedTransports struct {
	mu       sync.Mutex
	script   []error
	fallback error
	sends    atomic.Int32
	sent     []*transport.Message
	// block, when set, makes Send wait for it or for ctx cancellation.
	block chan struct{}
}

func (s *scriptedTransports) factory() transport.Factory {
	return func() transport.Transport {
		return &scriptedTransport{owner: s}
	}
}

func (s *scriptedTransports) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.script) == 0 {
		return s.fallback
	}
	err := s.script[0]
	s.script = s.script[1:]

	return err
}

func (s *scriptedTransports) messages() []*transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*transport.Message(nil), s.sent...)
}

type scriptedTransport struct {
	owner *scriptedTransports
}

func (*scriptedTransport) Connect(ctx context.Context, _ string, _ int, _ transport.SecurityMode) error {
	return ctx.Err()
}

func (*scriptedTransport) Authenticate(context.Context, string, string) error { return nil }

func (t *scriptedTransport) Send(ctx context.Context, msg *transport.Message) error {
	t.owner.sends.Add(1)

	if t.owner.block != nil {
		select {
		case <-t.owner.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := t.owner.next(); err != nil {
		return err
	}

	t.owner.mu.Lock()
	t.owner.sent = append(t.owner.sent, msg)
	t.owner.mu.Unlock()

	return nil
}

func (*scriptedTransport) Disconnect(context.Context, bool) error { return nil }

// failingStore wraps a store so that commits fail while failCommits is set.
type failingStore struct {
	*repository.MemoryEventStore
	failCommits atomic.Bool
	failOrphans atomic.Int32
}

func (s *failingStore) OpenSession() repository.EventSession {
	return &failingSession{EventSession: s.MemoryEventStore.OpenSession(), store: s}
}

func (s *failingStore) FindOrphans(ctx context.Context, before time.Time, maxRetries int) ([]*model.Email, error) {
	if s.failOrphans.Load() > 0 {
		s.failOrphans.Add(-1)
		return nil, model.ErrPersistence
	}

	return s.MemoryEventStore.FindOrphans(ctx, before, maxRetries)
}

type failingSession struct {
	repository.EventSession
	store *failingStore
}

func (s *failingSession) Commit(ctx context.Context) error {
	if s.store.failCommits.Load() {
		return model.ErrPersistence
	}

	return s.EventSession.Commit(ctx)
}

// recordingSender captures delivery requests and optionally blocks them.
type recordingSender struct {
	mu       sync.Mutex
	requests []service.DeliveryRequest
	release  chan struct{}
	active   atomic.Int32
	peak     atomic.Int32
	finished atomic.Int32
	err      error
}

func (s *recordingSender) Deliver(ctx context.Context, req service.DeliveryRequest) error {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			time.Sleep(20 * time.Millisecond)
		}
	}

	s.finished.Add(1)

	return s.err
}

func (s *recordingSender) snapshot() []service.DeliveryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]service.DeliveryRequest(nil), s.requests...)
}

// seedEmail opens a stream and appends the given number of failures.
func seedEmail(t *testing.T, store repository.EventStore, failures int) uuid.UUID {
	t.Helper()

	ctx := context.Background()
	session := store.OpenSession()
	id := session.Submit("a@b.com", "S", "B")
	require.NoError(t, session.Commit(ctx))

	for range failures {
		session := store.OpenSession()
		session.RecordFailed(id)
		require.NoError(t, session.Commit(ctx))
	}

	return id
}

// runProcessor starts a processor and returns a stop function that cancels it
// and waits for Start to return.
func runProcessor(t *testing.T, p *service.ProcessorImpl) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("processor did not stop")
			}
		})
	}
	t.Cleanup(stop)

	return stop
}
