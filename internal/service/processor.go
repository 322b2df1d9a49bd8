package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/metrics"
	"github.com/jnst/email-event-service/internal/model"
	"github.com/jnst/email-event-service/internal/repository"
)

// ErrProcessorRunning is returned by Start on a processor that is already running.
var ErrProcessorRunning = errors.New("processor already running")

// ProcessorStats is a snapshot of processor activity.
type ProcessorStats struct {
	Processed int64 // submissions taken off the queue
	Active    int32 // deliveries holding a concurrency slot
	Queued    int   // submissions waiting in the queue
}

// ProcessorImpl is the single consumer of the submission queue.
// It assigns email ids and hands deliveries to at most cap(sem) concurrent senders.
type ProcessorImpl struct {
	queue      *SubmissionQueue
	correlator *Correlator
	store      repository.EventStore
	sender     Sender
	sem        chan struct{}
	wg         sync.WaitGroup
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	running   atomic.Bool
	processed atomic.Int64
	active    atomic.Int32
}

// NewProcessorImpl creates a processor allowing maxConcurrent deliveries at once.
func NewProcessorImpl(
	queue *SubmissionQueue,
	correlator *Correlator,
	store repository.EventStore,
	sender Sender,
	maxConcurrent int,
	opts ...Option,
) *ProcessorImpl {
	o := applyOptions(opts)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	return &ProcessorImpl{
		queue:      queue,
		correlator: correlator,
		store:      store,
		sender:     sender,
		sem:        make(chan struct{}, maxConcurrent),
		logger:     o.logger.With(logger.Component("processor")),
		metrics:    o.metrics,
		inFlight:   make(map[uuid.UUID]struct{}),
	}
}

// Start consumes the queue until ctx is cancelled, then waits for in-flight deliveries.
func (p *ProcessorImpl) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProcessorRunning
	}
	defer p.running.Store(false)

	p.logger.InfoContext(ctx, "processor started", slog.Int("max_concurrent", cap(p.sem)))

	for {
		sub, err := p.queue.Pop(ctx)
		if err != nil {
			break
		}
		p.handle(ctx, sub)
	}

	p.logger.Info("processor stopping, draining deliveries", slog.Int("active", int(p.active.Load())))
	p.wg.Wait()
	p.logger.Info("processor stopped")

	return nil
}

// Stats returns current counters.
func (p *ProcessorImpl) Stats() ProcessorStats {
	return ProcessorStats{
		Processed: p.processed.Load(),
		Active:    p.active.Load(),
		Queued:    p.queue.Len(),
	}
}

func (p *ProcessorImpl) handle(ctx context.Context, sub *model.QueuedSubmission) {
	p.processed.Add(1)

	if sub.IsResubmission() {
		p.metrics.SubmissionsTotal.WithLabelValues("resubmission").Inc()

		if !p.claim(sub.EmailID) {
			p.logger.Debug("email already being delivered, skipping resubmission", logger.EmailID(sub.EmailID))
			return
		}

		p.dispatch(ctx, sub, sub.EmailID)

		return
	}

	p.metrics.SubmissionsTotal.WithLabelValues("new").Inc()

	session := p.store.OpenSession()
	id := session.Submit(sub.Recipient, sub.Subject, sub.Body)
	if err := session.Commit(ctx); err != nil {
		p.logger.Error("failed to persist submission",
			logger.CorrelationID(sub.CorrelationID),
			logger.Error(err),
		)
		p.correlator.Resolve(model.Assignment{CorrelationID: sub.CorrelationID, Err: err})

		return
	}

	p.claim(id)
	if !p.correlator.Resolve(model.Assignment{CorrelationID: sub.CorrelationID, EmailID: id}) {
		p.logger.Debug("no caller waiting for assignment",
			logger.CorrelationID(sub.CorrelationID),
			logger.EmailID(id),
		)
	}

	p.dispatch(ctx, sub, id)
}

// dispatch starts the delivery goroutine. The slot is acquired inside it
// so the dequeue loop never waits on the limiter.
func (p *ProcessorImpl) dispatch(ctx context.Context, sub *model.QueuedSubmission, id uuid.UUID) {
	req := DeliveryRequest{
		EmailID:           id,
		CurrentRetryCount: sub.CurrentRetryCount,
		Recipient:         sub.Recipient,
		Subject:           sub.Subject,
		Body:              sub.Body,
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(id)

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.logger.Info("delivery not started before shutdown", logger.EmailID(id))
			return
		}
		defer func() { <-p.sem }()

		p.active.Add(1)
		p.metrics.DeliveriesInFlight.Inc()
		defer func() {
			p.active.Add(-1)
			p.metrics.DeliveriesInFlight.Dec()
		}()

		if err := p.sender.Deliver(ctx, req); err != nil {
			p.metrics.DeliveriesTotal.WithLabelValues(metrics.OutcomeError).Inc()
			p.logger.Error("delivery bookkeeping failed", logger.EmailID(id), logger.Error(err))
		}
	}()
}

// claim marks id as owned by this process; it reports false if it already is.
func (p *ProcessorImpl) claim(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.inFlight[id]; ok {
		return false
	}
	p.inFlight[id] = struct{}{}

	return true
}

func (p *ProcessorImpl) release(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.inFlight, id)
}
