package service

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jnst/email-event-service/internal/model"
)

// ErrDuplicateCorrelation is returned when a correlation id is registered twice.
var ErrDuplicateCorrelation = errors.New("correlation id already registered")

// Correlator matches assignments to the callers waiting for them.
// Each correlation id resolves at most once and is forgotten afterwards.
type Correlator struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*PendingAssignment
}

// PendingAssignment is a single-resolution handle for one correlation id.
type PendingAssignment struct {
	id     uuid.UUID
	owner  *Correlator
	result chan model.Assignment
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[uuid.UUID]*PendingAssignment)}
}

// Register creates the handle for id. It must happen before the submission is queued.
func (c *Correlator) Register(id uuid.UUID) (*PendingAssignment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[id]; ok {
		return nil, ErrDuplicateCorrelation
	}

	p := &PendingAssignment{
		id:     id,
		owner:  c,
		result: make(chan model.Assignment, 1),
	}
	c.pending[id] = p

	return p, nil
}

// Resolve completes the handle registered for a.CorrelationID.
// It reports false when nobody is waiting for it.
func (c *Correlator) Resolve(a model.Assignment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[a.CorrelationID]
	if !ok {
		return false
	}
	delete(c.pending, a.CorrelationID)

	// Buffered and resolved once, so this never blocks.
	p.result <- a

	return true
}

// Len returns the number of unresolved handles.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Await blocks until the assignment arrives or ctx is done.
// A cancelled wait unregisters the handle; an assignment that already
// arrived is still returned.
func (p *PendingAssignment) Await(ctx context.Context) (model.Assignment, error) {
	select {
	case a := <-p.result:
		return a, nil
	case <-ctx.Done():
		p.Cancel()

		// Resolve unregisters and sends under the same lock as Cancel, so
		// after Cancel the result is either buffered or never coming.
		select {
		case a := <-p.result:
			return a, nil
		default:
			return model.Assignment{}, ctx.Err()
		}
	}
}

// Cancel unregisters the handle if it is still pending.
func (p *PendingAssignment) Cancel() {
	p.owner.mu.Lock()
	defer p.owner.mu.Unlock()

	if current, ok := p.owner.pending[p.id]; ok && current == p {
		delete(p.owner.pending, p.id)
	}
}
