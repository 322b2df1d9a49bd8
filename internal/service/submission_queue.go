package service

import (
	"context"
	"sync"

	"github.com/jnst/email-event-service/internal/model"
)

// SubmissionQueue is an unbounded FIFO. Push never blocks; Pop waits for an item.
type SubmissionQueue struct {
	mu     sync.Mutex
	items  []*model.QueuedSubmission
	notify chan struct{}
}

// NewSubmissionQueue creates an empty queue.
func NewSubmissionQueue() *SubmissionQueue {
	return &SubmissionQueue{notify: make(chan struct{}, 1)}
}

// Push appends a submission.
func (q *SubmissionQueue) Push(sub *model.QueuedSubmission) {
	q.mu.Lock()
	q.items = append(q.items, sub)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest submission, waiting until one is available or ctx is done.
func (q *SubmissionQueue) Pop(ctx context.Context) (*model.QueuedSubmission, error) {
	for {
		if sub, ok := q.tryPop(); ok {
			return sub, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *SubmissionQueue) tryPop() (*model.QueuedSubmission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}

	sub := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]

	return sub, true
}

// Len returns the number of queued submissions.
func (q *SubmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
