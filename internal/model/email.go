// Package model defines domain models and data structures.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxRetries is the retry budget after which an email is given up on.
const MaxRetries = 3

// Status represents the delivery state of an email.
type Status string

const (
	// StatusPending is the state of a freshly submitted email.
	StatusPending Status = "pending"
	// StatusFailed is the state after at least one failed attempt.
	StatusFailed Status = "failed"
	// StatusDelivered is the terminal state after a successful send.
	StatusDelivered Status = "delivered"
	// StatusUndeliverable is the terminal state after the retry budget is spent.
	StatusUndeliverable Status = "undeliverable"
)

// IsTerminal reports whether no further transitions can occur.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusUndeliverable
}

// Email is the projection of one email stream.
type Email struct {
	ID            uuid.UUID  `json:"id"`
	Sender        string     `json:"sender"`
	Recipient     string     `json:"recipient"`
	Subject       string     `json:"subject"`
	Body          string     `json:"body"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	DeliveredAt   *time.Time `json:"delivered_at"`
	Status        Status     `json:"status"`
	Retries       int        `json:"retries"`
	// Version is the number of events folded into this projection.
	Version int `json:"version"`
}

// Create starts a projection from the first event of a stream.
func Create(ev EmailSubmitted) *Email {
	return &Email{
		ID:          ev.EmailID,
		Sender:      ev.Sender,
		Recipient:   ev.Recipient,
		Subject:     ev.Subject,
		Body:        ev.Body,
		SubmittedAt: ev.SubmittedAt,
		Status:      StatusPending,
		Version:     1,
	}
}

// Apply folds a follow-up event into the projection.
// Events arriving after a terminal status only advance the version.
func (e *Email) Apply(ev Event) error {
	if ev.StreamID() != e.ID {
		return fmt.Errorf("%w: event for %s applied to %s", ErrInvalidStream, ev.StreamID(), e.ID)
	}

	switch ev := ev.(type) {
	case EmailSendAttemptFailed:
		if !e.Status.IsTerminal() {
			e.applyFailed(ev)
		}
	case EmailSent:
		if !e.Status.IsTerminal() {
			e.applySent(ev)
		}
	case EmailSubmitted:
		return fmt.Errorf("%w: %s submitted twice", ErrInvalidStream, e.ID)
	default:
		return fmt.Errorf("%w: unknown event %T", ErrInvalidStream, ev)
	}

	e.Version++

	return nil
}

func (e *Email) applyFailed(ev EmailSendAttemptFailed) {
	// The first failure only moves the email out of pending.
	if e.Status == StatusFailed {
		e.Retries++
	}

	if e.Retries >= MaxRetries {
		e.Status = StatusUndeliverable
	} else {
		e.Status = StatusFailed
	}

	at := ev.AttemptedAt
	e.LastAttemptAt = &at
}

func (e *Email) applySent(ev EmailSent) {
	at := ev.SentAt
	e.Status = StatusDelivered
	e.DeliveredAt = &at
	e.LastAttemptAt = &at
}

// Replay rebuilds a projection from a stream in append order.
func Replay(events []Event) (*Email, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty stream", ErrInvalidStream)
	}

	first, ok := events[0].(EmailSubmitted)
	if !ok {
		return nil, fmt.Errorf("%w: stream starts with %s", ErrInvalidStream, events[0].EventType())
	}

	email := Create(first)
	for _, ev := range events[1:] {
		if err := email.Apply(ev); err != nil {
			return nil, err
		}
	}

	return email, nil
}

// Clone returns a deep copy safe to hand out of a store.
func (e *Email) Clone() *Email {
	c := *e
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if e.DeliveredAt != nil {
		t := *e.DeliveredAt
		c.DeliveredAt = &t
	}

	return &c
}
