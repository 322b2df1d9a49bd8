package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType names an event in the email stream.
type EventType string

const (
	// EventTypeEmailSubmitted opens a stream.
	EventTypeEmailSubmitted EventType = "email_submitted"
	// EventTypeEmailSendAttemptFailed records one failed transport attempt.
	EventTypeEmailSendAttemptFailed EventType = "email_send_attempt_failed"
	// EventTypeEmailSent records a successful delivery.
	EventTypeEmailSent EventType = "email_sent"
)

// Event is implemented by every event in an email stream.
type Event interface {
	EventType() EventType
	StreamID() uuid.UUID
	OccurredAt() time.Time
}

// EmailSubmitted is always the first event of a stream.
type EmailSubmitted struct {
	EmailID     uuid.UUID `json:"email_id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (EmailSubmitted) EventType() EventType { return EventTypeEmailSubmitted }
func (e EmailSubmitted) StreamID() uuid.UUID { return e.EmailID }
func (e EmailSubmitted) OccurredAt() time.Time { return e.SubmittedAt }

// EmailSendAttemptFailed is appended once per failed attempt.
type EmailSendAttemptFailed struct {
	EmailID     uuid.UUID `json:"email_id"`
	AttemptedAt time.Time `json:"attempted_at"`
}

func (EmailSendAttemptFailed) EventType() EventType { return EventTypeEmailSendAttemptFailed }
func (e EmailSendAttemptFailed) StreamID() uuid.UUID { return e.EmailID }
func (e EmailSendAttemptFailed) OccurredAt() time.Time { return e.AttemptedAt }

// EmailSent is appended when the transport accepted the message.
type EmailSent struct {
	EmailID uuid.UUID `json:"email_id"`
	SentAt  time.Time `json:"sent_at"`
}

func (EmailSent) EventType() EventType { return EventTypeEmailSent }
func (e EmailSent) StreamID() uuid.UUID { return e.EmailID }
func (e EmailSent) OccurredAt() time.Time { return e.SentAt }

// EncodeEvent marshals an event payload for storage.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", ev.EventType(), err)
	}

	return payload, nil
}

// DecodeEvent restores an event from its stored type and payload.
func DecodeEvent(eventType EventType, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch eventType {
	case EventTypeEmailSubmitted:
		var e EmailSubmitted
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventTypeEmailSendAttemptFailed:
		var e EmailSendAttemptFailed
		err = json.Unmarshal(payload, &e)
		ev = e
	case EventTypeEmailSent:
		var e EmailSent
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidStream, eventType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload: %w", eventType, err)
	}

	return ev, nil
}
