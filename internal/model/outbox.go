package model

import (
	"time"

	"github.com/google/uuid"
)

// StoredEvent is an event as persisted in the email event log.
// PublishedAt is set once the relay has forwarded it to the stream.
type StoredEvent struct {
	ID          int64      `json:"id"`
	EmailID     uuid.UUID  `json:"email_id"`
	Version     int        `json:"version"`
	EventType   EventType  `json:"event_type"`
	Payload     []byte     `json:"payload"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at"`
}

// Decode restores the domain event carried by the envelope.
func (s *StoredEvent) Decode() (Event, error) {
	return DecodeEvent(s.EventType, s.Payload)
}
