package logger

import (
	"log/slog"

	"github.com/google/uuid"
)

// Error returns an "error" attribute, or an empty one for nil errors.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}

	return slog.String("error", err.Error())
}

// EmailID returns an "email_id" attribute.
func EmailID(id uuid.UUID) slog.Attr {
	return slog.String("email_id", id.String())
}

// CorrelationID returns a "correlation_id" attribute.
func CorrelationID(id uuid.UUID) slog.Attr {
	return slog.String("correlation_id", id.String())
}

// Component returns a "component" attribute.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
