package model

import (
	"errors"
	"strings"
)

var (
	// ErrValidation is matched by ValidationErrors.
	ErrValidation = errors.New("validation failed")
	// ErrTransport is returned when any step of a mail transport round trip fails.
	ErrTransport = errors.New("mail transport failed")
	// ErrPersistence is returned when the event store cannot read or write.
	ErrPersistence = errors.New("event store failure")
	// ErrNotFound is returned when an email stream does not exist.
	ErrNotFound = errors.New("email not found")
	// ErrConcurrencyConflict is returned when a stream was appended to concurrently.
	ErrConcurrencyConflict = errors.New("email stream modified concurrently")
	// ErrInvalidStream is returned when events cannot be folded into an email.
	ErrInvalidStream = errors.New("invalid email stream")
)

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Value   string `json:"value"`
	Problem string `json:"problem"`
}

// ValidationErrors is returned by SendEmailParams.Validate.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	problems := make([]string, len(v))
	for i, fe := range v {
		problems[i] = fe.Problem
	}

	return ErrValidation.Error() + ": " + strings.Join(problems, "; ")
}

// Is makes errors.Is(err, ErrValidation) hold.
func (ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}
