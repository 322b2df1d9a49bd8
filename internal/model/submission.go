package model

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SendEmailParams represents a request to send one email.
type SendEmailParams struct {
	Recipient string `json:"recipient" validate:"required,email"`
	Subject   string `json:"subject"   validate:"notblank"`
	Body      string `json:"body"      validate:"notblank"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	return v
}

// Validate checks the request and returns ValidationErrors on failure.
func (p *SendEmailParams) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	result := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		result = append(result, FieldError{
			Field:   fe.Field(),
			Value:   fmt.Sprint(fe.Value()),
			Problem: problemFor(fe),
		})
	}

	return result
}

func problemFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return fmt.Sprintf("'%s' must not be empty.", fe.Field())
	case "email":
		return fmt.Sprintf("'%s' is not a valid email address.", fe.Field())
	default:
		return fmt.Sprintf("'%s' failed the %s check.", fe.Field(), fe.Tag())
	}
}

// QueuedSubmission is an in-flight request on the submission queue.
// EmailID is uuid.Nil for new submissions and set on resubmission.
type QueuedSubmission struct {
	CorrelationID     uuid.UUID
	EmailID           uuid.UUID
	CurrentRetryCount int
	Recipient         string
	Subject           string
	Body              string
}

// IsResubmission reports whether the submission continues an existing stream.
func (q *QueuedSubmission) IsResubmission() bool {
	return q.EmailID != uuid.Nil
}

// Assignment answers a QueuedSubmission with its email id.
// Err is set when the stream could not be persisted.
type Assignment struct {
	CorrelationID uuid.UUID
	EmailID       uuid.UUID
	Err           error
}
