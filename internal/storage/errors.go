package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by lookups that match no stream.
	ErrNotFound = errors.New("stream not found")
	// ErrConflict is returned when a lifecycle transition is attempted on a
	// row that already moved past it, e.g. starting a stream that has a
	// broadcast id bound.
	ErrConflict = errors.New("stream lifecycle conflict")
)

// ValidationError reports a missing or malformed field on a write request.
// Validation failures are rejected immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func missingField(field string) error {
	return &ValidationError{Field: field, Reason: "value is required"}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
