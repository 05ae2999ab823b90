package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a trigger does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by stores when a trigger id already exists.
var ErrConflict = errors.New("already exists")

// ValidationError is a single rejected field of a trigger definition.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Add appends a validation error for field.
func (e *ValidationErrors) Add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// Err returns nil when no errors were collected.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// AsValidationErrors extracts ValidationErrors from err, if present.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		return verrs, true
	}
	var verr ValidationError
	if errors.As(err, &verr) {
		return ValidationErrors{verr}, true
	}
	return nil, false
}
