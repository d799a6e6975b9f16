package models

import (
	"errors"
	"fmt"
)

// InvalidTransitionError indicates a state machine rule was violated. The
// message names the specific rule, e.g. "cannot complete attempt that is not
// started".
type InvalidTransitionError struct {
	Message string
}

func (e *InvalidTransitionError) Error() string {
	return e.Message
}

func NewInvalidTransition(message string) error {
	return &InvalidTransitionError{Message: message}
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError

	return errors.As(err, &target)
}

// ValidationError indicates a missing or malformed required field, keyed by
// field name.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError

	return errors.As(err, &target)
}
