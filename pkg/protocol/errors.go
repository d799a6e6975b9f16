// Package protocol defines the worker channel message types, the error
// taxonomy carried in replies, and the legacy event-name translation.
package protocol

import (
	"errors"

	"github.com/spooldev/spool/pkg/models"
)

// Taxonomy errors surfaced to workers as structured replies. Token failures
// all collapse into ErrUnauthorized so nothing about the failure mode (bad
// signature, premature, expired, id mismatch) leaks to the caller.
var (
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotFound               = errors.New("not_found")
	ErrUpstream               = errors.New("upstream error")
	ErrCredentialAccessDenied = errors.New("credential access denied")
)

// ErrorReason returns the short reason string used in error replies and
// channel join refusals.
func ErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCredentialAccessDenied):
		return "credential_access_denied"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case models.IsInvalidTransition(err):
		return "invalid_transition"
	case models.IsValidationError(err):
		return "validation_error"
	default:
		return "internal_error"
	}
}

// ErrorResponse builds the response body for an error reply. Validation errors
// are field-keyed; everything else carries the reason plus, for state machine
// violations, the violated rule.
func ErrorResponse(err error) map[string]any {
	var validationErr *models.ValidationError
	if errors.As(err, &validationErr) {
		return map[string]any{
			"errors": map[string][]string{
				validationErr.Field: {validationErr.Message},
			},
		}
	}

	response := map[string]any{"reason": ErrorReason(err)}

	var transitionErr *models.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		response["message"] = transitionErr.Message
	}

	return response
}
