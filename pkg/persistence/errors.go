// Package persistence defines the storage contract for the orchestrator and
// standardized error types all implementations use.
package persistence

import "errors"

var (
	// ErrWorkOrderNotFound indicates a work order was not found by the given identifier.
	ErrWorkOrderNotFound = errors.New("work order not found")

	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepNotFound indicates a step was not found, or is not attached to the given run.
	ErrStepNotFound = errors.New("step not found")

	// ErrDataclipNotFound indicates a dataclip was not found by the given identifier.
	ErrDataclipNotFound = errors.New("dataclip not found")

	// ErrCredentialNotFound indicates a credential was not found by the given identifier.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrProjectNotFound indicates a project was not found by the given identifier.
	ErrProjectNotFound = errors.New("project not found")

	// ErrNoRunAvailable indicates the claim queue is empty. This is an
	// expected condition, not a failure; workers poll or wait.
	ErrNoRunAvailable = errors.New("no run available")

	// ErrStateConflict indicates a conditional state update matched zero
	// rows: the state moved under the caller between read and write.
	ErrStateConflict = errors.New("state changed concurrently")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkOrderNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrStepNotFound) ||
		errors.Is(err, ErrDataclipNotFound) ||
		errors.Is(err, ErrCredentialNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrProjectNotFound)
}

func IsNoRunAvailable(err error) bool {
	return errors.Is(err, ErrNoRunAvailable)
}

func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}
