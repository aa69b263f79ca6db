package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a malformed or inconsistent request.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCollaboratorUnavailable wraps failures of the override store, leave
	// history or profile feed. Write paths surface it; read paths degrade.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	// ErrConcurrentChange indicates the row changed underneath the operation.
	ErrConcurrentChange = errors.New("concurrent change, retry the operation")
)
