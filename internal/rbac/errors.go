package rbac

import "errors"

var (
	// ErrForbidden is returned when the acting user lacks a capability.
	ErrForbidden = errors.New("rbac: forbidden")
	// ErrUnknownRole is returned for role names outside the closed set.
	ErrUnknownRole = errors.New("rbac: unknown role")
	// ErrUnknownModule is returned for module names outside the closed set.
	ErrUnknownModule = errors.New("rbac: unknown module")
	// ErrUnknownAction is returned for action names other than read/write/delete/approve.
	ErrUnknownAction = errors.New("rbac: unknown action")
	// ErrSessionClosed is returned when refreshing a session after logout.
	ErrSessionClosed = errors.New("rbac: session closed")
	// ErrRefreshSuperseded is returned by a refresh whose result lost to a newer one.
	ErrRefreshSuperseded = errors.New("rbac: refresh superseded")
)
