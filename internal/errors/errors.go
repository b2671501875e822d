package errors

import (
	"errors"
)

// Sentinel errors for the orchestrator error taxonomy. Every failure surfaced to a caller
// wraps exactly one of these.
var (
	// ErrInvalidInput - missing or malformed parameter, rejected before any backend call
	ErrInvalidInput = errors.New("invalid input")

	// ErrSecurityViolation - policy check failed, rejected before any backend call and audit-logged
	ErrSecurityViolation = errors.New("security violation")

	// ErrNotFound - instance, base image or checkpoint name unknown
	ErrNotFound = errors.New("not found")

	// ErrBackendExecution - management tool exited non-zero or could not be started
	ErrBackendExecution = errors.New("backend execution failed")

	// ErrTimeout - a poll loop or command exceeded its configured limit; the backend process may still be running
	ErrTimeout = errors.New("timeout")

	// ErrInvalidState - operation not valid from the instance's current status
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict - name already taken in a registry
	ErrConflict = errors.New("conflict")

	// ErrInternal - unexpected failure inside the orchestrator
	ErrInternal = errors.New("internal error")
)
