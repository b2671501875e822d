package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorMapper maps external errors to the Kura error taxonomy
type ErrorMapper interface {
	MapError(err error) error
	Category(err error) string
}

// DefaultErrorMapper implements Kura error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

var categorized = []error{
	ErrInvalidInput,
	ErrSecurityViolation,
	ErrNotFound,
	ErrBackendExecution,
	ErrTimeout,
	ErrInvalidState,
	ErrConflict,
	ErrInternal,
}

// MapError keeps categorized errors as-is and folds everything else into a category.
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	for _, category := range categorized {
		if errors.Is(err, category) {
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("operation cancelled: %w", ErrInternal)
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "does not exist"):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case strings.Contains(errStr, "already exists"):
		return fmt.Errorf("%v: %w", err, ErrConflict)
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	case strings.Contains(errStr, "exit status"), strings.Contains(errStr, "executable file not found"):
		return fmt.Errorf("%v: %w", err, ErrBackendExecution)
	default:
		return fmt.Errorf("%v: %w", err, ErrInternal)
	}
}

// Category returns the taxonomy name for an error
func (m *DefaultErrorMapper) Category(err error) string {
	return Category(err)
}

// Category returns the taxonomy name for an error
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return "ValidationError"
	case errors.Is(err, ErrSecurityViolation):
		return "SecurityViolation"
	case errors.Is(err, ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, ErrBackendExecution):
		return "BackendExecutionError"
	case errors.Is(err, ErrTimeout):
		return "TimeoutError"
	case errors.Is(err, ErrInvalidState):
		return "InvalidStateError"
	case errors.Is(err, ErrConflict):
		return "ConflictError"
	case errors.Is(err, ErrInternal):
		return "InternalError"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// InvalidInput wraps message as a validation error
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// SecurityViolation wraps message as a policy rejection
func SecurityViolation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrSecurityViolation)
}

// NotFound wraps message as not found
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// BackendExecution wraps message as a backend failure
func BackendExecution(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrBackendExecution)
}

// Timeout wraps message as a timeout
func Timeout(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrTimeout)
}

// InvalidState wraps message as an invalid state transition
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}

// Conflict wraps message as a name conflict
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConflict)
}

// Internal wraps message as internal
func Internal(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInternal)
}
