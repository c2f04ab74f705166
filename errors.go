package keystone

import (
	"errors"
	"fmt"

	"github.com/xraph/keystone/scheduler"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound           = errors.New("keystone: not found")
	ErrAlreadyExists      = errors.New("keystone: already exists")
	ErrInvalidInput       = errors.New("keystone: invalid input")
	ErrReferenceNotFound  = errors.New("keystone: referenced record not found")
	ErrEngineRunning      = errors.New("keystone: engine already running")
	ErrClusterNotFound    = errors.New("keystone: cluster not found")
	ErrTeamNotFound       = errors.New("keystone: team not found")
	ErrRequestNotFound    = errors.New("keystone: allocation request not found")
	ErrReviewNotFound     = errors.New("keystone: review not found")
	ErrAllocationNotFound = errors.New("keystone: allocation not found")

	// Workflow errors
	ErrInvalidTransition  = errors.New("keystone: invalid status transition")
	ErrTransitionConflict = errors.New("keystone: status changed concurrently")
	ErrAwardLocked        = errors.New("keystone: award already synchronized, revise it instead")
	ErrRequestClosed      = errors.New("keystone: allocation request is closed")
	ErrOwnerExists        = errors.New("keystone: team already has an owner")

	// Backend errors
	ErrBackendUnavailable = scheduler.ErrBackendUnavailable

	// Store errors
	ErrStoreClosed     = errors.New("keystone: store is closed")
	ErrMigrationFailed = errors.New("keystone: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("keystone: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// TransitionError reports a status change the workflow does not permit.
type TransitionError struct {
	RequestID string
	From      string
	To        string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("keystone: request %s cannot move from %s to %s", e.RequestID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "keystone: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("keystone: %d errors occurred (first: %v)", len(e.Errors), e.Errors[0])
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// ErrOrNil returns the multi-error when it holds anything, nil otherwise.
func (e MultiError) ErrOrNil() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrClusterNotFound) ||
		errors.Is(err, ErrTeamNotFound) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrReviewNotFound) ||
		errors.Is(err, ErrAllocationNotFound)
}

// IsTransitionError returns true if the error rejected a status change.
func IsTransitionError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrTransitionConflict) ||
		errors.Is(err, ErrRequestClosed)
}

// IsValidationError returns true if the error is an input validation failure.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) ||
		errors.Is(err, ErrTransitionConflict)
}
