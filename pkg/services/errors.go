// Package services provides the flow management operations exposed by the API.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/convoflow/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidStatus     = errors.New("invalid flow status")
	ErrFlowNameRequired  = errors.New("flow name must have at least 3 characters")
	ErrOrgRequired       = errors.New("organization id is required")
	ErrInvalidFlow       = errors.New("invalid flow")
	ErrTriggerRequired   = errors.New("flow must have at least one trigger")
	ErrInvalidConnection = errors.New("connection references an unknown node")

	// Not Found (404).
	ErrFlowNotFound = persistence.ErrFlowNotFound
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrFlowNameRequired) ||
		errors.Is(err, ErrOrgRequired) ||
		errors.Is(err, ErrInvalidFlow) ||
		errors.Is(err, ErrTriggerRequired) ||
		errors.Is(err, ErrInvalidConnection)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func notFound(op, flowID string) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    "flow_not_found",
		Message: "flow not found: " + flowID,
		Err:     ErrFlowNotFound,
	}
}
