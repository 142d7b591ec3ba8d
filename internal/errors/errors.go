// Package errors defines the error taxonomy shared by the tracking hub.
// Callers check categories with errors.Is against the sentinels, or with
// the IsX helpers below.
package errors

import (
	"errors"
	"fmt"
)

// Is and As are re-exported so callers don't need to import both packages.
var (
	Is = errors.Is
	As = errors.As
)

var (
	// ErrNotFound indicates a lookup miss on a booking or vehicle.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates a rejected inbound payload.
	ErrInvalidInput = errors.New("invalid input")
)

// NotFoundError reports which resource was missing.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// Is implements errors.Is support
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// NewNotFoundError creates a new NotFoundError
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError represents a malformed field in an inbound event.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid payload: %s", e.Message)
}

// Is implements errors.Is support
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError creates a new ValidationError
func NewValidationError(field string, value any, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// Required is shorthand for a missing mandatory field.
func Required(field string) *ValidationError {
	return &ValidationError{Field: field, Message: "is required"}
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}
