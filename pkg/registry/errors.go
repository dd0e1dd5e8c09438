package registry

import (
	"errors"
	"fmt"
)

// Registry errors that can be checked with errors.Is().
var (
	// ErrDuplicateService is returned when registering an id that already exists.
	ErrDuplicateService = errors.New("service already registered")

	// ErrUnknownService is returned when an operation names an unregistered service.
	ErrUnknownService = errors.New("unknown service")

	// ErrUnknownInstance is returned when an operation names an instance no service owns.
	ErrUnknownInstance = errors.New("unknown service instance")

	// ErrInvalidConfig is returned when a service configuration cannot be registered.
	ErrInvalidConfig = errors.New("invalid service configuration")
)

// DuplicateServiceError is returned by Register when the service id is taken.
type DuplicateServiceError struct {
	ServiceID string
}

// Error implements the error interface.
func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("service %q already registered", e.ServiceID)
}

// Is implements error matching for errors.Is().
func (e *DuplicateServiceError) Is(target error) bool {
	return target == ErrDuplicateService
}

// UnknownServiceError is returned when an update names an unregistered service.
type UnknownServiceError struct {
	ServiceID string
}

// Error implements the error interface.
func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("unknown service %q", e.ServiceID)
}

// Is implements error matching for errors.Is().
func (e *UnknownServiceError) Is(target error) bool {
	return target == ErrUnknownService
}

// UnknownInstanceError is returned when an instance id is not in the registry.
type UnknownInstanceError struct {
	InstanceID string
}

// Error implements the error interface.
func (e *UnknownInstanceError) Error() string {
	return fmt.Sprintf("unknown service instance %q", e.InstanceID)
}

// Is implements error matching for errors.Is().
func (e *UnknownInstanceError) Is(target error) bool {
	return target == ErrUnknownInstance
}

// InvalidConfigError describes why a service configuration was rejected.
type InvalidConfigError struct {
	ServiceID string
	Field     string
	Message   string
}

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("service %q: invalid %s: %s", e.ServiceID, e.Field, e.Message)
}

// Is implements error matching for errors.Is().
func (e *InvalidConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}
