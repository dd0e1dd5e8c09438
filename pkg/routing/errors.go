package routing

import (
	"errors"
	"fmt"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrNoMatch is returned when no routing rule matches the request.
	ErrNoMatch = errors.New("no matching route")

	// ErrVersionNotFound is returned when versioning is enabled and neither the
	// requested version nor a default version exists.
	ErrVersionNotFound = errors.New("service version not found")

	// ErrUnknownService is returned when a matched rule targets a service that
	// is not registered.
	ErrUnknownService = errors.New("rule targets unknown service")

	// ErrInvalidRule is returned when a rule cannot be compiled.
	ErrInvalidRule = errors.New("invalid routing rule")
)

// NoMatchError is returned when no rule matches the method, path and
// conditions of a request.
type NoMatchError struct {
	Method string
	Path   string
}

// Error implements the error interface.
func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no route matches %s %s", e.Method, e.Path)
}

// Is implements error matching for errors.Is().
func (e *NoMatchError) Is(target error) bool {
	return target == ErrNoMatch
}

// VersionNotFoundError is returned when the requested version cannot be
// resolved and the service has no default version.
type VersionNotFoundError struct {
	ServiceID string

	// Requested is the version read from the request, empty when none was sent.
	Requested string
}

// Error implements the error interface.
func (e *VersionNotFoundError) Error() string {
	if e.Requested == "" {
		return fmt.Sprintf("service %q: no version requested and no default version", e.ServiceID)
	}
	return fmt.Sprintf("service %q: version %q not found and no default version", e.ServiceID, e.Requested)
}

// Is implements error matching for errors.Is().
func (e *VersionNotFoundError) Is(target error) bool {
	return target == ErrVersionNotFound
}

// UnknownServiceError is returned when the winning rule names a service the
// registry does not know.
type UnknownServiceError struct {
	RuleID    string
	ServiceID string
	Cause     error
}

// Error implements the error interface.
func (e *UnknownServiceError) Error() string {
	return fmt.Sprintf("rule %q targets unknown service %q", e.RuleID, e.ServiceID)
}

// Is implements error matching for errors.Is().
func (e *UnknownServiceError) Is(target error) bool {
	return target == ErrUnknownService
}

// Unwrap returns the registry lookup error.
func (e *UnknownServiceError) Unwrap() error {
	return e.Cause
}

// InvalidRuleError is returned by NewMatcher and SetRules when a rule has a
// bad pattern, regex or enum value.
type InvalidRuleError struct {
	RuleID string
	Field  string
	Err    error
}

// Error implements the error interface.
func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("rule %q: invalid %s: %v", e.RuleID, e.Field, e.Err)
}

// Is implements error matching for errors.Is().
func (e *InvalidRuleError) Is(target error) bool {
	return target == ErrInvalidRule
}

// Unwrap returns the underlying compile error.
func (e *InvalidRuleError) Unwrap() error {
	return e.Err
}
