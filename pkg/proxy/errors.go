package proxy

import (
	"errors"
	"fmt"
	"time"
)

// Upstream errors that can be checked with errors.Is().
var (
	// ErrUpstreamTimeout is returned when the upstream did not answer within
	// the service timeout.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstreamServer is returned for 5xx upstream responses.
	ErrUpstreamServer = errors.New("upstream server error")

	// ErrUpstreamConnection is returned when the upstream could not be reached.
	ErrUpstreamConnection = errors.New("upstream connection failed")

	// ErrUpstreamClient is returned for 4xx upstream responses. It is never retried.
	ErrUpstreamClient = errors.New("upstream client error")

	// ErrResponseTooLarge is returned when an upstream body exceeds the
	// executor's MaxResponseBytes. It is never retried.
	ErrResponseTooLarge = errors.New("upstream response too large")

	// ErrRetriesExhausted is returned when every failover attempt failed.
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
)

// UpstreamTimeoutError is returned when a forwarded call exceeds its timeout.
type UpstreamTimeoutError struct {
	InstanceID string
	Timeout    time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("instance %q: upstream timed out after %s", e.InstanceID, e.Timeout)
}

// Is implements error matching for errors.Is().
func (e *UpstreamTimeoutError) Is(target error) bool {
	return target == ErrUpstreamTimeout
}

// Unwrap returns the underlying error for error chain support.
func (e *UpstreamTimeoutError) Unwrap() error {
	return e.Cause
}

// UpstreamServerError is returned for a 5xx response. The buffered response
// is kept so it can be inspected or relayed.
type UpstreamServerError struct {
	InstanceID string
	StatusCode int
	Response   *Response
}

// Error implements the error interface.
func (e *UpstreamServerError) Error() string {
	return fmt.Sprintf("instance %q: upstream returned status %d", e.InstanceID, e.StatusCode)
}

// Is implements error matching for errors.Is().
func (e *UpstreamServerError) Is(target error) bool {
	return target == ErrUpstreamServer
}

// UpstreamConnectionError is returned when dialing or talking to the upstream
// failed before a response arrived.
type UpstreamConnectionError struct {
	InstanceID string
	Cause      error
}

// Error implements the error interface.
func (e *UpstreamConnectionError) Error() string {
	return fmt.Sprintf("instance %q: upstream connection failed: %v", e.InstanceID, e.Cause)
}

// Is implements error matching for errors.Is().
func (e *UpstreamConnectionError) Is(target error) bool {
	return target == ErrUpstreamConnection
}

// Unwrap returns the underlying error for error chain support.
func (e *UpstreamConnectionError) Unwrap() error {
	return e.Cause
}

// UpstreamClientError is returned for a 4xx response. Callers pass Response
// through to the client unchanged.
type UpstreamClientError struct {
	InstanceID string
	StatusCode int
	Response   *Response
}

// Error implements the error interface.
func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("instance %q: upstream rejected request with status %d", e.InstanceID, e.StatusCode)
}

// Is implements error matching for errors.Is().
func (e *UpstreamClientError) Is(target error) bool {
	return target == ErrUpstreamClient
}

// ResponseTooLargeError is returned when the upstream body does not fit in
// the response buffer. No partial response is returned.
type ResponseTooLargeError struct {
	InstanceID string
	StatusCode int
	Limit      int64
}

// Error implements the error interface.
func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("instance %q: upstream response exceeds %d bytes", e.InstanceID, e.Limit)
}

// Is implements error matching for errors.Is().
func (e *ResponseTooLargeError) Is(target error) bool {
	return target == ErrResponseTooLarge
}

// RetriesExhaustedError wraps the last failure after every attempt failed.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

// Is implements error matching for errors.Is().
func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// Unwrap returns the last attempt's error.
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Retryable reports whether a failed attempt may be retried: upstream
// timeouts, 5xx responses and connection failures are; 4xx responses and
// everything else are not.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamServer) ||
		errors.Is(err, ErrUpstreamConnection)
}
