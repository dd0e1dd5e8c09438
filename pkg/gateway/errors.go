package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mercator-hq/meridian/pkg/proxy"
	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
)

// Common gateway errors that can be checked with errors.Is().
var (
	// ErrNoHealthyInstance is returned when the matched service has no healthy
	// instance serving the resolved version.
	ErrNoHealthyInstance = errors.New("no healthy instance")

	// ErrFallbackLoop is returned when a fallback chain would revisit a service.
	ErrFallbackLoop = errors.New("fallback loop detected")
)

// Error codes written in JSON error bodies. Clients can rely on them staying
// stable.
const (
	CodeRouteNotFound      = "route_not_found"
	CodeVersionNotFound    = "version_not_found"
	CodeServiceUnavailable = "service_unavailable"
	CodeUpstreamTimeout    = "upstream_timeout"
	CodeUpstreamFailed     = "upstream_failed"
	CodeRequestTooLarge    = "request_too_large"
	CodeClientClosed       = "client_closed_request"
	CodeInternal           = "internal_error"
)

// StatusClientClosedRequest is logged and counted when the caller goes away
// before a response is written.
const StatusClientClosedRequest = 499

// NoHealthyInstanceError is returned when no instance can take the request.
type NoHealthyInstanceError struct {
	ServiceID string
	Version   string
}

// Error implements the error interface.
func (e *NoHealthyInstanceError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("service %q version %q: no healthy instance", e.ServiceID, e.Version)
	}
	return fmt.Sprintf("service %q: no healthy instance", e.ServiceID)
}

// Is implements error matching for errors.Is().
func (e *NoHealthyInstanceError) Is(target error) bool {
	return target == ErrNoHealthyInstance
}

// FallbackLoopError is returned when following FallbackService would revisit
// a service already tried for this request.
type FallbackLoopError struct {
	// Chain lists the services in the order they were tried, ending with the
	// repeated one.
	Chain []string

	// Cause is the failure that triggered the fallback.
	Cause error
}

// Error implements the error interface.
func (e *FallbackLoopError) Error() string {
	return fmt.Sprintf("fallback loop %s: %v", strings.Join(e.Chain, " -> "), e.Cause)
}

// Is implements error matching for errors.Is().
func (e *FallbackLoopError) Is(target error) bool {
	return target == ErrFallbackLoop
}

// Unwrap returns the failure that triggered the fallback.
func (e *FallbackLoopError) Unwrap() error {
	return e.Cause
}

// ErrorBody is the JSON document written for every gateway-generated error.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Classify maps an error returned by Handle to an HTTP status and error code.
func Classify(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, routing.ErrNoMatch):
		return http.StatusNotFound, CodeRouteNotFound
	case errors.Is(err, routing.ErrVersionNotFound):
		return http.StatusBadRequest, CodeVersionNotFound
	case errors.Is(err, routing.ErrUnknownService),
		errors.Is(err, registry.ErrUnknownService),
		errors.Is(err, ErrNoHealthyInstance):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, CodeUpstreamTimeout
	case errors.Is(err, proxy.ErrUpstreamServer),
		errors.Is(err, proxy.ErrUpstreamConnection),
		errors.Is(err, proxy.ErrResponseTooLarge),
		errors.Is(err, proxy.ErrRetriesExhausted):
		return http.StatusBadGateway, CodeUpstreamFailed
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, CodeRequestTooLarge
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, CodeClientClosed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeUpstreamTimeout
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError writes the JSON error body for status and code.
func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}})
}

// publicMessage returns the client-facing message for code. Upstream details
// such as instance addresses are kept out of responses.
func publicMessage(code string, err error) string {
	switch code {
	case CodeRouteNotFound, CodeVersionNotFound, CodeRequestTooLarge:
		return err.Error()
	case CodeServiceUnavailable:
		return "no healthy upstream is available for this route"
	case CodeUpstreamTimeout:
		return "the upstream service did not respond in time"
	case CodeUpstreamFailed:
		return "the upstream service failed to handle the request"
	case CodeClientClosed:
		return "request cancelled by client"
	default:
		return "an internal error occurred"
	}
}
