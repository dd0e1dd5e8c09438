// Package gateway ties the routing core together into an http.Handler.
//
// For every request the Gateway:
//
//  1. buffers the body up to Options.MaxBodyBytes
//  2. matches a routing rule and resolves the service version
//  3. selects a healthy instance serving that version, honouring sticky sessions
//  4. forwards the request under the service's failover policy, selecting
//     again before each retry
//  5. re-routes to the service's FallbackService once retries are exhausted,
//     at most Options.MaxFallbackDepth hops and never back to a service
//     already tried
//
// Upstream 2xx, 3xx and 4xx responses are passed through. Everything else is
// answered with a JSON body:
//
//	{"error": {"code": "upstream_timeout", "message": "...", "request_id": "..."}}
//
// See Classify for the status codes.
//
// The admin side is separate: NewAdminHandler serves liveness, readiness,
// Prometheus metrics and a read-only view of the registry.
//
// Build assembles a Runtime from a *config.Config: registry, health checker,
// discovery poller, event sinks and both HTTP handlers.
package gateway
