// Package telemetry groups the observability packages used by the gateway.
//
//   - logging: slog construction, request-scoped attributes and header redaction
//   - metrics: Prometheus collectors on a private registry
//   - tracing: OpenTelemetry tracer provider and W3C propagation
//
// Each package is configured from the telemetry section of the gateway
// configuration and wired together by gateway.Build:
//
//	rt, err := gateway.Build(cfg, gateway.BuildOptions{})
//	if err != nil {
//	    return err
//	}
//	http.Handle("/metrics", rt.Metrics.Handler())
package telemetry
