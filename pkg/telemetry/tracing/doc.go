// Package tracing provides OpenTelemetry distributed tracing for the Meridian
// gateway.
//
// # Overview
//
// The gateway opens one server span per inbound request and one client span
// per upstream attempt, so retries and fallbacks show up as siblings under the
// request span. The trace context of the attempt is injected into the
// forwarded headers:
//
//	traceparent: 00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01
//
// # Sampling Strategies
//
//   - always: Sample all traces (development/debugging)
//   - never: Sample no traces
//   - ratio: Sample a fraction of traces by trace ID
//
// Every sampler is parent-based, so an upstream caller's decision is kept.
//
// # Usage
//
//	tracer, err := tracing.New(tracing.Config{
//	    Enabled:     true,
//	    Sampler:     "ratio",
//	    SampleRatio: 0.1,
//	    Exporter:    "otlp",
//	    Endpoint:    "localhost:4317",
//	    ServiceName: "meridian",
//	})
//	if err != nil {
//	    return err
//	}
//	defer tracer.Shutdown(context.Background())
//
//	ctx, span := tracer.Start(ctx, "gateway.request")
//	defer span.End()
//	tracing.SetRouteAttributes(span, "orders", "orders-by-id", "v2")
//
// A disabled tracer hands out no-op spans.
package tracing
