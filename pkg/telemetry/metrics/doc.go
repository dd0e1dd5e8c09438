// Package metrics provides Prometheus metrics for the Meridian gateway.
//
// # Overview
//
// A Collector owns a private prometheus.Registry and records:
//
//   - Request Metrics: requests by service and result code, end-to-end duration
//   - Upstream Metrics: forward latency, failures by kind, in-flight connections,
//     failover retries and fallback invocations
//   - Balancer Metrics: selections by algorithm, instance health, health transitions
//   - Event Metrics: registry events dropped because a subscriber lagged
//
// # Usage
//
//	collector := metrics.NewCollector(metrics.Config{Enabled: true}, nil)
//
//	collector.RecordRequest("orders", "ok", 12*time.Millisecond)
//	collector.RecordUpstream("orders", "orders-1", "ok", 9*time.Millisecond)
//	collector.SetInstanceHealth("orders", "orders-2", false)
//
//	http.Handle("/metrics", collector.Handler())
//
// # Cardinality
//
// Instance ids are the only unbounded label. Once MaxCardinality distinct
// instance label sets have been seen, new instances are folded into "other".
package metrics
