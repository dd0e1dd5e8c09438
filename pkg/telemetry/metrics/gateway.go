package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics tracks requests as the client sees them.
//
// Metrics:
//   - meridian_gateway_requests_total: requests by service and result code
//   - meridian_gateway_request_duration_seconds: end-to-end duration
type RequestMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewRequestMetrics creates and registers request metrics.
func NewRequestMetrics(cfg Config, registry *prometheus.Registry) *RequestMetrics {
	rm := &RequestMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the gateway",
			},
			[]string{"service", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "End-to-end request duration in seconds, including retries",
				Buckets:   cfg.LatencyBuckets,
			},
			[]string{"service"},
		),
	}
	registry.MustRegister(rm.requestsTotal, rm.requestDuration)
	return rm
}

// Record records a finished request.
func (rm *RequestMetrics) Record(serviceID, code string, duration time.Duration) {
	rm.requestsTotal.WithLabelValues(serviceID, code).Inc()
	rm.requestDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// UpstreamMetrics tracks calls to upstream instances.
//
// Metrics:
//   - meridian_gateway_upstream_requests_total: forwarded calls by result
//   - meridian_gateway_upstream_duration_seconds: forward latency
//   - meridian_gateway_upstream_in_flight: open upstream calls per instance
//   - meridian_gateway_failover_retries_total: retries scheduled by failover
//   - meridian_gateway_fallback_total: requests re-run against a fallback service
type UpstreamMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	retries   *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
}

// NewUpstreamMetrics creates and registers upstream metrics.
func NewUpstreamMetrics(cfg Config, registry *prometheus.Registry) *UpstreamMetrics {
	um := &UpstreamMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "upstream_requests_total",
				Help:      "Forwarded upstream calls by result",
			},
			[]string{"service", "instance", "result"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "upstream_duration_seconds",
				Help:      "Latency of forwarded upstream calls in seconds",
				Buckets:   cfg.LatencyBuckets,
			},
			[]string{"service"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "upstream_in_flight",
				Help:      "Upstream calls currently open per instance",
			},
			[]string{"service", "instance"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "failover_retries_total",
				Help:      "Retries scheduled by the failover controller",
			},
			[]string{"service"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "fallback_total",
				Help:      "Requests re-run against a fallback service",
			},
			[]string{"service", "fallback"},
		),
	}
	registry.MustRegister(um.requests, um.latency, um.inFlight, um.retries, um.fallbacks)
	return um
}

// RecordCall records one upstream call.
func (um *UpstreamMetrics) RecordCall(serviceID, instance, result string, latency time.Duration) {
	um.requests.WithLabelValues(serviceID, instance, result).Inc()
	um.latency.WithLabelValues(serviceID).Observe(latency.Seconds())
}

// BalancerMetrics tracks load balancing and instance health.
//
// Metrics:
//   - meridian_gateway_lb_selections_total: selections by algorithm
//   - meridian_gateway_instance_healthy: 1 when healthy, 0 otherwise
//   - meridian_gateway_health_transitions_total: health flips by direction
type BalancerMetrics struct {
	selections  *prometheus.CounterVec
	healthy     *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewBalancerMetrics creates and registers balancer metrics.
func NewBalancerMetrics(cfg Config, registry *prometheus.Registry) *BalancerMetrics {
	bm := &BalancerMetrics{
		selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "lb_selections_total",
				Help:      "Load balancer selections by algorithm",
			},
			[]string{"service", "algorithm"},
		),
		healthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "instance_healthy",
				Help:      "Instance health (1 = healthy, 0 = unhealthy)",
			},
			[]string{"service", "instance"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "health_transitions_total",
				Help:      "Instance health transitions",
			},
			[]string{"service", "to"},
		),
	}
	registry.MustRegister(bm.selections, bm.healthy, bm.transitions)
	return bm
}

// SetHealth updates the health gauge and counts the transition.
func (bm *BalancerMetrics) SetHealth(serviceID, instance string, healthy bool) {
	value, to := 0.0, "unhealthy"
	if healthy {
		value, to = 1, "healthy"
	}
	bm.healthy.WithLabelValues(serviceID, instance).Set(value)
	bm.transitions.WithLabelValues(serviceID, to).Inc()
}

// EventMetrics tracks the registry event bus and discovery rounds.
type EventMetrics struct {
	dropped   *prometheus.CounterVec
	discovery *prometheus.CounterVec
}

// NewEventMetrics creates and registers event metrics.
func NewEventMetrics(cfg Config, registry *prometheus.Registry) *EventMetrics {
	em := &EventMetrics{
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "events_dropped_total",
				Help:      "Registry events dropped because a subscriber queue was full",
			},
			[]string{"type"},
		),
		discovery: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "discovery_rounds_total",
				Help:      "Service discovery rounds by provider and result",
			},
			[]string{"service", "provider", "result"},
		),
	}
	registry.MustRegister(em.dropped, em.discovery)
	return em
}
