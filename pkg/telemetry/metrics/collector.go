package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OtherInstance replaces instance labels past the cardinality limit.
const OtherInstance = "other"

// Config configures a Collector.
type Config struct {
	Enabled   bool
	Namespace string
	Subsystem string

	// LatencyBuckets are the histogram buckets, in seconds, for request and
	// upstream durations.
	LatencyBuckets []float64

	// MaxCardinality bounds the distinct service/instance label pairs.
	MaxCardinality int
}

// Collector records gateway metrics into its own registry.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	requests *RequestMetrics
	upstream *UpstreamMetrics
	balancer *BalancerMetrics
	events   *EventMetrics

	cardinalityLimiter *CardinalityLimiter
}

// NewCollector creates a collector registering into registry. A nil registry
// gets a fresh private one.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "meridian"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "gateway"
	}
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	}
	if cfg.MaxCardinality <= 0 {
		cfg.MaxCardinality = 10000
	}

	return &Collector{
		config:             cfg,
		registry:           registry,
		requests:           NewRequestMetrics(cfg, registry),
		upstream:           NewUpstreamMetrics(cfg, registry),
		balancer:           NewBalancerMetrics(cfg, registry),
		events:             NewEventMetrics(cfg, registry),
		cardinalityLimiter: NewCardinalityLimiter(cfg.MaxCardinality),
	}
}

// RecordRequest records a request handled by the gateway. code is the
// gateway result ("ok", "route_not_found", "upstream_timeout", ...).
func (c *Collector) RecordRequest(serviceID, code string, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.requests.Record(serviceID, code, duration)
}

// RecordUpstream records one forwarded call.
func (c *Collector) RecordUpstream(serviceID, instanceID, result string, latency time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.upstream.RecordCall(serviceID, c.instanceLabel(serviceID, instanceID), result, latency)
}

// ConnectionOpened increments the in-flight gauge of an instance.
func (c *Collector) ConnectionOpened(serviceID, instanceID string) {
	if !c.config.Enabled {
		return
	}
	c.upstream.inFlight.WithLabelValues(serviceID, c.instanceLabel(serviceID, instanceID)).Inc()
}

// ConnectionClosed decrements the in-flight gauge of an instance.
func (c *Collector) ConnectionClosed(serviceID, instanceID string) {
	if !c.config.Enabled {
		return
	}
	c.upstream.inFlight.WithLabelValues(serviceID, c.instanceLabel(serviceID, instanceID)).Dec()
}

// RecordRetry records a failover retry.
func (c *Collector) RecordRetry(serviceID string) {
	if !c.config.Enabled {
		return
	}
	c.upstream.retries.WithLabelValues(serviceID).Inc()
}

// RecordFallback records a request re-run against a fallback service.
func (c *Collector) RecordFallback(serviceID, fallbackID string) {
	if !c.config.Enabled {
		return
	}
	c.upstream.fallbacks.WithLabelValues(serviceID, fallbackID).Inc()
}

// RecordSelection records a load balancer decision.
func (c *Collector) RecordSelection(serviceID, algorithm string) {
	if !c.config.Enabled {
		return
	}
	c.balancer.selections.WithLabelValues(serviceID, algorithm).Inc()
}

// SetInstanceHealth sets the health gauge (1 healthy, 0 unhealthy) and counts
// the transition.
func (c *Collector) SetInstanceHealth(serviceID, instanceID string, healthy bool) {
	if !c.config.Enabled {
		return
	}
	c.balancer.SetHealth(serviceID, c.instanceLabel(serviceID, instanceID), healthy)
}

// RecordDroppedEvent counts a registry event a subscriber could not take.
func (c *Collector) RecordDroppedEvent(eventType string) {
	if !c.config.Enabled {
		return
	}
	c.events.dropped.WithLabelValues(eventType).Inc()
}

// RecordDiscovery counts a discovery round. A nil err counts as "ok".
func (c *Collector) RecordDiscovery(serviceID, provider string, err error) {
	if !c.config.Enabled {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.events.discovery.WithLabelValues(serviceID, provider, result).Inc()
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) instanceLabel(serviceID, instanceID string) string {
	if c.cardinalityLimiter.Allow(serviceID + "/" + instanceID) {
		return instanceID
	}
	return OtherInstance
}

// CardinalityLimiter prevents metric cardinality explosion by limiting
// the number of unique label combinations.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter admitting at most maxCardinality
// distinct label sets.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether labelSet is already known or still fits under the limit.
func (cl *CardinalityLimiter) Allow(labelSet string) bool {
	cl.mu.RLock()
	if _, exists := cl.current[labelSet]; exists {
		cl.mu.RUnlock()
		return true
	}
	cl.mu.RUnlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[labelSet]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[labelSet] = struct{}{}
	return true
}

// Count returns the current cardinality.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
