package registry

import (
	"time"
)

// Algorithm names a load-balancing algorithm.
type Algorithm string

const (
	// AlgorithmRoundRobin cycles through healthy instances using a per-service counter.
	AlgorithmRoundRobin Algorithm = "round-robin"

	// AlgorithmWeighted walks instances by cumulative weight.
	AlgorithmWeighted Algorithm = "weighted"

	// AlgorithmLeastConnections picks the instance with the fewest in-flight requests.
	AlgorithmLeastConnections Algorithm = "least-connections"

	// AlgorithmResponseTime picks the most reliable instance, then the fastest.
	AlgorithmResponseTime Algorithm = "response-time"
)

// VersionStrategy names where the requested service version is read from.
type VersionStrategy string

const (
	VersionFromHeader VersionStrategy = "header"
	VersionFromPath   VersionStrategy = "path"
	VersionFromQuery  VersionStrategy = "query"
)

// ServiceEndpoint is one upstream address as produced by configuration or a
// discovery provider.
type ServiceEndpoint struct {
	URL      string            `json:"url"`
	Weight   int               `json:"weight"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServiceInstance is one running, addressable copy of a backend service.
// Instances are owned by the Registry; everything outside the registry only
// ever sees copies.
type ServiceInstance struct {
	// ID is unique across the registry ("<serviceID>-<n>" unless discovery supplies one).
	ID string `json:"id"`

	// ServiceID is the owning service.
	ServiceID string `json:"service_id"`

	// URL is the base URL requests are forwarded to.
	URL string `json:"url"`

	// Weight is used by the weighted algorithm. Never negative.
	Weight int `json:"weight"`

	// CurrentConnections is the number of in-flight proxied requests. Never negative.
	CurrentConnections int `json:"current_connections"`

	// ResponseTime is the rolling average upstream latency.
	ResponseTime time.Duration `json:"response_time"`

	// ErrorRate is the rolling failure ratio in [0,1].
	ErrorRate float64 `json:"error_rate"`

	// IsHealthy is flipped by the health checker.
	IsHealthy bool `json:"is_healthy"`

	// LastHealthCheck is when the health flag was last evaluated.
	LastHealthCheck time.Time `json:"last_health_check"`

	// Version is the service version this instance serves, empty for unversioned services.
	Version string `json:"version,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// HealthCheckConfig controls active probing of a service's instances.
type HealthCheckConfig struct {
	Enabled bool `json:"enabled"`

	// Path is appended to the instance URL for each probe.
	Path string `json:"path"`

	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`

	// Retries is the number of consecutive failed probes that mark an instance unhealthy.
	Retries int `json:"retries"`

	// ExpectedStatus lists the status codes that count as a successful probe.
	ExpectedStatus []int `json:"expected_status"`
}

// LoadBalancingStrategy selects an algorithm and optional session affinity.
type LoadBalancingStrategy struct {
	Algorithm     Algorithm `json:"algorithm"`
	StickySession bool      `json:"sticky_session"`

	// SessionKey names the header, cookie or query parameter carrying the session id.
	// The special value "userId" also matches the authenticated user.
	SessionKey string `json:"session_key,omitempty"`
}

// ServiceFailoverConfig controls retries and fallback redirection.
type ServiceFailoverConfig struct {
	Enabled           bool          `json:"enabled"`
	MaxRetries        int           `json:"max_retries"`
	RetryDelay        time.Duration `json:"retry_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`

	// MaxDelay caps a single backoff wait. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay,omitempty"`

	// Jitter randomizes each delay by up to +/-50%.
	Jitter bool `json:"jitter,omitempty"`

	// FallbackService is re-routed to once retries are exhausted.
	FallbackService string `json:"fallback_service,omitempty"`
}

// PathRewriteRule is a regex replacement applied to the forwarded path.
type PathRewriteRule struct {
	ID          string `json:"id"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// VersioningConfig controls how the requested version is resolved.
type VersioningConfig struct {
	Enabled  bool            `json:"enabled"`
	Strategy VersionStrategy `json:"strategy"`

	// HeaderName is read when Strategy is "header". Default: "Accept-Version".
	HeaderName string `json:"header_name,omitempty"`

	// QueryParam is read when Strategy is "query". Default: "version".
	QueryParam string `json:"query_param,omitempty"`

	// PathPrefix precedes the version segment when Strategy is "path",
	// e.g. "/v" makes "/v2/orders" resolve version "2". Default: "/v".
	PathPrefix string `json:"path_prefix,omitempty"`
}

// ServiceVersionConfig describes one version of a service.
type ServiceVersionConfig struct {
	Version   string            `json:"version"`
	Upstream  []ServiceEndpoint `json:"upstream,omitempty"`
	IsDefault bool              `json:"is_default"`
	IsActive  bool              `json:"is_active"`

	// RoutingRules are tried before the global rules when this version resolves.
	// They are opaque to the registry and interpreted by the routing package.
	RoutingRules []string `json:"routing_rules,omitempty"`

	Deprecated   bool      `json:"deprecated"`
	DeprecatedAt time.Time `json:"deprecated_at,omitempty"`
	SunsetAt     time.Time `json:"sunset_at,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// ServiceDiscoveryConfig tells the discovery poller what to look up.
type ServiceDiscoveryConfig struct {
	Enabled   bool          `json:"enabled"`
	Provider  string        `json:"provider"`
	Namespace string        `json:"namespace,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	Interval  time.Duration `json:"interval"`
}

// ServiceConfig is the routing-relevant description of one backend service.
type ServiceConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`

	Upstream []ServiceEndpoint `json:"upstream"`

	// Prefix is the public route prefix, stripped before forwarding.
	Prefix string `json:"prefix,omitempty"`

	// RewritePrefix replaces Prefix on the forwarded path.
	RewritePrefix string `json:"rewrite_prefix,omitempty"`

	PathRewriteRules []PathRewriteRule `json:"path_rewrite_rules,omitempty"`

	Timeout time.Duration `json:"timeout"`
	Retries int           `json:"retries"`

	HealthCheck   HealthCheckConfig      `json:"health_check"`
	LoadBalancing LoadBalancingStrategy  `json:"load_balancing"`
	Failover      ServiceFailoverConfig  `json:"failover"`
	Versioning    VersioningConfig       `json:"versioning"`
	Versions      []ServiceVersionConfig `json:"versions,omitempty"`
	Discovery     ServiceDiscoveryConfig `json:"discovery"`
}

// Clone returns a deep copy so callers can never alias registry-owned slices.
func (c *ServiceConfig) Clone() *ServiceConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.Upstream = cloneEndpoints(c.Upstream)
	out.PathRewriteRules = append([]PathRewriteRule(nil), c.PathRewriteRules...)
	out.HealthCheck.ExpectedStatus = append([]int(nil), c.HealthCheck.ExpectedStatus...)
	out.Discovery.Tags = append([]string(nil), c.Discovery.Tags...)
	if c.Versions != nil {
		out.Versions = make([]ServiceVersionConfig, len(c.Versions))
		for i, v := range c.Versions {
			v.Upstream = cloneEndpoints(v.Upstream)
			v.RoutingRules = append([]string(nil), v.RoutingRules...)
			out.Versions[i] = v
		}
	}
	return &out
}

// DefaultVersion returns the version flagged IsDefault, if any.
func (c *ServiceConfig) DefaultVersion() (ServiceVersionConfig, bool) {
	for _, v := range c.Versions {
		if v.IsDefault {
			return v, true
		}
	}
	return ServiceVersionConfig{}, false
}

// FindVersion returns the named version, if configured.
func (c *ServiceConfig) FindVersion(version string) (ServiceVersionConfig, bool) {
	for _, v := range c.Versions {
		if v.Version == version {
			return v, true
		}
	}
	return ServiceVersionConfig{}, false
}

// InstanceMetrics is one request outcome fed into an instance's rolling aggregates.
type InstanceMetrics struct {
	ResponseTime time.Duration `json:"response_time"`
	ErrorCount   int           `json:"error_count"`
	RequestCount int           `json:"request_count"`
	Timestamp    time.Time     `json:"timestamp"`
}

func cloneEndpoints(in []ServiceEndpoint) []ServiceEndpoint {
	if in == nil {
		return nil
	}
	out := make([]ServiceEndpoint, len(in))
	for i, ep := range in {
		ep.Metadata = cloneMetadata(ep.Metadata)
		out[i] = ep
	}
	return out
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
