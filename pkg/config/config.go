package config

import "time"

// Config is the root of the gateway configuration document.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	Services     []ServiceConfig    `yaml:"services"`
	Rules        []RuleConfig       `yaml:"rules"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Health       HealthConfig       `yaml:"health"`
	Discovery    DiscoveryConfig    `yaml:"discovery"`
	Events       EventsConfig       `yaml:"events"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// GatewayConfig contains the HTTP server settings.
type GatewayConfig struct {
	// ListenAddress is the address the proxy listens on (e.g. "0.0.0.0:8080").
	ListenAddress string `yaml:"listen_address"`

	// AdminAddress serves /health, /ready and metrics. Empty serves them on
	// ListenAddress under /_meridian/.
	AdminAddress string `yaml:"admin_address"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes limits the buffered inbound request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxResponseBytes limits the buffered upstream response body.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`

	// RequestIDHeader carries the request id in and out of the gateway.
	RequestIDHeader string `yaml:"request_id_header"`

	// Watch reloads the configuration file when it changes.
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// EndpointConfig is one upstream address.
type EndpointConfig struct {
	URL      string            `yaml:"url"`
	Weight   int               `yaml:"weight"`
	Metadata map[string]string `yaml:"metadata"`
}

// RewriteRuleConfig is a regex path rewrite.
type RewriteRuleConfig struct {
	ID          string `yaml:"id"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// HealthCheckConfig configures active probing for one service.
type HealthCheckConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	Interval       time.Duration `yaml:"interval"`
	Timeout        time.Duration `yaml:"timeout"`
	Retries        int           `yaml:"retries"`
	ExpectedStatus []int         `yaml:"expected_status"`
}

// LoadBalancingConfig selects the algorithm and session affinity.
type LoadBalancingConfig struct {
	// Algorithm is one of round-robin, weighted, least-connections or response-time.
	Algorithm     string `yaml:"algorithm"`
	StickySession bool   `yaml:"sticky_session"`
	SessionKey    string `yaml:"session_key"`
}

// FailoverConfig controls retries and the fallback service.
type FailoverConfig struct {
	Enabled           bool          `yaml:"enabled"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            bool          `yaml:"jitter"`
	FallbackService   string        `yaml:"fallback_service"`
}

// VersioningConfig selects where the requested version is read from.
type VersioningConfig struct {
	Enabled bool `yaml:"enabled"`

	// Strategy is header, path or query.
	Strategy   string `yaml:"strategy"`
	HeaderName string `yaml:"header_name"`
	QueryParam string `yaml:"query_param"`
	PathPrefix string `yaml:"path_prefix"`
}

// VersionConfig describes one version of a service.
type VersionConfig struct {
	Version      string           `yaml:"version"`
	Upstream     []EndpointConfig `yaml:"upstream"`
	Default      bool             `yaml:"default"`
	Active       *bool            `yaml:"active"`
	RoutingRules []string         `yaml:"routing_rules"`
	Deprecated   bool             `yaml:"deprecated"`
	DeprecatedAt time.Time        `yaml:"deprecated_at"`
	SunsetAt     time.Time        `yaml:"sunset_at"`
	Message      string           `yaml:"message"`
}

// ServiceDiscoveryConfig enables endpoint discovery for one service.
type ServiceDiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Provider is static, consul or etcd.
	Provider  string        `yaml:"provider"`
	Namespace string        `yaml:"namespace"`
	Tags      []string      `yaml:"tags"`
	Interval  time.Duration `yaml:"interval"`
}

// ServiceConfig describes one backend service.
type ServiceConfig struct {
	ID               string                 `yaml:"id"`
	Name             string                 `yaml:"name"`
	Version          string                 `yaml:"version"`
	Upstream         []EndpointConfig       `yaml:"upstream"`
	Prefix           string                 `yaml:"prefix"`
	RewritePrefix    string                 `yaml:"rewrite_prefix"`
	PathRewriteRules []RewriteRuleConfig    `yaml:"path_rewrite_rules"`
	Timeout          time.Duration          `yaml:"timeout"`
	Retries          int                    `yaml:"retries"`
	HealthCheck      HealthCheckConfig      `yaml:"health_check"`
	LoadBalancing    LoadBalancingConfig    `yaml:"load_balancing"`
	Failover         FailoverConfig         `yaml:"failover"`
	Versioning       VersioningConfig       `yaml:"versioning"`
	Versions         []VersionConfig        `yaml:"versions"`
	Discovery        ServiceDiscoveryConfig `yaml:"discovery"`
}

// ConditionConfig is one routing condition.
type ConditionConfig struct {
	// Type is header, query, body, user or feature_flag.
	Type  string `yaml:"type"`
	Field string `yaml:"field"`

	// Operator is equals, contains, regex or exists.
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
	Negate   bool   `yaml:"negate"`
}

// TransformationConfig is one request transformation.
type TransformationConfig struct {
	// Type is header, query, path or body.
	Type string `yaml:"type"`

	// Action is add, remove, replace or rewrite.
	Action      string `yaml:"action"`
	Field       string `yaml:"field"`
	Value       string `yaml:"value"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// RuleConfig binds a path pattern to a service.
type RuleConfig struct {
	ID              string                 `yaml:"id"`
	Pattern         string                 `yaml:"pattern"`
	Methods         []string               `yaml:"methods"`
	Service         string                 `yaml:"service"`
	Priority        int                    `yaml:"priority"`
	Conditions      []ConditionConfig      `yaml:"conditions"`
	Transformations []TransformationConfig `yaml:"transformations"`
}

// LoadBalancerConfig contains settings shared by all services.
type LoadBalancerConfig struct {
	// StickyTTL is how long an idle session stays pinned.
	StickyTTL time.Duration `yaml:"sticky_ttl"`

	// StickyMaxEntries bounds the session table; the least recently used
	// entry is evicted beyond it.
	StickyMaxEntries int `yaml:"sticky_max_entries"`
}

// HealthConfig contains settings shared by all health checks.
type HealthConfig struct {
	MaxConcurrentProbes int `yaml:"max_concurrent_probes"`
}

// DiscoveryConfig configures the discovery backends.
type DiscoveryConfig struct {
	Consul ConsulConfig `yaml:"consul"`
	Etcd   EtcdConfig   `yaml:"etcd"`

	// Static maps a service id to a fixed endpoint list for the static provider.
	Static map[string][]EndpointConfig `yaml:"static"`
}

// ConsulConfig contains Consul agent connection settings.
type ConsulConfig struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Datacenter string `yaml:"datacenter"`
	Token      string `yaml:"token"`
}

// EtcdConfig contains etcd cluster connection settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// EventsConfig configures the registry event bus and its sinks.
type EventsConfig struct {
	// BufferSize is the per-subscriber queue length.
	BufferSize int `yaml:"buffer_size"`

	Redis   RedisConfig   `yaml:"redis"`
	Journal JournalConfig `yaml:"journal"`
}

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// JournalConfig configures the SQLite event journal.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`

	// RetentionDays prunes events older than this many days. Zero keeps everything.
	RetentionDays int `yaml:"retention_days"`

	// RetentionSchedule is a cron expression for the pruning job.
	RetentionSchedule string `yaml:"retention_schedule"`
}

// TelemetryConfig contains observability settings.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is json, text or console.
	Format        string   `yaml:"format"`
	AddSource     bool     `yaml:"add_source"`
	RedactHeaders []string `yaml:"redact_headers"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Sampler     string        `yaml:"sampler"`
	SampleRatio float64       `yaml:"sample_ratio"`
	Exporter    string        `yaml:"exporter"`
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	Timeout     time.Duration `yaml:"timeout"`
	ServiceName string        `yaml:"service_name"`
}
