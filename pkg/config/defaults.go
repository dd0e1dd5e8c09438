package config

import "time"

// Default values applied by ApplyDefaults.
const (
	DefaultListenAddress    = "127.0.0.1:8080"
	DefaultReadTimeout      = 30 * time.Second
	DefaultWriteTimeout     = 60 * time.Second
	DefaultIdleTimeout      = 120 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultMaxBodyBytes     = 10 << 20
	DefaultMaxResponseBytes = 32 << 20
	DefaultRequestIDHeader  = "X-Request-ID"
	DefaultWatchDebounce    = 100 * time.Millisecond

	DefaultServiceTimeout = 30 * time.Second

	DefaultHealthPath     = "/health"
	DefaultHealthInterval = 10 * time.Second
	DefaultHealthTimeout  = 5 * time.Second
	DefaultHealthRetries  = 3

	DefaultAlgorithm  = "round-robin"
	DefaultSessionKey = "X-Session-ID"

	DefaultRetryDelay        = 100 * time.Millisecond
	DefaultBackoffMultiplier = 2.0

	DefaultVersionHeader     = "Accept-Version"
	DefaultVersionQueryParam = "version"
	DefaultVersionPathPrefix = "/v"

	DefaultDiscoveryInterval = 30 * time.Second

	DefaultStickyTTL           = 30 * time.Minute
	DefaultStickyMaxEntries    = 100000
	DefaultMaxConcurrentProbes = 16

	DefaultConsulAddress   = "127.0.0.1:8500"
	DefaultEtcdDialTimeout = 5 * time.Second

	DefaultEventBufferSize   = 256
	DefaultRedisChannel      = "meridian:events"
	DefaultJournalDriver     = "sqlite"
	DefaultJournalPath       = "meridian-events.db"
	DefaultRetentionSchedule = "0 3 * * *"

	DefaultLogLevel     = "info"
	DefaultLogFormat    = "json"
	DefaultMetricsPath  = "/metrics"
	DefaultNamespace    = "meridian"
	DefaultSubsystem    = "gateway"
	DefaultSampler      = "always"
	DefaultExporter     = "otlp"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultServiceName  = "meridian"
)

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	applyGatewayDefaults(&cfg.Gateway)
	for i := range cfg.Services {
		applyServiceDefaults(&cfg.Services[i])
	}

	if cfg.LoadBalancer.StickyTTL == 0 {
		cfg.LoadBalancer.StickyTTL = DefaultStickyTTL
	}
	if cfg.LoadBalancer.StickyMaxEntries == 0 {
		cfg.LoadBalancer.StickyMaxEntries = DefaultStickyMaxEntries
	}
	if cfg.Health.MaxConcurrentProbes == 0 {
		cfg.Health.MaxConcurrentProbes = DefaultMaxConcurrentProbes
	}

	if cfg.Discovery.Consul.Address == "" {
		cfg.Discovery.Consul.Address = DefaultConsulAddress
	}
	if cfg.Discovery.Etcd.DialTimeout == 0 {
		cfg.Discovery.Etcd.DialTimeout = DefaultEtcdDialTimeout
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = DefaultEventBufferSize
	}
	if cfg.Events.Redis.ChannelPrefix == "" {
		cfg.Events.Redis.ChannelPrefix = DefaultRedisChannel
	}
	if cfg.Events.Journal.Driver == "" {
		cfg.Events.Journal.Driver = DefaultJournalDriver
	}
	if cfg.Events.Journal.Path == "" {
		cfg.Events.Journal.Path = DefaultJournalPath
	}
	if cfg.Events.Journal.RetentionSchedule == "" {
		cfg.Events.Journal.RetentionSchedule = DefaultRetentionSchedule
	}

	applyTelemetryDefaults(&cfg.Telemetry)
}

func applyGatewayDefaults(g *GatewayConfig) {
	if g.ListenAddress == "" {
		g.ListenAddress = DefaultListenAddress
	}
	if g.ReadTimeout == 0 {
		g.ReadTimeout = DefaultReadTimeout
	}
	if g.WriteTimeout == 0 {
		g.WriteTimeout = DefaultWriteTimeout
	}
	if g.IdleTimeout == 0 {
		g.IdleTimeout = DefaultIdleTimeout
	}
	if g.ShutdownTimeout == 0 {
		g.ShutdownTimeout = DefaultShutdownTimeout
	}
	if g.MaxBodyBytes == 0 {
		g.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if g.MaxResponseBytes == 0 {
		g.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if g.RequestIDHeader == "" {
		g.RequestIDHeader = DefaultRequestIDHeader
	}
	if g.WatchDebounce == 0 {
		g.WatchDebounce = DefaultWatchDebounce
	}
}

func applyServiceDefaults(s *ServiceConfig) {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultServiceTimeout
	}
	for i := range s.Upstream {
		applyEndpointDefaults(&s.Upstream[i])
	}

	hc := &s.HealthCheck
	if hc.Path == "" {
		hc.Path = DefaultHealthPath
	}
	if hc.Interval == 0 {
		hc.Interval = DefaultHealthInterval
	}
	if hc.Timeout == 0 {
		hc.Timeout = DefaultHealthTimeout
	}
	if hc.Retries == 0 {
		hc.Retries = DefaultHealthRetries
	}
	if len(hc.ExpectedStatus) == 0 {
		hc.ExpectedStatus = []int{200}
	}

	if s.LoadBalancing.Algorithm == "" {
		s.LoadBalancing.Algorithm = DefaultAlgorithm
	}
	if s.LoadBalancing.StickySession && s.LoadBalancing.SessionKey == "" {
		s.LoadBalancing.SessionKey = DefaultSessionKey
	}

	fo := &s.Failover
	if fo.MaxRetries == 0 && s.Retries > 0 {
		fo.MaxRetries = s.Retries
	}
	if fo.RetryDelay == 0 {
		fo.RetryDelay = DefaultRetryDelay
	}
	if fo.BackoffMultiplier == 0 {
		fo.BackoffMultiplier = DefaultBackoffMultiplier
	}

	v := &s.Versioning
	if v.HeaderName == "" {
		v.HeaderName = DefaultVersionHeader
	}
	if v.QueryParam == "" {
		v.QueryParam = DefaultVersionQueryParam
	}
	if v.PathPrefix == "" {
		v.PathPrefix = DefaultVersionPathPrefix
	}
	for i := range s.Versions {
		ver := &s.Versions[i]
		if ver.Active == nil {
			active := true
			ver.Active = &active
		}
		for j := range ver.Upstream {
			applyEndpointDefaults(&ver.Upstream[j])
		}
	}

	if s.Discovery.Enabled && s.Discovery.Interval == 0 {
		s.Discovery.Interval = DefaultDiscoveryInterval
	}
}

func applyEndpointDefaults(ep *EndpointConfig) {
	if ep.Weight == 0 {
		ep.Weight = 1
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLogLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLogFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultNamespace
	}
	if t.Metrics.Subsystem == "" {
		t.Metrics.Subsystem = DefaultSubsystem
	}
	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultSampler
	}
	if t.Tracing.Exporter == "" {
		t.Tracing.Exporter = DefaultExporter
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultOTLPEndpoint
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultServiceName
	}
}
