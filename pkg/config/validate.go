package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
	"mercator-hq/meridian/pkg/telemetry/logging"
	"mercator-hq/meridian/pkg/telemetry/tracing"
)

// FieldError is a validation error for one configuration field.
type FieldError struct {
	// Field is the dotted path to the field (e.g. "services[0].upstream[1].url").
	Field string

	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every FieldError found in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// HasField reports whether a field error was recorded for field.
func (e ValidationError) HasField(field string) bool {
	for _, fe := range e.Errors {
		if fe.Field == field {
			return true
		}
	}
	return false
}

var (
	validAlgorithms = map[string]bool{
		string(registry.AlgorithmRoundRobin):       true,
		string(registry.AlgorithmWeighted):         true,
		string(registry.AlgorithmLeastConnections): true,
		string(registry.AlgorithmResponseTime):     true,
	}
	validStrategies = map[string]bool{
		string(registry.VersionFromHeader): true,
		string(registry.VersionFromPath):   true,
		string(registry.VersionFromQuery):  true,
	}
	validProviders      = map[string]bool{"static": true, "consul": true, "etcd": true}
	validJournalDrivers = map[string]bool{"sqlite": true, "sqlite3": true}
	validMethods        = map[string]bool{
		"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
		"DELETE": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
	}
)

// Validate checks the whole configuration and returns a ValidationError
// holding every problem found, or nil.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateGateway(&cfg.Gateway)...)

	services := make(map[string]bool, len(cfg.Services))
	for i := range cfg.Services {
		s := &cfg.Services[i]
		path := fmt.Sprintf("services[%d]", i)
		if s.ID != "" && services[s.ID] {
			errs = append(errs, FieldError{Field: path + ".id", Message: fmt.Sprintf("duplicate service id %q", s.ID)})
		}
		services[s.ID] = true
		errs = append(errs, validateService(path, s)...)
	}
	rules := make(map[string]bool, len(cfg.Rules))
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		path := fmt.Sprintf("rules[%d]", i)
		if r.ID != "" && rules[r.ID] {
			errs = append(errs, FieldError{Field: path + ".id", Message: fmt.Sprintf("duplicate rule id %q", r.ID)})
		}
		rules[r.ID] = true
		errs = append(errs, validateRule(path, r, services)...)
	}
	errs = append(errs, validateReferences(cfg, services, rules)...)

	if cfg.LoadBalancer.StickyTTL < 0 {
		errs = append(errs, FieldError{Field: "load_balancer.sticky_ttl", Message: "must be non-negative"})
	}
	if cfg.LoadBalancer.StickyMaxEntries < 0 {
		errs = append(errs, FieldError{Field: "load_balancer.sticky_max_entries", Message: "must be non-negative"})
	}
	if cfg.Health.MaxConcurrentProbes < 1 {
		errs = append(errs, FieldError{Field: "health.max_concurrent_probes", Message: "must be at least 1"})
	}

	errs = append(errs, validateEvents(&cfg.Events)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateGateway(g *GatewayConfig) []FieldError {
	var errs []FieldError
	if g.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "gateway.listen_address", Message: "field is required"})
	}
	if g.AdminAddress != "" && g.AdminAddress == g.ListenAddress {
		errs = append(errs, FieldError{Field: "gateway.admin_address", Message: "must differ from listen_address"})
	}
	for field, d := range map[string]int64{
		"gateway.read_timeout":     int64(g.ReadTimeout),
		"gateway.write_timeout":    int64(g.WriteTimeout),
		"gateway.idle_timeout":     int64(g.IdleTimeout),
		"gateway.shutdown_timeout": int64(g.ShutdownTimeout),
		"gateway.watch_debounce":   int64(g.WatchDebounce),
	} {
		if d < 0 {
			errs = append(errs, FieldError{Field: field, Message: "must be non-negative"})
		}
	}
	if g.MaxBodyBytes < 0 {
		errs = append(errs, FieldError{Field: "gateway.max_body_bytes", Message: "must be non-negative"})
	}
	if g.MaxResponseBytes < 0 {
		errs = append(errs, FieldError{Field: "gateway.max_response_bytes", Message: "must be non-negative"})
	}
	return errs
}

func validateService(path string, s *ServiceConfig) []FieldError {
	var errs []FieldError

	if s.ID == "" {
		errs = append(errs, FieldError{Field: path + ".id", Message: "field is required"})
	}
	hasVersionUpstream := false
	for _, v := range s.Versions {
		if len(v.Upstream) > 0 {
			hasVersionUpstream = true
		}
	}
	if len(s.Upstream) == 0 && !s.Discovery.Enabled && !hasVersionUpstream {
		errs = append(errs, FieldError{Field: path + ".upstream", Message: "at least one upstream is required unless discovery is enabled"})
	}
	errs = append(errs, validateEndpoints(path+".upstream", s.Upstream)...)

	if s.Prefix != "" && !strings.HasPrefix(s.Prefix, "/") {
		errs = append(errs, FieldError{Field: path + ".prefix", Message: "must start with /"})
	}
	for i, rw := range s.PathRewriteRules {
		if _, err := regexp.Compile(rw.Pattern); err != nil {
			errs = append(errs, FieldError{Field: fmt.Sprintf("%s.path_rewrite_rules[%d].pattern", path, i), Message: err.Error()})
		}
	}
	if s.Timeout < 0 {
		errs = append(errs, FieldError{Field: path + ".timeout", Message: "must be non-negative"})
	}
	if s.Retries < 0 {
		errs = append(errs, FieldError{Field: path + ".retries", Message: "must be non-negative"})
	}

	hc := s.HealthCheck
	if hc.Enabled {
		if hc.Interval <= 0 {
			errs = append(errs, FieldError{Field: path + ".health_check.interval", Message: "must be positive"})
		}
		if hc.Timeout <= 0 {
			errs = append(errs, FieldError{Field: path + ".health_check.timeout", Message: "must be positive"})
		}
		if hc.Retries < 1 {
			errs = append(errs, FieldError{Field: path + ".health_check.retries", Message: "must be at least 1"})
		}
	}
	for _, code := range hc.ExpectedStatus {
		if code < 100 || code > 599 {
			errs = append(errs, FieldError{Field: path + ".health_check.expected_status", Message: fmt.Sprintf("invalid status code %d", code)})
		}
	}

	if !validAlgorithms[s.LoadBalancing.Algorithm] {
		errs = append(errs, FieldError{
			Field:   path + ".load_balancing.algorithm",
			Message: fmt.Sprintf("unknown algorithm %q (valid: round-robin, weighted, least-connections, response-time)", s.LoadBalancing.Algorithm),
		})
	}

	fo := s.Failover
	if fo.MaxRetries < 0 {
		errs = append(errs, FieldError{Field: path + ".failover.max_retries", Message: "must be non-negative"})
	}
	if fo.RetryDelay < 0 {
		errs = append(errs, FieldError{Field: path + ".failover.retry_delay", Message: "must be non-negative"})
	}
	if fo.BackoffMultiplier < 1 {
		errs = append(errs, FieldError{Field: path + ".failover.backoff_multiplier", Message: "must be at least 1"})
	}
	if fo.MaxDelay < 0 {
		errs = append(errs, FieldError{Field: path + ".failover.max_delay", Message: "must be non-negative"})
	}
	if fo.FallbackService != "" && fo.FallbackService == s.ID {
		errs = append(errs, FieldError{Field: path + ".failover.fallback_service", Message: "service cannot fall back to itself"})
	}

	if s.Versioning.Enabled && !validStrategies[s.Versioning.Strategy] {
		errs = append(errs, FieldError{
			Field:   path + ".versioning.strategy",
			Message: fmt.Sprintf("unknown strategy %q (valid: header, path, query)", s.Versioning.Strategy),
		})
	}
	versions := make(map[string]bool, len(s.Versions))
	defaults := 0
	for i, v := range s.Versions {
		vpath := fmt.Sprintf("%s.versions[%d]", path, i)
		if v.Version == "" {
			errs = append(errs, FieldError{Field: vpath + ".version", Message: "field is required"})
		} else if versions[v.Version] {
			errs = append(errs, FieldError{Field: vpath + ".version", Message: fmt.Sprintf("duplicate version %q", v.Version)})
		}
		versions[v.Version] = true
		if v.Default {
			defaults++
		}
		errs = append(errs, validateEndpoints(vpath+".upstream", v.Upstream)...)
	}
	if defaults > 1 {
		errs = append(errs, FieldError{Field: path + ".versions", Message: "at most one version may be the default"})
	}

	if s.Discovery.Enabled {
		if !validProviders[s.Discovery.Provider] {
			errs = append(errs, FieldError{
				Field:   path + ".discovery.provider",
				Message: fmt.Sprintf("unknown provider %q (valid: static, consul, etcd)", s.Discovery.Provider),
			})
		}
		if s.Discovery.Interval <= 0 {
			errs = append(errs, FieldError{Field: path + ".discovery.interval", Message: "must be positive"})
		}
	}
	return errs
}

func validateEndpoints(path string, eps []EndpointConfig) []FieldError {
	var errs []FieldError
	for i, ep := range eps {
		epath := fmt.Sprintf("%s[%d]", path, i)
		if ep.URL == "" {
			errs = append(errs, FieldError{Field: epath + ".url", Message: "field is required"})
		} else if u, err := url.Parse(ep.URL); err != nil {
			errs = append(errs, FieldError{Field: epath + ".url", Message: fmt.Sprintf("invalid URL: %v", err)})
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, FieldError{Field: epath + ".url", Message: "URL scheme must be http or https"})
		} else if u.Host == "" {
			errs = append(errs, FieldError{Field: epath + ".url", Message: "URL must include a host"})
		}
		if ep.Weight < 0 {
			errs = append(errs, FieldError{Field: epath + ".weight", Message: "must be non-negative"})
		}
	}
	return errs
}

func validateRule(path string, r *RuleConfig, services map[string]bool) []FieldError {
	var errs []FieldError

	if r.ID == "" {
		errs = append(errs, FieldError{Field: path + ".id", Message: "field is required"})
	}
	if !strings.HasPrefix(r.Pattern, "/") {
		errs = append(errs, FieldError{Field: path + ".pattern", Message: "must start with /"})
	}
	if r.Service == "" {
		errs = append(errs, FieldError{Field: path + ".service", Message: "field is required"})
	} else if !services[r.Service] {
		errs = append(errs, FieldError{Field: path + ".service", Message: fmt.Sprintf("unknown service %q", r.Service)})
	}
	for _, m := range r.Methods {
		if !validMethods[strings.ToUpper(m)] {
			errs = append(errs, FieldError{Field: path + ".methods", Message: fmt.Sprintf("unknown method %q", m)})
		}
	}

	for i, c := range r.Conditions {
		cpath := fmt.Sprintf("%s.conditions[%d]", path, i)
		cond, err := c.toRouting()
		if err != nil {
			errs = append(errs, FieldError{Field: cpath, Message: err.Error()})
			continue
		}
		if cond.Field == "" {
			errs = append(errs, FieldError{Field: cpath + ".field", Message: "field is required"})
		}
		if cond.Operator == routing.OperatorRegex {
			if _, err := regexp.Compile(cond.Value); err != nil {
				errs = append(errs, FieldError{Field: cpath + ".value", Message: err.Error()})
			}
		}
	}
	for i, t := range r.Transformations {
		tpath := fmt.Sprintf("%s.transformations[%d]", path, i)
		tr, err := t.toRouting()
		if err != nil {
			errs = append(errs, FieldError{Field: tpath, Message: err.Error()})
			continue
		}
		if tr.Action == routing.ActionRewrite {
			if _, err := regexp.Compile(tr.Pattern); err != nil {
				errs = append(errs, FieldError{Field: tpath + ".pattern", Message: err.Error()})
			}
		}
	}
	return errs
}

// validateReferences checks names that point across sections.
func validateReferences(cfg *Config, services, rules map[string]bool) []FieldError {
	var errs []FieldError
	for i, s := range cfg.Services {
		if fb := s.Failover.FallbackService; fb != "" && fb != s.ID && !services[fb] {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("services[%d].failover.fallback_service", i),
				Message: fmt.Sprintf("unknown service %q", fb),
			})
		}
		for j, v := range s.Versions {
			for _, id := range v.RoutingRules {
				if !rules[id] {
					errs = append(errs, FieldError{
						Field:   fmt.Sprintf("services[%d].versions[%d].routing_rules", i, j),
						Message: fmt.Sprintf("unknown rule %q", id),
					})
				}
			}
		}
		if s.Discovery.Enabled {
			switch s.Discovery.Provider {
			case "consul":
				if cfg.Discovery.Consul.Address == "" {
					errs = append(errs, FieldError{Field: "discovery.consul.address", Message: fmt.Sprintf("required by service %q", s.ID)})
				}
			case "etcd":
				if len(cfg.Discovery.Etcd.Endpoints) == 0 {
					errs = append(errs, FieldError{Field: "discovery.etcd.endpoints", Message: fmt.Sprintf("required by service %q", s.ID)})
				}
			}
		}
	}
	for id, eps := range cfg.Discovery.Static {
		errs = append(errs, validateEndpoints(fmt.Sprintf("discovery.static.%s", id), eps)...)
	}
	return errs
}

func validateEvents(e *EventsConfig) []FieldError {
	var errs []FieldError
	if e.BufferSize < 1 {
		errs = append(errs, FieldError{Field: "events.buffer_size", Message: "must be at least 1"})
	}
	if e.Redis.Enabled && e.Redis.Address == "" {
		errs = append(errs, FieldError{Field: "events.redis.address", Message: "field is required when redis is enabled"})
	}
	if e.Journal.Enabled {
		if !validJournalDrivers[e.Journal.Driver] {
			errs = append(errs, FieldError{
				Field:   "events.journal.driver",
				Message: fmt.Sprintf("unknown driver %q (valid: sqlite, sqlite3)", e.Journal.Driver),
			})
		}
		if e.Journal.Path == "" {
			errs = append(errs, FieldError{Field: "events.journal.path", Message: "field is required"})
		}
		if e.Journal.RetentionDays < 0 {
			errs = append(errs, FieldError{Field: "events.journal.retention_days", Message: "must be non-negative"})
		}
		if _, err := cron.ParseStandard(e.Journal.RetentionSchedule); err != nil {
			errs = append(errs, FieldError{Field: "events.journal.retention_schedule", Message: fmt.Sprintf("invalid cron expression: %v", err)})
		}
	}
	return errs
}

func validateTelemetry(t *TelemetryConfig) []FieldError {
	var errs []FieldError
	if _, err := logging.ParseLevel(t.Logging.Level); err != nil {
		errs = append(errs, FieldError{Field: "telemetry.logging.level", Message: err.Error()})
	}
	if _, err := logging.ParseFormat(t.Logging.Format); err != nil {
		errs = append(errs, FieldError{Field: "telemetry.logging.format", Message: err.Error()})
	}
	if t.Metrics.Enabled && !strings.HasPrefix(t.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "must start with /"})
	}
	if t.Tracing.Enabled {
		if err := tracing.ValidateSampler(t.Tracing.Sampler, t.Tracing.SampleRatio); err != nil {
			errs = append(errs, FieldError{Field: "telemetry.tracing.sampler", Message: err.Error()})
		}
		if t.Tracing.Exporter != "otlp" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.exporter", Message: fmt.Sprintf("unsupported exporter %q (valid: otlp)", t.Tracing.Exporter)})
		}
		if t.Tracing.Endpoint == "" {
			errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "field is required when tracing is enabled"})
		}
	}
	return errs
}
