package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{
		Services: []ServiceConfig{
			{ID: "orders", Upstream: []EndpointConfig{{URL: "http://orders-1:8080"}}},
			{ID: "payments", Upstream: []EndpointConfig{{URL: "https://payments:8443"}}},
		},
		Rules: []RuleConfig{
			{ID: "orders", Pattern: "/api/orders/*", Service: "orders"},
		},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Errorf("expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.ListenAddress = ""
	cfg.Services[0].ID = ""
	cfg.Rules[0].Pattern = "orders"

	err := Validate(cfg)
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Errors) < 3 {
		t.Errorf("expected at least 3 errors, got %d: %v", len(verr.Errors), verr)
	}
	if !strings.Contains(verr.Error(), "validation failed with") {
		t.Errorf("error message should mention multiple errors: %s", verr.Error())
	}
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{
			name:   "duplicate service id",
			mutate: func(c *Config) { c.Services[1].ID = "orders" },
			field:  "services[1].id",
		},
		{
			name:   "no upstream without discovery",
			mutate: func(c *Config) { c.Services[0].Upstream = nil },
			field:  "services[0].upstream",
		},
		{
			name:   "upstream without host",
			mutate: func(c *Config) { c.Services[0].Upstream[0].URL = "http://" },
			field:  "services[0].upstream[0].url",
		},
		{
			name:   "negative weight",
			mutate: func(c *Config) { c.Services[0].Upstream[0].Weight = -1 },
			field:  "services[0].upstream[0].weight",
		},
		{
			name:   "unknown algorithm",
			mutate: func(c *Config) { c.Services[0].LoadBalancing.Algorithm = "random" },
			field:  "services[0].load_balancing.algorithm",
		},
		{
			name:   "multiplier below one",
			mutate: func(c *Config) { c.Services[0].Failover.BackoffMultiplier = 0.5 },
			field:  "services[0].failover.backoff_multiplier",
		},
		{
			name:   "fallback to itself",
			mutate: func(c *Config) { c.Services[0].Failover.FallbackService = "orders" },
			field:  "services[0].failover.fallback_service",
		},
		{
			name:   "unknown fallback",
			mutate: func(c *Config) { c.Services[0].Failover.FallbackService = "billing" },
			field:  "services[0].failover.fallback_service",
		},
		{
			name: "unknown version strategy",
			mutate: func(c *Config) {
				c.Services[0].Versioning.Enabled = true
				c.Services[0].Versioning.Strategy = "cookie"
			},
			field: "services[0].versioning.strategy",
		},
		{
			name: "two default versions",
			mutate: func(c *Config) {
				c.Services[0].Versions = []VersionConfig{{Version: "v1", Default: true}, {Version: "v2", Default: true}}
			},
			field: "services[0].versions",
		},
		{
			name: "version references unknown rule",
			mutate: func(c *Config) {
				c.Services[0].Versions = []VersionConfig{{Version: "v1", RoutingRules: []string{"missing"}}}
			},
			field: "services[0].versions[0].routing_rules",
		},
		{
			name: "unknown discovery provider",
			mutate: func(c *Config) {
				c.Services[0].Discovery = ServiceDiscoveryConfig{Enabled: true, Provider: "zookeeper", Interval: time.Second}
			},
			field: "services[0].discovery.provider",
		},
		{
			name: "etcd discovery without endpoints",
			mutate: func(c *Config) {
				c.Services[0].Discovery = ServiceDiscoveryConfig{Enabled: true, Provider: "etcd", Interval: time.Second}
			},
			field: "discovery.etcd.endpoints",
		},
		{
			name:   "health check with zero interval",
			mutate: func(c *Config) { c.Services[0].HealthCheck.Enabled = true; c.Services[0].HealthCheck.Interval = 0 },
			field:  "services[0].health_check.interval",
		},
		{
			name:   "bad rewrite regex",
			mutate: func(c *Config) { c.Services[0].PathRewriteRules = []RewriteRuleConfig{{Pattern: "("}} },
			field:  "services[0].path_rewrite_rules[0].pattern",
		},
		{
			name:   "rule for unknown service",
			mutate: func(c *Config) { c.Rules[0].Service = "billing" },
			field:  "rules[0].service",
		},
		{
			name:   "duplicate rule id",
			mutate: func(c *Config) { c.Rules = append(c.Rules, c.Rules[0]) },
			field:  "rules[1].id",
		},
		{
			name:   "unknown method",
			mutate: func(c *Config) { c.Rules[0].Methods = []string{"FETCH"} },
			field:  "rules[0].methods",
		},
		{
			name: "unknown condition operator",
			mutate: func(c *Config) {
				c.Rules[0].Conditions = []ConditionConfig{{Type: "header", Field: "X", Operator: "startswith"}}
			},
			field: "rules[0].conditions[0]",
		},
		{
			name: "bad condition regex",
			mutate: func(c *Config) {
				c.Rules[0].Conditions = []ConditionConfig{{Type: "query", Field: "q", Operator: "regex", Value: "["}}
			},
			field: "rules[0].conditions[0].value",
		},
		{
			name: "unknown transformation action",
			mutate: func(c *Config) {
				c.Rules[0].Transformations = []TransformationConfig{{Type: "header", Action: "append"}}
			},
			field: "rules[0].transformations[0]",
		},
		{
			name:   "redis without address",
			mutate: func(c *Config) { c.Events.Redis.Enabled = true },
			field:  "events.redis.address",
		},
		{
			name: "journal with unknown driver",
			mutate: func(c *Config) {
				c.Events.Journal.Enabled = true
				c.Events.Journal.Driver = "postgres"
			},
			field: "events.journal.driver",
		},
		{
			name: "journal with bad schedule",
			mutate: func(c *Config) {
				c.Events.Journal.Enabled = true
				c.Events.Journal.RetentionSchedule = "every day"
			},
			field: "events.journal.retention_schedule",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.Telemetry.Logging.Level = "loud" },
			field:  "telemetry.logging.level",
		},
		{
			name: "tracing ratio out of range",
			mutate: func(c *Config) {
				c.Telemetry.Tracing.Enabled = true
				c.Telemetry.Tracing.Sampler = "ratio"
				c.Telemetry.Tracing.SampleRatio = 2
			},
			field: "telemetry.tracing.sampler",
		},
		{
			name:   "admin address equals listen address",
			mutate: func(c *Config) { c.Gateway.AdminAddress = c.Gateway.ListenAddress },
			field:  "gateway.admin_address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			var verr ValidationError
			if err := Validate(cfg); !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !verr.HasField(tt.field) {
				t.Errorf("expected error for %s, got %v", tt.field, verr)
			}
		})
	}
}

func TestValidate_DiscoveryReplacesUpstream(t *testing.T) {
	cfg := validConfig()
	cfg.Services[0].Upstream = nil
	cfg.Services[0].Discovery = ServiceDiscoveryConfig{Enabled: true, Provider: "consul", Interval: time.Second}

	if err := Validate(cfg); err != nil {
		t.Errorf("discovered service should not need static upstreams: %v", err)
	}
}

func TestValidationError_SingleError(t *testing.T) {
	err := ValidationError{Errors: []FieldError{{Field: "gateway.listen_address", Message: "field is required"}}}
	want := "configuration validation failed: gateway.listen_address: field is required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
