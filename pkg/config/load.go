package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads, defaults and validates the YAML file at path. Environment
// variables are ignored; use LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("configuration file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads the file at path and then applies
// MERIDIAN_SECTION_FIELD environment variables, which take precedence over the
// file. The result is validated again after the overrides.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides copies MERIDIAN_* variables into cfg. Values that fail to
// parse are ignored.
func applyEnvOverrides(cfg *Config) {
	envString("MERIDIAN_GATEWAY_LISTEN_ADDRESS", &cfg.Gateway.ListenAddress)
	envString("MERIDIAN_GATEWAY_ADMIN_ADDRESS", &cfg.Gateway.AdminAddress)
	envDuration("MERIDIAN_GATEWAY_READ_TIMEOUT", &cfg.Gateway.ReadTimeout)
	envDuration("MERIDIAN_GATEWAY_WRITE_TIMEOUT", &cfg.Gateway.WriteTimeout)
	envDuration("MERIDIAN_GATEWAY_IDLE_TIMEOUT", &cfg.Gateway.IdleTimeout)
	envDuration("MERIDIAN_GATEWAY_SHUTDOWN_TIMEOUT", &cfg.Gateway.ShutdownTimeout)
	if val := os.Getenv("MERIDIAN_GATEWAY_MAX_BODY_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Gateway.MaxBodyBytes = n
		}
	}
	envBool("MERIDIAN_GATEWAY_WATCH", &cfg.Gateway.Watch)

	envDuration("MERIDIAN_LOAD_BALANCER_STICKY_TTL", &cfg.LoadBalancer.StickyTTL)
	envInt("MERIDIAN_LOAD_BALANCER_STICKY_MAX_ENTRIES", &cfg.LoadBalancer.StickyMaxEntries)
	envInt("MERIDIAN_HEALTH_MAX_CONCURRENT_PROBES", &cfg.Health.MaxConcurrentProbes)

	envString("MERIDIAN_DISCOVERY_CONSUL_ADDRESS", &cfg.Discovery.Consul.Address)
	envString("MERIDIAN_DISCOVERY_CONSUL_DATACENTER", &cfg.Discovery.Consul.Datacenter)
	envString("MERIDIAN_DISCOVERY_CONSUL_TOKEN", &cfg.Discovery.Consul.Token)
	if val := os.Getenv("MERIDIAN_DISCOVERY_ETCD_ENDPOINTS"); val != "" {
		cfg.Discovery.Etcd.Endpoints = splitList(val)
	}
	envString("MERIDIAN_DISCOVERY_ETCD_USERNAME", &cfg.Discovery.Etcd.Username)
	envString("MERIDIAN_DISCOVERY_ETCD_PASSWORD", &cfg.Discovery.Etcd.Password)

	envBool("MERIDIAN_EVENTS_REDIS_ENABLED", &cfg.Events.Redis.Enabled)
	envString("MERIDIAN_EVENTS_REDIS_ADDRESS", &cfg.Events.Redis.Address)
	envString("MERIDIAN_EVENTS_REDIS_PASSWORD", &cfg.Events.Redis.Password)
	envInt("MERIDIAN_EVENTS_REDIS_DB", &cfg.Events.Redis.DB)
	envBool("MERIDIAN_EVENTS_JOURNAL_ENABLED", &cfg.Events.Journal.Enabled)
	envString("MERIDIAN_EVENTS_JOURNAL_DRIVER", &cfg.Events.Journal.Driver)
	envString("MERIDIAN_EVENTS_JOURNAL_PATH", &cfg.Events.Journal.Path)
	envInt("MERIDIAN_EVENTS_JOURNAL_RETENTION_DAYS", &cfg.Events.Journal.RetentionDays)

	envString("MERIDIAN_TELEMETRY_LOGGING_LEVEL", &cfg.Telemetry.Logging.Level)
	envString("MERIDIAN_TELEMETRY_LOGGING_FORMAT", &cfg.Telemetry.Logging.Format)
	envBool("MERIDIAN_TELEMETRY_METRICS_ENABLED", &cfg.Telemetry.Metrics.Enabled)
	envString("MERIDIAN_TELEMETRY_METRICS_PATH", &cfg.Telemetry.Metrics.Path)
	envBool("MERIDIAN_TELEMETRY_TRACING_ENABLED", &cfg.Telemetry.Tracing.Enabled)
	envString("MERIDIAN_TELEMETRY_TRACING_SAMPLER", &cfg.Telemetry.Tracing.Sampler)
	if val := os.Getenv("MERIDIAN_TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}
	envString("MERIDIAN_TELEMETRY_TRACING_ENDPOINT", &cfg.Telemetry.Tracing.Endpoint)
	envBool("MERIDIAN_TELEMETRY_TRACING_INSECURE", &cfg.Telemetry.Tracing.Insecure)
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envBool(key string, dst *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
