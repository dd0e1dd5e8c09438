// Package config loads and validates the Meridian gateway configuration.
//
// Configuration is a single YAML document. Loading happens in order:
//
//  1. Values from the YAML file
//  2. Default values (ApplyDefaults)
//  3. Environment variable overrides (LoadConfigWithEnvOverrides only)
//  4. Validation, which collects every FieldError before failing
//
// Environment variables follow the MERIDIAN_SECTION_FIELD convention:
//
//   - MERIDIAN_GATEWAY_LISTEN_ADDRESS overrides gateway.listen_address
//   - MERIDIAN_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//   - MERIDIAN_EVENTS_REDIS_ADDRESS overrides events.redis.address
//
// Services and rules are converted into registry and routing types with
// ServiceConfigs and RoutingRules. A Watcher reloads the file on change:
//
//	w := config.NewWatcher(path, config.WatcherOptions{EnvOverrides: true})
//	go w.Watch(ctx, func(cfg *config.Config) error {
//	    return gw.ApplyConfig(cfg)
//	})
//
// A minimal configuration:
//
//	gateway:
//	  listen_address: "0.0.0.0:8080"
//
//	services:
//	  - id: orders
//	    name: Orders
//	    upstream:
//	      - url: "http://orders-1:8080"
//	      - url: "http://orders-2:8080"
//	    failover:
//	      enabled: true
//	      max_retries: 2
//	      retry_delay: 100ms
//	      backoff_multiplier: 2
//
//	rules:
//	  - id: orders
//	    pattern: "/api/orders/*"
//	    service: orders
package config
