package config

import (
	"fmt"

	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
)

// ServiceConfigs converts the configured services into registry form.
func (c *Config) ServiceConfigs() []*registry.ServiceConfig {
	out := make([]*registry.ServiceConfig, 0, len(c.Services))
	for i := range c.Services {
		out = append(out, c.Services[i].ToRegistry())
	}
	return out
}

// RoutingRules converts the configured rules into routing form.
func (c *Config) RoutingRules() ([]routing.RoutingRule, error) {
	out := make([]routing.RoutingRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		rule, err := r.ToRouting()
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// StaticEndpoints returns the static discovery table in registry form.
func (c *Config) StaticEndpoints() map[string][]registry.ServiceEndpoint {
	out := make(map[string][]registry.ServiceEndpoint, len(c.Discovery.Static))
	for id, eps := range c.Discovery.Static {
		out[id] = toEndpoints(eps)
	}
	return out
}

// ToRegistry converts s into the registry's service description.
func (s *ServiceConfig) ToRegistry() *registry.ServiceConfig {
	out := &registry.ServiceConfig{
		ID:            s.ID,
		Name:          s.Name,
		Version:       s.Version,
		Upstream:      toEndpoints(s.Upstream),
		Prefix:        s.Prefix,
		RewritePrefix: s.RewritePrefix,
		Timeout:       s.Timeout,
		Retries:       s.Retries,
		HealthCheck: registry.HealthCheckConfig{
			Enabled:        s.HealthCheck.Enabled,
			Path:           s.HealthCheck.Path,
			Interval:       s.HealthCheck.Interval,
			Timeout:        s.HealthCheck.Timeout,
			Retries:        s.HealthCheck.Retries,
			ExpectedStatus: append([]int(nil), s.HealthCheck.ExpectedStatus...),
		},
		LoadBalancing: registry.LoadBalancingStrategy{
			Algorithm:     registry.Algorithm(s.LoadBalancing.Algorithm),
			StickySession: s.LoadBalancing.StickySession,
			SessionKey:    s.LoadBalancing.SessionKey,
		},
		Failover: registry.ServiceFailoverConfig{
			Enabled:           s.Failover.Enabled,
			MaxRetries:        s.Failover.MaxRetries,
			RetryDelay:        s.Failover.RetryDelay,
			BackoffMultiplier: s.Failover.BackoffMultiplier,
			MaxDelay:          s.Failover.MaxDelay,
			Jitter:            s.Failover.Jitter,
			FallbackService:   s.Failover.FallbackService,
		},
		Versioning: registry.VersioningConfig{
			Enabled:    s.Versioning.Enabled,
			Strategy:   registry.VersionStrategy(s.Versioning.Strategy),
			HeaderName: s.Versioning.HeaderName,
			QueryParam: s.Versioning.QueryParam,
			PathPrefix: s.Versioning.PathPrefix,
		},
		Discovery: registry.ServiceDiscoveryConfig{
			Enabled:   s.Discovery.Enabled,
			Provider:  s.Discovery.Provider,
			Namespace: s.Discovery.Namespace,
			Tags:      append([]string(nil), s.Discovery.Tags...),
			Interval:  s.Discovery.Interval,
		},
	}

	for _, rw := range s.PathRewriteRules {
		out.PathRewriteRules = append(out.PathRewriteRules, registry.PathRewriteRule(rw))
	}
	for _, v := range s.Versions {
		out.Versions = append(out.Versions, registry.ServiceVersionConfig{
			Version:      v.Version,
			Upstream:     toEndpoints(v.Upstream),
			IsDefault:    v.Default,
			IsActive:     v.Active == nil || *v.Active,
			RoutingRules: append([]string(nil), v.RoutingRules...),
			Deprecated:   v.Deprecated,
			DeprecatedAt: v.DeprecatedAt,
			SunsetAt:     v.SunsetAt,
			Message:      v.Message,
		})
	}
	return out
}

// ToRouting converts r into a routing rule.
func (r *RuleConfig) ToRouting() (routing.RoutingRule, error) {
	rule := routing.RoutingRule{
		ID:        r.ID,
		Pattern:   r.Pattern,
		Methods:   append([]string(nil), r.Methods...),
		ServiceID: r.Service,
		Priority:  r.Priority,
	}

	for i, c := range r.Conditions {
		cond, err := c.toRouting()
		if err != nil {
			return routing.RoutingRule{}, fmt.Errorf("condition %d: %w", i, err)
		}
		rule.Conditions = append(rule.Conditions, cond)
	}
	for i, t := range r.Transformations {
		tr, err := t.toRouting()
		if err != nil {
			return routing.RoutingRule{}, fmt.Errorf("transformation %d: %w", i, err)
		}
		rule.Transformations = append(rule.Transformations, tr)
	}
	return rule, nil
}

func (c ConditionConfig) toRouting() (routing.RoutingCondition, error) {
	typ, err := routing.ParseConditionType(c.Type)
	if err != nil {
		return routing.RoutingCondition{}, err
	}
	op, err := routing.ParseOperator(c.Operator)
	if err != nil {
		return routing.RoutingCondition{}, err
	}
	return routing.RoutingCondition{
		Type:     typ,
		Field:    c.Field,
		Operator: op,
		Value:    c.Value,
		Negate:   c.Negate,
	}, nil
}

func (t TransformationConfig) toRouting() (routing.RequestTransformation, error) {
	typ, err := routing.ParseTransformType(t.Type)
	if err != nil {
		return routing.RequestTransformation{}, err
	}
	action, err := routing.ParseTransformAction(t.Action)
	if err != nil {
		return routing.RequestTransformation{}, err
	}
	return routing.RequestTransformation{
		Type:        typ,
		Action:      action,
		Field:       t.Field,
		Value:       t.Value,
		Pattern:     t.Pattern,
		Replacement: t.Replacement,
	}, nil
}

func toEndpoints(in []EndpointConfig) []registry.ServiceEndpoint {
	if len(in) == 0 {
		return nil
	}
	out := make([]registry.ServiceEndpoint, 0, len(in))
	for _, ep := range in {
		var meta map[string]string
		if len(ep.Metadata) > 0 {
			meta = make(map[string]string, len(ep.Metadata))
			for k, v := range ep.Metadata {
				meta[k] = v
			}
		}
		out = append(out, registry.ServiceEndpoint{URL: ep.URL, Weight: ep.Weight, Metadata: meta})
	}
	return out
}
