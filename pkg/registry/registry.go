package registry

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMetricsAlpha is the smoothing factor of the rolling response time and
// error rate (exponentially weighted moving average).
const DefaultMetricsAlpha = 0.2

// Options configures a Registry.
type Options struct {
	// MetricsAlpha is the EWMA weight of the newest sample, in (0,1].
	// Default: DefaultMetricsAlpha
	MetricsAlpha float64

	// EventBuffer is the per-subscriber event queue length.
	// Default: DefaultSubscriberBuffer
	EventBuffer int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Registry is the canonical store of service configurations and their
// instances. It is the single writer of instance health, connection counts and
// rolling metrics; readers only receive copies.
//
// Every mutation publishes a ServiceEvent on the registry's EventBus.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry

	// instances maps instance id to owning service id.
	instances map[string]string

	bus    *EventBus
	alpha  float64
	logger *slog.Logger
}

type serviceEntry struct {
	config    *ServiceConfig
	instances []*instanceState
	seq       int

	// lastDiscoveryError is kept for diagnostics; instances stay last-known-good.
	lastDiscoveryError error
}

type instanceState struct {
	ServiceInstance
	samples int64
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.MetricsAlpha <= 0 || opts.MetricsAlpha > 1 {
		opts.MetricsAlpha = DefaultMetricsAlpha
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")

	return &Registry{
		services:  make(map[string]*serviceEntry),
		instances: make(map[string]string),
		bus:       NewEventBus(opts.EventBuffer, logger),
		alpha:     opts.MetricsAlpha,
		logger:    logger,
	}
}

// Events returns the registry's event bus.
func (r *Registry) Events() *EventBus {
	return r.bus
}

// Subscribe registers an event handler. Delivery is asynchronous and never
// blocks registry mutations. The returned function unsubscribes.
func (r *Registry) Subscribe(handler EventHandler) func() {
	return r.bus.Subscribe(handler)
}

// Register adds a service and creates one instance per endpoint. When
// endpoints is empty the configured upstream is used. Instances of versions
// that declare their own upstream are created as well.
func (r *Registry) Register(cfg *ServiceConfig, endpoints []ServiceEndpoint) error {
	if err := validateServiceConfig(cfg); err != nil {
		return err
	}
	if len(endpoints) == 0 {
		endpoints = cfg.Upstream
	}
	if err := validateEndpoints(cfg.ID, endpoints); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.services[cfg.ID]; exists {
		r.mu.Unlock()
		return &DuplicateServiceError{ServiceID: cfg.ID}
	}

	entry := &serviceEntry{config: cfg.Clone()}
	for _, ep := range endpoints {
		r.addInstanceLocked(entry, ep, cfg.Version)
	}
	for _, v := range cfg.Versions {
		for _, ep := range v.Upstream {
			r.addInstanceLocked(entry, ep, v.Version)
		}
	}
	r.services[cfg.ID] = entry
	count := len(entry.instances)
	r.mu.Unlock()

	r.logger.Info("service registered",
		"service_id", cfg.ID,
		"instances", count,
	)
	r.bus.Publish(NewServiceEvent(EventRegister, cfg.ID, map[string]any{
		"name":      cfg.Name,
		"version":   cfg.Version,
		"instances": count,
	}))
	return nil
}

// Deregister removes a service and all of its instances.
func (r *Registry) Deregister(serviceID string) error {
	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return &UnknownServiceError{ServiceID: serviceID}
	}
	for _, inst := range entry.instances {
		delete(r.instances, inst.ID)
	}
	delete(r.services, serviceID)
	r.mu.Unlock()

	r.logger.Info("service deregistered", "service_id", serviceID)
	r.bus.Publish(NewServiceEvent(EventDeregister, serviceID, nil))
	return nil
}

// Service returns a copy of the service configuration.
func (r *Registry) Service(serviceID string) (*ServiceConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[serviceID]
	if !ok {
		return nil, &UnknownServiceError{ServiceID: serviceID}
	}
	return entry.config.Clone(), nil
}

// Services returns copies of all service configurations ordered by id.
func (r *Registry) Services() []*ServiceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ServiceConfig, 0, len(r.services))
	for _, entry := range r.services {
		out = append(out, entry.config.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instances returns a snapshot of all instances of a service, healthy or not,
// in registration order.
func (r *Registry) Instances(serviceID string) ([]ServiceInstance, error) {
	return r.snapshot(serviceID, false)
}

// HealthyInstances returns a snapshot of the healthy instances of a service.
func (r *Registry) HealthyInstances(serviceID string) ([]ServiceInstance, error) {
	return r.snapshot(serviceID, true)
}

func (r *Registry) snapshot(serviceID string, healthyOnly bool) ([]ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[serviceID]
	if !ok {
		return nil, &UnknownServiceError{ServiceID: serviceID}
	}

	out := make([]ServiceInstance, 0, len(entry.instances))
	for _, inst := range entry.instances {
		if healthyOnly && !inst.IsHealthy {
			continue
		}
		out = append(out, copyInstance(inst.ServiceInstance))
	}
	return out, nil
}

// Instance returns a copy of a single instance.
func (r *Registry) Instance(instanceID string) (ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, err := r.lookupLocked(instanceID)
	if err != nil {
		return ServiceInstance{}, err
	}
	return copyInstance(inst.ServiceInstance), nil
}

// UpdateHealth sets an instance's health flag. A health_change event is
// published only when the flag actually flips.
func (r *Registry) UpdateHealth(instanceID string, healthy bool) error {
	r.mu.Lock()
	inst, err := r.lookupLocked(instanceID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	previous := inst.IsHealthy
	inst.IsHealthy = healthy
	inst.LastHealthCheck = time.Now()
	serviceID := inst.ServiceID
	r.mu.Unlock()

	if previous == healthy {
		return nil
	}

	r.logger.Info("instance health changed",
		"service_id", serviceID,
		"instance_id", instanceID,
		"healthy", healthy,
	)
	r.bus.Publish(NewServiceEvent(EventHealthChange, serviceID, map[string]any{
		"instance_id": instanceID,
		"healthy":     healthy,
		"previous":    previous,
	}))
	return nil
}

// RecordMetrics folds a request outcome into the instance's rolling response
// time and error rate.
func (r *Registry) RecordMetrics(instanceID string, m InstanceMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookupLocked(instanceID)
	if err != nil {
		return err
	}

	requests := m.RequestCount
	if requests <= 0 {
		requests = 1
	}
	errorRate := float64(m.ErrorCount) / float64(requests)
	if errorRate > 1 {
		errorRate = 1
	}

	if inst.samples == 0 {
		inst.ResponseTime = m.ResponseTime
		inst.ErrorRate = errorRate
	} else {
		inst.ResponseTime = time.Duration(r.alpha*float64(m.ResponseTime) + (1-r.alpha)*float64(inst.ResponseTime))
		inst.ErrorRate = r.alpha*errorRate + (1-r.alpha)*inst.ErrorRate
	}
	inst.samples++
	return nil
}

// AcquireConnection increments the in-flight counter of an instance.
func (r *Registry) AcquireConnection(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookupLocked(instanceID)
	if err != nil {
		return err
	}
	inst.CurrentConnections++
	return nil
}

// ReleaseConnection decrements the in-flight counter of an instance. The
// counter never drops below zero. Releasing an instance that has since been
// removed is not an error.
func (r *Registry) ReleaseConnection(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.lookupLocked(instanceID)
	if err != nil {
		return nil
	}
	if inst.CurrentConnections > 0 {
		inst.CurrentConnections--
	}
	return nil
}

// UpdateConfig replaces a service configuration. A changed Version moves the
// base instances (configured or discovered) to the new version. If the
// configured upstream changed and the service is not fed by discovery,
// instances are then reconciled against the new upstream.
func (r *Registry) UpdateConfig(cfg *ServiceConfig) error {
	if err := validateServiceConfig(cfg); err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.services[cfg.ID]
	if !ok {
		r.mu.Unlock()
		return &UnknownServiceError{ServiceID: cfg.ID}
	}
	old := entry.config
	entry.config = cfg.Clone()

	var added, removed int
	if old.Version != cfg.Version {
		removed += r.retagLocked(entry, old, cfg.Version)
	}
	if !cfg.Discovery.Enabled && !sameEndpoints(old.Upstream, cfg.Upstream) {
		added, removed = r.reconcileLocked(entry, cfg.Upstream, cfg.Version)
	}
	r.mu.Unlock()

	r.bus.Publish(NewServiceEvent(EventConfigUpdate, cfg.ID, map[string]any{
		"instances_added":   added,
		"instances_removed": removed,
	}))
	return nil
}

// UpdateEndpoints reconciles the instances of a service with a freshly
// discovered endpoint set. Instances whose URL survives keep their health and
// metrics.
func (r *Registry) UpdateEndpoints(serviceID string, endpoints []ServiceEndpoint) error {
	if err := validateEndpoints(serviceID, endpoints); err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return &UnknownServiceError{ServiceID: serviceID}
	}
	added, removed := r.reconcileLocked(entry, endpoints, entry.config.Version)
	entry.lastDiscoveryError = nil
	total := len(entry.instances)
	r.mu.Unlock()

	if added == 0 && removed == 0 {
		return nil
	}

	r.bus.Publish(NewServiceEvent(EventEndpointsUpdate, serviceID, map[string]any{
		"added":   added,
		"removed": removed,
		"total":   total,
	}))
	return nil
}

// ReportDiscoveryError records a failed discovery round. The instance set is
// left untouched (last-known-good).
func (r *Registry) ReportDiscoveryError(serviceID string, cause error) error {
	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return &UnknownServiceError{ServiceID: serviceID}
	}
	entry.lastDiscoveryError = cause
	r.mu.Unlock()

	r.logger.Warn("service discovery failed, keeping last known endpoints",
		"service_id", serviceID,
		"error", cause,
	)
	r.bus.Publish(NewServiceEvent(EventDiscoveryError, serviceID, map[string]any{
		"error": fmt.Sprint(cause),
	}))
	return nil
}

// LastDiscoveryError returns the most recent discovery failure, nil after a
// successful round.
func (r *Registry) LastDiscoveryError(serviceID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.services[serviceID]; ok {
		return entry.lastDiscoveryError
	}
	return nil
}

// RegisterVersion adds or replaces a service version. Marking it default
// clears the flag on every other version.
func (r *Registry) RegisterVersion(serviceID string, version ServiceVersionConfig) error {
	if version.Version == "" {
		return &InvalidConfigError{ServiceID: serviceID, Field: "version", Message: "cannot be empty"}
	}
	if err := validateEndpoints(serviceID, version.Upstream); err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return &UnknownServiceError{ServiceID: serviceID}
	}

	cfg := entry.config
	replaced := false
	for i := range cfg.Versions {
		if version.IsDefault {
			cfg.Versions[i].IsDefault = false
		}
		if cfg.Versions[i].Version == version.Version {
			cfg.Versions[i] = version
			replaced = true
		}
	}
	if !replaced {
		cfg.Versions = append(cfg.Versions, version)
	}

	kept := entry.instances[:0]
	for _, inst := range entry.instances {
		if inst.Version == version.Version && len(version.Upstream) > 0 && !hasEndpoint(version.Upstream, inst.URL) {
			delete(r.instances, inst.ID)
			continue
		}
		kept = append(kept, inst)
	}
	entry.instances = kept
	for _, ep := range version.Upstream {
		if !r.hasInstanceLocked(entry, ep.URL, version.Version) {
			r.addInstanceLocked(entry, ep, version.Version)
		}
	}
	r.mu.Unlock()

	r.bus.Publish(NewServiceEvent(EventVersionRegister, serviceID, map[string]any{
		"version":    version.Version,
		"is_default": version.IsDefault,
		"replaced":   replaced,
	}))
	return nil
}

// DeprecateVersion flags a version as deprecated. Deprecated versions keep
// serving traffic; callers surface the deprecation to clients.
func (r *Registry) DeprecateVersion(serviceID, version, message string, sunsetAt time.Time) error {
	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return &UnknownServiceError{ServiceID: serviceID}
	}
	found := false
	for i := range entry.config.Versions {
		v := &entry.config.Versions[i]
		if v.Version != version {
			continue
		}
		v.Deprecated = true
		v.DeprecatedAt = time.Now()
		v.SunsetAt = sunsetAt
		v.Message = message
		found = true
	}
	r.mu.Unlock()

	if !found {
		return &InvalidConfigError{ServiceID: serviceID, Field: "version", Message: fmt.Sprintf("version %q not registered", version)}
	}

	r.bus.Publish(NewServiceEvent(EventVersionDeprecate, serviceID, map[string]any{
		"version":   version,
		"message":   message,
		"sunset_at": sunsetAt,
	}))
	return nil
}

// AddRewriteRule appends a path rewrite rule. Rules without an id get one.
// The pattern must compile.
func (r *Registry) AddRewriteRule(serviceID string, rule PathRewriteRule) (string, error) {
	if _, err := regexp.Compile(rule.Pattern); err != nil {
		return "", &InvalidConfigError{ServiceID: serviceID, Field: "path_rewrite_rules.pattern", Message: err.Error()}
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return "", &UnknownServiceError{ServiceID: serviceID}
	}
	entry.config.PathRewriteRules = append(entry.config.PathRewriteRules, rule)
	r.mu.Unlock()

	r.bus.Publish(NewServiceEvent(EventRewriteRuleAdd, serviceID, map[string]any{
		"rule_id":     rule.ID,
		"pattern":     rule.Pattern,
		"replacement": rule.Replacement,
	}))
	return rule.ID, nil
}

// RemoveRewriteRule deletes a path rewrite rule by id.
func (r *Registry) RemoveRewriteRule(serviceID, ruleID string) error {
	r.mu.Lock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return &UnknownServiceError{ServiceID: serviceID}
	}
	rules := entry.config.PathRewriteRules
	idx := -1
	for i, rule := range rules {
		if rule.ID == ruleID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		entry.config.PathRewriteRules = append(rules[:idx:idx], rules[idx+1:]...)
	}
	r.mu.Unlock()

	if idx < 0 {
		return &InvalidConfigError{ServiceID: serviceID, Field: "path_rewrite_rules", Message: fmt.Sprintf("rule %q not found", ruleID)}
	}

	r.bus.Publish(NewServiceEvent(EventRewriteRuleRemove, serviceID, map[string]any{
		"rule_id": ruleID,
	}))
	return nil
}

// Close stops event delivery.
func (r *Registry) Close() {
	r.bus.Close()
}

func (r *Registry) lookupLocked(instanceID string) (*instanceState, error) {
	serviceID, ok := r.instances[instanceID]
	if !ok {
		return nil, &UnknownInstanceError{InstanceID: instanceID}
	}
	entry := r.services[serviceID]
	for _, inst := range entry.instances {
		if inst.ID == instanceID {
			return inst, nil
		}
	}
	return nil, &UnknownInstanceError{InstanceID: instanceID}
}

func (r *Registry) addInstanceLocked(entry *serviceEntry, ep ServiceEndpoint, version string) {
	id := ep.Metadata["id"]
	if id == "" || r.instances[id] != "" {
		for {
			entry.seq++
			id = fmt.Sprintf("%s-%d", entry.config.ID, entry.seq)
			if _, taken := r.instances[id]; !taken {
				break
			}
		}
	}

	weight := ep.Weight
	if weight < 0 {
		weight = 0
	}

	entry.instances = append(entry.instances, &instanceState{
		ServiceInstance: ServiceInstance{
			ID:              id,
			ServiceID:       entry.config.ID,
			URL:             ep.URL,
			Weight:          weight,
			IsHealthy:       true,
			LastHealthCheck: time.Now(),
			Version:         version,
			Metadata:        cloneMetadata(ep.Metadata),
		},
	})
	r.instances[id] = entry.config.ID
}

func (r *Registry) hasInstanceLocked(entry *serviceEntry, url, version string) bool {
	for _, inst := range entry.instances {
		if inst.URL == url && inst.Version == version {
			return true
		}
	}
	return false
}

// retagLocked moves the base instances of old.Version to version. Instances
// that belong only to a version-specific upstream keep their tag. A base
// instance whose URL already serves version is dropped in favour of the
// existing one; the number dropped is returned.
func (r *Registry) retagLocked(entry *serviceEntry, old *ServiceConfig, version string) (removed int) {
	var versioned []ServiceEndpoint
	for _, v := range old.Versions {
		if v.Version == old.Version {
			versioned = append(versioned, v.Upstream...)
		}
	}

	kept := make([]*instanceState, 0, len(entry.instances))
	for _, inst := range entry.instances {
		if inst.Version != old.Version ||
			(hasEndpoint(versioned, inst.URL) && !hasEndpoint(old.Upstream, inst.URL)) {
			kept = append(kept, inst)
			continue
		}
		if r.hasInstanceLocked(entry, inst.URL, version) {
			delete(r.instances, inst.ID)
			removed++
			continue
		}
		inst.Version = version
		kept = append(kept, inst)
	}
	entry.instances = kept
	return removed
}

// reconcileLocked replaces the instances serving the given version with the
// endpoint set, keeping state for URLs present in both.
func (r *Registry) reconcileLocked(entry *serviceEntry, endpoints []ServiceEndpoint, version string) (added, removed int) {
	kept := make([]*instanceState, 0, len(endpoints))
	for _, inst := range entry.instances {
		if inst.Version != version {
			kept = append(kept, inst)
			continue
		}
		if ep, ok := findEndpoint(endpoints, inst.URL); ok {
			inst.Weight = ep.Weight
			if inst.Weight < 0 {
				inst.Weight = 0
			}
			inst.Metadata = cloneMetadata(ep.Metadata)
			kept = append(kept, inst)
			continue
		}
		delete(r.instances, inst.ID)
		removed++
	}
	entry.instances = kept

	for _, ep := range endpoints {
		if !r.hasInstanceLocked(entry, ep.URL, version) {
			r.addInstanceLocked(entry, ep, version)
			added++
		}
	}
	return added, removed
}

func validateServiceConfig(cfg *ServiceConfig) error {
	if cfg == nil {
		return &InvalidConfigError{Field: "config", Message: "cannot be nil"}
	}
	if cfg.ID == "" {
		return &InvalidConfigError{Field: "id", Message: "cannot be empty"}
	}
	for _, rule := range cfg.PathRewriteRules {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return &InvalidConfigError{ServiceID: cfg.ID, Field: "path_rewrite_rules.pattern", Message: err.Error()}
		}
	}
	if err := validateEndpoints(cfg.ID, cfg.Upstream); err != nil {
		return err
	}
	return nil
}

func validateEndpoints(serviceID string, endpoints []ServiceEndpoint) error {
	for _, ep := range endpoints {
		if ep.URL == "" {
			return &InvalidConfigError{ServiceID: serviceID, Field: "upstream.url", Message: "cannot be empty"}
		}
		if ep.Weight < 0 {
			return &InvalidConfigError{ServiceID: serviceID, Field: "upstream.weight", Message: "cannot be negative"}
		}
	}
	return nil
}

func findEndpoint(endpoints []ServiceEndpoint, url string) (ServiceEndpoint, bool) {
	for _, ep := range endpoints {
		if ep.URL == url {
			return ep, true
		}
	}
	return ServiceEndpoint{}, false
}

func hasEndpoint(endpoints []ServiceEndpoint, url string) bool {
	_, ok := findEndpoint(endpoints, url)
	return ok
}

func sameEndpoints(a, b []ServiceEndpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URL != b[i].URL || a[i].Weight != b[i].Weight {
			return false
		}
	}
	return true
}

func copyInstance(in ServiceInstance) ServiceInstance {
	in.Metadata = cloneMetadata(in.Metadata)
	return in
}
