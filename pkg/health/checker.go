// Package health actively probes service instances and drives their health
// flags in the registry.
//
// Each watched service runs its own goroutine on a ticker. A probe cycle
// probes every instance of the service concurrently. Per instance the checker
// keeps a two-state machine:
//
//	HEALTHY   -> UNHEALTHY after HealthCheck.Retries consecutive failed probes
//	UNHEALTHY -> HEALTHY   after one successful probe
//
// A probe succeeds when the instance answers within HealthCheck.Timeout with a
// status listed in HealthCheck.ExpectedStatus. Probe failures never leave the
// checker; they only flip state.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mercator-hq/meridian/pkg/registry"
)

// Defaults applied when a service's health check config leaves a field unset.
const (
	DefaultInterval            = 30 * time.Second
	DefaultTimeout             = 5 * time.Second
	DefaultMaxConcurrentProbes = 16
)

// ErrNotStarted is returned by Watch before Start has been called.
var ErrNotStarted = errors.New("health checker not started")

// Registry is the subset of the service registry the checker needs.
type Registry interface {
	Service(serviceID string) (*registry.ServiceConfig, error)
	Services() []*registry.ServiceConfig
	Instances(serviceID string) ([]registry.ServiceInstance, error)
	UpdateHealth(instanceID string, healthy bool) error
	Subscribe(handler registry.EventHandler) func()
}

// StickyPurger drops sticky-session mappings of an instance that went
// unhealthy. *loadbalancer.LoadBalancer implements it.
type StickyPurger interface {
	RemoveUnhealthyInstance(serviceID, instanceID string)
}

// Options configures a Checker.
type Options struct {
	// Client issues probes. Default: a client without a global timeout; each
	// probe carries its own deadline.
	Client *http.Client

	// MaxConcurrentProbes bounds in-flight probes per service cycle.
	// Default: DefaultMaxConcurrentProbes
	MaxConcurrentProbes int

	// OnTransition is called after every health flip, e.g. to update metrics.
	OnTransition func(serviceID, instanceID string, healthy bool)

	Logger *slog.Logger
}

// Status is the checker's view of one instance.
type Status struct {
	ServiceID           string
	InstanceID          string
	Healthy             bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastLatency         time.Duration
	LastError           string
}

type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Checker schedules and evaluates health probes.
type Checker struct {
	registry Registry
	purger   StickyPurger
	client   *http.Client
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	started     bool
	stopped     bool
	watchers    map[string]*watcher
	states      map[string]*Status
	unsubscribe func()
}

// New creates a checker. purger may be nil.
func New(reg Registry, purger StickyPurger, opts Options) *Checker {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.MaxConcurrentProbes <= 0 {
		opts.MaxConcurrentProbes = DefaultMaxConcurrentProbes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		registry: reg,
		purger:   purger,
		client:   opts.Client,
		opts:     opts,
		logger:   logger.With("component", "health"),
		watchers: make(map[string]*watcher),
		states:   make(map[string]*Status),
	}
}

// Start watches every registered service with health checks enabled and
// follows register, deregister and config_update events. It returns
// immediately; probing runs until ctx is cancelled or Stop is called.
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("health checker already started")
	}
	c.started = true
	c.ctx = ctx
	c.mu.Unlock()

	unsubscribe := c.registry.Subscribe(c.handleEvent)
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	for _, svc := range c.registry.Services() {
		if err := c.Watch(svc.ID); err != nil {
			c.logger.Warn("failed to watch service", "service_id", svc.ID, "error", err)
		}
	}

	c.logger.Info("health checker started")
	return nil
}

func (c *Checker) handleEvent(ev registry.ServiceEvent) {
	var err error
	switch ev.Type {
	case registry.EventRegister, registry.EventConfigUpdate:
		err = c.Watch(ev.ServiceID)
	case registry.EventDeregister:
		c.Unwatch(ev.ServiceID)
	}
	if err != nil && !errors.Is(err, registry.ErrUnknownService) && !errors.Is(err, ErrNotStarted) {
		c.logger.Warn("failed to follow registry event",
			"event_type", ev.Type,
			"service_id", ev.ServiceID,
			"error", err,
		)
	}
}

// Watch starts periodic probing of a service. It is a no-op when the service
// is already watched. A service whose health check is disabled is unwatched.
func (c *Checker) Watch(serviceID string) error {
	svc, err := c.registry.Service(serviceID)
	if err != nil {
		return err
	}
	if !svc.HealthCheck.Enabled {
		c.Unwatch(serviceID)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return ErrNotStarted
	}
	if _, ok := c.watchers[serviceID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	w := &watcher{cancel: cancel, done: make(chan struct{})}
	c.watchers[serviceID] = w
	go c.run(ctx, serviceID, w)

	c.logger.Debug("watching service", "service_id", serviceID)
	return nil
}

// Unwatch stops probing a service and forgets its instance states.
func (c *Checker) Unwatch(serviceID string) {
	c.mu.Lock()
	w, ok := c.watchers[serviceID]
	delete(c.watchers, serviceID)
	c.mu.Unlock()

	if !ok {
		return
	}
	w.cancel()
	<-w.done

	c.mu.Lock()
	for id, st := range c.states {
		if st.ServiceID == serviceID {
			delete(c.states, id)
		}
	}
	c.mu.Unlock()
	c.logger.Debug("stopped watching service", "service_id", serviceID)
}

// Watching reports whether a service is being probed.
func (c *Checker) Watching(serviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.watchers[serviceID]
	return ok
}

// Stop ends all probing and the registry subscription.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	unsubscribe := c.unsubscribe
	watchers := c.watchers
	c.watchers = make(map[string]*watcher)
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, w := range watchers {
		w.cancel()
	}
	for _, w := range watchers {
		<-w.done
	}
	c.logger.Info("health checker stopped")
}

// Status returns the checker's view of an instance.
func (c *Checker) Status(instanceID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[instanceID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// run is the per-service probe loop.
func (c *Checker) run(ctx context.Context, serviceID string, w *watcher) {
	defer close(w.done)

	interval := c.cycle(ctx, serviceID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := c.cycle(ctx, serviceID)
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// cycle runs one probe cycle and returns the interval until the next.
func (c *Checker) cycle(ctx context.Context, serviceID string) time.Duration {
	if err := c.CheckNow(ctx, serviceID); err != nil && ctx.Err() == nil {
		c.logger.Debug("health cycle skipped", "service_id", serviceID, "error", err)
	}
	svc, err := c.registry.Service(serviceID)
	if err != nil || svc.HealthCheck.Interval <= 0 {
		return DefaultInterval
	}
	return svc.HealthCheck.Interval
}

// CheckNow probes every instance of a service once, concurrently, and applies
// the resulting transitions. Only registry lookup errors are returned.
func (c *Checker) CheckNow(ctx context.Context, serviceID string) error {
	svc, err := c.registry.Service(serviceID)
	if err != nil {
		return err
	}
	instances, err := c.registry.Instances(serviceID)
	if err != nil {
		return err
	}

	hc := svc.HealthCheck
	results := make([]probeResult, len(instances))

	var g errgroup.Group
	g.SetLimit(c.opts.MaxConcurrentProbes)
	for i, inst := range instances {
		g.Go(func() error {
			results[i] = c.probe(ctx, inst, hc)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	live := make(map[string]bool, len(instances))
	for i, inst := range instances {
		live[inst.ID] = true
		c.apply(serviceID, inst, hc, results[i])
	}
	c.forgetMissing(serviceID, live)
	return nil
}

type probeResult struct {
	err     error
	latency time.Duration
	at      time.Time
}

func (c *Checker) probe(ctx context.Context, inst registry.ServiceInstance, hc registry.HealthCheckConfig) probeResult {
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.doProbe(probeCtx, probeURL(inst.URL, hc.Path), hc.ExpectedStatus)
	return probeResult{err: err, latency: time.Since(start), at: start}
}

func (c *Checker) doProbe(ctx context.Context, url string, expected []int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "meridian-health-checker")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !statusExpected(resp.StatusCode, expected) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// apply advances the state machine of one instance.
func (c *Checker) apply(serviceID string, inst registry.ServiceInstance, hc registry.HealthCheckConfig, res probeResult) {
	threshold := hc.Retries
	if threshold < 1 {
		threshold = 1
	}

	c.mu.Lock()
	st, ok := c.states[inst.ID]
	if !ok {
		st = &Status{
			ServiceID:  serviceID,
			InstanceID: inst.ID,
			Healthy:    inst.IsHealthy,
		}
		c.states[inst.ID] = st
	}
	st.LastCheck = res.at
	st.LastLatency = res.latency

	transition := false
	if res.err != nil {
		st.ConsecutiveFailures++
		st.LastError = res.err.Error()
		if st.Healthy && st.ConsecutiveFailures >= threshold {
			st.Healthy = false
			transition = true
		}
	} else {
		st.ConsecutiveFailures = 0
		st.LastError = ""
		if !st.Healthy {
			st.Healthy = true
			transition = true
		}
	}
	healthy := st.Healthy
	failures := st.ConsecutiveFailures
	c.mu.Unlock()

	if res.err != nil {
		c.logger.Debug("health probe failed",
			"service_id", serviceID,
			"instance_id", inst.ID,
			"consecutive_failures", failures,
			"error", res.err,
		)
	}
	if !transition {
		return
	}

	if healthy {
		c.logger.Info("instance marked healthy", "service_id", serviceID, "instance_id", inst.ID)
	} else {
		c.logger.Warn("instance marked unhealthy",
			"service_id", serviceID,
			"instance_id", inst.ID,
			"consecutive_failures", failures,
			"error", res.err,
		)
	}

	if err := c.registry.UpdateHealth(inst.ID, healthy); err != nil {
		c.logger.Debug("health update dropped", "instance_id", inst.ID, "error", err)
		return
	}
	if !healthy && c.purger != nil {
		c.purger.RemoveUnhealthyInstance(serviceID, inst.ID)
	}
	if c.opts.OnTransition != nil {
		c.opts.OnTransition(serviceID, inst.ID, healthy)
	}
}

func (c *Checker) forgetMissing(serviceID string, live map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.states {
		if st.ServiceID == serviceID && !live[id] {
			delete(c.states, id)
		}
	}
}

func probeURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code == http.StatusOK
	}
	for _, want := range expected {
		if code == want {
			return true
		}
	}
	return false
}
