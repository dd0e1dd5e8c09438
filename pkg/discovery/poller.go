package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mercator-hq/meridian/pkg/registry"
)

// DefaultInterval is used when a service enables discovery without an interval.
const DefaultInterval = 30 * time.Second

// Registry is the subset of the service registry the poller needs.
type Registry interface {
	Service(serviceID string) (*registry.ServiceConfig, error)
	Services() []*registry.ServiceConfig
	UpdateEndpoints(serviceID string, endpoints []registry.ServiceEndpoint) error
	ReportDiscoveryError(serviceID string, cause error) error
	Subscribe(handler registry.EventHandler) func()
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	// Timeout bounds a single Discover call. Default: 10s
	Timeout time.Duration

	// OnResult is called after every discovery round, e.g. to update metrics.
	OnResult func(serviceID, provider string, err error)

	Logger *slog.Logger
}

type pollLoop struct {
	provider string
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Poller runs one discovery loop per service with discovery enabled and
// follows register, deregister and config_update events.
type Poller struct {
	registry  Registry
	providers map[string]Provider
	timeout   time.Duration
	onResult  func(serviceID, provider string, err error)
	logger    *slog.Logger
	flight    singleflight.Group

	mu          sync.Mutex
	ctx         context.Context
	started     bool
	loops       map[string]*pollLoop
	unsubscribe func()
}

// NewPoller creates a poller over providers, keyed by their Name.
func NewPoller(reg Registry, providers []Provider, opts PollerOptions) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Poller{
		registry:  reg,
		providers: byName,
		timeout:   opts.Timeout,
		onResult:  opts.OnResult,
		logger:    logger.With("component", "discovery"),
		loops:     make(map[string]*pollLoop),
	}
}

// Start begins polling every registered service with discovery enabled. It
// returns immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("discovery poller already started")
	}
	p.started = true
	p.ctx = ctx
	p.mu.Unlock()

	unsubscribe := p.registry.Subscribe(p.handleEvent)
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()

	for _, svc := range p.registry.Services() {
		p.follow(svc)
	}
	p.logger.Info("discovery poller started", "providers", len(p.providers))
	return nil
}

func (p *Poller) handleEvent(ev registry.ServiceEvent) {
	switch ev.Type {
	case registry.EventRegister, registry.EventConfigUpdate:
		svc, err := p.registry.Service(ev.ServiceID)
		if err != nil {
			return
		}
		p.follow(svc)
	case registry.EventDeregister:
		p.stopLoop(ev.ServiceID)
	}
}

// follow starts, restarts or stops the loop of svc to match its config.
func (p *Poller) follow(svc *registry.ServiceConfig) {
	if !svc.Discovery.Enabled {
		p.stopLoop(svc.ID)
		return
	}
	interval := svc.Discovery.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	p.mu.Lock()
	if !p.started || p.ctx == nil {
		p.mu.Unlock()
		return
	}
	if l, ok := p.loops[svc.ID]; ok && l.interval == interval && l.provider == svc.Discovery.Provider {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.stopLoop(svc.ID)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loops[svc.ID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	l := &pollLoop{
		provider: svc.Discovery.Provider,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.loops[svc.ID] = l
	go p.run(ctx, svc.ID, l)
	p.logger.Debug("polling service", "service_id", svc.ID, "provider", l.provider, "interval", interval)
}

func (p *Poller) stopLoop(serviceID string) {
	p.mu.Lock()
	l, ok := p.loops[serviceID]
	delete(p.loops, serviceID)
	p.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	<-l.done
}

// Polling reports whether a service has an active loop.
func (p *Poller) Polling(serviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.loops[serviceID]
	return ok
}

func (p *Poller) run(ctx context.Context, serviceID string, l *pollLoop) {
	defer close(l.done)

	_ = p.Refresh(ctx, serviceID)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Refresh(ctx, serviceID)
		}
	}
}

// Refresh runs one discovery round for a service now. Concurrent refreshes of
// the same service share one lookup.
func (p *Poller) Refresh(ctx context.Context, serviceID string) error {
	_, err, _ := p.flight.Do(serviceID, func() (any, error) {
		return nil, p.refresh(ctx, serviceID)
	})
	return err
}

func (p *Poller) refresh(ctx context.Context, serviceID string) error {
	svc, err := p.registry.Service(serviceID)
	if err != nil {
		return err
	}
	dc := svc.Discovery
	provider, ok := p.providers[dc.Provider]
	if !ok {
		return p.report(serviceID, dc.Provider, &ProviderError{Provider: dc.Provider, Service: svc.ID, Err: ErrUnknownProvider})
	}

	name := svc.Name
	if name == "" {
		name = svc.ID
	}
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	eps, err := provider.Discover(callCtx, Query{Service: name, Namespace: dc.Namespace, Tags: dc.Tags})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.report(serviceID, dc.Provider, err)
	}

	if err := p.registry.UpdateEndpoints(serviceID, eps); err != nil {
		return p.report(serviceID, dc.Provider, err)
	}
	if p.onResult != nil {
		p.onResult(serviceID, dc.Provider, nil)
	}
	p.logger.Debug("endpoints discovered", "service_id", serviceID, "provider", dc.Provider, "endpoints", len(eps))
	return nil
}

func (p *Poller) report(serviceID, provider string, cause error) error {
	if err := p.registry.ReportDiscoveryError(serviceID, cause); err != nil && !errors.Is(err, registry.ErrUnknownService) {
		p.logger.Warn("failed to report discovery error", "service_id", serviceID, "error", err)
	}
	if p.onResult != nil {
		p.onResult(serviceID, provider, cause)
	}
	return cause
}

// Stop ends every loop and the registry subscription.
func (p *Poller) Stop() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	loops := p.loops
	p.loops = make(map[string]*pollLoop)
	p.started = false
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, l := range loops {
		l.cancel()
	}
	for _, l := range loops {
		<-l.done
	}
	p.logger.Info("discovery poller stopped")
}
