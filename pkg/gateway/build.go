package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"mercator-hq/meridian/pkg/config"
	"mercator-hq/meridian/pkg/discovery"
	"mercator-hq/meridian/pkg/events"
	"mercator-hq/meridian/pkg/events/journal"
	"mercator-hq/meridian/pkg/health"
	"mercator-hq/meridian/pkg/loadbalancer"
	"mercator-hq/meridian/pkg/proxy"
	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
	"mercator-hq/meridian/pkg/telemetry/logging"
	"mercator-hq/meridian/pkg/telemetry/metrics"
	"mercator-hq/meridian/pkg/telemetry/tracing"
)

// AdminPrefix mounts the admin handler on the proxy listener when no separate
// admin address is configured.
const AdminPrefix = "/_meridian"

// BuildOptions overrides pieces Build would otherwise create from the
// configuration.
type BuildOptions struct {
	// Logger replaces the logger built from telemetry.logging.
	Logger *slog.Logger

	// SpanExporter replaces the configured OTLP exporter.
	SpanExporter sdktrace.SpanExporter

	// HTTPClient is used for upstream calls and health probes.
	HTTPClient *http.Client

	// Providers are added to the discovery providers built from the
	// configuration, replacing any with the same name.
	Providers []discovery.Provider
}

// Runtime is a fully wired gateway.
type Runtime struct {
	Registry  *registry.Registry
	Matcher   *routing.Matcher
	Balancer  *loadbalancer.LoadBalancer
	Executor  *proxy.Executor
	Failover  *proxy.Failover
	Health    *health.Checker
	Poller    *discovery.Poller
	Static    *discovery.StaticProvider
	Metrics   *metrics.Collector
	Tracer    *tracing.Tracer
	Readiness *Readiness
	Gateway   *Gateway

	// Publisher and Journal are nil unless enabled.
	Publisher *events.RedisPublisher
	Journal   *journal.Store
	Retention *journal.Scheduler

	Logger *slog.Logger

	mu       sync.Mutex
	cfg      *config.Config
	detach   []func()
	closers  []func(context.Context) error
	handler  http.Handler
	admin    http.Handler
	started  bool
	closed   bool
	cancelFn context.CancelFunc
}

// Build creates every component from cfg and registers the configured
// services and rules. cfg must already be defaulted and validated, as
// config.LoadConfig does. Nothing runs until Start.
func Build(cfg *config.Config, opts BuildOptions) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(logging.Config{
			Level:         cfg.Telemetry.Logging.Level,
			Format:        cfg.Telemetry.Logging.Format,
			AddSource:     cfg.Telemetry.Logging.AddSource,
			RedactHeaders: cfg.Telemetry.Logging.RedactHeaders,
		})
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		logger = l
	}

	rt := &Runtime{Logger: logger, cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close(context.Background())
		}
	}()

	mc := cfg.Telemetry.Metrics
	rt.Metrics = metrics.NewCollector(metrics.Config{
		Enabled:   mc.Enabled,
		Namespace: mc.Namespace,
		Subsystem: mc.Subsystem,
	}, nil)

	tc := tracing.Config{
		Enabled:     cfg.Telemetry.Tracing.Enabled,
		Sampler:     cfg.Telemetry.Tracing.Sampler,
		SampleRatio: cfg.Telemetry.Tracing.SampleRatio,
		Exporter:    cfg.Telemetry.Tracing.Exporter,
		Endpoint:    cfg.Telemetry.Tracing.Endpoint,
		Insecure:    cfg.Telemetry.Tracing.Insecure,
		Timeout:     cfg.Telemetry.Tracing.Timeout,
		ServiceName: cfg.Telemetry.Tracing.ServiceName,
	}
	var err error
	if opts.SpanExporter != nil {
		rt.Tracer, err = tracing.NewWithExporter(tc, opts.SpanExporter)
	} else {
		rt.Tracer, err = tracing.New(tc)
	}
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	rt.closers = append(rt.closers, rt.Tracer.Shutdown)

	rt.Registry = registry.New(registry.Options{
		EventBuffer: cfg.Events.BufferSize,
		Logger:      logger,
	})
	rt.Registry.Events().SetDropHook(func(ev registry.ServiceEvent) {
		rt.Metrics.RecordDroppedEvent(string(ev.Type))
	})

	rt.Balancer = loadbalancer.New(loadbalancer.Options{
		StickyTTL:        cfg.LoadBalancer.StickyTTL,
		StickyMaxEntries: cfg.LoadBalancer.StickyMaxEntries,
		Logger:           logger,
	})

	rt.Executor = proxy.NewExecutor(rt.Registry, proxy.ExecutorOptions{
		Client:           opts.HTTPClient,
		MaxResponseBytes: cfg.Gateway.MaxResponseBytes,
		OnComplete: func(o proxy.Outcome) {
			rt.Metrics.RecordUpstream(o.ServiceID, o.InstanceID, upstreamResult(o.Err), o.Latency)
		},
		Logger: logger,
	})
	rt.Failover = proxy.NewFailover(proxy.FailoverOptions{
		OnRetry: func(info proxy.RetryInfo) { rt.Metrics.RecordRetry(info.ServiceID) },
		Logger:  logger,
	})

	rt.Health = health.New(rt.Registry, rt.Balancer, health.Options{
		Client:              opts.HTTPClient,
		MaxConcurrentProbes: cfg.Health.MaxConcurrentProbes,
		OnTransition:        rt.Metrics.SetInstanceHealth,
		Logger:              logger,
	})

	providers, err := rt.buildProviders(cfg, opts.Providers)
	if err != nil {
		return nil, err
	}
	rt.Poller = discovery.NewPoller(rt.Registry, providers, discovery.PollerOptions{
		OnResult: rt.Metrics.RecordDiscovery,
		Logger:   logger,
	})

	if err := rt.buildSinks(cfg); err != nil {
		return nil, err
	}

	for _, svc := range cfg.ServiceConfigs() {
		if err := rt.Registry.Register(svc, nil); err != nil {
			return nil, fmt.Errorf("register service %q: %w", svc.ID, err)
		}
	}
	rules, err := cfg.RoutingRules()
	if err != nil {
		return nil, err
	}
	rt.Matcher, err = routing.NewMatcher(rules, rt.Registry, logger)
	if err != nil {
		return nil, fmt.Errorf("routing rules: %w", err)
	}

	rt.Gateway = New(rt.Registry, rt.Matcher, rt.Balancer, rt.Executor, rt.Failover, Options{
		Metrics:      rt.Metrics,
		Tracer:       rt.Tracer,
		MaxBodyBytes: cfg.Gateway.MaxBodyBytes,
		Logger:       logger,
	})

	rt.Readiness = NewReadiness(0)
	rt.Readiness.RegisterCheck("services", ServicesCheck(rt.Registry))
	if rt.Publisher != nil {
		rt.Readiness.RegisterCheck("redis", rt.Publisher.Ping)
	}

	rt.admin = NewAdminHandler(rt.Registry, AdminOptions{
		Readiness:   rt.Readiness,
		Metrics:     rt.Metrics,
		MetricsPath: mc.Path,
		Balancer:    rt.Balancer,
	})
	rt.handler = rt.buildHandler(cfg)

	ok = true
	logger.Info("gateway built",
		"services", len(cfg.Services),
		"rules", len(rules),
		"providers", len(providers),
	)
	return rt, nil
}

func (rt *Runtime) buildProviders(cfg *config.Config, extra []discovery.Provider) ([]discovery.Provider, error) {
	rt.Static = discovery.NewStaticProvider(cfg.StaticEndpoints())
	byName := map[string]discovery.Provider{rt.Static.Name(): rt.Static}

	used := map[string]bool{}
	for _, s := range cfg.Services {
		if s.Discovery.Enabled {
			used[s.Discovery.Provider] = true
		}
	}

	if used["consul"] {
		p, err := discovery.NewConsulProvider(discovery.ConsulConfig{
			Address:    cfg.Discovery.Consul.Address,
			Scheme:     cfg.Discovery.Consul.Scheme,
			Datacenter: cfg.Discovery.Consul.Datacenter,
			Token:      cfg.Discovery.Consul.Token,
		})
		if err != nil {
			return nil, fmt.Errorf("consul discovery: %w", err)
		}
		byName[p.Name()] = p
	}
	if used["etcd"] || len(cfg.Discovery.Etcd.Endpoints) > 0 {
		p, err := discovery.NewEtcdProvider(discovery.EtcdConfig{
			Endpoints:   cfg.Discovery.Etcd.Endpoints,
			DialTimeout: cfg.Discovery.Etcd.DialTimeout,
			Username:    cfg.Discovery.Etcd.Username,
			Password:    cfg.Discovery.Etcd.Password,
			Logger:      rt.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("etcd discovery: %w", err)
		}
		rt.closers = append(rt.closers, ignoreContext(p.Close))
		byName[p.Name()] = p
	}
	for _, p := range extra {
		byName[p.Name()] = p
	}

	out := make([]discovery.Provider, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	return out, nil
}

func (rt *Runtime) buildSinks(cfg *config.Config) error {
	if rc := cfg.Events.Redis; rc.Enabled {
		rt.Publisher = events.NewRedisPublisher(events.RedisOptions{
			Address:       rc.Address,
			Password:      rc.Password,
			DB:            rc.DB,
			ChannelPrefix: rc.ChannelPrefix,
			Logger:        rt.Logger,
		})
		rt.closers = append(rt.closers, ignoreContext(rt.Publisher.Close))
		rt.detach = append(rt.detach, rt.Publisher.Attach(rt.Registry))
	}

	if jc := cfg.Events.Journal; jc.Enabled {
		store, err := journal.Open(journal.Config{
			Driver: jc.Driver,
			Path:   jc.Path,
			Logger: rt.Logger,
		})
		if err != nil {
			return fmt.Errorf("event journal: %w", err)
		}
		rt.Journal = store
		rt.closers = append(rt.closers, ignoreContext(store.Close))
		rt.detach = append(rt.detach, store.Attach(rt.Registry))
		rt.Retention = journal.NewScheduler(store, journal.SchedulerConfig{
			RetentionDays: jc.RetentionDays,
			Schedule:      jc.RetentionSchedule,
			Logger:        rt.Logger,
		})
	}
	return nil
}

// buildHandler wraps the gateway in the request middleware. Without a
// separate admin listener the admin endpoints are served under AdminPrefix.
func (rt *Runtime) buildHandler(cfg *config.Config) http.Handler {
	var h http.Handler = rt.Gateway
	if cfg.Gateway.AdminAddress == "" {
		mux := http.NewServeMux()
		mux.Handle(AdminPrefix+"/", http.StripPrefix(AdminPrefix, rt.admin))
		mux.Handle("/", rt.Gateway)
		h = mux
	}
	return Chain(h,
		RequestID(cfg.Gateway.RequestIDHeader),
		Recovery(rt.Logger),
		AccessLog(rt.Logger),
	)
}

// Handler returns the proxy handler with its middleware.
func (rt *Runtime) Handler() http.Handler {
	return rt.handler
}

// AdminHandler returns the admin handler.
func (rt *Runtime) AdminHandler() http.Handler {
	return rt.admin
}

// Config returns the configuration last applied.
func (rt *Runtime) Config() *config.Config {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.cfg
}

// Start launches health checking, discovery polling and journal retention.
// They stop when ctx is cancelled or Close is called.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return errors.New("runtime closed")
	}
	if rt.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)

	if err := rt.Health.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("health checker: %w", err)
	}
	if err := rt.Poller.Start(ctx); err != nil {
		cancel()
		rt.Health.Stop()
		return fmt.Errorf("discovery: %w", err)
	}
	if rt.Retention != nil {
		if err := rt.Retention.Start(ctx); err != nil {
			cancel()
			rt.Poller.Stop()
			rt.Health.Stop()
			return fmt.Errorf("journal retention: %w", err)
		}
	}
	rt.cancelFn = cancel
	rt.started = true
	return nil
}

// ApplyConfig reconciles the running gateway with cfg: new services are
// registered, changed ones updated, missing ones deregistered, and the rule
// set and static discovery table are replaced. Listener, telemetry and sink
// settings only take effect on restart.
func (rt *Runtime) ApplyConfig(cfg *config.Config) error {
	rules, err := cfg.RoutingRules()
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	wanted := make(map[string]bool, len(cfg.Services))
	var errs []error
	for _, svc := range cfg.ServiceConfigs() {
		wanted[svc.ID] = true
		if _, err := rt.Registry.Service(svc.ID); err == nil {
			err = rt.Registry.UpdateConfig(svc)
			if err != nil {
				errs = append(errs, fmt.Errorf("update service %q: %w", svc.ID, err))
			}
			continue
		}
		if err := rt.Registry.Register(svc, nil); err != nil {
			errs = append(errs, fmt.Errorf("register service %q: %w", svc.ID, err))
		}
	}

	rt.Static.Replace(cfg.StaticEndpoints())
	if err := rt.Matcher.SetRules(rules); err != nil {
		errs = append(errs, fmt.Errorf("routing rules: %w", err))
	}

	for _, svc := range rt.Registry.Services() {
		if wanted[svc.ID] {
			continue
		}
		if err := rt.Registry.Deregister(svc.ID); err != nil && !errors.Is(err, registry.ErrUnknownService) {
			errs = append(errs, fmt.Errorf("deregister service %q: %w", svc.ID, err))
		}
		rt.Balancer.ClearStickySessionsForService(svc.ID)
	}

	rt.cfg = cfg
	if err := errors.Join(errs...); err != nil {
		return err
	}
	rt.Logger.Info("configuration applied", "services", len(cfg.Services), "rules", len(rules))
	return nil
}

// Close stops background work and releases every sink and client. ctx bounds
// the final trace flush. It is safe to call more than once.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	cancel := rt.cancelFn
	started := rt.started
	detach := rt.detach
	closers := rt.closers
	rt.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if started {
		if rt.Retention != nil {
			rt.Retention.Stop()
		}
		rt.Poller.Stop()
		rt.Health.Stop()
	}
	for _, fn := range detach {
		fn()
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.Balancer != nil {
		rt.Balancer.Close()
	}
	if rt.Registry != nil {
		rt.Registry.Close()
	}
	return errors.Join(errs...)
}

func ignoreContext(fn func() error) func(context.Context) error {
	return func(context.Context) error { return fn() }
}

// upstreamResult is the result label of one forwarded call.
func upstreamResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, proxy.ErrUpstreamClient):
		return "client_error"
	case errors.Is(err, proxy.ErrUpstreamServer):
		return "server_error"
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, proxy.ErrUpstreamConnection):
		return "connection_error"
	case errors.Is(err, proxy.ErrResponseTooLarge):
		return "too_large"
	case errors.Is(err, context.Canceled):
		return "aborted"
	default:
		return "error"
	}
}
