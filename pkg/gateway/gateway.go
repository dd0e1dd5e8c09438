package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/meridian/pkg/loadbalancer"
	"mercator-hq/meridian/pkg/proxy"
	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
	"mercator-hq/meridian/pkg/telemetry/logging"
	"mercator-hq/meridian/pkg/telemetry/metrics"
	"mercator-hq/meridian/pkg/telemetry/tracing"
)

// Defaults applied by New.
const (
	DefaultMaxBodyBytes      = 10 << 20
	DefaultMaxFallbackDepth  = 1
	DefaultUserHeader        = "X-User-ID"
	DefaultFeatureFlagHeader = "X-Feature-Flags"
)

// Options configures a Gateway.
type Options struct {
	// Metrics receives request, upstream and balancer metrics. Nil disables them.
	Metrics *metrics.Collector

	// Tracer opens request and upstream spans. Nil disables tracing.
	Tracer *tracing.Tracer

	// MaxBodyBytes caps the buffered request body. Default: DefaultMaxBodyBytes
	MaxBodyBytes int64

	// MaxFallbackDepth bounds how many fallback hops one request may take.
	// Default: DefaultMaxFallbackDepth
	MaxFallbackDepth int

	// UserHeader carries the authenticated user id set by an upstream
	// authentication layer. Default: DefaultUserHeader
	UserHeader string

	// FeatureFlagHeader carries a comma separated list of enabled feature
	// flags. Default: DefaultFeatureFlagHeader
	FeatureFlagHeader string

	Logger *slog.Logger
}

// Gateway runs the request pipeline: match, select, forward with failover and
// fall back to another service when a service is exhausted.
type Gateway struct {
	registry *registry.Registry
	matcher  *routing.Matcher
	balancer *loadbalancer.LoadBalancer
	executor *proxy.Executor
	failover *proxy.Failover

	metrics *metrics.Collector
	tracer  *tracing.Tracer

	maxBody     int64
	maxDepth    int
	userHeader  string
	flagsHeader string
	logger      *slog.Logger
}

// New creates a gateway over the given components.
func New(reg *registry.Registry, matcher *routing.Matcher, balancer *loadbalancer.LoadBalancer, executor *proxy.Executor, failover *proxy.Failover, opts Options) *Gateway {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector(metrics.Config{Enabled: false}, nil)
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Disabled()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.MaxFallbackDepth <= 0 {
		opts.MaxFallbackDepth = DefaultMaxFallbackDepth
	}
	if opts.UserHeader == "" {
		opts.UserHeader = DefaultUserHeader
	}
	if opts.FeatureFlagHeader == "" {
		opts.FeatureFlagHeader = DefaultFeatureFlagHeader
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Gateway{
		registry:    reg,
		matcher:     matcher,
		balancer:    balancer,
		executor:    executor,
		failover:    failover,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		maxBody:     opts.MaxBodyBytes,
		maxDepth:    opts.MaxFallbackDepth,
		userHeader:  opts.UserHeader,
		flagsHeader: opts.FeatureFlagHeader,
		logger:      logger.With("component", "gateway"),
	}
}

// Handle routes req and returns the upstream response.
//
// A 4xx upstream response is returned together with a
// *proxy.UpstreamClientError so callers can pass it through. Every other
// error leaves the response nil or incomplete; see Classify for the mapping
// to client-facing codes.
func (g *Gateway) Handle(ctx context.Context, req *routing.Request) (*proxy.Response, error) {
	resp, _, err := g.handle(ctx, req)
	return resp, err
}

func (g *Gateway) handle(ctx context.Context, req *routing.Request) (*proxy.Response, *routing.RouteMatch, error) {
	match, err := g.matcher.Match(req)
	if err != nil {
		return nil, nil, err
	}
	tracing.SetRouteAttributes(trace.SpanFromContext(ctx), match.Service.ID, match.Rule.ID, match.Version)

	resp, final, err := g.route(ctx, match, []string{match.Service.ID})
	return resp, final, err
}

// route executes match and follows FallbackService when the service is
// exhausted or has no healthy instance. chain lists services already tried.
func (g *Gateway) route(ctx context.Context, match *routing.RouteMatch, chain []string) (*proxy.Response, *routing.RouteMatch, error) {
	resp, err := g.execute(ctx, match)
	if err == nil || !fallbackEligible(err) {
		return resp, match, err
	}

	svc := match.Service
	fallback := svc.Failover.FallbackService
	if fallback == "" {
		return resp, match, err
	}
	if slices.Contains(chain, fallback) {
		loop := append(slices.Clone(chain), fallback)
		g.logger.ErrorContext(ctx, "fallback loop detected", "chain", strings.Join(loop, " -> "))
		return nil, match, &FallbackLoopError{Chain: loop, Cause: err}
	}
	if len(chain) > g.maxDepth {
		g.logger.WarnContext(ctx, "fallback depth exceeded",
			"service_id", svc.ID,
			"fallback_service", fallback,
			"depth", len(chain)-1,
		)
		return resp, match, err
	}

	next, rerr := g.matcher.Retarget(match, fallback)
	if rerr != nil {
		g.logger.ErrorContext(ctx, "fallback service cannot take the request",
			"service_id", svc.ID,
			"fallback_service", fallback,
			"error", rerr,
		)
		return resp, match, err
	}

	g.logger.WarnContext(ctx, "falling back to another service",
		"service_id", svc.ID,
		"fallback_service", fallback,
		"error", err,
	)
	g.metrics.RecordFallback(svc.ID, fallback)
	trace.SpanFromContext(ctx).SetAttributes(tracing.AttrFallback.String(fallback))

	return g.route(ctx, next, append(chain, fallback))
}

func fallbackEligible(err error) bool {
	return errors.Is(err, proxy.ErrRetriesExhausted) || errors.Is(err, ErrNoHealthyInstance)
}

// execute selects an instance and forwards under the service's failover
// policy. Each retry re-reads the healthy set and selects again.
func (g *Gateway) execute(ctx context.Context, match *routing.RouteMatch) (*proxy.Response, error) {
	svc := match.Service

	attempt := func(ctx context.Context, n int) (*proxy.Response, error) {
		instances, err := g.registry.HealthyInstances(svc.ID)
		if err != nil {
			return nil, err
		}
		instances = servingInstances(match, instances)

		inst := g.balancer.SelectInstanceWithStickySession(svc.ID, instances, svc.LoadBalancing, match.Request)
		if inst == nil {
			return nil, &NoHealthyInstanceError{ServiceID: svc.ID, Version: match.Version}
		}
		g.metrics.RecordSelection(svc.ID, algorithmLabel(svc.LoadBalancing))
		return g.forward(ctx, svc, *inst, match.Request, n)
	}

	return g.failover.Execute(ctx, svc.ID, svc.Failover, attempt)
}

// servingInstances keeps the instances serving the resolved version. A
// version with its own upstream list is served only by those instances;
// every other version is served by the base upstream.
func servingInstances(match *routing.RouteMatch, instances []registry.ServiceInstance) []registry.ServiceInstance {
	want := match.Service.Version
	if v := match.VersionConfig; v != nil && len(v.Upstream) > 0 {
		want = v.Version
	}
	out := instances[:0:0]
	for _, inst := range instances {
		if inst.Version == want {
			out = append(out, inst)
		}
	}
	return out
}

func algorithmLabel(s registry.LoadBalancingStrategy) string {
	if s.Algorithm == "" {
		return string(registry.AlgorithmRoundRobin)
	}
	return string(s.Algorithm)
}

func (g *Gateway) forward(ctx context.Context, svc *registry.ServiceConfig, inst registry.ServiceInstance, req *routing.Request, attempt int) (*proxy.Response, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.upstream", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	ctx = logging.WithInstanceID(ctx, inst.ID)

	if g.tracer.Enabled() {
		req = req.Clone()
		tracing.Inject(ctx, req.Headers)
	}

	g.metrics.ConnectionOpened(svc.ID, inst.ID)
	resp, err := g.executor.Forward(ctx, inst, req, svc.Timeout)
	g.metrics.ConnectionClosed(svc.ID, inst.ID)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	tracing.SetUpstreamAttributes(span, inst.ID, inst.URL, attempt, status)
	tracing.SetStatus(span, err)
	return resp, err
}

// ServeHTTP adapts the gateway to net/http.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	ctx := tracing.Extract(r.Context(), r.Header)
	ctx, span := g.tracer.Start(ctx, "gateway.request", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	requestID := logging.GetRequestID(ctx)

	body, err := g.readBody(w, r)
	if err != nil {
		status, code := Classify(err)
		if code == CodeInternal {
			status, code = http.StatusBadRequest, "invalid_request"
		}
		writeError(w, status, code, "failed to read request body", requestID)
		g.metrics.RecordRequest("", code, time.Since(start))
		tracing.SetStatus(span, err)
		return
	}

	req := routing.FromHTTP(r, body)
	req.User = r.Header.Get(g.userHeader)
	req.FeatureFlags = parseFlags(r.Header.Get(g.flagsHeader))

	resp, match, err := g.handle(ctx, req)
	serviceID := ""
	if match != nil {
		serviceID = match.Service.ID
	}

	var clientErr *proxy.UpstreamClientError
	switch {
	case err == nil:
		writeResponse(w, resp, match)
		g.metrics.RecordRequest(serviceID, "ok", time.Since(start))
		tracing.SetStatus(span, nil)

	case errors.As(err, &clientErr) && resp != nil:
		writeResponse(w, resp, match)
		g.metrics.RecordRequest(serviceID, "client_error", time.Since(start))
		tracing.SetStatus(span, nil)

	default:
		status, code := Classify(err)
		if code == CodeClientClosed {
			g.logger.DebugContext(ctx, "client went away", "service_id", serviceID)
		} else {
			g.logger.WarnContext(ctx, "request failed",
				"service_id", serviceID,
				"code", code,
				"error", err,
			)
			writeError(w, status, code, publicMessage(code, err), requestID)
		}
		g.metrics.RecordRequest(serviceID, code, time.Since(start))
		tracing.SetStatus(span, err)
	}
}

func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func parseFlags(header string) map[string]bool {
	if header == "" {
		return nil
	}
	flags := make(map[string]bool)
	for _, f := range strings.Split(header, ",") {
		if f = strings.TrimSpace(f); f != "" {
			flags[f] = true
		}
	}
	return flags
}

// writeResponse copies an upstream response to w and adds deprecation
// headers when the resolved version is deprecated.
func writeResponse(w http.ResponseWriter, resp *proxy.Response, match *routing.RouteMatch) {
	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	if match != nil && match.VersionConfig != nil && match.VersionConfig.Deprecated {
		setDeprecationHeaders(h, *match.VersionConfig)
	}
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// setDeprecationHeaders writes the Deprecation (RFC 9745) and Sunset
// (RFC 8594) headers.
func setDeprecationHeaders(h http.Header, v registry.ServiceVersionConfig) {
	if v.DeprecatedAt.IsZero() {
		h.Set("Deprecation", "true")
	} else {
		h.Set("Deprecation", "@"+strconv.FormatInt(v.DeprecatedAt.Unix(), 10))
	}
	if !v.SunsetAt.IsZero() {
		h.Set("Sunset", v.SunsetAt.UTC().Format(http.TimeFormat))
	}
	if v.Message != "" {
		h.Set("X-Deprecation-Notice", v.Message)
	}
}
