package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
)

// DefaultMaxResponseBytes bounds how much of an upstream body is buffered.
const DefaultMaxResponseBytes = 32 << 20

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Tracker receives connection and latency accounting. *registry.Registry
// implements it.
type Tracker interface {
	AcquireConnection(instanceID string) error
	ReleaseConnection(instanceID string) error
	RecordMetrics(instanceID string, m registry.InstanceMetrics) error
}

// Response is a fully buffered upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// InstanceID is the instance that produced the response.
	InstanceID string

	Latency time.Duration
}

// Outcome describes one finished forward call, for observers such as metrics.
type Outcome struct {
	ServiceID  string
	InstanceID string
	StatusCode int
	Latency    time.Duration
	Err        error
}

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Client sends upstream requests. Default: a client with no global
	// timeout that does not follow redirects; each call carries its own
	// deadline. An injected client should set CheckRedirect to return
	// http.ErrUseLastResponse so 3xx responses reach the caller.
	Client *http.Client

	// MaxResponseBytes caps the buffered response body.
	// Default: DefaultMaxResponseBytes
	MaxResponseBytes int64

	// OnComplete is called after every forward call.
	OnComplete func(Outcome)

	Logger *slog.Logger
}

// Executor issues forwarded calls.
type Executor struct {
	tracker  Tracker
	client   *http.Client
	maxBytes int64
	observe  func(Outcome)
	logger   *slog.Logger
}

// NewExecutor creates an executor reporting to tracker.
func NewExecutor(tracker Tracker, opts ExecutorOptions) *Executor {
	client := opts.Client
	if client == nil {
		client = &http.Client{CheckRedirect: noRedirect}
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tracker:  tracker,
		client:   client,
		maxBytes: maxBytes,
		observe:  opts.OnComplete,
		logger:   logger.With("component", "proxy"),
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Forward sends req to the instance and buffers the response.
//
// Redirects are relayed, not followed. A body larger than MaxResponseBytes
// fails with *ResponseTooLargeError.
//
// A 4xx response is returned together with an *UpstreamClientError, a 5xx
// response with an *UpstreamServerError. Timeouts and transport failures
// return *UpstreamTimeoutError and *UpstreamConnectionError. Cancellation of
// ctx aborts the call and returns the context error.
func (e *Executor) Forward(ctx context.Context, inst registry.ServiceInstance, req *routing.Request, timeout time.Duration) (*Response, error) {
	if err := e.tracker.AcquireConnection(inst.ID); err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() {
		_ = e.tracker.ReleaseConnection(inst.ID)
	}()

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.do(callCtx, inst, req)
	latency := time.Since(start)

	err = e.classify(ctx, callCtx, inst, timeout, resp, err)
	if resp != nil {
		resp.Latency = latency
	}

	e.record(inst, latency, err, ctx.Err() != nil)
	if e.observe != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		e.observe(Outcome{
			ServiceID:  inst.ServiceID,
			InstanceID: inst.ID,
			StatusCode: status,
			Latency:    latency,
			Err:        err,
		})
	}

	if err != nil && !errors.Is(err, ErrUpstreamClient) {
		e.logger.Debug("upstream call failed",
			"service_id", inst.ServiceID,
			"instance_id", inst.ID,
			"latency", latency,
			"error", err,
		)
	}
	return resp, err
}

func (e *Executor) do(ctx context.Context, inst registry.ServiceInstance, req *routing.Request) (*Response, error) {
	target, err := upstreamURL(inst.URL, req)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = req.Headers.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}

	resp, err := e.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(data)) > e.maxBytes {
		return nil, &ResponseTooLargeError{InstanceID: inst.ID, StatusCode: resp.StatusCode, Limit: e.maxBytes}
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
		InstanceID: inst.ID,
	}, nil
}

// classify maps transport results onto the upstream error taxonomy.
func (e *Executor) classify(parent, call context.Context, inst registry.ServiceInstance, timeout time.Duration, resp *Response, err error) error {
	if err != nil {
		switch {
		case errors.Is(err, ErrResponseTooLarge):
			return err
		case parent.Err() != nil:
			return fmt.Errorf("forward to %s aborted: %w", inst.ID, parent.Err())
		case errors.Is(call.Err(), context.DeadlineExceeded) || isTimeout(err):
			return &UpstreamTimeoutError{InstanceID: inst.ID, Timeout: timeout, Cause: err}
		default:
			return &UpstreamConnectionError{InstanceID: inst.ID, Cause: err}
		}
	}
	switch {
	case resp.StatusCode >= 500:
		return &UpstreamServerError{InstanceID: inst.ID, StatusCode: resp.StatusCode, Response: resp}
	case resp.StatusCode >= 400:
		return &UpstreamClientError{InstanceID: inst.ID, StatusCode: resp.StatusCode, Response: resp}
	}
	return nil
}

// record feeds the outcome into the instance's rolling metrics. Calls aborted
// by the client are not held against the instance.
func (e *Executor) record(inst registry.ServiceInstance, latency time.Duration, err error, aborted bool) {
	if aborted {
		return
	}
	m := registry.InstanceMetrics{
		ResponseTime: latency,
		RequestCount: 1,
		Timestamp:    time.Now(),
	}
	if Retryable(err) || errors.Is(err, ErrResponseTooLarge) {
		m.ErrorCount = 1
	}
	if rerr := e.tracker.RecordMetrics(inst.ID, m); rerr != nil {
		e.logger.Debug("metrics dropped", "instance_id", inst.ID, "error", rerr)
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// upstreamURL joins the instance base URL with the forwarded path and query.
func upstreamURL(base string, req *routing.Request) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse instance url %q: %w", base, err)
	}
	u.Path = joinPath(u.Path, req.Path)
	u.RawPath = ""
	u.RawQuery = req.Query.Encode()
	return u.String(), nil
}

func joinPath(a, b string) string {
	if b == "" || b == "/" {
		if a == "" {
			return "/"
		}
		return a
	}
	return strings.TrimRight(a, "/") + "/" + strings.TrimLeft(b, "/")
}
