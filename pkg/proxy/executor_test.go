package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
)

func newRegistry(t *testing.T, upstream string) (*registry.Registry, registry.ServiceInstance) {
	t.Helper()
	reg := registry.New(registry.Options{})
	t.Cleanup(reg.Close)
	err := reg.Register(&registry.ServiceConfig{
		ID:       "orders",
		Name:     "orders",
		Upstream: []registry.ServiceEndpoint{{URL: upstream, Weight: 1}},
	}, nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	inst, err := reg.Instance("orders-1")
	if err != nil {
		t.Fatal(err)
	}
	return reg, inst
}

func instanceState(t *testing.T, reg *registry.Registry) registry.ServiceInstance {
	t.Helper()
	inst, err := reg.Instance("orders-1")
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func getRequest(path string) *routing.Request {
	return &routing.Request{
		Method:  http.MethodGet,
		Path:    path,
		Headers: make(http.Header),
		Query:   make(url.Values),
	}
}

func TestForward_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Path", r.URL.Path)
		w.Header().Set("X-Query", r.URL.RawQuery)
		w.Header().Set("X-Tenant", r.Header.Get("X-Tenant"))
		w.Header().Set("X-Keep-Alive", r.Header.Get("Keep-Alive"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	reg, inst := newRegistry(t, srv.URL+"/base")
	var outcomes []Outcome
	exec := NewExecutor(reg, ExecutorOptions{
		OnComplete: func(o Outcome) { outcomes = append(outcomes, o) },
	})

	req := getRequest("/orders/42")
	req.Method = http.MethodPost
	req.Query.Set("expand", "items")
	req.Headers.Set("X-Tenant", "acme")
	req.Headers.Set("Keep-Alive", "timeout=5")
	req.Body = []byte(`{"count":1}`)

	resp, err := exec.Forward(context.Background(), inst, req, time.Second)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Path"); got != "/base/orders/42" {
		t.Errorf("upstream path = %q, want /base/orders/42", got)
	}
	if got := resp.Header.Get("X-Query"); got != "expand=items" {
		t.Errorf("upstream query = %q", got)
	}
	if got := resp.Header.Get("X-Tenant"); got != "acme" {
		t.Errorf("end-to-end header not forwarded, got %q", got)
	}
	if got := resp.Header.Get("X-Keep-Alive"); got != "" {
		t.Errorf("hop-by-hop header forwarded: %q", got)
	}
	if string(resp.Body) != `{"count":1}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if resp.InstanceID != "orders-1" {
		t.Errorf("InstanceID = %q", resp.InstanceID)
	}

	state := instanceState(t, reg)
	if state.CurrentConnections != 0 {
		t.Errorf("CurrentConnections = %d after call, want 0", state.CurrentConnections)
	}
	if state.ErrorRate != 0 {
		t.Errorf("ErrorRate = %v, want 0", state.ErrorRate)
	}
	if state.ResponseTime <= 0 {
		t.Error("response time was not recorded")
	}
	if len(outcomes) != 1 || outcomes[0].StatusCode != http.StatusCreated || outcomes[0].ServiceID != "orders" {
		t.Errorf("unexpected outcomes %+v", outcomes)
	}
}

func TestForward_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   error
		retryable bool
	}{
		{name: "ok", status: http.StatusOK},
		{name: "not found", status: http.StatusNotFound, wantErr: ErrUpstreamClient},
		{name: "conflict", status: http.StatusConflict, wantErr: ErrUpstreamClient},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantErr: ErrUpstreamServer, retryable: true},
		{name: "internal", status: http.StatusInternalServerError, wantErr: ErrUpstreamServer, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("upstream says hi"))
			}))
			defer srv.Close()

			reg, inst := newRegistry(t, srv.URL)
			exec := NewExecutor(reg, ExecutorOptions{})

			resp, err := exec.Forward(context.Background(), inst, getRequest("/"), time.Second)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if Retryable(err) != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", Retryable(err), tt.retryable)
			}
			if resp == nil || resp.StatusCode != tt.status || string(resp.Body) != "upstream says hi" {
				t.Errorf("response should be returned verbatim, got %+v", resp)
			}

			state := instanceState(t, reg)
			if gotErr := state.ErrorRate > 0; gotErr != tt.retryable {
				t.Errorf("ErrorRate = %v, counted as error = %v, want %v", state.ErrorRate, gotErr, tt.retryable)
			}
		})
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg, inst := newRegistry(t, srv.URL)
	exec := NewExecutor(reg, ExecutorOptions{})

	_, err := exec.Forward(context.Background(), inst, getRequest("/slow"), 30*time.Millisecond)
	var timeoutErr *UpstreamTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected UpstreamTimeoutError, got %v", err)
	}
	if timeoutErr.Timeout != 30*time.Millisecond {
		t.Errorf("Timeout = %s", timeoutErr.Timeout)
	}
	if !Retryable(err) {
		t.Error("timeouts should be retryable")
	}

	state := instanceState(t, reg)
	if state.CurrentConnections != 0 {
		t.Errorf("connection slot leaked: CurrentConnections = %d", state.CurrentConnections)
	}
	if state.ErrorRate == 0 {
		t.Error("timeout should count as an error")
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	reg, inst := newRegistry(t, addr)
	exec := NewExecutor(reg, ExecutorOptions{})

	_, err := exec.Forward(context.Background(), inst, getRequest("/"), time.Second)
	if !errors.Is(err, ErrUpstreamConnection) {
		t.Fatalf("expected ErrUpstreamConnection, got %v", err)
	}
	if instanceState(t, reg).CurrentConnections != 0 {
		t.Error("connection slot leaked after dial failure")
	}
}

func TestForward_ResponseTooLarge(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{"at limit", 10, false},
		{"over limit", 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(strings.Repeat("x", tt.size)))
			}))
			defer srv.Close()

			reg, inst := newRegistry(t, srv.URL)
			exec := NewExecutor(reg, ExecutorOptions{MaxResponseBytes: 10})

			resp, err := exec.Forward(context.Background(), inst, getRequest("/"), time.Second)
			if !tt.wantErr {
				if err != nil || len(resp.Body) != tt.size {
					t.Fatalf("Forward() = %v, %v; want full %d byte body", resp, err, tt.size)
				}
				return
			}

			var tooLarge *ResponseTooLargeError
			if !errors.As(err, &tooLarge) || tooLarge.Limit != 10 {
				t.Fatalf("expected *ResponseTooLargeError, got %v", err)
			}
			if resp != nil {
				t.Errorf("no partial response should be returned, got %d bytes", len(resp.Body))
			}
			if Retryable(err) {
				t.Error("an oversized response must not be retried")
			}
			if instanceState(t, reg).ErrorRate == 0 {
				t.Error("an oversized response should count as an error")
			}
		})
	}
}

func TestForward_RelaysRedirects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/account" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("login page"))
	}))
	defer srv.Close()

	reg, inst := newRegistry(t, srv.URL)
	exec := NewExecutor(reg, ExecutorOptions{})

	resp, err := exec.Forward(context.Background(), inst, getRequest("/account"), time.Second)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want 302", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "/login" {
		t.Errorf("Location = %q, want /login", got)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("redirect should not be followed, upstream saw %d requests", n)
	}
}

func TestForward_ClientCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	reg, inst := newRegistry(t, srv.URL)
	exec := NewExecutor(reg, ExecutorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		if inst, err := reg.Instance("orders-1"); err != nil || inst.CurrentConnections != 1 {
			t.Errorf("CurrentConnections in flight = %d (err %v), want 1", inst.CurrentConnections, err)
		}
		cancel()
	}()

	_, err := exec.Forward(ctx, inst, getRequest("/"), time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if Retryable(err) {
		t.Error("a cancelled call must not be retried")
	}

	state := instanceState(t, reg)
	if state.CurrentConnections != 0 {
		t.Errorf("CurrentConnections = %d, want 0", state.CurrentConnections)
	}
	if state.ErrorRate != 0 {
		t.Error("client cancellation must not count against the instance")
	}
}

func TestForward_UnknownInstance(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()
	exec := NewExecutor(reg, ExecutorOptions{})

	_, err := exec.Forward(context.Background(), registry.ServiceInstance{ID: "ghost", URL: "http://127.0.0.1:1"}, getRequest("/"), time.Second)
	if !errors.Is(err, registry.ErrUnknownInstance) {
		t.Fatalf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestJoinPath(t *testing.T) {
	tests := []struct{ base, path, want string }{
		{"", "/a", "/a"},
		{"/", "/a", "/a"},
		{"/base", "/a/b", "/base/a/b"},
		{"/base/", "/a", "/base/a"},
		{"/base", "/", "/base"},
		{"", "", "/"},
	}
	for _, tt := range tests {
		if got := joinPath(tt.base, tt.path); got != tt.want {
			t.Errorf("joinPath(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
