package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/meridian/pkg/registry"
)

type recordingPurger struct {
	mu      sync.Mutex
	removed []string
}

func (p *recordingPurger) RemoveUnhealthyInstance(serviceID, instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, serviceID+"/"+instanceID)
}

func (p *recordingPurger) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.removed...)
}

// toggleServer answers with the status stored in code.
func toggleServer(t *testing.T, code *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(code.Load()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registerService(t *testing.T, reg *registry.Registry, id, url string, hc registry.HealthCheckConfig) {
	t.Helper()
	err := reg.Register(&registry.ServiceConfig{
		ID:          id,
		Name:        id,
		Upstream:    []registry.ServiceEndpoint{{URL: url, Weight: 1}},
		HealthCheck: hc,
	}, nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCheckNow_StateMachine(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := toggleServer(t, &code)

	reg := registry.New(registry.Options{})
	defer reg.Close()
	registerService(t, reg, "orders", srv.URL, registry.HealthCheckConfig{
		Enabled: true,
		Path:    "/healthz",
		Timeout: time.Second,
		Retries: 2,
	})

	purger := &recordingPurger{}
	var transitions atomic.Int32
	checker := New(reg, purger, Options{
		OnTransition: func(string, string, bool) { transitions.Add(1) },
	})
	ctx := context.Background()

	isHealthy := func() bool {
		inst, err := reg.Instance("orders-1")
		if err != nil {
			t.Fatal(err)
		}
		return inst.IsHealthy
	}

	if err := checker.CheckNow(ctx, "orders"); err != nil {
		t.Fatalf("CheckNow() error = %v", err)
	}
	if !isHealthy() {
		t.Fatal("instance should be healthy after a passing probe")
	}

	code.Store(http.StatusServiceUnavailable)
	if err := checker.CheckNow(ctx, "orders"); err != nil {
		t.Fatal(err)
	}
	if !isHealthy() {
		t.Fatal("one failure must not flip an instance with retries=2")
	}
	st, _ := checker.Status("orders-1")
	if st.ConsecutiveFailures != 1 || st.LastError == "" {
		t.Errorf("unexpected status after one failure: %+v", st)
	}

	if err := checker.CheckNow(ctx, "orders"); err != nil {
		t.Fatal(err)
	}
	if isHealthy() {
		t.Fatal("two consecutive failures should mark the instance unhealthy")
	}
	if calls := purger.calls(); len(calls) != 1 || calls[0] != "orders/orders-1" {
		t.Errorf("expected sticky purge for orders-1, got %v", calls)
	}

	code.Store(http.StatusOK)
	if err := checker.CheckNow(ctx, "orders"); err != nil {
		t.Fatal(err)
	}
	if !isHealthy() {
		t.Fatal("one successful probe should recover the instance")
	}
	if transitions.Load() != 2 {
		t.Errorf("expected 2 transitions, got %d", transitions.Load())
	}
	if len(purger.calls()) != 1 {
		t.Error("recovery must not purge sticky sessions")
	}
}

func TestCheckNow_ExpectedStatus(t *testing.T) {
	tests := []struct {
		name     string
		code     int32
		expected []int
		healthy  bool
	}{
		{name: "default expects 200", code: http.StatusOK, healthy: true},
		{name: "default rejects 204", code: http.StatusNoContent, healthy: false},
		{name: "custom accepts 204", code: http.StatusNoContent, expected: []int{200, 204}, healthy: true},
		{name: "custom rejects 200", code: http.StatusOK, expected: []int{204}, healthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var code atomic.Int32
			code.Store(tt.code)
			srv := toggleServer(t, &code)

			reg := registry.New(registry.Options{})
			defer reg.Close()
			registerService(t, reg, "svc", srv.URL, registry.HealthCheckConfig{
				Enabled:        true,
				Path:           "healthz",
				Retries:        1,
				ExpectedStatus: tt.expected,
			})

			checker := New(reg, nil, Options{})
			if err := checker.CheckNow(context.Background(), "svc"); err != nil {
				t.Fatal(err)
			}
			inst, _ := reg.Instance("svc-1")
			if inst.IsHealthy != tt.healthy {
				t.Errorf("healthy = %v, want %v", inst.IsHealthy, tt.healthy)
			}
		})
	}
}

func TestCheckNow_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg := registry.New(registry.Options{})
	defer reg.Close()
	registerService(t, reg, "slow", srv.URL, registry.HealthCheckConfig{
		Enabled: true,
		Timeout: 30 * time.Millisecond,
		Retries: 1,
	})

	checker := New(reg, nil, Options{})
	start := time.Now()
	if err := checker.CheckNow(context.Background(), "slow"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe did not honour its timeout, took %s", elapsed)
	}
	inst, _ := reg.Instance("slow-1")
	if inst.IsHealthy {
		t.Error("a probe exceeding its timeout should count as failed")
	}
}

func TestCheckNow_UnknownService(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()

	checker := New(reg, nil, Options{})
	if err := checker.CheckNow(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestStart_ProbesPeriodically(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := toggleServer(t, &code)

	reg := registry.New(registry.Options{})
	defer reg.Close()
	hc := registry.HealthCheckConfig{
		Enabled:  true,
		Path:     "/healthz",
		Interval: 10 * time.Millisecond,
		Timeout:  time.Second,
		Retries:  1,
	}
	registerService(t, reg, "existing", srv.URL, hc)

	checker := New(reg, nil, Options{})
	if err := checker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer checker.Stop()

	if !checker.Watching("existing") {
		t.Fatal("services registered before Start should be watched")
	}

	code.Store(http.StatusInternalServerError)
	waitFor(t, "instance to turn unhealthy", func() bool {
		healthy, _ := reg.HealthyInstances("existing")
		return len(healthy) == 0
	})

	code.Store(http.StatusOK)
	waitFor(t, "instance to recover", func() bool {
		healthy, _ := reg.HealthyInstances("existing")
		return len(healthy) == 1
	})
}

func TestStart_FollowsRegistryEvents(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := toggleServer(t, &code)

	reg := registry.New(registry.Options{})
	defer reg.Close()

	checker := New(reg, nil, Options{})
	if err := checker.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer checker.Stop()

	registerService(t, reg, "late", srv.URL, registry.HealthCheckConfig{
		Enabled:  true,
		Path:     "/healthz",
		Interval: 10 * time.Millisecond,
	})
	registerService(t, reg, "unchecked", srv.URL, registry.HealthCheckConfig{Enabled: false})

	waitFor(t, "late service to be watched", func() bool { return checker.Watching("late") })
	waitFor(t, "first probe of late service", func() bool {
		_, ok := checker.Status("late-1")
		return ok
	})
	if checker.Watching("unchecked") {
		t.Error("services with health checks disabled must not be watched")
	}

	if err := reg.Deregister("late"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "late service to be unwatched", func() bool { return !checker.Watching("late") })
	if _, ok := checker.Status("late-1"); ok {
		t.Error("instance state should be forgotten after deregistration")
	}
}

func TestWatch_BeforeStart(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()
	registerService(t, reg, "svc", "http://127.0.0.1:1", registry.HealthCheckConfig{Enabled: true})

	checker := New(reg, nil, Options{})
	if err := checker.Watch("svc"); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestProbeURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"http://a:8080", "/healthz", "http://a:8080/healthz"},
		{"http://a:8080/", "healthz", "http://a:8080/healthz"},
		{"http://a:8080/api", "", "http://a:8080/api"},
	}
	for _, tt := range tests {
		if got := probeURL(tt.base, tt.path); got != tt.want {
			t.Errorf("probeURL(%q, %q) = %q, want %q", tt.base, tt.path, got, tt.want)
		}
	}
}
