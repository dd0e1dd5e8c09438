package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testService(id string, urls ...string) *ServiceConfig {
	eps := make([]ServiceEndpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, ServiceEndpoint{URL: u, Weight: 1})
	}
	return &ServiceConfig{
		ID:       id,
		Name:     id,
		Upstream: eps,
		Timeout:  time.Second,
	}
}

// collectEvents subscribes and returns a channel receiving every event.
func collectEvents(t *testing.T, r *Registry) <-chan ServiceEvent {
	t.Helper()
	ch := make(chan ServiceEvent, 64)
	unsubscribe := r.Subscribe(func(ev ServiceEvent) { ch <- ev })
	t.Cleanup(unsubscribe)
	return ch
}

func waitEvent(t *testing.T, ch <-chan ServiceEvent, want EventType) ServiceEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
			return ServiceEvent{}
		}
	}
}

func TestRegister(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	if err := r.Register(testService("orders", "http://a", "http://b"), nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instances, err := r.Instances("orders")
	if err != nil {
		t.Fatalf("Instances() error = %v", err)
	}
	if len(instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(instances))
	}
	if instances[0].ID != "orders-1" || instances[1].ID != "orders-2" {
		t.Errorf("unexpected instance ids %q, %q", instances[0].ID, instances[1].ID)
	}
	for _, inst := range instances {
		if !inst.IsHealthy {
			t.Errorf("instance %s should start healthy", inst.ID)
		}
		if inst.ServiceID != "orders" {
			t.Errorf("instance %s owned by %q, want orders", inst.ID, inst.ServiceID)
		}
	}

	ev := waitEvent(t, events, EventRegister)
	if ev.ServiceID != "orders" || ev.ID == "" {
		t.Errorf("unexpected register event %+v", ev)
	}
}

func TestRegister_ExplicitEndpointsOverrideUpstream(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	err := r.Register(testService("orders", "http://configured"), []ServiceEndpoint{
		{URL: "http://discovered", Weight: 3, Metadata: map[string]string{"id": "node-7"}},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	instances, _ := r.Instances("orders")
	if len(instances) != 1 || instances[0].URL != "http://discovered" {
		t.Fatalf("unexpected instances %+v", instances)
	}
	if instances[0].ID != "node-7" {
		t.Errorf("expected discovery supplied id node-7, got %q", instances[0].ID)
	}
	if instances[0].Weight != 3 {
		t.Errorf("expected weight 3, got %d", instances[0].Weight)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Fatal(err)
	}
	err := r.Register(testService("orders", "http://b"), nil)

	var dup *DuplicateServiceError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateServiceError, got %v", err)
	}
	if !errors.Is(err, ErrDuplicateService) {
		t.Error("expected errors.Is(err, ErrDuplicateService)")
	}
}

func TestRegister_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *ServiceConfig
	}{
		{name: "nil config", cfg: nil},
		{name: "empty id", cfg: &ServiceConfig{}},
		{name: "negative weight", cfg: &ServiceConfig{ID: "x", Upstream: []ServiceEndpoint{{URL: "http://a", Weight: -1}}}},
		{name: "empty url", cfg: &ServiceConfig{ID: "x", Upstream: []ServiceEndpoint{{URL: ""}}}},
		{name: "bad rewrite", cfg: &ServiceConfig{ID: "x", PathRewriteRules: []PathRewriteRule{{Pattern: "("}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(Options{})
			defer r.Close()
			err := r.Register(tt.cfg, nil)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestUnknownService(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	checks := map[string]error{
		"Deregister":      r.Deregister("missing"),
		"UpdateConfig":    r.UpdateConfig(testService("missing")),
		"UpdateEndpoints": r.UpdateEndpoints("missing", nil),
		"ReportDiscovery": r.ReportDiscoveryError("missing", errors.New("boom")),
		"RegisterVersion": r.RegisterVersion("missing", ServiceVersionConfig{Version: "1"}),
	}
	_, instErr := r.Instances("missing")
	checks["Instances"] = instErr

	for name, err := range checks {
		if !errors.Is(err, ErrUnknownService) {
			t.Errorf("%s: expected ErrUnknownService, got %v", name, err)
		}
	}

	if err := r.UpdateHealth("missing-1", false); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("UpdateHealth: expected ErrUnknownInstance, got %v", err)
	}
}

func TestDeregister(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Fatal(err)
	}
	if err := r.Deregister("orders"); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	waitEvent(t, events, EventDeregister)

	if _, err := r.Instance("orders-1"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("instance should be gone with its service, got %v", err)
	}
	// The id can be reused after deregistration.
	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Errorf("re-register failed: %v", err)
	}
}

func TestInstances_ReturnsSnapshot(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	cfg := testService("orders", "http://a")
	cfg.Upstream[0].Metadata = map[string]string{"zone": "eu"}
	if err := r.Register(cfg, nil); err != nil {
		t.Fatal(err)
	}

	snap, _ := r.Instances("orders")
	snap[0].IsHealthy = false
	snap[0].CurrentConnections = 99
	snap[0].Metadata["zone"] = "us"

	fresh, _ := r.Instances("orders")
	if !fresh[0].IsHealthy || fresh[0].CurrentConnections != 0 || fresh[0].Metadata["zone"] != "eu" {
		t.Errorf("mutating a snapshot leaked into the registry: %+v", fresh[0])
	}
}

func TestUpdateHealth(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	if err := r.Register(testService("orders", "http://a", "http://b"), nil); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, EventRegister)

	if err := r.UpdateHealth("orders-1", false); err != nil {
		t.Fatalf("UpdateHealth() error = %v", err)
	}
	ev := waitEvent(t, events, EventHealthChange)
	if ev.Data["instance_id"] != "orders-1" || ev.Data["healthy"] != false {
		t.Errorf("unexpected health event data %v", ev.Data)
	}

	healthy, _ := r.HealthyInstances("orders")
	if len(healthy) != 1 || healthy[0].ID != "orders-2" {
		t.Errorf("expected only orders-2 healthy, got %+v", healthy)
	}

	// Same state again emits nothing.
	if err := r.UpdateHealth("orders-1", false); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event for unchanged health: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRecordMetrics_Rolling(t *testing.T) {
	r := New(Options{MetricsAlpha: 0.5})
	defer r.Close()

	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Fatal(err)
	}

	samples := []InstanceMetrics{
		{ResponseTime: 100 * time.Millisecond, RequestCount: 1},
		{ResponseTime: 300 * time.Millisecond, RequestCount: 1, ErrorCount: 1},
	}
	for _, m := range samples {
		if err := r.RecordMetrics("orders-1", m); err != nil {
			t.Fatalf("RecordMetrics() error = %v", err)
		}
	}

	inst, _ := r.Instance("orders-1")
	if inst.ResponseTime != 200*time.Millisecond {
		t.Errorf("expected rolling response time 200ms, got %s", inst.ResponseTime)
	}
	if inst.ErrorRate != 0.5 {
		t.Errorf("expected rolling error rate 0.5, got %f", inst.ErrorRate)
	}
}

func TestConnections_NeverNegative(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.AcquireConnection("orders-1")
			_ = r.ReleaseConnection("orders-1")
		}()
	}
	wg.Wait()

	_ = r.ReleaseConnection("orders-1")
	inst, _ := r.Instance("orders-1")
	if inst.CurrentConnections != 0 {
		t.Errorf("expected 0 connections, got %d", inst.CurrentConnections)
	}
}

func TestUpdateEndpoints_KeepsSurvivingState(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	if err := r.Register(testService("orders", "http://a", "http://b"), nil); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateHealth("orders-2", false); err != nil {
		t.Fatal(err)
	}

	err := r.UpdateEndpoints("orders", []ServiceEndpoint{
		{URL: "http://b", Weight: 5},
		{URL: "http://c", Weight: 1},
	})
	if err != nil {
		t.Fatalf("UpdateEndpoints() error = %v", err)
	}

	ev := waitEvent(t, events, EventEndpointsUpdate)
	if ev.Data["added"] != 1 || ev.Data["removed"] != 1 {
		t.Errorf("unexpected endpoints_update data %v", ev.Data)
	}

	instances, _ := r.Instances("orders")
	got := make(map[string]ServiceInstance)
	for _, inst := range instances {
		got[inst.URL] = inst
	}
	if _, ok := got["http://a"]; ok {
		t.Error("http://a should have been removed")
	}
	if b := got["http://b"]; b.IsHealthy || b.Weight != 5 || b.ID != "orders-2" {
		t.Errorf("http://b should keep id and health and take new weight, got %+v", b)
	}
	if c := got["http://c"]; !c.IsHealthy || c.ID != "orders-3" {
		t.Errorf("http://c should be a new healthy instance, got %+v", c)
	}
}

func TestReportDiscoveryError_KeepsLastKnownGood(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Fatal(err)
	}
	cause := errors.New("consul unreachable")
	if err := r.ReportDiscoveryError("orders", cause); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, events, EventDiscoveryError)
	if ev.Data["error"] != "consul unreachable" {
		t.Errorf("unexpected discovery_error data %v", ev.Data)
	}
	instances, _ := r.Instances("orders")
	if len(instances) != 1 {
		t.Errorf("expected last known instance to survive, got %d", len(instances))
	}
	if !errors.Is(r.LastDiscoveryError("orders"), cause) {
		t.Error("expected last discovery error to be recorded")
	}
}

func TestUpdateConfig(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Fatal(err)
	}

	updated := testService("orders", "http://a", "http://b")
	updated.Timeout = 5 * time.Second
	if err := r.UpdateConfig(updated); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	ev := waitEvent(t, events, EventConfigUpdate)
	if ev.Data["instances_added"] != 1 {
		t.Errorf("unexpected config_update data %v", ev.Data)
	}

	cfg, _ := r.Service("orders")
	if cfg.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %s", cfg.Timeout)
	}
	instances, _ := r.Instances("orders")
	if len(instances) != 2 {
		t.Errorf("expected 2 instances after upstream change, got %d", len(instances))
	}
}

func TestUpdateConfig_VersionChangeRetagsInstances(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	cfg := testService("orders", "http://a")
	cfg.Version = "1.0"
	cfg.Versions = []ServiceVersionConfig{
		{Version: "1.0", Upstream: []ServiceEndpoint{{URL: "http://canary", Weight: 1}}},
	}
	if err := r.Register(cfg, nil); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateHealth("orders-1", false); err != nil {
		t.Fatal(err)
	}

	updated := testService("orders", "http://a")
	updated.Version = "1.1"
	if err := r.UpdateConfig(updated); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}

	instances, _ := r.Instances("orders")
	got := make(map[string]ServiceInstance)
	for _, inst := range instances {
		got[inst.URL] = inst
	}
	if a := got["http://a"]; a.Version != "1.1" || a.ID != "orders-1" || a.IsHealthy {
		t.Errorf("base instance should move to 1.1 and keep its state, got %+v", a)
	}
	if c := got["http://canary"]; c.Version != "1.0" {
		t.Errorf("version-specific instance should keep its tag, got %+v", c)
	}
}

func TestUpdateConfig_VersionChangeFollowsDiscovery(t *testing.T) {
	r := New(Options{})
	defer r.Close()

	cfg := testService("orders")
	cfg.Version = "1.0"
	cfg.Discovery.Enabled = true
	if err := r.Register(cfg, []ServiceEndpoint{{URL: "http://d1", Weight: 1}}); err != nil {
		t.Fatal(err)
	}

	updated := cfg.Clone()
	updated.Version = "2.0"
	if err := r.UpdateConfig(updated); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateEndpoints("orders", []ServiceEndpoint{{URL: "http://d1", Weight: 1}}); err != nil {
		t.Fatal(err)
	}

	instances, _ := r.Instances("orders")
	if len(instances) != 1 || instances[0].Version != "2.0" || instances[0].ID != "orders-1" {
		t.Errorf("expected the discovered instance retagged to 2.0, got %+v", instances)
	}
}

func TestVersions(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	cfg := testService("orders", "http://v1")
	cfg.Version = "1"
	cfg.Versions = []ServiceVersionConfig{{Version: "1", IsDefault: true, IsActive: true}}
	if err := r.Register(cfg, nil); err != nil {
		t.Fatal(err)
	}

	err := r.RegisterVersion("orders", ServiceVersionConfig{
		Version:   "2",
		IsDefault: true,
		IsActive:  true,
		Upstream:  []ServiceEndpoint{{URL: "http://v2", Weight: 1}},
	})
	if err != nil {
		t.Fatalf("RegisterVersion() error = %v", err)
	}
	waitEvent(t, events, EventVersionRegister)

	got, _ := r.Service("orders")
	def, ok := got.DefaultVersion()
	if !ok || def.Version != "2" {
		t.Errorf("expected version 2 to be default, got %+v", def)
	}
	if v1, _ := got.FindVersion("1"); v1.IsDefault {
		t.Error("version 1 should no longer be default")
	}

	instances, _ := r.Instances("orders")
	versions := make([]string, 0, len(instances))
	for _, inst := range instances {
		versions = append(versions, inst.Version)
	}
	if diff := cmp.Diff([]string{"1", "2"}, versions); diff != "" {
		t.Errorf("instance versions mismatch (-want +got):\n%s", diff)
	}

	sunset := time.Now().Add(24 * time.Hour)
	if err := r.DeprecateVersion("orders", "1", "use v2", sunset); err != nil {
		t.Fatalf("DeprecateVersion() error = %v", err)
	}
	waitEvent(t, events, EventVersionDeprecate)
	got, _ = r.Service("orders")
	v1, _ := got.FindVersion("1")
	if !v1.Deprecated || v1.Message != "use v2" || !v1.SunsetAt.Equal(sunset) {
		t.Errorf("version 1 not deprecated correctly: %+v", v1)
	}

	if err := r.DeprecateVersion("orders", "9", "", time.Time{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown version, got %v", err)
	}
}

func TestRewriteRules(t *testing.T) {
	r := New(Options{})
	defer r.Close()
	events := collectEvents(t, r)

	if err := r.Register(testService("orders", "http://a"), nil); err != nil {
		t.Fatal(err)
	}

	id, err := r.AddRewriteRule("orders", PathRewriteRule{Pattern: "^/legacy", Replacement: "/v2"})
	if err != nil {
		t.Fatalf("AddRewriteRule() error = %v", err)
	}
	if id == "" {
		t.Fatal("expected generated rule id")
	}
	waitEvent(t, events, EventRewriteRuleAdd)

	if _, err := r.AddRewriteRule("orders", PathRewriteRule{Pattern: "["}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad pattern, got %v", err)
	}

	if err := r.RemoveRewriteRule("orders", id); err != nil {
		t.Fatalf("RemoveRewriteRule() error = %v", err)
	}
	waitEvent(t, events, EventRewriteRuleRemove)

	cfg, _ := r.Service("orders")
	if len(cfg.PathRewriteRules) != 0 {
		t.Errorf("expected no rewrite rules, got %+v", cfg.PathRewriteRules)
	}
	if err := r.RemoveRewriteRule("orders", id); err == nil {
		t.Error("expected error removing an unknown rule")
	}
}
