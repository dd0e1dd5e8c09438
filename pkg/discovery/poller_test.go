package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mercator-hq/meridian/pkg/registry"
)

// scriptedProvider returns queued answers, repeating the last one.
type scriptedProvider struct {
	mu      sync.Mutex
	answers []answer
	calls   atomic.Int32
}

type answer struct {
	eps []registry.ServiceEndpoint
	err error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Discover(context.Context, Query) ([]registry.ServiceEndpoint, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.answers[0]
	if len(p.answers) > 1 {
		p.answers = p.answers[1:]
	}
	return a.eps, a.err
}

func discoveredService(id string, interval time.Duration) *registry.ServiceConfig {
	return &registry.ServiceConfig{
		ID:        id,
		Upstream:  []registry.ServiceEndpoint{{URL: "http://seed:8080", Weight: 1}},
		Discovery: registry.ServiceDiscoveryConfig{Enabled: true, Provider: "scripted", Interval: interval},
	}
}

func urls(t *testing.T, reg *registry.Registry, id string) []string {
	t.Helper()
	insts, err := reg.Instances(id)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.URL)
	}
	return out
}

func TestPoller_RefreshKeepsLastKnownGood(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()
	if err := reg.Register(discoveredService("orders", time.Hour), nil); err != nil {
		t.Fatal(err)
	}

	var results []error
	provider := &scriptedProvider{answers: []answer{
		{eps: []registry.ServiceEndpoint{{URL: "http://10.0.0.1:8080", Weight: 1}, {URL: "http://10.0.0.2:8080", Weight: 1}}},
		{err: errors.New("catalog unavailable")},
	}}
	p := NewPoller(reg, []Provider{provider}, PollerOptions{
		OnResult: func(_, _ string, err error) { results = append(results, err) },
	})

	if err := p.Refresh(context.Background(), "orders"); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	got := urls(t, reg, "orders")
	if len(got) != 2 || got[0] != "http://10.0.0.1:8080" {
		t.Fatalf("instances after discovery = %v", got)
	}

	if err := p.Refresh(context.Background(), "orders"); err == nil {
		t.Fatal("second refresh should fail")
	}
	if after := urls(t, reg, "orders"); len(after) != 2 {
		t.Errorf("failed round changed instances: %v", after)
	}
	if err := reg.LastDiscoveryError("orders"); err == nil {
		t.Error("registry should remember the discovery error")
	}
	if len(results) != 2 || results[0] != nil || results[1] == nil {
		t.Errorf("OnResult calls = %v", results)
	}
}

func TestPoller_UnknownProvider(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()
	svc := discoveredService("orders", time.Hour)
	svc.Discovery.Provider = "zookeeper"
	if err := reg.Register(svc, nil); err != nil {
		t.Fatal(err)
	}

	p := NewPoller(reg, nil, PollerOptions{})
	err := p.Refresh(context.Background(), "orders")
	if !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("error = %v, want ErrUnknownProvider", err)
	}
	if !errors.Is(reg.LastDiscoveryError("orders"), ErrUnknownProvider) {
		t.Error("unknown provider should be reported to the registry")
	}
}

func TestPoller_FollowsRegistry(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()

	provider := &scriptedProvider{answers: []answer{
		{eps: []registry.ServiceEndpoint{{URL: "http://10.0.0.9:8080", Weight: 1}}},
	}}
	p := NewPoller(reg, []Provider{provider}, PollerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if err := reg.Register(discoveredService("orders", 20*time.Millisecond), nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got := urls(t, reg, "orders")
		if len(got) == 1 && got[0] == "http://10.0.0.9:8080" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("instances never replaced by discovery: %v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	if n := provider.calls.Load(); n < 3 {
		t.Errorf("provider called %d times, want periodic polling", n)
	}

	if err := reg.Deregister("orders"); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for p.Polling("orders") {
		if time.Now().After(deadline) {
			t.Fatal("loop still running after deregister")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPoller_DisabledServiceNotPolled(t *testing.T) {
	reg := registry.New(registry.Options{})
	defer reg.Close()
	if err := reg.Register(&registry.ServiceConfig{ID: "static", Upstream: []registry.ServiceEndpoint{{URL: "http://s:1", Weight: 1}}}, nil); err != nil {
		t.Fatal(err)
	}

	p := NewPoller(reg, nil, PollerOptions{})
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if p.Polling("static") {
		t.Error("service without discovery should not be polled")
	}
}
