package loadbalancer

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
)

func instances(ids ...string) []registry.ServiceInstance {
	out := make([]registry.ServiceInstance, len(ids))
	for i, id := range ids {
		out[i] = registry.ServiceInstance{
			ID:        id,
			ServiceID: "svc",
			URL:       "http://" + id,
			Weight:    1,
			IsHealthy: true,
		}
	}
	return out
}

func newTestRequest() *routing.Request {
	return &routing.Request{
		Method:  http.MethodGet,
		Path:    "/",
		Headers: make(http.Header),
		Query:   make(url.Values),
	}
}

func roundRobin() registry.LoadBalancingStrategy {
	return registry.LoadBalancingStrategy{Algorithm: registry.AlgorithmRoundRobin}
}

func TestRoundRobin_ExactFairness(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("%d instances", n), func(t *testing.T) {
			lb := New(Options{})
			defer lb.Close()

			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("i%d", i)
			}
			set := instances(ids...)

			const k = 7
			counts := make(map[string]int)
			for i := 0; i < k*n; i++ {
				inst := lb.SelectInstance("svc", set, roundRobin(), nil)
				counts[inst.ID]++
			}
			for _, id := range ids {
				if counts[id] != k {
					t.Errorf("instance %s selected %d times, want %d", id, counts[id], k)
				}
			}
		})
	}
}

func TestRoundRobin_Sequence(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, lb.SelectInstance("S", set, roundRobin(), nil).ID)
	}
	if diff := cmp.Diff([]string{"A", "B", "A", "B"}, got); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundRobin_CountersArePerService(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	first := lb.SelectInstance("one", set, roundRobin(), nil).ID
	other := lb.SelectInstance("two", set, roundRobin(), nil).ID
	if first != "A" || other != "A" {
		t.Errorf("each service should start at its own counter, got %s and %s", first, other)
	}
}

func TestWeighted_Distribution(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B", "C")
	set[0].Weight, set[1].Weight, set[2].Weight = 1, 2, 1
	strategy := registry.LoadBalancingStrategy{Algorithm: registry.AlgorithmWeighted}

	const total = 4000
	counts := make(map[string]int)
	for i := 0; i < total; i++ {
		counts[lb.SelectInstance("svc", set, strategy, nil).ID]++
	}

	want := map[string]float64{"A": 0.25, "B": 0.50, "C": 0.25}
	for id, ratio := range want {
		got := float64(counts[id]) / total
		if got < ratio-0.01 || got > ratio+0.01 {
			t.Errorf("instance %s ratio %.3f, want %.2f", id, got, ratio)
		}
	}
}

func TestWeighted_ZeroWeightsFallBackToRoundRobin(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	set[0].Weight, set[1].Weight = 0, 0
	strategy := registry.LoadBalancingStrategy{Algorithm: registry.AlgorithmWeighted}

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, lb.SelectInstance("svc", set, strategy, nil).ID)
	}
	if diff := cmp.Diff([]string{"A", "B", "A", "B"}, got); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestLeastConnections(t *testing.T) {
	tests := []struct {
		name  string
		conns []int
		rt    []time.Duration
		want  string
	}{
		{name: "fewest connections", conns: []int{3, 1, 2}, rt: []time.Duration{0, 0, 0}, want: "B"},
		{name: "tie broken by response time", conns: []int{1, 1, 4}, rt: []time.Duration{90 * time.Millisecond, 20 * time.Millisecond, 0}, want: "B"},
		{name: "full tie keeps first", conns: []int{0, 0}, rt: []time.Duration{time.Millisecond, time.Millisecond}, want: "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lb := New(Options{})
			defer lb.Close()

			set := instances("A", "B", "C")[:len(tt.conns)]
			for i := range set {
				set[i].CurrentConnections = tt.conns[i]
				set[i].ResponseTime = tt.rt[i]
			}
			strategy := registry.LoadBalancingStrategy{Algorithm: registry.AlgorithmLeastConnections}
			if got := lb.SelectInstance("svc", set, strategy, nil).ID; got != tt.want {
				t.Errorf("selected %s, want %s", got, tt.want)
			}
		})
	}
}

func TestResponseTime_PrefersReliability(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("fast-flaky", "slow-solid", "slower-solid")
	set[0].ErrorRate, set[0].ResponseTime = 0.3, 5*time.Millisecond
	set[1].ErrorRate, set[1].ResponseTime = 0, 80*time.Millisecond
	set[2].ErrorRate, set[2].ResponseTime = 0, 120*time.Millisecond

	strategy := registry.LoadBalancingStrategy{Algorithm: registry.AlgorithmResponseTime}
	if got := lb.SelectInstance("svc", set, strategy, nil).ID; got != "slow-solid" {
		t.Errorf("selected %s, want slow-solid", got)
	}
}

func TestSelectInstance_NoHealthyInstances(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	unhealthy := instances("A", "B")
	for i := range unhealthy {
		unhealthy[i].IsHealthy = false
	}

	for _, alg := range []registry.Algorithm{
		registry.AlgorithmRoundRobin,
		registry.AlgorithmWeighted,
		registry.AlgorithmLeastConnections,
		registry.AlgorithmResponseTime,
	} {
		strategy := registry.LoadBalancingStrategy{Algorithm: alg}
		if got := lb.SelectInstance("svc", nil, strategy, nil); got != nil {
			t.Errorf("%s: expected nil for empty set, got %+v", alg, got)
		}
		if got := lb.SelectInstance("svc", unhealthy, strategy, nil); got != nil {
			t.Errorf("%s: expected nil for all-unhealthy set, got %+v", alg, got)
		}
	}
	if lb.Stats().NoInstance != 8 {
		t.Errorf("expected 8 empty selections, got %d", lb.Stats().NoInstance)
	}
}

func TestSelectInstance_SkipsUnhealthy(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B", "C")
	set[1].IsHealthy = false
	for i := 0; i < 10; i++ {
		if got := lb.SelectInstance("svc", set, roundRobin(), nil); got.ID == "B" {
			t.Fatal("selected an unhealthy instance")
		}
	}
}

func TestSelectInstance_UnknownAlgorithmFallsBackToRoundRobin(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	strategy := registry.LoadBalancingStrategy{Algorithm: "random-ish"}
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, lb.SelectInstance("svc", set, strategy, nil).ID)
	}
	if diff := cmp.Diff([]string{"A", "B", "A", "B"}, got); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
	if lb.Stats().UnknownAlgorithm != 4 {
		t.Errorf("expected 4 fallbacks recorded, got %d", lb.Stats().UnknownAlgorithm)
	}
}

func TestSelectInstance_ReturnsCopy(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A")
	got := lb.SelectInstance("svc", set, roundRobin(), nil)
	got.CurrentConnections = 42
	if set[0].CurrentConnections != 0 {
		t.Error("selection must not alias the caller's slice")
	}
}

func TestSessionID_ExtractionOrder(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		setup func(r *routing.Request)
		want  string
	}{
		{
			name: "header first",
			key:  "sid",
			setup: func(r *routing.Request) {
				r.Headers.Set("sid", "from-header")
				r.Headers.Set("Cookie", "sid=from-cookie")
				r.Query.Set("sid", "from-query")
			},
			want: "from-header",
		},
		{
			name: "cookie second",
			key:  "sid",
			setup: func(r *routing.Request) {
				r.Headers.Set("Cookie", "theme=dark; sid=from-cookie")
				r.Query.Set("sid", "from-query")
			},
			want: "from-cookie",
		},
		{
			name:  "cookie name must match exactly",
			key:   "sid",
			setup: func(r *routing.Request) { r.Headers.Set("Cookie", "xsid=nope; sidx=nope") },
			want:  "",
		},
		{
			name:  "query third",
			key:   "sid",
			setup: func(r *routing.Request) { r.Query.Set("sid", "from-query") },
			want:  "from-query",
		},
		{
			name:  "user id",
			key:   "userId",
			setup: func(r *routing.Request) { r.User = "u-1" },
			want:  "u-1",
		},
		{
			name:  "user ignored for other keys",
			key:   "sid",
			setup: func(r *routing.Request) { r.User = "u-1" },
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestRequest()
			tt.setup(req)
			if got := SessionID(tt.key, req); got != tt.want {
				t.Errorf("SessionID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func stickyStrategy() registry.LoadBalancingStrategy {
	return registry.LoadBalancingStrategy{
		Algorithm:     registry.AlgorithmRoundRobin,
		StickySession: true,
		SessionKey:    "sid",
	}
}

func TestStickySession_PinsUntilUnhealthy(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	req := newTestRequest()
	req.Headers.Set("Cookie", "sid=abc123")

	first := lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req)
	if first.ID != "A" {
		t.Fatalf("expected first selection A, got %s", first.ID)
	}
	for i := 0; i < 5; i++ {
		if got := lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req); got.ID != "A" {
			t.Fatalf("call %d: sticky session moved to %s", i, got.ID)
		}
	}

	// A goes unhealthy: next call rebinds to B and the map follows.
	set[0].IsHealthy = false
	got := lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req)
	if got.ID != "B" {
		t.Fatalf("expected rebind to B, got %s", got.ID)
	}
	if pinned, _ := lb.StickyInstance("S", "abc123"); pinned != "B" {
		t.Errorf("sticky map points at %q, want B", pinned)
	}

	// A recovering does not steal the session back.
	set[0].IsHealthy = true
	if got := lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req); got.ID != "B" {
		t.Errorf("expected session to stay on B, got %s", got.ID)
	}

	stats := lb.Stats()
	if stats.StickyNew != 1 || stats.StickyRebinds != 1 || stats.StickyHits != 6 {
		t.Errorf("unexpected sticky stats %+v", stats)
	}
}

func TestStickySession_RemovedInstanceIsRebound(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	req := newTestRequest()
	req.Headers.Set("sid", "s1")

	first := lb.SelectInstanceWithStickySession("S", instances("A", "B"), stickyStrategy(), req)
	if got := lb.SelectInstanceWithStickySession("S", instances("C"), stickyStrategy(), req); got.ID != "C" {
		t.Fatalf("expected C after %s disappeared, got %s", first.ID, got.ID)
	}
}

func TestStickySession_NoSessionFallsBack(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), newTestRequest()).ID)
	}
	if diff := cmp.Diff([]string{"A", "B", "A", "B"}, got); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
	if lb.Stats().StickyEntries != 0 {
		t.Error("no sticky entries should be created without a session id")
	}
}

func TestStickySession_EmptySetReturnsNil(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	req := newTestRequest()
	req.Headers.Set("sid", "s1")
	if got := lb.SelectInstanceWithStickySession("S", nil, stickyStrategy(), req); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestStickySession_ConcurrentSameSession(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B", "C")
	req := newTestRequest()
	req.Headers.Set("sid", "shared")

	var wg sync.WaitGroup
	results := make([]string, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req).ID
		}(i)
	}
	wg.Wait()

	for _, id := range results {
		if id != results[0] {
			t.Fatalf("concurrent requests for one session were split: %v", results)
		}
	}
}

func TestRemoveUnhealthyInstance(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	for i := 0; i < 6; i++ {
		req := newTestRequest()
		req.Headers.Set("sid", fmt.Sprintf("s%d", i))
		lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req)
	}
	if lb.sticky.countInstance("A") == 0 {
		t.Fatal("expected sessions pinned to A")
	}

	lb.RemoveUnhealthyInstance("S", "A")
	if n := lb.sticky.countInstance("A"); n != 0 {
		t.Errorf("expected no entries referencing A, got %d", n)
	}
	if n := lb.sticky.countInstance("B"); n != 3 {
		t.Errorf("entries for B should survive, got %d", n)
	}
}

func TestClearStickySessionsForService(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	req := newTestRequest()
	req.Headers.Set("sid", "s1")
	lb.SelectInstanceWithStickySession("one", instances("A"), stickyStrategy(), req)
	lb.SelectInstanceWithStickySession("two", instances("B"), stickyStrategy(), req)

	lb.ClearStickySessionsForService("one")
	if _, ok := lb.StickyInstance("one", "s1"); ok {
		t.Error("service one should have no sticky sessions")
	}
	if _, ok := lb.StickyInstance("two", "s1"); !ok {
		t.Error("service two sessions should survive")
	}
}

func TestReset(t *testing.T) {
	lb := New(Options{})
	defer lb.Close()

	set := instances("A", "B")
	lb.SelectInstance("S", set, roundRobin(), nil)
	req := newTestRequest()
	req.Headers.Set("sid", "s1")
	lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req)

	lb.Reset()

	if got := lb.SelectInstance("S", set, roundRobin(), nil); got.ID != "A" {
		t.Errorf("counter not reset, got %s", got.ID)
	}
	stats := lb.Stats()
	if stats.StickyEntries != 0 || stats.TotalSelections != 1 {
		t.Errorf("unexpected stats after reset %+v", stats)
	}
}

func TestStickyTable_LRUEviction(t *testing.T) {
	lb := New(Options{StickyMaxEntries: 2})
	defer lb.Close()

	set := instances("A")
	for _, sid := range []string{"s1", "s2"} {
		req := newTestRequest()
		req.Headers.Set("sid", sid)
		lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req)
		time.Sleep(2 * time.Millisecond)
	}

	// Touch s1 so s2 becomes least recently used.
	req := newTestRequest()
	req.Headers.Set("sid", "s1")
	lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req)
	time.Sleep(2 * time.Millisecond)

	req = newTestRequest()
	req.Headers.Set("sid", "s3")
	lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req)

	if _, ok := lb.StickyInstance("S", "s2"); ok {
		t.Error("expected s2 to be evicted")
	}
	for _, sid := range []string{"s1", "s3"} {
		if _, ok := lb.StickyInstance("S", sid); !ok {
			t.Errorf("expected %s to be kept", sid)
		}
	}
}

func TestStickyTable_TTLExpiry(t *testing.T) {
	lb := New(Options{StickyTTL: 20 * time.Millisecond})
	defer lb.Close()

	set := instances("A", "B")
	req := newTestRequest()
	req.Headers.Set("sid", "s1")

	if got := lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req); got.ID != "A" {
		t.Fatalf("expected A, got %s", got.ID)
	}
	time.Sleep(40 * time.Millisecond)

	// The expired mapping is replaced by a fresh round-robin pick.
	if got := lb.SelectInstanceWithStickySession("S", set, stickyStrategy(), req); got.ID != "B" {
		t.Errorf("expected fresh selection B after expiry, got %s", got.ID)
	}
}
