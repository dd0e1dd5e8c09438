// Package loadbalancer selects one healthy service instance per request.
//
// A LoadBalancer owns all balancing state of a gateway process: the
// per-service counters used by round-robin and weighted selection, and the
// sticky-session table. It only reads instance snapshots handed to it and never
// mutates instance fields; connection counts and metrics are updated through
// the registry.
//
// Selection never performs I/O and never fails: an empty healthy set yields nil,
// which callers report as "service unavailable".
package loadbalancer

import (
	"log/slog"
	"sync"
	"time"

	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/routing"
)

// stickyAlgorithm is the statistics label of selections answered from the
// sticky table.
const stickyAlgorithm = "sticky"

// Options configures a LoadBalancer.
type Options struct {
	// StickyTTL expires sticky mappings that were not used for this long.
	// Zero keeps mappings until the instance leaves the healthy set.
	StickyTTL time.Duration

	// StickyMaxEntries caps the sticky table; the least recently used
	// mapping is evicted when full. Zero means unlimited.
	StickyMaxEntries int

	Logger *slog.Logger
}

// LoadBalancer implements instance selection with sticky-session support.
type LoadBalancer struct {
	counters   *counters
	algorithms map[registry.Algorithm]Algorithm
	fallback   Algorithm

	sticky *stickyTable
	stats  *atomicStats

	// warned records services already warned about an unknown algorithm.
	warned sync.Map

	logger *slog.Logger
}

// New creates a LoadBalancer with empty state.
func New(opts Options) *LoadBalancer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := newCounters()
	rr := &RoundRobin{counters: c}
	return &LoadBalancer{
		counters: c,
		algorithms: map[registry.Algorithm]Algorithm{
			registry.AlgorithmRoundRobin:       rr,
			registry.AlgorithmWeighted:         &Weighted{counters: c},
			registry.AlgorithmLeastConnections: LeastConnections{},
			registry.AlgorithmResponseTime:     ResponseTime{},
		},
		fallback: rr,
		sticky:   newStickyTable(opts.StickyTTL, opts.StickyMaxEntries),
		stats:    newAtomicStats(),
		logger:   logger.With("component", "loadbalancer"),
	}
}

// SelectInstance picks one healthy instance of serviceID using the strategy's
// algorithm. Unhealthy instances in the input are ignored. It returns nil only
// when no instance is healthy.
//
// req is unused by the built-in algorithms and may be nil.
func (lb *LoadBalancer) SelectInstance(serviceID string, instances []registry.ServiceInstance, strategy registry.LoadBalancingStrategy, req *routing.Request) *registry.ServiceInstance {
	healthy := filterHealthy(instances)
	idx := lb.selectIndex(serviceID, healthy, strategy.Algorithm)
	if idx < 0 {
		return nil
	}
	selected := healthy[idx]
	return &selected
}

// SelectInstanceWithStickySession pins requests carrying the same session id
// to the same instance for as long as it stays healthy. Without stickiness
// enabled, or without a session id in the request, it behaves like
// SelectInstance.
func (lb *LoadBalancer) SelectInstanceWithStickySession(serviceID string, instances []registry.ServiceInstance, strategy registry.LoadBalancingStrategy, req *routing.Request) *registry.ServiceInstance {
	if !strategy.StickySession {
		return lb.SelectInstance(serviceID, instances, strategy, req)
	}
	sessionID := SessionID(strategy.SessionKey, req)
	if sessionID == "" {
		return lb.SelectInstance(serviceID, instances, strategy, req)
	}

	healthy := filterHealthy(instances)
	idx, outcome := lb.sticky.resolve(stickyKey(serviceID, sessionID), serviceID, healthy, func() int {
		return lb.selectIndex(serviceID, healthy, strategy.Algorithm)
	})
	lb.stats.recordSticky(outcome)
	if idx < 0 {
		return nil
	}

	if outcome == stickyRebound {
		lb.logger.Debug("sticky session rebound",
			"service_id", serviceID,
			"instance_id", healthy[idx].ID,
		)
	}
	if outcome == stickyHit {
		lb.stats.recordSelection(stickyAlgorithm, healthy[idx].ID)
	}
	selected := healthy[idx]
	return &selected
}

// StickyInstance returns the instance id currently pinned to a session.
func (lb *LoadBalancer) StickyInstance(serviceID, sessionID string) (string, bool) {
	return lb.sticky.lookup(stickyKey(serviceID, sessionID))
}

// RemoveUnhealthyInstance purges every sticky mapping pointing at the instance.
func (lb *LoadBalancer) RemoveUnhealthyInstance(serviceID, instanceID string) {
	if n := lb.sticky.removeInstance(serviceID, instanceID); n > 0 {
		lb.stats.stickyPurged.Add(int64(n))
		lb.logger.Debug("sticky sessions purged",
			"service_id", serviceID,
			"instance_id", instanceID,
			"entries", n,
		)
	}
}

// ClearStickySessionsForService purges every sticky mapping of a service.
func (lb *LoadBalancer) ClearStickySessionsForService(serviceID string) {
	if n := lb.sticky.removeService(serviceID); n > 0 {
		lb.stats.stickyPurged.Add(int64(n))
	}
}

// Reset clears all counters, sticky mappings and statistics.
func (lb *LoadBalancer) Reset() {
	lb.sticky.mu.Lock()
	lb.counters.reset()
	lb.sticky.entries = make(map[string]*stickyEntry)
	lb.sticky.mu.Unlock()

	lb.stats.reset()
	lb.warned.Range(func(key, _ any) bool {
		lb.warned.Delete(key)
		return true
	})
}

// Stats returns a snapshot of selection statistics.
func (lb *LoadBalancer) Stats() Stats {
	s := lb.stats.snapshot()
	s.StickyEntries = lb.sticky.size()
	return s
}

// Close stops the sticky table's expiry goroutine.
func (lb *LoadBalancer) Close() {
	lb.sticky.close()
}

func (lb *LoadBalancer) selectIndex(serviceID string, healthy []registry.ServiceInstance, name registry.Algorithm) int {
	if len(healthy) == 0 {
		lb.stats.noInstance.Add(1)
		return -1
	}
	alg := lb.algorithmFor(serviceID, name)
	idx := alg.Select(serviceID, healthy)
	lb.stats.recordSelection(string(alg.Name()), healthy[idx].ID)
	return idx
}

// algorithmFor resolves the algorithm, falling back to round-robin for
// unknown names.
func (lb *LoadBalancer) algorithmFor(serviceID string, name registry.Algorithm) Algorithm {
	if name == "" {
		return lb.fallback
	}
	if alg, ok := lb.algorithms[name]; ok {
		return alg
	}
	lb.stats.unknownAlgorithm.Add(1)
	if _, loaded := lb.warned.LoadOrStore(serviceID, struct{}{}); !loaded {
		lb.logger.Warn("unknown load balancing algorithm, using round-robin",
			"service_id", serviceID,
			"algorithm", string(name),
		)
	}
	return lb.fallback
}

func filterHealthy(instances []registry.ServiceInstance) []registry.ServiceInstance {
	healthy := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.IsHealthy {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}
