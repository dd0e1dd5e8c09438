package loadbalancer

import "mercator-hq/meridian/pkg/registry"

// RoundRobin cycles through instances with a per-service counter:
// index = counter % len(instances).
//
// Fairness is exact while the instance set is stable and approximate when it
// changes, since the counter keeps running.
type RoundRobin struct {
	counters *counters
}

// Select implements Algorithm.
func (r *RoundRobin) Select(serviceID string, instances []registry.ServiceInstance) int {
	return int(r.counters.next(serviceID) % uint64(len(instances)))
}

// Name implements Algorithm.
func (r *RoundRobin) Name() registry.Algorithm {
	return registry.AlgorithmRoundRobin
}
