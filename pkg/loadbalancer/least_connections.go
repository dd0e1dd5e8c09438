package loadbalancer

import "mercator-hq/meridian/pkg/registry"

// LeastConnections picks the instance with the fewest in-flight requests.
// Ties go to the lower rolling response time, then to the earlier instance.
type LeastConnections struct{}

// Select implements Algorithm.
func (LeastConnections) Select(_ string, instances []registry.ServiceInstance) int {
	best := 0
	for i := 1; i < len(instances); i++ {
		cur, top := instances[i], instances[best]
		if cur.CurrentConnections < top.CurrentConnections ||
			(cur.CurrentConnections == top.CurrentConnections && cur.ResponseTime < top.ResponseTime) {
			best = i
		}
	}
	return best
}

// Name implements Algorithm.
func (LeastConnections) Name() registry.Algorithm {
	return registry.AlgorithmLeastConnections
}
