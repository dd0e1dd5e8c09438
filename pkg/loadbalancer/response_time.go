package loadbalancer

import "mercator-hq/meridian/pkg/registry"

// ResponseTime picks the most reliable instance (lowest error rate) and then
// the fastest one (lowest rolling response time).
type ResponseTime struct{}

// Select implements Algorithm.
func (ResponseTime) Select(_ string, instances []registry.ServiceInstance) int {
	best := 0
	for i := 1; i < len(instances); i++ {
		cur, top := instances[i], instances[best]
		if cur.ErrorRate < top.ErrorRate ||
			(cur.ErrorRate == top.ErrorRate && cur.ResponseTime < top.ResponseTime) {
			best = i
		}
	}
	return best
}

// Name implements Algorithm.
func (ResponseTime) Name() registry.Algorithm {
	return registry.AlgorithmResponseTime
}
