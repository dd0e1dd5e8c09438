package loadbalancer

import "mercator-hq/meridian/pkg/registry"

// Weighted uses the per-service counter as a cursor into the cyclic range
// [1..totalWeight] and walks instances by cumulative weight until it reaches
// the cursor. With weights [1,2,1] every four selections pick A, B, B, C.
//
// When every weight is zero it behaves like round-robin.
type Weighted struct {
	counters *counters
}

// Select implements Algorithm.
func (w *Weighted) Select(serviceID string, instances []registry.ServiceInstance) int {
	total := 0
	for _, inst := range instances {
		if inst.Weight > 0 {
			total += inst.Weight
		}
	}

	cursor := w.counters.next(serviceID)
	if total == 0 {
		return int(cursor % uint64(len(instances)))
	}

	target := int(cursor%uint64(total)) + 1
	cumulative := 0
	for i, inst := range instances {
		if inst.Weight <= 0 {
			continue
		}
		cumulative += inst.Weight
		if cumulative >= target {
			return i
		}
	}
	return len(instances) - 1
}

// Name implements Algorithm.
func (w *Weighted) Name() registry.Algorithm {
	return registry.AlgorithmWeighted
}
