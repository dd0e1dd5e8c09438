package loadbalancer

import (
	"sync"

	"mercator-hq/meridian/pkg/registry"
)

// Algorithm picks one instance out of a non-empty healthy set.
//
// Implementations must be thread-safe and must not perform I/O: selection
// runs synchronously on the request path.
type Algorithm interface {
	// Select returns the index of the chosen instance. instances is never empty.
	Select(serviceID string, instances []registry.ServiceInstance) int

	// Name returns the algorithm name for logging and statistics.
	Name() registry.Algorithm
}

// counters holds one monotonically increasing counter per service. It is
// shared by round-robin and weighted selection and is never reset when the
// instance count changes.
type counters struct {
	mu     sync.Mutex
	values map[string]uint64
}

func newCounters() *counters {
	return &counters{values: make(map[string]uint64)}
}

// next returns the current counter for serviceID and increments it.
func (c *counters) next(serviceID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.values[serviceID]
	c.values[serviceID] = v + 1
	return v
}

func (c *counters) reset() {
	c.mu.Lock()
	c.values = make(map[string]uint64)
	c.mu.Unlock()
}
