package loadbalancer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of load balancer activity.
type Stats struct {
	// TotalSelections counts every SelectInstance call that returned an instance.
	TotalSelections int64

	// SelectionsPerInstance maps instance id to the number of times it was picked.
	SelectionsPerInstance map[string]int64

	// AlgorithmUseCount maps algorithm name to the number of selections it made.
	AlgorithmUseCount map[string]int64

	// NoInstance counts selections against an empty healthy set.
	NoInstance int64

	// UnknownAlgorithm counts selections that fell back to round-robin.
	UnknownAlgorithm int64

	StickyHits    int64
	StickyNew     int64
	StickyRebinds int64
	StickyPurged  int64
	StickyEntries int
	LastResetTime time.Time
}

// atomicStats tracks selection statistics with lock-free counters.
type atomicStats struct {
	totalSelections atomic.Int64

	selectionsPerInstance sync.Map // map[string]*atomic.Int64
	algorithmUseCount     sync.Map // map[string]*atomic.Int64

	noInstance       atomic.Int64
	unknownAlgorithm atomic.Int64
	stickyHits       atomic.Int64
	stickyNew        atomic.Int64
	stickyRebinds    atomic.Int64
	stickyPurged     atomic.Int64

	// mu protects lastResetTime
	mu            sync.RWMutex
	lastResetTime time.Time
}

func newAtomicStats() *atomicStats {
	return &atomicStats{lastResetTime: time.Now()}
}

func (s *atomicStats) recordSelection(algorithm, instanceID string) {
	s.totalSelections.Add(1)
	incrementKey(&s.selectionsPerInstance, instanceID)
	incrementKey(&s.algorithmUseCount, algorithm)
}

func (s *atomicStats) recordSticky(outcome stickyOutcome) {
	switch outcome {
	case stickyHit:
		s.stickyHits.Add(1)
	case stickyNew:
		s.stickyNew.Add(1)
	case stickyRebound:
		s.stickyRebinds.Add(1)
	}
}

func incrementKey(m *sync.Map, key string) {
	val, _ := m.LoadOrStore(key, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

func (s *atomicStats) snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perInstance := make(map[string]int64)
	s.selectionsPerInstance.Range(func(key, value any) bool {
		perInstance[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	algorithms := make(map[string]int64)
	s.algorithmUseCount.Range(func(key, value any) bool {
		algorithms[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})

	return Stats{
		TotalSelections:       s.totalSelections.Load(),
		SelectionsPerInstance: perInstance,
		AlgorithmUseCount:     algorithms,
		NoInstance:            s.noInstance.Load(),
		UnknownAlgorithm:      s.unknownAlgorithm.Load(),
		StickyHits:            s.stickyHits.Load(),
		StickyNew:             s.stickyNew.Load(),
		StickyRebinds:         s.stickyRebinds.Load(),
		StickyPurged:          s.stickyPurged.Load(),
		LastResetTime:         s.lastResetTime,
	}
}

func (s *atomicStats) reset() {
	s.totalSelections.Store(0)
	s.noInstance.Store(0)
	s.unknownAlgorithm.Store(0)
	s.stickyHits.Store(0)
	s.stickyNew.Store(0)
	s.stickyRebinds.Store(0)
	s.stickyPurged.Store(0)

	s.selectionsPerInstance.Range(func(key, _ any) bool {
		s.selectionsPerInstance.Delete(key)
		return true
	})
	s.algorithmUseCount.Range(func(key, _ any) bool {
		s.algorithmUseCount.Delete(key)
		return true
	})

	s.mu.Lock()
	s.lastResetTime = time.Now()
	s.mu.Unlock()
}
