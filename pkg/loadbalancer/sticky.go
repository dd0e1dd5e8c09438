package loadbalancer

import (
	"sync"
	"time"

	"mercator-hq/meridian/pkg/registry"
)

// stickyEntry pins one session to one instance.
type stickyEntry struct {
	ServiceID      string
	InstanceID     string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// stickyTable maps "serviceID:sessionID" to an instance with optional TTL and
// LRU eviction. A single mutex guards the whole table so the
// lookup-validate-assign sequence of one session never interleaves with
// another request for the same session.
type stickyTable struct {
	mu      sync.Mutex
	entries map[string]*stickyEntry

	// ttl is the time-to-live for entries (0 = no expiry)
	ttl time.Duration

	// maxEntries caps the table size (0 = unlimited)
	maxEntries int

	stopCh          chan struct{}
	stopOnce        sync.Once
	cleanupInterval time.Duration
}

func newStickyTable(ttl time.Duration, maxEntries int) *stickyTable {
	cleanupInterval := time.Minute
	if ttl > 0 {
		cleanupInterval = ttl / 2
		if cleanupInterval < time.Second {
			cleanupInterval = time.Second
		}
	}

	t := &stickyTable{
		entries:         make(map[string]*stickyEntry),
		ttl:             ttl,
		maxEntries:      maxEntries,
		stopCh:          make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	if ttl > 0 {
		go t.cleanupExpired()
	}
	return t
}

func stickyKey(serviceID, sessionID string) string {
	return serviceID + ":" + sessionID
}

// stickyOutcome reports what resolve did, for statistics.
type stickyOutcome uint8

const (
	stickyHit stickyOutcome = iota
	stickyNew
	stickyRebound
	stickyNone
)

// resolve returns the instance pinned to key if it is still in the healthy
// set. Otherwise it drops the stale entry, calls pick and pins the result.
func (t *stickyTable) resolve(key, serviceID string, healthy []registry.ServiceInstance, pick func() int) (int, stickyOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	outcome := stickyNew
	if entry, ok := t.entries[key]; ok {
		expired := t.ttl > 0 && now.After(entry.ExpiresAt)
		if !expired {
			if idx := indexOf(healthy, entry.InstanceID); idx >= 0 {
				entry.LastAccessedAt = now
				entry.AccessCount++
				if t.ttl > 0 {
					entry.ExpiresAt = now.Add(t.ttl)
				}
				return idx, stickyHit
			}
			outcome = stickyRebound
		}
		delete(t.entries, key)
	}

	idx := pick()
	if idx < 0 {
		return -1, stickyNone
	}

	if t.maxEntries > 0 && len(t.entries) >= t.maxEntries {
		t.evictLRU()
	}
	expiresAt := time.Time{}
	if t.ttl > 0 {
		expiresAt = now.Add(t.ttl)
	}
	t.entries[key] = &stickyEntry{
		ServiceID:      serviceID,
		InstanceID:     healthy[idx].ID,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
	}
	return idx, outcome
}

// lookup returns the instance id pinned to key without validating it.
func (t *stickyTable) lookup(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return "", false
	}
	return entry.InstanceID, true
}

// removeInstance purges every entry pointing at the instance.
func (t *stickyTable) removeInstance(serviceID, instanceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.entries {
		if entry.InstanceID == instanceID && (serviceID == "" || entry.ServiceID == serviceID) {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// removeService purges every entry of a service.
func (t *stickyTable) removeService(serviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, entry := range t.entries {
		if entry.ServiceID == serviceID {
			delete(t.entries, key)
			removed++
		}
	}
	return removed
}

// countInstance returns how many entries point at the instance.
func (t *stickyTable) countInstance(instanceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, entry := range t.entries {
		if entry.InstanceID == instanceID {
			n++
		}
	}
	return n
}

func (t *stickyTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// close stops the background cleanup goroutine.
func (t *stickyTable) close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// evictLRU evicts the least recently used entry.
// Must be called with the lock held.
func (t *stickyTable) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range t.entries {
		if oldestKey == "" || entry.LastAccessedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.LastAccessedAt
		}
	}
	if oldestKey != "" {
		delete(t.entries, oldestKey)
	}
}

func (t *stickyTable) cleanupExpired() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.removeExpired()
		case <-t.stopCh:
			return
		}
	}
}

func (t *stickyTable) removeExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, entry := range t.entries {
		if now.After(entry.ExpiresAt) {
			delete(t.entries, key)
		}
	}
}

func indexOf(instances []registry.ServiceInstance, id string) int {
	for i, inst := range instances {
		if inst.ID == id {
			return i
		}
	}
	return -1
}
