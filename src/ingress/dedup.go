package ingress

import (
	"sync"
	"time"
)

// DedupRegistry suppresses duplicate and racing webhook deliveries. Keys
// are call ids and "<caller>_active" markers; every key expires after the
// TTL so a crashed teardown path cannot block a caller forever.
type DedupRegistry struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewDedupRegistry creates a registry with the given key TTL
func NewDedupRegistry(ttl time.Duration) *DedupRegistry {
	if ttl == 0 {
		ttl = 120 * time.Second
	}
	return &DedupRegistry{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// Contains reports whether the key is present and unexpired
func (r *DedupRegistry) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	expires, ok := r.entries[key]
	if !ok {
		return false
	}
	if r.now().After(expires) {
		delete(r.entries, key)
		return false
	}
	return true
}

// Add inserts or refreshes a key
func (r *DedupRegistry) Add(key string) {
	r.mu.Lock()
	r.entries[key] = r.now().Add(r.ttl)
	r.mu.Unlock()
}

// Remove deletes a key before its TTL, used when a call ends early so the
// caller can ring back immediately
func (r *DedupRegistry) Remove(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Sweep drops all expired keys and returns how many remain
func (r *DedupRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, expires := range r.entries {
		if now.After(expires) {
			delete(r.entries, key)
		}
	}
	return len(r.entries)
}
