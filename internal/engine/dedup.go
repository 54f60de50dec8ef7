package engine

import (
	"sync"
	"time"
)

// dedup remembers consumed opportunity fingerprints for a TTL window. A
// fingerprint is consumed by exactly one execution plan; later detections of
// the same instance are discarded even after the plan settles.
type dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{seen: make(map[string]time.Time), ttl: ttl}
}

// consume records the fingerprint and reports whether it was fresh.
func (d *dedup) consume(fingerprint string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.seen[fingerprint]; ok && now.Sub(last) < d.ttl {
		return false
	}
	d.seen[fingerprint] = now
	return true
}

func (d *dedup) cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for fingerprint, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, fingerprint)
		}
	}
}
