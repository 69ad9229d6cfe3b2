package credstore

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// rateLimiter keeps a sliding one-minute window of call timestamps per
// service. In-memory and mutex-guarded; not safe across processes without an
// external lock.
type rateLimiter struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{calls: make(map[string][]time.Time)}
}

// allow reports whether a call is permitted under limitPerMinute at now.
// A non-positive limit disables limiting.
func (r *rateLimiter) allow(serviceID string, limitPerMinute int, now time.Time) bool {
	if limitPerMinute <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prune(serviceID, now)) < limitPerMinute
}

// record appends a call timestamp.
func (r *rateLimiter) record(serviceID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[serviceID] = append(r.prune(serviceID, now), now)
}

// prune drops timestamps older than the window. Caller holds the lock.
func (r *rateLimiter) prune(serviceID string, now time.Time) []time.Time {
	kept := r.calls[serviceID][:0]
	for _, t := range r.calls[serviceID] {
		if now.Sub(t) < rateWindow {
			kept = append(kept, t)
		}
	}
	r.calls[serviceID] = kept
	return kept
}
