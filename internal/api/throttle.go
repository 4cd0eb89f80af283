package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// minPruneSize is the bucket count below which idle buckets are not swept.
const minPruneSize = 1024

// throttle keeps one token bucket per player for trade requests.
type throttle struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
	pruneAt int
}

// newThrottle returns nil, which allows everything, when perSec is not
// positive.
func newThrottle(perSec float64, burst int) *throttle {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &throttle{
		limit:   rate.Limit(perSec),
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
		pruneAt: minPruneSize,
	}
}

func (t *throttle) allow(playerID string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	b, ok := t.buckets[playerID]
	if !ok {
		if len(t.buckets) >= t.pruneAt {
			t.prune()
		}
		b = rate.NewLimiter(t.limit, t.burst)
		t.buckets[playerID] = b
	}
	t.mu.Unlock()
	return b.Allow()
}

// prune drops buckets that have refilled completely; they behave exactly like
// a fresh bucket. Callers hold t.mu.
func (t *throttle) prune() {
	for id, b := range t.buckets {
		if b.Tokens() >= float64(t.burst) {
			delete(t.buckets, id)
		}
	}
	t.pruneAt = max(2*len(t.buckets), minPruneSize)
}
