package pricing

import (
	"math/rand"
	"sync"
	"time"
)

// Source is the randomness used by the market: jitter, settlement delay
// offsets, event rolls and event selection. Inject a deterministic Source in
// tests to assert exact outputs.
type Source interface {
	// Float64 returns a number in [0, 1).
	Float64() float64
	// Intn returns a number in [0, n).
	Intn(n int) int
}

// LockedSource is a Source backed by math/rand, safe for concurrent use.
type LockedSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLockedSource seeds a LockedSource. A zero seed uses the current time.
func NewLockedSource(seed int64) *LockedSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &LockedSource{rnd: rand.New(rand.NewSource(seed))}
}

func (s *LockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

func (s *LockedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Intn(n)
}

// ScriptedSource replays fixed draws. When a script runs out, Float64 returns
// 0 (no jitter, no event) and Intn returns 1 (zero offset for settlement
// delay, second element when picking).
type ScriptedSource struct {
	mu     sync.Mutex
	Floats []float64
	Ints   []int
}

func (s *ScriptedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Floats) == 0 {
		return 0
	}
	f := s.Floats[0]
	s.Floats = s.Floats[1:]
	return f
}

func (s *ScriptedSource) Intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Ints) == 0 {
		if n > 1 {
			return 1
		}
		return 0
	}
	v := s.Ints[0]
	s.Ints = s.Ints[1:]
	if v >= n {
		v = n - 1
	}
	if v < 0 {
		v = 0
	}
	return v
}
