package vibesync

import (
	"sync"
	"time"
)

// --- Adaptive Sync Interval ---

// AdaptiveInterval shortens the sync interval while the user is active and
// restores the base interval on reset. Each recorded activity multiplies
// the current interval by the decay factor, never dropping below the floor.
type AdaptiveInterval struct {
	base  time.Duration
	min   time.Duration
	decay float64

	mu      sync.Mutex
	current time.Duration
	counts  map[string]int64
}

// NewAdaptiveInterval creates an adaptive interval. Zero or invalid inputs
// fall back to a 5s base, 500ms floor, and 0.85 decay.
func NewAdaptiveInterval(base, min time.Duration, decay float64) *AdaptiveInterval {
	if base <= 0 {
		base = 5 * time.Second
	}
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if min > base {
		min = base
	}
	if decay <= 0 || decay >= 1 {
		decay = 0.85
	}
	return &AdaptiveInterval{
		base:    base,
		min:     min,
		decay:   decay,
		current: base,
		counts:  make(map[string]int64),
	}
}

// RecordActivity notes one user action of the given kind and tightens the
// interval toward the floor.
func (a *AdaptiveInterval) RecordActivity(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.counts[kind]++
	next := time.Duration(float64(a.current) * a.decay)
	if next < a.min {
		next = a.min
	}
	a.current = next
}

// Interval returns the current sync interval.
func (a *AdaptiveInterval) Interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Reset restores the base interval and clears activity counts.
func (a *AdaptiveInterval) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = a.base
	a.counts = make(map[string]int64)
}

// ActivityCounts returns a copy of per-kind activity counters since the
// last reset.
func (a *AdaptiveInterval) ActivityCounts() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int64, len(a.counts))
	for k, v := range a.counts {
		out[k] = v
	}
	return out
}
