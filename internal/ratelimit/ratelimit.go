package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	name  string
	span  time.Duration
	limit int
	hits  []time.Time
}

// prune drops hits older than the window span.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept
}

func (w *window) full() bool {
	return w.limit > 0 && len(w.hits) >= w.limit
}

// RateLimiter enforces request budgets over sliding minute and day windows.
// A zero limit disables that window.
type RateLimiter struct {
	enabled bool
	windows []*window
	now     func() time.Time
	mu      sync.Mutex
}

// NewRateLimiter creates a limiter with per-minute and per-day budgets.
func NewRateLimiter(requestsPerMinute, requestsPerDay int, enabled bool) *RateLimiter {
	return &RateLimiter{
		enabled: enabled,
		windows: []*window{
			{name: "minute", span: time.Minute, limit: requestsPerMinute},
			{name: "day", span: 24 * time.Hour, limit: requestsPerDay},
		},
		now: time.Now,
	}
}

// AllowRequest records a request and reports whether it fits every budget.
// Rejected requests are not recorded.
func (rl *RateLimiter) AllowRequest() bool {
	if !rl.enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for _, w := range rl.windows {
		w.prune(now)
		if w.full() {
			return false
		}
	}
	for _, w := range rl.windows {
		w.hits = append(w.hits, now)
	}
	return true
}

// WindowStats describes one budget window.
type WindowStats struct {
	Window    string `json:"window"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
}

// Stats contains rate limiter statistics
type Stats struct {
	Enabled bool          `json:"enabled"`
	Windows []WindowStats `json:"windows,omitempty"`
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	if !rl.enabled {
		return Stats{Enabled: false}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := Stats{Enabled: true}
	for _, w := range rl.windows {
		w.prune(now)
		remaining := 0
		if w.limit > 0 {
			remaining = max(0, w.limit-len(w.hits))
		}
		stats.Windows = append(stats.Windows, WindowStats{
			Window:    w.name,
			Limit:     w.limit,
			Used:      len(w.hits),
			Remaining: remaining,
		})
	}
	return stats
}

// Reset clears all tracked requests (useful for testing)
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for _, w := range rl.windows {
		w.hits = nil
	}
}
