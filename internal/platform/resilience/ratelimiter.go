package resilience

import (
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter with an optional sliding-window cap
// on top, so short bursts are still bounded by a rolling count.
type RateLimiter struct {
	mu sync.Mutex

	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time

	windowCap   int
	windowSize  time.Duration
	windowStamp []time.Time
}

// NewRateLimiter builds a token bucket of the given capacity refilled at
// refillRate tokens/sec, with an additional cap of windowCap events per
// windowSize (0 disables the window cap).
func NewRateLimiter(capacity float64, refillRate float64, windowCap int, windowSize time.Duration) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		windowCap:  windowCap,
		windowSize: windowSize,
	}
}

// Allow attempts to consume one token, returning whether the request may
// proceed.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens = min(r.capacity, r.tokens+elapsed*r.refillRate)
	r.lastRefill = now

	if r.tokens < 1 {
		return false
	}

	if r.windowCap > 0 {
		cutoff := now.Add(-r.windowSize)
		kept := r.windowStamp[:0]
		for _, ts := range r.windowStamp {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		r.windowStamp = kept
		if len(r.windowStamp) >= r.windowCap {
			return false
		}
		r.windowStamp = append(r.windowStamp, now)
	}

	r.tokens--
	return true
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
