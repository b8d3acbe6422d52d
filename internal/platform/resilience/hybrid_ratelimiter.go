package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrQueueFull is returned by HybridRateLimiter.Wait when the leaky-bucket
// backlog is saturated and the caller should not queue further.
var ErrQueueFull = errors.New("resilience: rate limiter queue full")

// HybridRateLimiter combines a token-bucket admission gate with a
// leaky-bucket queue: callers that don't get an immediate token are queued
// and released at a steady drain rate instead of being rejected outright.
type HybridRateLimiter struct {
	tokens  *RateLimiter
	queue   chan chan struct{}
	drain   time.Duration
	closeCh chan struct{}
}

// NewHybridRateLimiter starts the background drain worker. queueDepth bounds
// the number of callers allowed to wait; drainInterval is the cadence at
// which one waiter is released.
func NewHybridRateLimiter(capacity float64, refillRate float64, queueDepth int, drainInterval time.Duration) *HybridRateLimiter {
	h := &HybridRateLimiter{
		tokens:  NewRateLimiter(capacity, refillRate, 0, 0),
		queue:   make(chan chan struct{}, queueDepth),
		drain:   drainInterval,
		closeCh: make(chan struct{}),
	}
	go h.worker()
	return h
}

func (h *HybridRateLimiter) worker() {
	ticker := time.NewTicker(h.drain)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeCh:
			return
		case <-ticker.C:
			select {
			case waiter := <-h.queue:
				close(waiter)
			default:
			}
		}
	}
}

// Wait blocks until a token is granted, the queue is full, or ctx is
// cancelled.
func (h *HybridRateLimiter) Wait(ctx context.Context) error {
	if h.tokens.Allow() {
		return nil
	}
	waiter := make(chan struct{})
	select {
	case h.queue <- waiter:
	default:
		return ErrQueueFull
	}
	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the drain worker.
func (h *HybridRateLimiter) Close() {
	close(h.closeCh)
}
