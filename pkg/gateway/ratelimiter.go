package gateway

import (
	"sync"
	"time"
)

// Rejection reasons reported by ClientRateLimiter
const (
	ReasonRateLimited   = "rate limit exceeded"
	ReasonTooConcurrent = "too many concurrent requests"
)

// ClientRateLimiter implements sliding window rate limiting per client.
// Concurrency counts messages whose turn stream has not finished yet.
type ClientRateLimiter struct {
	mu                 sync.Mutex
	requestsPerMinute  int
	maxConcurrent      int
	window             time.Duration
	requests           []time.Time
	concurrentRequests int
	now                func() time.Time
}

// NewClientRateLimiter creates a new rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(60, 10)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// Non-positive limits disable the respective check.
func NewClientRateLimiterWithLimits(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		requestsPerMinute: requestsPerMinute,
		maxConcurrent:     maxConcurrent,
		window:            time.Minute,
		requests:          make([]time.Time, 0),
		now:               time.Now,
	}
}

// prune drops requests outside the window; caller holds r.mu
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.requests[:0]
	for _, reqTime := range r.requests {
		if reqTime.After(cutoff) {
			kept = append(kept, reqTime)
		}
	}
	r.requests = kept
}

// Acquire admits a request and records its start, or returns the rejection reason
func (r *ClientRateLimiter) Acquire() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if r.maxConcurrent > 0 && r.concurrentRequests >= r.maxConcurrent {
		return false, ReasonTooConcurrent
	}

	r.prune(now)
	if r.requestsPerMinute > 0 && len(r.requests) >= r.requestsPerMinute {
		return false, ReasonRateLimited
	}

	r.requests = append(r.requests, now)
	r.concurrentRequests++
	return true, ""
}

// Release records the end of an admitted request
func (r *ClientRateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.concurrentRequests > 0 {
		r.concurrentRequests--
	}
}

// UpdateLimits updates the rate limits
func (r *ClientRateLimiter) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requestsPerMinute = requestsPerMinute
	r.maxConcurrent = maxConcurrent
}

// GetStats returns current rate limiter statistics
func (r *ClientRateLimiter) GetStats() (requestCount, concurrentCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests), r.concurrentRequests
}
