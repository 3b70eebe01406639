package guard

import (
	"sync"
	"time"
)

// Limiter is the rate limit check the guard consults per caller. A nil
// limiter disables the check.
type Limiter interface {
	Allow(callerID string) bool
}

// RateLimiter is a token-bucket limiter keyed by caller. Buckets refill
// continuously at the configured per-minute rate up to the burst size.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	stop    chan struct{}
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewRateLimiter builds a limiter allowing requestsPerMinute sustained
// with bursts up to burst. A background sweep drops idle buckets.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = requestsPerMinute
	}
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    float64(requestsPerMinute) / 60.0,
		burst:   float64(burst),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow consumes one token for callerID if available.
func (rl *RateLimiter) Allow(callerID string) bool {
	if callerID == "" {
		callerID = "anonymous"
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[callerID]
	if !ok {
		b = &bucket{tokens: rl.burst, lastFill: now}
		rl.buckets[callerID] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Close stops the background sweep.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for id, b := range rl.buckets {
				if b.lastFill.Before(cutoff) {
					delete(rl.buckets, id)
				}
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}
