package webhooks

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket per inbound provider. It protects the
// processor from a redelivery storm; rejected deliveries get a 429, which
// every provider treats as retryable.
type RateLimiter struct {
	buckets  map[string]*TokenBucket
	mutex    sync.Mutex
	capacity int
	interval time.Duration
	now      func() time.Time
}

// TokenBucket holds the tokens for one provider. One token is added every
// interval up to capacity.
type TokenBucket struct {
	tokens     int
	capacity   int
	interval   time.Duration
	lastRefill time.Time
}

// NewRateLimiter allows maxRequests per period for each key
func NewRateLimiter(maxRequests int, period time.Duration) *RateLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	interval := period / time.Duration(maxRequests)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return &RateLimiter{
		buckets:  make(map[string]*TokenBucket),
		capacity: maxRequests,
		interval: interval,
		now:      time.Now,
	}
}

// Allow takes a token for key if one is available
func (rl *RateLimiter) Allow(key string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	bucket := rl.bucket(key)
	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

// Remaining returns the tokens left for key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return rl.bucket(key).tokens
}

// Reset forgets the bucket for key
func (rl *RateLimiter) Reset(key string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.buckets, key)
}

// bucket returns the refilled bucket for key. rl.mutex must be held.
func (rl *RateLimiter) bucket(key string) *TokenBucket {
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &TokenBucket{tokens: rl.capacity, capacity: rl.capacity, interval: rl.interval, lastRefill: now}
		rl.buckets[key] = b
		return b
	}

	if elapsed := now.Sub(b.lastRefill); elapsed >= b.interval {
		added := int(elapsed / b.interval)
		b.tokens = min(b.tokens+added, b.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(added) * b.interval)
	}
	return b
}
