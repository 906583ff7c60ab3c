package webhooks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_AllowAndRefill(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("paypal"))
	assert.True(t, rl.Allow("paypal"))
	assert.False(t, rl.Allow("paypal"))
	assert.True(t, rl.Allow("stripe"), "buckets are per key")

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, rl.Remaining("paypal"))
	assert.True(t, rl.Allow("paypal"))

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 2, rl.Remaining("paypal"), "refill is capped")
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour)

	assert.True(t, rl.Allow("razorpay"))
	assert.False(t, rl.Allow("razorpay"))

	rl.Reset("razorpay")
	assert.True(t, rl.Allow("razorpay"))
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	assert.Equal(t, 1, rl.capacity)
	assert.Equal(t, time.Minute, rl.interval)
}
