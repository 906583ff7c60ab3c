package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/meter/pkg/contextkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute, BurstSize: 1})

	for i := 0; i < 4; i++ {
		allowed, err := rl.Allow(ctx, "org:1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, err := rl.Allow(ctx, "org:1")
	require.NoError(t, err)
	assert.False(t, allowed)

	// other keys have their own bucket
	allowed, _ = rl.Allow(ctx, "org:2")
	assert.True(t, allowed)

	remaining, _ := rl.Remaining(ctx, "org:1")
	assert.Equal(t, 0, remaining)
	remaining, _ = rl.Remaining(ctx, "org:3")
	assert.Equal(t, 4, remaining)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Millisecond})
	rl.Allow(context.Background(), "ip:1.2.3.4")

	time.Sleep(5 * time.Millisecond)
	rl.Cleanup()

	rl.mu.RLock()
	defer rl.mu.RUnlock()
	assert.Empty(t, rl.buckets)
}

func TestRateLimitMiddleware_ByOrganization(t *testing.T) {
	orgLimiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	m := NewRateLimitMiddleware(orgLimiter, nil, quietLogger())
	handler := m.Handler(statusHandler(http.StatusOK))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, orgRequest(http.MethodGet, "/billing/usage", 1))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, orgRequest(http.MethodGet, "/billing/usage", 1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")

	// a different organization is unaffected
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, orgRequest(http.MethodGet, "/billing/usage", 2))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware_ByClientIP(t *testing.T) {
	anon := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	m := NewRateLimitMiddleware(nil, anon, quietLogger())
	handler := m.Handler(statusHandler(http.StatusOK))

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Forwarded-For", forwarded)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1, 192.168.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "172.16.0.4:5123"
	assert.Equal(t, "172.16.0.4", getClientIP(req))

	req.Header.Set("X-Real-IP", "10.1.1.1")
	assert.Equal(t, "10.1.1.1", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.1.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedRateLimiter(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	rl := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")

	for i := 0; i < 2; i++ {
		allowed, err := rl.Allow(ctx, "org:1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := rl.Allow(ctx, "org:1")
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, err := rl.Remaining(ctx, "org:1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	ttl, err := rl.TTL(ctx, "org:1")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	// the window expires as a whole
	mr.FastForward(time.Minute + time.Second)
	allowed, err = rl.Allow(ctx, "org:1")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, rl.Reset(ctx, "org:1"))
	remaining, _ = rl.Remaining(ctx, "org:1")
	assert.Equal(t, 2, remaining)
	assert.False(t, mr.Exists("meter:ratelimit:org:1"))
}

func TestDistributedRateLimiter_WindowAlwaysExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	rl := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 5, WindowDuration: 30 * time.Second}, "test")

	_, err := rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("test:ip:10.0.0.1"))

	// a counter that lost its expiry is given one on the next request
	require.NoError(t, mr.Set("test:ip:10.0.0.2", "3"))
	allowed, err := rl.Allow(ctx, "ip:10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Greater(t, mr.TTL("test:ip:10.0.0.2"), time.Duration(0))

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists("test:ip:10.0.0.1"))
	assert.False(t, mr.Exists("test:ip:10.0.0.2"))
}

func TestRateLimitMiddleware_RedisUnavailable(t *testing.T) {
	mr, client := newTestRedis(t)
	rl := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, "test")
	mr.Close()

	m := NewRateLimitMiddleware(rl, rl, quietLogger())
	handler := m.Handler(statusHandler(http.StatusOK))
	req := orgRequest(http.MethodGet, "/billing/usage", 1)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "fails open by default")

	m.SetFailOpen(false)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req.WithContext(contextkeys.WithOrganizationID(context.Background(), 1)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitMiddleware_Skip(t *testing.T) {
	anon := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	m := NewRateLimitMiddleware(nil, anon, quietLogger())
	m.Skip("/webhooks/", "/health")
	handler := m.Handler(statusHandler(http.StatusOK))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}
