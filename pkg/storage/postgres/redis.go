package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockTimeout is returned when a lock could not be acquired in time
var ErrLockTimeout = errors.New("timed out waiting for lock")

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL        string
	PoolSize   int
	MaxRetries int
}

// NewRedisClient parses the URL, applies timeouts and pings the server
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SetNX based mutual-exclusion lock shared by every
// instance that talks to the same Redis
type RedisLocker struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	maxWait      time.Duration
	pollInterval time.Duration
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder can
// block others; maxWait bounds how long Lock waits.
func NewRedisLocker(client *redis.Client, ttl, maxWait time.Duration) *RedisLocker {
	return &RedisLocker{
		client:       client,
		prefix:       "meter:lock:",
		ttl:          ttl,
		maxWait:      maxWait,
		pollInterval: 50 * time.Millisecond,
	}
}

// Lock blocks until the key is acquired, ctx is done or maxWait elapses.
// The returned function releases the lock.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(waitCtx, fullKey, token, l.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer cancel()
				releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token)
			}, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}
