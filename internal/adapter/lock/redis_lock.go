// Package lock implements the single-writer worker lease on Redis.
package lock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

// Refresh and release must only act for the current token holder, so both
// compare the stored value before mutating. GET+PEXPIRE or GET+DEL as two
// round trips would race with expiry; the Lua scripts run atomically.
const luaRefreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const luaReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisLock is a token-fenced lease over a single Redis key. It implements
// domain.WorkerLock.
type RedisLock struct {
	redis   *redis.Client
	refresh *redis.Script
	release *redis.Script
}

// NewRedisLock constructs a RedisLock over the given client.
func NewRedisLock(rdb *redis.Client) *RedisLock {
	return &RedisLock{
		redis:   rdb,
		refresh: redis.NewScript(luaRefreshScript),
		release: redis.NewScript(luaReleaseScript),
	}
}

// Acquire takes the lease iff the key is free. Returns false without error
// when another holder owns it.
func (l *RedisLock) Acquire(ctx domain.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=lock.acquire: %w", err)
	}
	return ok, nil
}

// Refresh extends the lease iff token still holds it. Returns false when the
// lease expired or was taken over; the caller must stop mutating shared state.
func (l *RedisLock) Refresh(ctx domain.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := l.refresh.Run(ctx, l.redis, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("op=lock.refresh: %w", err)
	}
	return res == 1, nil
}

// Release drops the lease iff token still holds it. Releasing a lease that
// already moved on is a no-op, not an error.
func (l *RedisLock) Release(ctx domain.Context, key, token string) error {
	if _, err := l.release.Run(ctx, l.redis, []string{key}, token).Result(); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}
