package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the windowed-counter backend. IncrBy atomically adds n to the
// counter at key, setting the window TTL on first touch, and returns the
// post-increment total.
type Store interface {
	IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error)
}

// incrWithExpireScript increments the counter and attaches the TTL only when
// the key is created, so a window's expiry is never extended by later hits.
const incrWithExpireScript = `
	local total = redis.call('INCRBY', KEYS[1], ARGV[1])
	if total == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return total
`

// RedisStore keeps window counters in Redis so limits hold across gateway
// replicas.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	return s.client.Eval(ctx, incrWithExpireScript, []string{key}, n, ttl.Milliseconds()).Int64()
}
