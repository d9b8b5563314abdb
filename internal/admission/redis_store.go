package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "skillgate:quota:"

// addScript increments and rolls the increment back when the limit would be
// exceeded, in one round trip so concurrent callers cannot both pass.
var addScript = redis.NewScript(`
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local used = redis.call('INCRBY', KEYS[1], cost)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
if limit >= 0 and used > limit then
	used = redis.call('DECRBY', KEYS[1], cost)
	return {used, 0}
end
return {used, 1}
`)

// RedisStore keeps counters in Redis for deployments sharing quota across
// instances. Keys expire one window after their window ends.
type RedisStore struct {
	client redis.UniversalClient
	length time.Duration
}

// NewRedisStore creates a store. windowLength bounds key lifetime.
func NewRedisStore(client redis.UniversalClient, windowLength time.Duration) *RedisStore {
	if windowLength <= 0 {
		windowLength = DefaultWindowLength
	}
	return &RedisStore{client: client, length: windowLength}
}

func redisKey(customer string, window time.Time) string {
	return fmt.Sprintf("%s%s:%d", redisKeyPrefix, customer, window.Unix())
}

func (s *RedisStore) Add(ctx context.Context, customer string, window time.Time, cost, limit int64) (int64, bool, error) {
	ttl := time.Until(window.Add(2 * s.length))
	if ttl < time.Second {
		ttl = time.Second
	}
	vals, err := addScript.Run(ctx, s.client, []string{redisKey(customer, window)}, cost, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis quota add: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("redis quota add: unexpected reply %v", vals)
	}
	return vals[0], vals[1] == 1, nil
}

func (s *RedisStore) Usage(ctx context.Context, customer string, window time.Time) (int64, error) {
	used, err := s.client.Get(ctx, redisKey(customer, window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis quota get: %w", err)
	}
	return used, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
