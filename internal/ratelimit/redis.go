package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now_ms - window_ms)

local count = redis.call("ZCARD", key)
local allowed = 0
if count < limit then
  redis.call("ZADD", key, now_ms, member)
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", key, window_ms)

local reset_ms = now_ms + window_ms
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
  reset_ms = tonumber(oldest[2]) + window_ms
end

return {allowed, limit - count, reset_ms}
`)

// RedisBackend keeps one sorted set of hit timestamps per key.
type RedisBackend struct {
	rdb redis.UniversalClient
}

func NewRedisBackend(rdb redis.UniversalClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (r *RedisBackend) Hit(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (Decision, error) {
	res, err := slidingWindowScript.Run(ctx, r.rdb, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.NewString()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedReply, res)
	}

	return Decision{
		Allowed:   toInt(arr[0]) == 1,
		Limit:     limit,
		Remaining: max(toInt(arr[1]), 0),
		Reset:     time.UnixMilli(toInt(arr[2])),
	}, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *RedisBackend) Close() error { return r.rdb.Close() }

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
