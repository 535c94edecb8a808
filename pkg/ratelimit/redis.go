package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fixedWindowScript mirrors Memory.Check: the first hit (or a hit after the key
// expired) opens a window of ARGV[1] ms, later hits increment until ARGV[2].
// Replies {allowed, count, pttl}.
var fixedWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local count = redis.call('GET', KEYS[1])
if not count then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, 1, window}
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, 1, window}
end
count = tonumber(count)
if count >= limit then
  return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
return {1, count, ttl}
`)

// Redis shares fixed windows between service instances. Expiry is handled by
// key TTLs so there is nothing to sweep. Any Redis failure fails open.
type Redis struct {
	client redis.Scripter
	prefix string
	cfg    Config
	logger zerolog.Logger
}

func NewRedis(client redis.Scripter, prefix string, cfg Config, logger zerolog.Logger) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("ratelimit: redis client is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Redis{client: client, prefix: prefix, cfg: cfg, logger: logger}, nil
}

func (r *Redis) Config() Config {
	return r.cfg
}

func (r *Redis) Check(ctx context.Context, key string) Result {
	res, err := r.take(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("redis rate limit check failed, allowing request")
		return Result{Allowed: true, Remaining: r.cfg.MaxRequests - 1, ResetIn: r.cfg.Window}
	}
	return res
}

func (r *Redis) take(ctx context.Context, key string) (Result, error) {
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{r.prefix + key}, r.cfg.Window.Milliseconds(), r.cfg.MaxRequests).Result()
	if err != nil {
		return Result{}, err
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return Result{}, fmt.Errorf("unexpected script reply: %v", raw)
	}
	allowed, okA := vals[0].(int64)
	count, okC := vals[1].(int64)
	ttl, okT := vals[2].(int64)
	if !okA || !okC || !okT {
		return Result{}, fmt.Errorf("unexpected script reply types: %v", vals)
	}

	remaining := r.cfg.MaxRequests - int(count)
	if remaining < 0 || allowed == 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed == 1,
		Remaining: remaining,
		ResetIn:   time.Duration(ttl) * time.Millisecond,
	}, nil
}

var _ Limiter = (*Redis)(nil)
