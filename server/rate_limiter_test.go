package main

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/couponguard/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestAPILimiterCoversAllRoutes(t *testing.T) {
	env := newTestEnvWithLimits(t, testLimits{
		coupon: ratelimit.Config{Window: 15 * time.Minute, MaxRequests: 20},
		api:    ratelimit.Config{Window: time.Minute, MaxRequests: 2},
	})

	for i := 0; i < 2; i++ {
		resp := env.request(t, http.MethodGet, "/v1/admin/coupons", nil, adminHeaders())
		require.Equal(t, http.StatusOK, resp.Code)
	}

	resp := env.validate(t, gin.H{"code": "ANY"}, "")
	require.Equal(t, http.StatusTooManyRequests, resp.Code)
	require.Equal(t, "60", resp.Header().Get("Retry-After"))
	require.Equal(t, "2", resp.Header().Get("X-RateLimit-Limit"))
	require.Zero(t, env.server.attempts.Len(), "the coupon handler never ran")

	resp = env.request(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code, "health stays reachable")

	other := env.requestFrom(t, "198.51.100.200", http.MethodGet, "/v1/admin/coupons", nil, adminHeaders())
	require.Equal(t, http.StatusOK, other.Code)

	require.Equal(t, float64(3), testutil.ToFloat64(env.server.metrics.RateLimitDecisions.WithLabelValues("api", "allowed")))
	require.Equal(t, float64(1), testutil.ToFloat64(env.server.metrics.RateLimitDecisions.WithLabelValues("api", "denied")))

	env.clock.Advance(time.Minute)
	resp = env.request(t, http.MethodGet, "/v1/admin/coupons", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestRateLimitedWithoutLimiterPassesThrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &Server{}
	r := gin.New()
	r.GET("/open", srv.rateLimited("none", nil, byClientIP("x:")), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	env := testEnv{gin: r}
	resp := env.request(t, http.MethodGet, "/open", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)
	require.Empty(t, resp.Header().Get("X-RateLimit-Limit"))
}

// scriptRecorder answers every limiter script call with an allowed first hit
// and remembers the keys it was asked about.
type scriptRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *scriptRecorder) reply(ctx context.Context, keys []string) *redis.Cmd {
	r.mu.Lock()
	r.keys = append(r.keys, keys...)
	r.mu.Unlock()
	cmd := redis.NewCmd(ctx)
	cmd.SetVal([]interface{}{int64(1), int64(1), int64(60000)})
	return cmd
}

func (r *scriptRecorder) Eval(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return r.reply(ctx, keys)
}

func (r *scriptRecorder) EvalSha(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return r.reply(ctx, keys)
}

func (r *scriptRecorder) EvalRO(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return r.reply(ctx, keys)
}

func (r *scriptRecorder) EvalShaRO(ctx context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
	return r.reply(ctx, keys)
}

func (r *scriptRecorder) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	cmd := redis.NewBoolSliceCmd(ctx)
	cmd.SetVal(make([]bool, len(hashes)))
	return cmd
}

func (r *scriptRecorder) ScriptLoad(ctx context.Context, _ string) *redis.StringCmd {
	return redis.NewStringCmd(ctx)
}

func TestRedisLimiterKeys(t *testing.T) {
	env := newTestEnv(t)
	scripts := &scriptRecorder{}
	require.NoError(t, env.server.useRedisLimiters(scripts, "couponguard:ratelimit:",
		ratelimit.Config{Window: 15 * time.Minute, MaxRequests: 20},
		ratelimit.Config{Window: time.Minute, MaxRequests: 100},
	))
	engine, err := env.server.routes(nil)
	require.NoError(t, err)
	env.gin = engine

	resp := env.validate(t, gin.H{"code": "ANY"}, "")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, []string{
		"couponguard:ratelimit:api:" + testClientIP,
		"couponguard:ratelimit:coupon:" + testClientIP,
	}, scripts.keys)
}
