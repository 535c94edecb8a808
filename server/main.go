package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/couponguard/pkg/config"
	"github.com/haasonsaas/couponguard/pkg/flagging"
	"github.com/haasonsaas/couponguard/pkg/health"
	"github.com/haasonsaas/couponguard/pkg/metrics"
	"github.com/haasonsaas/couponguard/pkg/ratelimit"
	"github.com/haasonsaas/couponguard/pkg/retry"
	"github.com/haasonsaas/couponguard/pkg/telemetry"
	"github.com/haasonsaas/couponguard/pkg/validation"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	configPath = flag.String("config", "couponguard.yaml", "Config file path")
	Version    = "dev"
)

const healthCheckTimeout = 2 * time.Second

type Server struct {
	db         *gorm.DB
	logger     zerolog.Logger
	adminToken string

	couponLimiter limiter
	apiLimiter    limiter

	attempts *validation.Log
	detector *validation.Detector
	store    *AttemptStore
	rules    *flagging.Ruleset
	metrics  *metrics.Metrics
	redis    *redis.Client

	now func() time.Time
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	logger.Info().Str("version", Version).Msg("couponguard starting")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("couponguard stopped")
	}
}

func run(cfg *config.ServerConfig, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.SetupTracing(ctx, "couponguard", Version, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	db, err := gorm.Open(sqlite.Open(cfg.Database.Path), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Coupon{}, &ValidationRecord{}); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	srv := &Server{
		db:         db,
		logger:     logger,
		adminToken: cfg.Server.AdminToken,
		metrics:    metrics.New(),
		now:        time.Now,
	}
	if srv.adminToken == "" {
		logger.Warn().Msg("no admin token configured, admin API is disabled")
	}

	if err := srv.setupLimiters(ctx, cfg); err != nil {
		return err
	}
	if srv.redis != nil {
		defer srv.redis.Close()
	}

	srv.rules = flagging.DefaultRuleset()
	if cfg.Flagging.RulesFile != "" {
		rules, err := flagging.LoadRuleset(cfg.Flagging.RulesFile)
		if err != nil {
			return err
		}
		srv.rules = rules
		logger.Info().Int("rules", len(rules.Rules)).Str("file", cfg.Flagging.RulesFile).Msg("loaded flagging rules")
	}

	srv.setupValidation(ctx, cfg)
	defer srv.attempts.Close()

	gin.SetMode(gin.ReleaseMode)
	engine, err := srv.routes(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Server.Listen).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
	}
	return nil
}

func (s *Server) setupLimiters(ctx context.Context, cfg *config.ServerConfig) error {
	couponCfg := ratelimit.Config{
		Window:        cfg.Limits.Coupon.Window(),
		MaxRequests:   cfg.Limits.Coupon.MaxRequests,
		SweepInterval: time.Duration(cfg.Limits.SweepIntervalMs) * time.Millisecond,
	}
	apiCfg := ratelimit.Config{
		Window:        cfg.Limits.API.Window(),
		MaxRequests:   cfg.Limits.API.MaxRequests,
		SweepInterval: couponCfg.SweepInterval,
	}

	if cfg.Redis.Enabled {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := s.useRedisLimiters(s.redis, cfg.Redis.Prefix, couponCfg, apiCfg); err != nil {
			return err
		}
		s.logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis rate limiter")
		return nil
	}

	coupon, err := ratelimit.New(couponCfg)
	if err != nil {
		return fmt.Errorf("coupon limiter: %w", err)
	}
	api, err := ratelimit.New(apiCfg)
	if err != nil {
		return fmt.Errorf("api limiter: %w", err)
	}
	go coupon.Run(ctx)
	go api.Run(ctx)
	s.metrics.TrackGauge("ratelimit", "coupon_keys", "Keys tracked by the coupon limiter.", func() float64 {
		return float64(coupon.Len())
	})
	s.metrics.TrackGauge("ratelimit", "api_keys", "Keys tracked by the API limiter.", func() float64 {
		return float64(api.Len())
	})
	s.couponLimiter, s.apiLimiter = coupon, api
	return nil
}

// useRedisLimiters shares both limiters through client. Route key functions
// already namespace their keys, so both limiters use the same prefix.
func (s *Server) useRedisLimiters(client redis.Scripter, prefix string, couponCfg, apiCfg ratelimit.Config) error {
	limLogger := s.logger.With().Str("component", "ratelimit").Logger()
	coupon, err := ratelimit.NewRedis(client, prefix, couponCfg, limLogger)
	if err != nil {
		return fmt.Errorf("coupon limiter: %w", err)
	}
	api, err := ratelimit.NewRedis(client, prefix, apiCfg, limLogger)
	if err != nil {
		return fmt.Errorf("api limiter: %w", err)
	}
	s.couponLimiter, s.apiLimiter = coupon, api
	return nil
}

func (s *Server) setupValidation(ctx context.Context, cfg *config.ServerConfig) {
	opts := []validation.LogOption{
		validation.WithLogger(s.logger.With().Str("component", "validation").Logger()),
		validation.WithPersistErrorHook(func(error) {
			s.metrics.PersistenceFailures.Inc()
		}),
	}
	if cfg.Persistence.Enabled {
		p := cfg.Persistence
		retrier := retry.New(p.RetryInitialMs, p.RetryMaxMs, p.RetryMaxRetries, s.logger.With().Str("component", "attempt_store").Logger())
		s.store = NewAttemptStore(s.db,
			time.Duration(p.RetentionDays)*24*time.Hour,
			time.Duration(p.PruneIntervalS)*time.Second,
			retrier,
			s.logger.With().Str("component", "attempt_store").Logger(),
		)
		opts = append(opts, validation.WithRecorder(s.store))
	}

	v := cfg.Validation
	s.attempts = validation.NewLog(validation.LogConfig{
		TTL:            time.Duration(v.TTLSeconds) * time.Second,
		MaxKeys:        v.MaxKeys,
		EvictBatch:     v.EvictBatch,
		SweepInterval:  time.Duration(v.SweepIntervalS) * time.Second,
		PersistTimeout: time.Duration(v.PersistTimeoutMs) * time.Millisecond,
	}, opts...)
	go s.attempts.Run(ctx)
	s.metrics.TrackGauge("validation", "log_keys", "Keys held by the validation log.", func() float64 {
		return float64(s.attempts.Len())
	})

	s.detector = validation.NewDetector(s.attempts, validation.Thresholds{
		MaxFailedAttempts:       cfg.Abuse.MaxFailedAttempts,
		TimeWindow:              time.Duration(cfg.Abuse.TimeWindowMs) * time.Millisecond,
		MaxUniqueCodesPerWindow: cfg.Abuse.MaxUniqueCodesPerWindow,
	})
}

func (s *Server) routes(trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	// Forwarding headers are ignored unless the peer is a configured proxy.
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/v1/health", s.handleHealth)

	v1 := r.Group("/v1", s.rateLimited("api", s.apiLimiter, byClientIP("api:")))
	s.registerCouponRoutes(v1)
	s.registerAdminRoutes(v1)
	return r, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	checkers := []health.Checker{
		health.CheckFunc{CheckName: "database", Fn: func(ctx context.Context) error {
			sqlDB, err := s.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
	}
	if s.redis != nil {
		checkers = append(checkers, health.CheckFunc{CheckName: "redis", Fn: func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}})
	}

	status := health.Check(c.Request.Context(), healthCheckTimeout, checkers...)
	status.Details = map[string]any{"version": Version}
	if s.attempts != nil {
		status.Details["validation_log_keys"] = s.attempts.Len()
	}
	if sized, ok := s.couponLimiter.(interface{ Len() int }); ok {
		status.Details["coupon_limiter_keys"] = sized.Len()
	}

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Warn().Strs("issues", status.Issues).Msg("health check failed")
	}
	c.JSON(code, status)
}
