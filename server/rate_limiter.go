package main

import (
	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/couponguard/pkg/ratelimit"
)

const rateLimitExceededMessage = "too many requests, please try again later"

// limiter is a rate limiter that can report its own policy for response headers.
type limiter interface {
	ratelimit.Limiter
	Config() ratelimit.Config
}

type keyFunc func(c *gin.Context) string

func byClientIP(prefix string) keyFunc {
	return func(c *gin.Context) string {
		return prefix + clientIP(c)
	}
}

// rateLimited rejects requests over the limiter's window with 429 and a
// Retry-After header. Allowed requests get the X-RateLimit-* headers.
func (s *Server) rateLimited(name string, l limiter, key keyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}

		res := l.Check(c.Request.Context(), key(c))
		if s.metrics != nil {
			s.metrics.ObserveRateLimit(name, res.Allowed)
		}
		setRateLimitHeaders(c, l.Config().MaxRequests, res.Remaining, res.ResetIn)

		if !res.Allowed {
			reqLogger := requestLogger(c, s.logger)
			reqLogger.Info().
				Str("limiter", name).
				Dur("reset_in", res.ResetIn).
				Msg("rate limit exceeded")
			respondTooManyRequests(c, res.ResetIn, rateLimitExceededMessage, s.logger)
			return
		}
		c.Next()
	}
}
