package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/couponguard/pkg/validation"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

// Machine-readable failure reasons returned to clients and kept in the log.
const (
	reasonNotFound          = "not_found"
	reasonInactive          = "inactive"
	reasonExpired           = "expired"
	reasonNotStarted        = "not_started"
	reasonUsageLimitReached = "usage_limit_reached"
	reasonBundleMismatch    = "bundle_mismatch"
	reasonMinimumNotMet     = "minimum_not_met"
)

const suspiciousActivityMessage = "suspicious activity detected, please try again later"

var hundred = decimal.NewFromInt(100)

type validateRequest struct {
	Code     string           `json:"code"`
	BundleID string           `json:"bundle_id"`
	UserID   string           `json:"user_id"`
	Subtotal *decimal.Decimal `json:"subtotal"`
}

type validateResponse struct {
	Valid          bool             `json:"valid"`
	Code           string           `json:"code"`
	Reason         string           `json:"reason,omitempty"`
	DiscountType   DiscountType     `json:"discount_type,omitempty"`
	DiscountValue  *decimal.Decimal `json:"discount_value,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
	FinalPrice     *decimal.Decimal `json:"final_price,omitempty"`
}

func (s *Server) registerCouponRoutes(v1 *gin.RouterGroup) {
	v1.POST("/coupons/validate",
		s.rateLimited("coupon", s.couponLimiter, byClientIP("coupon:")),
		s.handleValidateCoupon,
	)
}

func (s *Server) handleValidateCoupon(c *gin.Context) {
	logger := requestLogger(c, s.logger)

	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	code := normalizeCouponCode(req.Code)
	if code == "" {
		respondError(c, http.StatusBadRequest, "coupon code is required", s.logger)
		return
	}
	if req.Subtotal != nil && req.Subtotal.IsNegative() {
		respondError(c, http.StatusBadRequest, "subtotal must not be negative", s.logger)
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "coupon.validate")
	defer span.End()
	span.SetAttributes(attribute.String("coupon.code", code))

	resp, err := s.evaluateCoupon(ctx, code, strings.TrimSpace(req.BundleID), req.Subtotal)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "coupon lookup failed")
		logger.Error().Err(err).Str("code", code).Msg("coupon lookup failed")
		respondError(c, http.StatusInternalServerError, "coupon lookup failed", s.logger)
		return
	}
	span.SetAttributes(attribute.Bool("coupon.valid", resp.Valid))
	if resp.Reason != "" {
		span.SetAttributes(attribute.String("coupon.reason", resp.Reason))
	}

	attempt := validation.Attempt{
		CouponCode:    code,
		BundleID:      strings.TrimSpace(req.BundleID),
		UserID:        strings.TrimSpace(req.UserID),
		IPAddress:     clientIP(c),
		UserAgent:     c.Request.UserAgent(),
		Success:       resp.Valid,
		FailureReason: resp.Reason,
	}
	if resp.DiscountAmount != nil {
		attempt.DiscountAmount = decimal.NewNullDecimal(*resp.DiscountAmount)
	}
	s.attempts.Record(attempt)
	if s.metrics != nil {
		s.metrics.ObserveValidation(resp.Valid, resp.Reason)
	}

	if abuse := s.detector.Check(attempt.Key()); abuse.IsAbusive {
		span.SetAttributes(attribute.String("abuse.signal", string(abuse.Signal)))
		if s.metrics != nil {
			s.metrics.AbuseDetections.WithLabelValues(string(abuse.Signal)).Inc()
		}
		logger.Warn().
			Str("key", attempt.Key()).
			Str("signal", string(abuse.Signal)).
			Int("failed_attempts", abuse.Metrics.FailedAttempts).
			Int("unique_codes", abuse.Metrics.UniqueCodesTried).
			Msg(abuse.Reason)
		respondTooManyRequests(c, s.detector.Thresholds().TimeWindow, suspiciousActivityMessage, s.logger)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// evaluateCoupon looks the code up and applies every eligibility rule. Only
// database failures are returned as errors; an unusable coupon is a response.
func (s *Server) evaluateCoupon(ctx context.Context, code, bundleID string, subtotal *decimal.Decimal) (validateResponse, error) {
	resp := validateResponse{Code: code}

	var coupon Coupon
	if err := s.db.WithContext(ctx).Where("code = ?", code).First(&coupon).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			resp.Reason = reasonNotFound
			return resp, nil
		}
		return resp, err
	}

	if reason := s.ineligible(coupon, bundleID, subtotal); reason != "" {
		resp.Reason = reason
		return resp, nil
	}

	value := coupon.DiscountValue
	resp.Valid = true
	resp.DiscountType = coupon.DiscountType
	resp.DiscountValue = &value
	if subtotal != nil {
		amount := discountAmount(coupon, *subtotal)
		final := subtotal.Sub(amount)
		resp.DiscountAmount = &amount
		resp.FinalPrice = &final
	}
	return resp, nil
}

func (s *Server) ineligible(coupon Coupon, bundleID string, subtotal *decimal.Decimal) string {
	now := s.now()
	switch {
	case !coupon.Active:
		return reasonInactive
	case coupon.StartsAt != nil && now.Before(*coupon.StartsAt):
		return reasonNotStarted
	case coupon.ExpiresAt != nil && !now.Before(*coupon.ExpiresAt):
		return reasonExpired
	case coupon.MaxUses > 0 && coupon.TimesUsed >= coupon.MaxUses:
		return reasonUsageLimitReached
	case coupon.BundleID != "" && !strings.EqualFold(coupon.BundleID, bundleID):
		return reasonBundleMismatch
	case coupon.MinSubtotal.Valid && (subtotal == nil || subtotal.LessThan(coupon.MinSubtotal.Decimal)):
		return reasonMinimumNotMet
	}
	return ""
}

// discountAmount never exceeds the subtotal.
func discountAmount(coupon Coupon, subtotal decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch coupon.DiscountType {
	case DiscountPercent:
		amount = subtotal.Mul(coupon.DiscountValue).Div(hundred).Round(2)
	default:
		amount = coupon.DiscountValue
	}
	if amount.GreaterThan(subtotal) {
		return subtotal
	}
	return amount
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
