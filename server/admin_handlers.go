package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/couponguard/pkg/flagging"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func (s *Server) registerAdminRoutes(v1 *gin.RouterGroup) {
	admin := v1.Group("/admin", s.requireAdmin)
	admin.POST("/coupons", s.handleCreateCoupon)
	admin.GET("/coupons", s.handleListCoupons)
	admin.DELETE("/coupons/:code", s.handleDeactivateCoupon)

	admin.GET("/validation/stats", s.handleValidationStats)
	admin.GET("/validation/abuse/:key", s.handleAbuseReport)
	admin.GET("/validation/attempts/:key", s.handleListAttempts)
	admin.GET("/validation/history/:key", s.handleAttemptHistory)

	admin.POST("/flags/evaluate", s.handleEvaluateContent)
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.adminToken == "" {
		respondError(c, http.StatusForbidden, "admin API is disabled", s.logger)
		return
	}
	authz := c.GetHeader("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		respondError(c, http.StatusUnauthorized, "missing bearer token", s.logger)
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.adminToken) {
		respondError(c, http.StatusUnauthorized, "invalid bearer token", s.logger)
		return
	}
	c.Next()
}

type createCouponRequest struct {
	Code          string           `json:"code"`
	Description   string           `json:"description"`
	DiscountType  DiscountType     `json:"discount_type"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
	MinSubtotal   *decimal.Decimal `json:"min_subtotal"`
	BundleID      string           `json:"bundle_id"`
	MaxUses       int              `json:"max_uses"`
	StartsAt      *time.Time       `json:"starts_at"`
	ExpiresAt     *time.Time       `json:"expires_at"`
}

func (r createCouponRequest) validate() string {
	switch {
	case normalizeCouponCode(r.Code) == "":
		return "code is required"
	case !r.DiscountType.valid():
		return "discount_type must be percent or fixed"
	case !r.DiscountValue.IsPositive():
		return "discount_value must be positive"
	case r.DiscountType == DiscountPercent && r.DiscountValue.GreaterThan(hundred):
		return "percent discounts cannot exceed 100"
	case r.MinSubtotal != nil && r.MinSubtotal.IsNegative():
		return "min_subtotal must not be negative"
	case r.MaxUses < 0:
		return "max_uses must not be negative"
	case r.StartsAt != nil && r.ExpiresAt != nil && !r.ExpiresAt.After(*r.StartsAt):
		return "expires_at must be after starts_at"
	}
	return ""
}

func (s *Server) handleCreateCoupon(c *gin.Context) {
	var req createCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(c, http.StatusBadRequest, msg, s.logger)
		return
	}

	coupon := Coupon{
		Code:          normalizeCouponCode(req.Code),
		Description:   req.Description,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		BundleID:      strings.TrimSpace(req.BundleID),
		MaxUses:       req.MaxUses,
		Active:        true,
		StartsAt:      req.StartsAt,
		ExpiresAt:     req.ExpiresAt,
	}
	if req.MinSubtotal != nil {
		coupon.MinSubtotal = decimal.NewNullDecimal(*req.MinSubtotal)
	}

	db := s.db.WithContext(c.Request.Context())
	var existing int64
	if err := db.Model(&Coupon{}).Where("code = ?", coupon.Code).Count(&existing).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to check coupon", s.logger)
		return
	}
	if existing > 0 {
		respondError(c, http.StatusConflict, "coupon code already exists", s.logger)
		return
	}
	if err := db.Create(&coupon).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			respondError(c, http.StatusConflict, "coupon code already exists", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to persist coupon", s.logger)
		return
	}

	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("code", coupon.Code).Msg("coupon created")
	c.JSON(http.StatusCreated, coupon)
}

func (s *Server) handleListCoupons(c *gin.Context) {
	query := s.db.WithContext(c.Request.Context()).Order("created_at desc")
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "active must be a boolean", s.logger)
			return
		}
		query = query.Where("active = ?", active)
	}

	var coupons []Coupon
	if err := query.Find(&coupons).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list coupons", s.logger)
		return
	}
	c.JSON(http.StatusOK, coupons)
}

func (s *Server) handleDeactivateCoupon(c *gin.Context) {
	code := normalizeCouponCode(c.Param("code"))
	res := s.db.WithContext(c.Request.Context()).
		Model(&Coupon{}).
		Where("code = ?", code).
		Update("active", false)
	if res.Error != nil {
		respondError(c, http.StatusInternalServerError, "failed to deactivate coupon", s.logger)
		return
	}
	if res.RowsAffected == 0 {
		respondError(c, http.StatusNotFound, "coupon not found", s.logger)
		return
	}
	reqLogger := requestLogger(c, s.logger)
	reqLogger.Info().Str("code", code).Msg("coupon deactivated")
	c.Status(http.StatusNoContent)
}

func (s *Server) handleValidationStats(c *gin.Context) {
	var window time.Duration
	if raw := c.Query("window_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			respondError(c, http.StatusBadRequest, "window_ms must be a non-negative integer", s.logger)
			return
		}
		window = time.Duration(ms) * time.Millisecond
	}
	c.JSON(http.StatusOK, s.attempts.Stats(window))
}

func (s *Server) handleAbuseReport(c *gin.Context) {
	key := c.Param("key")
	th := s.detector.Thresholds()
	c.JSON(http.StatusOK, gin.H{
		"key":    key,
		"result": s.detector.Check(key),
		"thresholds": gin.H{
			"max_failed_attempts":         th.MaxFailedAttempts,
			"time_window_ms":              th.TimeWindow.Milliseconds(),
			"max_unique_codes_per_window": th.MaxUniqueCodesPerWindow,
		},
	})
}

func (s *Server) handleListAttempts(c *gin.Context) {
	key := c.Param("key")
	c.JSON(http.StatusOK, gin.H{
		"key":      key,
		"attempts": s.attempts.Attempts(key),
	})
}

func (s *Server) handleAttemptHistory(c *gin.Context) {
	if s.store == nil {
		respondError(c, http.StatusNotFound, "attempt persistence is disabled", s.logger)
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	key := c.Param("key")
	records, err := s.store.History(c.Request.Context(), key, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to load attempt history", s.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "records": records})
}

func (s *Server) handleEvaluateContent(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(c, http.StatusBadRequest, "text is required", s.logger)
		return
	}

	eval := flagging.Evaluate(req.Text, s.rules)
	if s.metrics != nil {
		s.metrics.FlaggedContent.WithLabelValues(strconv.FormatBool(eval.Flagged)).Inc()
	}
	if eval.Flagged {
		reqLogger := requestLogger(c, s.logger)
		reqLogger.Info().Int("score", eval.Score).Msg(eval.String())
	}
	c.JSON(http.StatusOK, eval)
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
