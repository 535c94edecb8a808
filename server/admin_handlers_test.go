package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/haasonsaas/couponguard/pkg/flagging"
	"github.com/haasonsaas/couponguard/pkg/validation"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminToken}
}

func TestRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/v1/admin/coupons", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "missing bearer token", decodeError(t, resp))

	resp = env.request(t, http.MethodGet, "/v1/admin/coupons", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Equal(t, "invalid bearer token", decodeError(t, resp))

	resp = env.request(t, http.MethodGet, "/v1/admin/coupons", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestRequireAdminDisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	env.server.adminToken = ""

	resp := env.request(t, http.MethodGet, "/v1/admin/coupons", nil, map[string]string{"Authorization": "Bearer "})
	require.Equal(t, http.StatusForbidden, resp.Code)
}

func TestCreateCoupon(t *testing.T) {
	env := newTestEnv(t)
	expires := env.clock.Now().Add(30 * 24 * time.Hour)

	resp := env.request(t, http.MethodPost, "/v1/admin/coupons", gin.H{
		"code":           "spring24",
		"description":    "Spring sale",
		"discount_type":  "percent",
		"discount_value": "20",
		"min_subtotal":   "50.00",
		"bundle_id":      "osha-30",
		"max_uses":       100,
		"expires_at":     expires,
	}, adminHeaders())
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var created Coupon
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.Equal(t, "SPRING24", created.Code)
	require.True(t, created.Active)
	require.True(t, created.DiscountValue.Equal(decimal.NewFromInt(20)))
	require.True(t, created.MinSubtotal.Valid)

	var stored Coupon
	require.NoError(t, env.server.db.Where("code = ?", "SPRING24").First(&stored).Error)
	require.Equal(t, "osha-30", stored.BundleID)
	require.Equal(t, 100, stored.MaxUses)
	require.NotNil(t, stored.ExpiresAt)

	resp = env.request(t, http.MethodPost, "/v1/admin/coupons", gin.H{
		"code":           "Spring24",
		"discount_type":  "fixed",
		"discount_value": "5",
	}, adminHeaders())
	require.Equal(t, http.StatusConflict, resp.Code)
}

func TestCreateCouponValidation(t *testing.T) {
	env := newTestEnv(t)
	starts := env.clock.Now()

	tests := []struct {
		name string
		body gin.H
		want string
	}{
		{"missing code", gin.H{"discount_type": "percent", "discount_value": "10"}, "code is required"},
		{"unknown type", gin.H{"code": "X", "discount_type": "bogo", "discount_value": "10"}, "discount_type must be percent or fixed"},
		{"zero value", gin.H{"code": "X", "discount_type": "fixed", "discount_value": "0"}, "discount_value must be positive"},
		{"percent over 100", gin.H{"code": "X", "discount_type": "percent", "discount_value": "100.01"}, "percent discounts cannot exceed 100"},
		{"negative minimum", gin.H{"code": "X", "discount_type": "fixed", "discount_value": "1", "min_subtotal": "-5"}, "min_subtotal must not be negative"},
		{"negative uses", gin.H{"code": "X", "discount_type": "fixed", "discount_value": "1", "max_uses": -1}, "max_uses must not be negative"},
		{"inverted dates", gin.H{"code": "X", "discount_type": "fixed", "discount_value": "1", "starts_at": starts, "expires_at": starts}, "expires_at must be after starts_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.request(t, http.MethodPost, "/v1/admin/coupons", tt.body, adminHeaders())
			require.Equal(t, http.StatusBadRequest, resp.Code)
			require.Equal(t, tt.want, decodeError(t, resp))
		})
	}

	var count int64
	require.NoError(t, env.server.db.Model(&Coupon{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestListAndDeactivateCoupons(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, Coupon{Code: "KEEP", Active: true})
	env.seedCoupon(t, Coupon{Code: "DROP", Active: true})

	resp := env.request(t, http.MethodDelete, "/v1/admin/coupons/drop", nil, adminHeaders())
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = env.request(t, http.MethodDelete, "/v1/admin/coupons/ghost", nil, adminHeaders())
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = env.request(t, http.MethodGet, "/v1/admin/coupons?active=true", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	var active []Coupon
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &active))
	require.Len(t, active, 1)
	require.Equal(t, "KEEP", active[0].Code)

	resp = env.request(t, http.MethodGet, "/v1/admin/coupons", nil, adminHeaders())
	var all []Coupon
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &all))
	require.Len(t, all, 2)

	resp = env.request(t, http.MethodGet, "/v1/admin/coupons?active=maybe", nil, adminHeaders())
	require.Equal(t, http.StatusBadRequest, resp.Code)

	out := decodeValidation(t, env.validate(t, gin.H{"code": "DROP"}, ""))
	require.False(t, out.Valid)
	require.Equal(t, reasonInactive, out.Reason)
}

func TestValidationStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, Coupon{Code: "GOOD", Active: true})

	env.validate(t, gin.H{"code": "good"}, "198.51.100.1")
	env.validate(t, gin.H{"code": "GOOD"}, "198.51.100.2")
	env.validate(t, gin.H{"code": "bad"}, "198.51.100.3")
	env.validate(t, gin.H{"code": "GOOD"}, "198.51.100.3")

	resp := env.request(t, http.MethodGet, "/v1/admin/validation/stats", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var stats validation.Stats
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	require.Equal(t, 4, stats.TotalAttempts)
	require.Equal(t, 3, stats.SuccessfulAttempts)
	require.Equal(t, 1, stats.FailedAttempts)
	require.InDelta(t, 75.0, stats.SuccessRate, 0.001)
	require.Equal(t, map[string]int{reasonNotFound: 1}, stats.FailureReasons)
	require.Equal(t, validation.CodeCount{Code: "GOOD", Count: 3}, stats.TopCodes[0])
	require.Equal(t, time.Hour.Milliseconds(), stats.TimeWindowMs)

	env.clock.Advance(2 * time.Minute)
	env.validate(t, gin.H{"code": "GOOD"}, "198.51.100.4")

	resp = env.request(t, http.MethodGet, "/v1/admin/validation/stats?window_ms=60000", nil, adminHeaders())
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.TotalAttempts)
	require.Equal(t, int64(60000), stats.TimeWindowMs)

	resp = env.request(t, http.MethodGet, "/v1/admin/validation/stats?window_ms=86400000", nil, adminHeaders())
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &stats))
	require.Equal(t, 5, stats.TotalAttempts)
	require.Equal(t, time.Hour.Milliseconds(), stats.TimeWindowMs)

	resp = env.request(t, http.MethodGet, "/v1/admin/validation/stats?window_ms=soon", nil, adminHeaders())
	require.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAbuseReportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ip := "203.0.113.50"
	for i := 0; i < 3; i++ {
		env.validate(t, gin.H{"code": fmt.Sprintf("TRY%d", i)}, ip)
	}

	resp := env.request(t, http.MethodGet, "/v1/admin/validation/abuse/"+ip, nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var report struct {
		Key        string                 `json:"key"`
		Result     validation.AbuseResult `json:"result"`
		Thresholds map[string]int64       `json:"thresholds"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	require.Equal(t, ip, report.Key)
	require.False(t, report.Result.IsAbusive)
	require.Equal(t, validation.Metrics{TotalAttempts: 3, FailedAttempts: 3, UniqueCodesTried: 3}, report.Result.Metrics)
	require.Equal(t, int64(10), report.Thresholds["max_failed_attempts"])
	require.Equal(t, (15 * time.Minute).Milliseconds(), report.Thresholds["time_window_ms"])

	for i := 3; i < 10; i++ {
		env.validate(t, gin.H{"code": fmt.Sprintf("TRY%d", i)}, ip)
	}
	resp = env.request(t, http.MethodGet, "/v1/admin/validation/abuse/"+ip, nil, adminHeaders())
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &report))
	require.True(t, report.Result.IsAbusive)
	require.Equal(t, validation.SignalBruteForce, report.Result.Signal)
}

func TestAttemptsAndHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ip := "198.51.100.77"
	env.validate(t, gin.H{"code": "ONE"}, ip)
	env.clock.Advance(time.Second)
	env.validate(t, gin.H{"code": "TWO"}, ip)

	resp := env.request(t, http.MethodGet, "/v1/admin/validation/attempts/"+ip, nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	var live struct {
		Attempts []validation.Attempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &live))
	require.Len(t, live.Attempts, 2)
	require.Equal(t, "ONE", live.Attempts[0].CouponCode)

	env.server.attempts.Wait()
	resp = env.request(t, http.MethodGet, "/v1/admin/validation/history/"+ip+"?limit=1", nil, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)
	var history struct {
		Records []ValidationRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &history))
	require.Len(t, history.Records, 1)
	require.Equal(t, "TWO", history.Records[0].CouponCode)

	env.server.store = nil
	resp = env.request(t, http.MethodGet, "/v1/admin/validation/history/"+ip, nil, adminHeaders())
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestEvaluateContentEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/v1/admin/flags/evaluate", gin.H{
		"text": "<p>The vendor offered a <b>kickback</b> if we backdate the invoices.</p>",
	}, adminHeaders())
	require.Equal(t, http.StatusOK, resp.Code)

	var eval flagging.Evaluation
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &eval))
	require.True(t, eval.Flagged)
	require.Equal(t, 12, eval.Score)
	require.Equal(t, "fraud", eval.Violations[0].Rule)
	require.Equal(t, float64(1), testutil.ToFloat64(env.server.metrics.FlaggedContent.WithLabelValues("true")))

	resp = env.request(t, http.MethodPost, "/v1/admin/flags/evaluate", gin.H{"text": "  "}, adminHeaders())
	require.Equal(t, http.StatusBadRequest, resp.Code)
}
