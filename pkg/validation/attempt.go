// Package validation keeps a rolling, in-memory log of coupon validation
// attempts and derives abuse signals and dashboard statistics from it.
package validation

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const anonymousKey = "anonymous"

// Attempt is one coupon validation outcome. Attempts are never mutated once
// recorded.
type Attempt struct {
	CouponCode     string              `json:"coupon_code"`
	BundleID       string              `json:"bundle_id,omitempty"`
	UserID         string              `json:"user_id,omitempty"`
	IPAddress      string              `json:"ip_address,omitempty"`
	UserAgent      string              `json:"user_agent,omitempty"`
	Success        bool                `json:"success"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	DiscountAmount decimal.NullDecimal `json:"discount_amount"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Key is the identity attempts are grouped under: the client IP, else the
// user, else a shared anonymous bucket.
func (a Attempt) Key() string {
	if ip := strings.TrimSpace(a.IPAddress); ip != "" {
		return ip
	}
	if user := strings.TrimSpace(a.UserID); user != "" {
		return user
	}
	return anonymousKey
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Recorder durably stores attempts. Calls happen off the request path and
// their errors are only logged.
type Recorder interface {
	Record(ctx context.Context, a Attempt) error
}

type RecorderFunc func(ctx context.Context, a Attempt) error

func (f RecorderFunc) Record(ctx context.Context, a Attempt) error {
	return f(ctx, a)
}
