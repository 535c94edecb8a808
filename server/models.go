package main

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

func (t DiscountType) valid() bool {
	return t == DiscountPercent || t == DiscountFixed
}

// Coupon is a redeemable discount. Codes are stored upper-cased.
type Coupon struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	Code          string              `gorm:"uniqueIndex;size:64" json:"code"`
	Description   string              `json:"description,omitempty"`
	DiscountType  DiscountType        `gorm:"size:16" json:"discount_type"`
	DiscountValue decimal.Decimal     `gorm:"type:decimal(12,2)" json:"discount_value"`
	MinSubtotal   decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"min_subtotal"`
	// BundleID restricts the coupon to one course bundle; empty means any.
	BundleID  string     `gorm:"index" json:"bundle_id,omitempty"`
	MaxUses   int        `json:"max_uses"`
	TimesUsed int        `json:"times_used"`
	Active    bool       `gorm:"index" json:"active"`
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ValidationRecord is the durable copy of a validation attempt.
type ValidationRecord struct {
	ID             string              `gorm:"primaryKey;size:36" json:"id"`
	AttemptKey     string              `gorm:"index" json:"attempt_key"`
	CouponCode     string              `gorm:"index" json:"coupon_code"`
	BundleID       string              `json:"bundle_id,omitempty"`
	UserID         string              `json:"user_id,omitempty"`
	IPAddress      string              `json:"ip_address,omitempty"`
	UserAgent      string              `json:"user_agent,omitempty"`
	Success        bool                `json:"success"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	DiscountAmount decimal.NullDecimal `gorm:"type:decimal(12,2)" json:"discount_amount"`
	AttemptedAt    time.Time           `gorm:"index" json:"attempted_at"`
	CreatedAt      time.Time           `json:"created_at"`
}
