package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"almans/internal/models"
	"almans/internal/policy"
	"almans/internal/store"
	"almans/internal/util"

	"go.uber.org/zap"
)

// CouponErrorKind tags why a coupon was rejected
type CouponErrorKind string

const (
	CouponEmptyCode    CouponErrorKind = "EMPTY_CODE"
	CouponInvalidCode  CouponErrorKind = "INVALID_CODE"
	CouponExpired      CouponErrorKind = "EXPIRED"
	CouponUsageLimit   CouponErrorKind = "USAGE_LIMIT_REACHED"
	CouponBelowMinimum CouponErrorKind = "BELOW_MINIMUM"
)

// CouponSource looks up active coupons by normalized code
type CouponSource interface {
	GetActiveCouponByCode(ctx context.Context, code string) (*models.Coupon, error)
}

// CouponResult is the outcome of applying a code to a subtotal
type CouponResult struct {
	Success  bool            `json:"success"`
	Code     string          `json:"code,omitempty"`
	Discount int64           `json:"discount"`
	Error    CouponErrorKind `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// AppliedCoupon is the coupon currently attached to the order draft
type AppliedCoupon struct {
	Coupon   models.Coupon `json:"coupon"`
	Discount int64         `json:"discount"`
}

// CouponValidator checks a code against the coupon's rules and keeps the
// applied coupon for the order draft. It never changes usage counts.
type CouponValidator struct {
	mu      sync.Mutex
	source  CouponSource
	logger  *zap.Logger
	now     Clock
	applied *AppliedCoupon
	lastErr *CouponResult
}

func NewCouponValidator(source CouponSource, logger *zap.Logger) *CouponValidator {
	return &CouponValidator{
		source: source,
		logger: logger,
		now:    time.Now,
	}
}

// NormalizeCouponCode trims and upper-cases a user-entered code
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ApplyCoupon validates code for subtotal. The first failing rule wins:
// empty code, unknown or inactive, expired, usage cap, minimum order.
func (v *CouponValidator) ApplyCoupon(ctx context.Context, code string, subtotal int64) CouponResult {
	ctx, span := util.StartSpan(ctx, "CouponValidator.ApplyCoupon")
	defer span.End()

	res, coupon := v.validate(ctx, NormalizeCouponCode(code), subtotal)
	util.CouponValidationsTotal.WithLabelValues(resultLabel(res)).Inc()

	v.mu.Lock()
	defer v.mu.Unlock()

	// a failed attempt replaces whatever was applied before
	if !res.Success {
		v.applied = nil
		v.lastErr = &res
		return res
	}
	v.applied = &AppliedCoupon{Coupon: *coupon, Discount: res.Discount}
	v.lastErr = nil
	return res
}

func (v *CouponValidator) validate(ctx context.Context, code string, subtotal int64) (CouponResult, *models.Coupon) {
	if code == "" {
		return failure(CouponEmptyCode, "", "Please enter a coupon code"), nil
	}

	coupon, err := v.source.GetActiveCouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failure(CouponInvalidCode, code, "Invalid coupon code"), nil
		}
		v.logger.Warn("Coupon lookup failed", zap.String("code", code), zap.Error(err))
		return failure(CouponInvalidCode, code, "Could not verify this coupon, please check your connection"), nil
	}

	res := EvaluateCoupon(coupon, subtotal, v.now())
	res.Code = code
	return res, coupon
}

// EvaluateCoupon applies the rule chain to an already fetched coupon
func EvaluateCoupon(coupon *models.Coupon, subtotal int64, now time.Time) CouponResult {
	if coupon == nil || !coupon.IsActive {
		return failure(CouponInvalidCode, "", "Invalid coupon code")
	}
	code := coupon.Code

	if coupon.ExpiresAt != nil && coupon.ExpiresAt.Before(now) {
		return failure(CouponExpired, code, "This coupon has expired")
	}
	if coupon.MaxUses != nil && coupon.UsesCount >= *coupon.MaxUses {
		return failure(CouponUsageLimit, code, "This coupon has reached its usage limit")
	}
	if coupon.MinOrderAmount != nil && subtotal < *coupon.MinOrderAmount {
		return failure(CouponBelowMinimum, code,
			fmt.Sprintf("Minimum order amount for this coupon is ৳%d", *coupon.MinOrderAmount))
	}

	return CouponResult{Success: true, Code: code, Discount: CouponDiscount(coupon, subtotal)}
}

// CouponDiscount computes the discount a valid coupon gives on subtotal,
// never more than the subtotal itself.
func CouponDiscount(coupon *models.Coupon, subtotal int64) int64 {
	var discount int64
	switch coupon.DiscountType {
	case models.DiscountTypePercentage:
		discount = policy.PercentOf(subtotal, coupon.DiscountValue)
	case models.DiscountTypeFixed:
		discount = coupon.DiscountValue.Round(0).IntPart()
	}

	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		discount = 0
	}
	return discount
}

// RemoveCoupon clears the applied coupon and any error
func (v *CouponValidator) RemoveCoupon() {
	v.mu.Lock()
	v.applied = nil
	v.lastErr = nil
	v.mu.Unlock()
}

// Applied returns the applied coupon, or nil
func (v *CouponValidator) Applied() *AppliedCoupon {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.applied == nil {
		return nil
	}
	cp := *v.applied
	return &cp
}

// LastError returns the most recent failed result, or nil
func (v *CouponValidator) LastError() *CouponResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.lastErr == nil {
		return nil
	}
	cp := *v.lastErr
	return &cp
}

// DiscountFor recomputes the applied coupon's discount for a new subtotal.
// A subtotal that drops under the coupon's minimum yields zero.
func (v *CouponValidator) DiscountFor(subtotal int64) int64 {
	applied := v.Applied()
	if applied == nil {
		return 0
	}
	c := applied.Coupon
	if c.MinOrderAmount != nil && subtotal < *c.MinOrderAmount {
		return 0
	}
	return CouponDiscount(&c, subtotal)
}

func failure(kind CouponErrorKind, code, msg string) CouponResult {
	return CouponResult{Success: false, Code: code, Error: kind, Message: msg}
}

func resultLabel(res CouponResult) string {
	if res.Success {
		return "applied"
	}
	return strings.ToLower(string(res.Error))
}
