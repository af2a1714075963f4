package service

import (
	"context"
	"errors"
	"fmt"

	"almans/internal/models"
	"almans/internal/policy"
	"almans/internal/store"
	"almans/internal/util"

	"go.uber.org/zap"
)

var ErrNoLoyaltyAccount = errors.New("no loyalty account")

// LoyaltySource reads a user's points balance
type LoyaltySource interface {
	GetLoyaltyAccount(ctx context.Context, userID string) (*models.LoyaltyAccount, error)
}

// QuoteRequest carries the optional discounts a shopper has chosen
type QuoteRequest struct {
	CouponCode   string `json:"coupon_code"`
	RedeemPoints int    `json:"redeem_points"`
}

// Quote is the priced order draft. Every discount is taken off the live
// subtotal and Total never goes below zero.
type Quote struct {
	Cart           LiveCart                  `json:"cart"`
	BulkDiscount   policy.BulkDiscountResult `json:"bulk_discount"`
	Coupon         *CouponResult             `json:"coupon,omitempty"`
	CouponDiscount int64                     `json:"coupon_discount"`
	PointsRedeemed int                       `json:"points_redeemed"`
	PointsDiscount int64                     `json:"points_discount"`
	Total          int64                     `json:"total"`
}

// Checkout prices the cart and finishes an order on the client side
type Checkout struct {
	cart       *Cart
	reconciler *CartReconciler
	coupons    *CouponValidator
	bulk       *policy.BulkDiscountPolicy
	loyalty    *policy.LoyaltyLedger
	accounts   LoyaltySource
	identity   IdentitySource
	tracker    *AbandonedCartTracker
	logger     *zap.Logger
}

func NewCheckout(
	cart *Cart,
	reconciler *CartReconciler,
	coupons *CouponValidator,
	bulk *policy.BulkDiscountPolicy,
	loyalty *policy.LoyaltyLedger,
	accounts LoyaltySource,
	identity IdentitySource,
	tracker *AbandonedCartTracker,
	logger *zap.Logger,
) *Checkout {
	return &Checkout{
		cart:       cart,
		reconciler: reconciler,
		coupons:    coupons,
		bulk:       bulk,
		loyalty:    loyalty,
		accounts:   accounts,
		identity:   identity,
		tracker:    tracker,
		logger:     logger,
	}
}

// Quote re-prices the cart against the live catalog and applies the bulk
// discount, the coupon and any points redemption
func (c *Checkout) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.Quote")
	defer span.End()

	lc, err := c.reconciler.Refresh(ctx)
	if errors.Is(err, ErrSuperseded) {
		lc, _ = c.reconciler.Latest()
	} else if err != nil {
		return nil, err
	}

	subtotal := lc.LiveSubtotal
	q := &Quote{
		Cart:         lc,
		BulkDiscount: c.bulk.Compute(lc.Quantities(), subtotal),
	}

	if req.CouponCode != "" {
		res := c.coupons.ApplyCoupon(ctx, req.CouponCode, subtotal)
		q.Coupon = &res
		q.CouponDiscount = res.Discount
	} else {
		q.CouponDiscount = c.coupons.DiscountFor(subtotal)
	}

	if req.RedeemPoints != 0 {
		points, err := c.redeem(ctx, req.RedeemPoints, subtotal)
		if err != nil {
			return nil, err
		}
		q.PointsRedeemed = points
		q.PointsDiscount = c.loyalty.PointsValue(points)
	}

	q.Total = subtotal - q.BulkDiscount.DiscountAmount - q.CouponDiscount - q.PointsDiscount
	if q.Total < 0 {
		q.Total = 0
	}
	return q, nil
}

func (c *Checkout) redeem(ctx context.Context, points int, subtotal int64) (int, error) {
	userID := c.identity.CurrentUserID()
	if userID == "" {
		return 0, ErrNoLoyaltyAccount
	}

	account, err := c.accounts.GetLoyaltyAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNoLoyaltyAccount
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load loyalty account: %w", err)
	}

	if err := c.loyalty.ValidateRedemption(points, account.Points, subtotal); err != nil {
		return 0, err
	}
	return points, nil
}

// Complete runs after the order has been placed: the abandoned snapshot is
// marked recovered and the cart, coupon and price notice are reset. The local
// reset happens even if the snapshot could not be updated.
func (c *Checkout) Complete(ctx context.Context) error {
	err := c.tracker.MarkCartRecovered(ctx)

	c.cart.Clear(ctx)
	c.coupons.RemoveCoupon()
	c.reconciler.ResetSession()

	if err != nil {
		return err
	}
	c.logger.Info("Checkout completed")
	return nil
}
