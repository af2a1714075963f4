package policy

import (
	"errors"
	"fmt"

	"almans/internal/models"
)

const (
	// PointsPerUnit is how many points are worth one currency unit
	PointsPerUnit = 10
	// MaxRedeemPercent caps redemption at this share of the subtotal
	MaxRedeemPercent = 50
)

var (
	ErrRedemptionStep     = errors.New("points must be redeemed in multiples of 10")
	ErrRedemptionNegative = errors.New("points to redeem cannot be negative")
	ErrRedemptionTooLarge = errors.New("points to redeem exceed the redeemable maximum")
)

// LoyaltyTier is a lifetime-points threshold and the benefits it carries.
// PointsMultiplier is applied to accrual, which happens server side.
type LoyaltyTier struct {
	Name              string  `json:"name" yaml:"name"`
	MinLifetimePoints int     `json:"min_lifetime_points" yaml:"min_lifetime_points"`
	DiscountPercent   int     `json:"discount_percent" yaml:"discount_percent"`
	PointsMultiplier  float64 `json:"points_multiplier" yaml:"points_multiplier"`
}

var DefaultLoyaltyTiers = []LoyaltyTier{
	{Name: models.TierBronze, MinLifetimePoints: 0, DiscountPercent: 0, PointsMultiplier: 1},
	{Name: models.TierSilver, MinLifetimePoints: 500, DiscountPercent: 5, PointsMultiplier: 1.25},
	{Name: models.TierGold, MinLifetimePoints: 2000, DiscountPercent: 10, PointsMultiplier: 1.5},
	{Name: models.TierPlatinum, MinLifetimePoints: 5000, DiscountPercent: 15, PointsMultiplier: 2},
}

// LoyaltyLedger derives point values, redemption caps and tier standing
// from a loyalty account.
type LoyaltyLedger struct {
	tiers []LoyaltyTier
}

// TierProgress describes how far an account is from its next tier
type TierProgress struct {
	Current      LoyaltyTier  `json:"current"`
	Next         *LoyaltyTier `json:"next"`
	PointsToNext int          `json:"points_to_next"`
	Percent      float64      `json:"percent"`
}

// LoyaltyView bundles everything the checkout screen shows about points
type LoyaltyView struct {
	Points         int          `json:"points"`
	LifetimePoints int          `json:"lifetime_points"`
	PointsValue    int64        `json:"points_value"`
	MaxRedeemable  int          `json:"max_redeemable"`
	MaxRedeemValue int64        `json:"max_redeem_value"`
	Tier           LoyaltyTier  `json:"tier"`
	Progress       TierProgress `json:"progress"`
}

// NewLoyaltyLedger validates that tiers start at zero and increase strictly
func NewLoyaltyLedger(tiers []LoyaltyTier) (*LoyaltyLedger, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no loyalty tiers", ErrInvalidTiers)
	}
	if tiers[0].MinLifetimePoints != 0 {
		return nil, fmt.Errorf("%w: first loyalty tier must start at 0", ErrInvalidTiers)
	}
	for i, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("%w: loyalty tier %d has no name", ErrInvalidTiers, i)
		}
		if i > 0 && t.MinLifetimePoints <= tiers[i-1].MinLifetimePoints {
			return nil, fmt.Errorf("%w: loyalty tier %q does not increase", ErrInvalidTiers, t.Name)
		}
	}

	owned := make([]LoyaltyTier, len(tiers))
	copy(owned, tiers)
	return &LoyaltyLedger{tiers: owned}, nil
}

// DefaultLoyaltyLedger returns the ledger over DefaultLoyaltyTiers
func DefaultLoyaltyLedger() *LoyaltyLedger {
	l, err := NewLoyaltyLedger(DefaultLoyaltyTiers)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *LoyaltyLedger) Tiers() []LoyaltyTier {
	out := make([]LoyaltyTier, len(l.tiers))
	copy(out, l.tiers)
	return out
}

// PointsValue converts points to currency, flooring partial units
func (l *LoyaltyLedger) PointsValue(points int) int64 {
	if points <= 0 {
		return 0
	}
	return int64(points / PointsPerUnit)
}

// MaxRedeemable is the largest multiple of 10 points that neither exceeds the
// balance nor is worth more than half the subtotal.
func (l *LoyaltyLedger) MaxRedeemable(points int, subtotal int64) int {
	if points <= 0 || subtotal <= 0 {
		return 0
	}
	capValue := subtotal * MaxRedeemPercent / 100
	byValue := capValue * PointsPerUnit
	byBalance := int64(points - points%PointsPerUnit)
	if byBalance < byValue {
		return int(byBalance)
	}
	return int(byValue)
}

// ValidateRedemption checks a user's selected points against the redemption rules
func (l *LoyaltyLedger) ValidateRedemption(selected, points int, subtotal int64) error {
	switch {
	case selected < 0:
		return ErrRedemptionNegative
	case selected%PointsPerUnit != 0:
		return ErrRedemptionStep
	case selected > l.MaxRedeemable(points, subtotal):
		return ErrRedemptionTooLarge
	}
	return nil
}

// TierFor classifies lifetime points
func (l *LoyaltyLedger) TierFor(lifetimePoints int) LoyaltyTier {
	for i := len(l.tiers) - 1; i >= 0; i-- {
		if l.tiers[i].MinLifetimePoints <= lifetimePoints {
			return l.tiers[i]
		}
	}
	return l.tiers[0]
}

func (l *LoyaltyLedger) tierByName(name string) (int, bool) {
	for i, t := range l.tiers {
		if t.Name == name {
			return i, true
		}
	}
	return 0, false
}

// AccountTier prefers the tier stored on the account and falls back to
// classifying its lifetime points when the name is unknown.
func (l *LoyaltyLedger) AccountTier(account models.LoyaltyAccount) LoyaltyTier {
	if i, ok := l.tierByName(account.Tier); ok {
		return l.tiers[i]
	}
	return l.TierFor(account.LifetimePoints)
}

// Progress reports the next tier and the distance to it
func (l *LoyaltyLedger) Progress(account models.LoyaltyAccount) TierProgress {
	current := l.AccountTier(account)
	idx, _ := l.tierByName(current.Name)

	progress := TierProgress{Current: current, Percent: 100}
	if idx+1 >= len(l.tiers) {
		return progress
	}

	next := l.tiers[idx+1]
	progress.Next = &next
	if gap := next.MinLifetimePoints - account.LifetimePoints; gap > 0 {
		progress.PointsToNext = gap
	}

	span := next.MinLifetimePoints - current.MinLifetimePoints
	done := account.LifetimePoints - current.MinLifetimePoints
	pct := float64(done) / float64(span) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	progress.Percent = pct
	return progress
}

// View assembles the checkout loyalty panel for an account and subtotal
func (l *LoyaltyLedger) View(account models.LoyaltyAccount, subtotal int64) LoyaltyView {
	maxPoints := l.MaxRedeemable(account.Points, subtotal)
	return LoyaltyView{
		Points:         account.Points,
		LifetimePoints: account.LifetimePoints,
		PointsValue:    l.PointsValue(account.Points),
		MaxRedeemable:  maxPoints,
		MaxRedeemValue: l.PointsValue(maxPoints),
		Tier:           l.AccountTier(account),
		Progress:       l.Progress(account),
	}
}
