// Package policy holds the pure pricing rules of the storefront: quantity based
// bulk discounts and loyalty point economics. Nothing here performs I/O.
package policy

import (
	"errors"
	"fmt"

	"almans/internal/models"

	"github.com/shopspring/decimal"
)

var ErrInvalidTiers = errors.New("invalid tier table")

// DiscountTier grants DiscountPercent off the subtotal once a cart holds at
// least MinQuantity units.
type DiscountTier struct {
	MinQuantity     int `json:"min_quantity" yaml:"min_quantity"`
	DiscountPercent int `json:"discount_percent" yaml:"discount_percent"`
}

// DefaultDiscountTiers is the storefront's bulk discount table
var DefaultDiscountTiers = []DiscountTier{
	{MinQuantity: 10, DiscountPercent: 5},
	{MinQuantity: 20, DiscountPercent: 10},
	{MinQuantity: 50, DiscountPercent: 15},
	{MinQuantity: 100, DiscountPercent: 20},
}

// BulkDiscountPolicy selects a discount tier from the total quantity in a cart.
// The tier table is immutable once constructed.
type BulkDiscountPolicy struct {
	tiers []DiscountTier
}

// BulkDiscountResult is the render-ready outcome of Compute
type BulkDiscountResult struct {
	TotalQuantity   int           `json:"total_quantity"`
	ApplicableTier  *DiscountTier `json:"applicable_tier"`
	NextTier        *DiscountTier `json:"next_tier"`
	DiscountAmount  int64         `json:"discount_amount"`
	ItemsToNextTier int           `json:"items_to_next_tier"`
}

// NewBulkDiscountPolicy validates that tiers are strictly increasing in both
// MinQuantity and DiscountPercent.
func NewBulkDiscountPolicy(tiers []DiscountTier) (*BulkDiscountPolicy, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no discount tiers", ErrInvalidTiers)
	}
	for i, t := range tiers {
		if t.MinQuantity <= 0 {
			return nil, fmt.Errorf("%w: tier %d has min quantity %d", ErrInvalidTiers, i, t.MinQuantity)
		}
		if t.DiscountPercent < 0 || t.DiscountPercent > 100 {
			return nil, fmt.Errorf("%w: tier %d has discount %d%%", ErrInvalidTiers, i, t.DiscountPercent)
		}
		if i == 0 {
			continue
		}
		prev := tiers[i-1]
		if t.MinQuantity <= prev.MinQuantity || t.DiscountPercent <= prev.DiscountPercent {
			return nil, fmt.Errorf("%w: tier %d does not increase on tier %d", ErrInvalidTiers, i, i-1)
		}
	}

	owned := make([]DiscountTier, len(tiers))
	copy(owned, tiers)
	return &BulkDiscountPolicy{tiers: owned}, nil
}

// DefaultBulkDiscountPolicy returns the policy over DefaultDiscountTiers
func DefaultBulkDiscountPolicy() *BulkDiscountPolicy {
	p, err := NewBulkDiscountPolicy(DefaultDiscountTiers)
	if err != nil {
		panic(err)
	}
	return p
}

// Tiers returns a copy of the tier table
func (p *BulkDiscountPolicy) Tiers() []DiscountTier {
	out := make([]DiscountTier, len(p.tiers))
	copy(out, p.tiers)
	return out
}

// Compute sums quantities and applies the highest tier reached
func (p *BulkDiscountPolicy) Compute(quantities []int, subtotal int64) BulkDiscountResult {
	total := 0
	for _, q := range quantities {
		if q > 0 {
			total += q
		}
	}

	res := BulkDiscountResult{TotalQuantity: total}

	applied := -1
	for i := len(p.tiers) - 1; i >= 0; i-- {
		if p.tiers[i].MinQuantity <= total {
			applied = i
			break
		}
	}

	if applied >= 0 {
		tier := p.tiers[applied]
		res.ApplicableTier = &tier
		res.DiscountAmount = PercentOf(subtotal, decimal.NewFromInt(int64(tier.DiscountPercent)))
	}

	if applied+1 < len(p.tiers) {
		next := p.tiers[applied+1]
		res.NextTier = &next
		if gap := next.MinQuantity - total; gap > 0 {
			res.ItemsToNextTier = gap
		}
	}

	return res
}

// ComputeForLines is Compute over cart line quantities
func (p *BulkDiscountPolicy) ComputeForLines(lines []models.CartLine, subtotal int64) BulkDiscountResult {
	quantities := make([]int, len(lines))
	for i, l := range lines {
		quantities[i] = l.Quantity
	}
	return p.Compute(quantities, subtotal)
}
