package config

import (
	"fmt"
	"os"

	"almans/internal/policy"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the optional YAML override for the pricing tables
type PolicyFile struct {
	DiscountTiers []policy.DiscountTier `yaml:"discount_tiers"`
	LoyaltyTiers  []policy.LoyaltyTier  `yaml:"loyalty_tiers"`
}

// Policies holds the validated pricing tables used by the storefront
type Policies struct {
	BulkDiscount *policy.BulkDiscountPolicy
	Loyalty      *policy.LoyaltyLedger
}

// LoadPolicies reads path, if set, and falls back to the built-in tables for
// any section the file omits.
func LoadPolicies(path string) (*Policies, error) {
	p := &Policies{
		BulkDiscount: policy.DefaultBulkDiscountPolicy(),
		Loyalty:      policy.DefaultLoyaltyLedger(),
	}
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return parsePolicies(raw, p)
}

func parsePolicies(raw []byte, p *Policies) (*Policies, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	if len(file.DiscountTiers) > 0 {
		bulk, err := policy.NewBulkDiscountPolicy(file.DiscountTiers)
		if err != nil {
			return nil, err
		}
		p.BulkDiscount = bulk
	}

	if len(file.LoyaltyTiers) > 0 {
		ledger, err := policy.NewLoyaltyLedger(file.LoyaltyTiers)
		if err != nil {
			return nil, err
		}
		p.Loyalty = ledger
	}

	return p, nil
}
