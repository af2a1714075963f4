package models

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Product is the authoritative catalog record owned by the remote data service
type Product struct {
	ID        string         `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Price     int64          `db:"price" json:"price"`
	Stock     int            `db:"stock" json:"stock"`
	Images    pq.StringArray `db:"images" json:"images"`
	Sizes     pq.StringArray `db:"sizes" json:"sizes"`
	IsActive  bool           `db:"is_active" json:"is_active"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// CartLine is one entry of the client cart. Product is the copy cached at add time
// and may be stale.
type CartLine struct {
	ProductID string  `json:"product_id"`
	Size      string  `json:"size"`
	Quantity  int     `json:"quantity"`
	Product   Product `json:"product"`
}

// StoredPrice is the price the line was added with
func (l CartLine) StoredPrice() int64 {
	return l.Product.Price
}

// Coupon discount types
const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"
)

// Coupon is a promotional code fetched read-only from the remote data service
type Coupon struct {
	ID             string          `db:"id" json:"id"`
	Code           string          `db:"code" json:"code"`
	DiscountType   string          `db:"discount_type" json:"discount_type"`
	DiscountValue  decimal.Decimal `db:"discount_value" json:"discount_value"`
	MinOrderAmount *int64          `db:"min_order_amount" json:"min_order_amount,omitempty"`
	MaxUses        *int            `db:"max_uses" json:"max_uses,omitempty"`
	UsesCount      int             `db:"uses_count" json:"uses_count"`
	ExpiresAt      *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	IsActive       bool            `db:"is_active" json:"is_active"`
}

// Loyalty tier names
const (
	TierBronze   = "bronze"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierPlatinum = "platinum"
)

// LoyaltyAccount mirrors the loyalty_points row for a user
type LoyaltyAccount struct {
	UserID         string `db:"user_id" json:"user_id"`
	Points         int    `db:"points" json:"points"`
	LifetimePoints int    `db:"lifetime_points" json:"lifetime_points"`
	Tier           string `db:"tier" json:"tier"`
}

// RateLimitState is the persisted login attempt record for this device
type RateLimitState struct {
	Attempts     int        `json:"attempts"`
	LockoutUntil *time.Time `json:"lockout_until"`
	LastAttempt  *time.Time `json:"last_attempt"`
}

// CacheEntry is the durable form of an offline cache value
type CacheEntry struct {
	Key    string          `json:"key"`
	Data   json.RawMessage `json:"data"`
	Expiry time.Time       `json:"expiry"`
}

// Expired reports whether the entry is no longer valid at now
func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// CartLineSnapshot is the denormalized form of a cart line stored with an abandoned cart
type CartLineSnapshot struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
	Price     int64  `json:"price"`
	Image     string `json:"image,omitempty"`
}

// AbandonedCartSnapshot is the remote record of an inactive cart.
// Exactly one of UserID and GuestID is set.
type AbandonedCartSnapshot struct {
	ID         string             `db:"id" json:"id"`
	UserID     *string            `db:"user_id" json:"user_id,omitempty"`
	GuestID    *string            `db:"guest_id" json:"guest_id,omitempty"`
	Items      []CartLineSnapshot `db:"-" json:"items"`
	TotalValue int64              `db:"total_value" json:"total_value"`
	Recovered  bool               `db:"recovered" json:"recovered"`
	UpdatedAt  time.Time          `db:"updated_at" json:"updated_at"`
}

// CartOwner identifies whose cart a snapshot belongs to: a signed-in user or,
// failing that, the device's guest id. Never both.
type CartOwner struct {
	UserID  string
	GuestID string
}

// Column returns the snapshot column and value that key the owner
func (o CartOwner) Column() (string, string) {
	if o.UserID != "" {
		return "user_id", o.UserID
	}
	return "guest_id", o.GuestID
}

func (o CartOwner) Valid() bool {
	return o.UserID != "" || o.GuestID != ""
}

func (o CartOwner) String() string {
	col, val := o.Column()
	return col + ":" + val
}
