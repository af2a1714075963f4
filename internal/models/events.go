package models

import "time"

// Event types
const (
	EventTypeProductUpdated      = "PRODUCT_UPDATED"
	EventTypeProductDeleted      = "PRODUCT_DELETED"
	EventTypeCartPriceChanged    = "CART_PRICE_CHANGED"
	EventTypeAbandonedCartSynced = "ABANDONED_CART_SYNCED"
	EventTypeCartRecovered       = "CART_RECOVERED"
	EventTypeLoginLockout        = "LOGIN_LOCKOUT"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ProductChangedEvent is delivered by the realtime feed when a catalog row changes
type ProductChangedEvent struct {
	BaseEvent
	ProductID string `json:"product_id"`
	Price     int64  `json:"price"`
	Stock     int    `json:"stock"`
}

// CartPriceChangedEvent published the first time a session sees price drift
type CartPriceChangedEvent struct {
	BaseEvent
	OwnerID  string            `json:"owner_id"`
	Changes  []PriceChangeData `json:"changes"`
	Subtotal int64             `json:"subtotal"`
}

// PriceChangeData describes the drift on one cart line
type PriceChangeData struct {
	ProductID   string `json:"product_id"`
	StoredPrice int64  `json:"stored_price"`
	LivePrice   int64  `json:"live_price"`
}

// AbandonedCartSyncedEvent published after a snapshot upsert
type AbandonedCartSyncedEvent struct {
	BaseEvent
	SnapshotID string `json:"snapshot_id"`
	OwnerID    string `json:"owner_id"`
	ItemCount  int    `json:"item_count"`
	TotalValue int64  `json:"total_value"`
	Trigger    string `json:"trigger"`
}

// CartRecoveredEvent published when checkout marks the snapshot recovered
type CartRecoveredEvent struct {
	BaseEvent
	OwnerID string `json:"owner_id"`
}

// LoginLockoutEvent published when a device gets locked out
type LoginLockoutEvent struct {
	BaseEvent
	LockoutUntil time.Time `json:"lockout_until"`
}
