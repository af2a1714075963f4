package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"almans/internal/kvstore"
	"almans/internal/models"

	"go.uber.org/zap"
)

const cartKey = "cart"

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrLineNotFound    = errors.New("cart line not found")
)

// Cart is the persisted client cart. Lines are keyed by product and size.
// Every mutation is written to the store and broadcast to subscribers.
type Cart struct {
	mu          sync.Mutex
	store       kvstore.Store
	logger      *zap.Logger
	lines       []models.CartLine
	subscribers []func([]models.CartLine)
}

// NewCart loads the persisted cart, starting empty if there is none or it
// cannot be read.
func NewCart(ctx context.Context, store kvstore.Store, logger *zap.Logger) *Cart {
	c := &Cart{store: store, logger: logger}

	raw, err := store.Get(ctx, cartKey)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		logger.Debug("Failed to read persisted cart", zap.Error(err))
	default:
		if err := json.Unmarshal([]byte(raw), &c.lines); err != nil {
			logger.Debug("Discarding corrupt persisted cart", zap.Error(err))
			c.lines = nil
		}
	}

	return c
}

// Lines returns a copy of the cart lines
func (c *Cart) Lines() []models.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// TotalItems sums quantities across lines
func (c *Cart) TotalItems() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, l := range c.lines {
		n += l.Quantity
	}
	return n
}

// HasProduct reports whether any line holds productID
func (c *Cart) HasProduct(productID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if l.ProductID == productID {
			return true
		}
	}
	return false
}

// Subscribe registers fn to receive the cart after every mutation
func (c *Cart) Subscribe(fn func([]models.CartLine)) {
	c.mu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.mu.Unlock()
}

// Add puts qty units of product in the given size into the cart, merging with
// an existing line. The product is cached on the line as seen now.
func (c *Cart) Add(ctx context.Context, product models.Product, size string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	return c.mutate(ctx, func() error {
		if i := c.find(product.ID, size); i >= 0 {
			c.lines[i].Quantity += qty
			c.lines[i].Product = product
			return nil
		}
		c.lines = append(c.lines, models.CartLine{
			ProductID: product.ID,
			Size:      size,
			Quantity:  qty,
			Product:   product,
		})
		return nil
	})
}

// UpdateQuantity sets a line's quantity; zero or less removes the line
func (c *Cart) UpdateQuantity(ctx context.Context, productID, size string, qty int) error {
	return c.mutate(ctx, func() error {
		i := c.find(productID, size)
		if i < 0 {
			return fmt.Errorf("%s/%s: %w", productID, size, ErrLineNotFound)
		}
		if qty <= 0 {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			return nil
		}
		c.lines[i].Quantity = qty
		return nil
	})
}

// Remove drops a line
func (c *Cart) Remove(ctx context.Context, productID, size string) error {
	return c.UpdateQuantity(ctx, productID, size, 0)
}

// RemoveProducts drops every line of the given products and returns how many went
func (c *Cart) RemoveProducts(ctx context.Context, productIDs []string) int {
	drop := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		drop[id] = struct{}{}
	}

	removed := 0
	c.mutate(ctx, func() error {
		kept := c.lines[:0]
		for _, l := range c.lines {
			if _, ok := drop[l.ProductID]; ok {
				removed++
				continue
			}
			kept = append(kept, l)
		}
		c.lines = kept
		return nil
	})
	return removed
}

// Clear empties the cart
func (c *Cart) Clear(ctx context.Context) {
	c.mutate(ctx, func() error {
		c.lines = nil
		return nil
	})
}

func (c *Cart) find(productID, size string) int {
	for i, l := range c.lines {
		if l.ProductID == productID && l.Size == size {
			return i
		}
	}
	return -1
}

func (c *Cart) snapshot() []models.CartLine {
	out := make([]models.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

// mutate applies fn, persists, then notifies subscribers outside the lock
func (c *Cart) mutate(ctx context.Context, fn func() error) error {
	c.mu.Lock()
	if err := fn(); err != nil {
		c.mu.Unlock()
		return err
	}
	lines := c.snapshot()
	subs := append([]func([]models.CartLine){}, c.subscribers...)
	c.persist(ctx, lines)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(lines)
	}
	return nil
}

func (c *Cart) persist(ctx context.Context, lines []models.CartLine) {
	if len(lines) == 0 {
		if err := c.store.Remove(ctx, cartKey); err != nil {
			c.logger.Debug("Failed to clear persisted cart", zap.Error(err))
		}
		return
	}

	raw, err := json.Marshal(lines)
	if err != nil {
		c.logger.Debug("Failed to encode cart", zap.Error(err))
		return
	}
	if err := c.store.Set(ctx, cartKey, string(raw)); err != nil {
		c.logger.Debug("Failed to persist cart", zap.Error(err))
	}
}
