package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"almans/internal/models"

	"github.com/jmoiron/sqlx"
)

const productColumns = "id, name, price, stock, images, sizes, is_active, updated_at"

// GetProductByID retrieves an active product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1 AND is_active = true", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves the active products among ids. Deleted or
// deactivated products are simply absent from the result.
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In(
		"SELECT "+productColumns+" FROM products WHERE id IN (?) AND is_active = true", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// GetActiveCouponByCode looks a coupon up by its normalized code
func (s *Store) GetActiveCouponByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.db.GetContext(ctx, &coupon, `
		SELECT id, code, discount_type, discount_value, min_order_amount,
		       max_uses, uses_count, expires_at, is_active
		FROM coupons
		WHERE code = $1 AND is_active = true
		LIMIT 1`, strings.ToUpper(strings.TrimSpace(code)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("coupon %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// GetLoyaltyAccount retrieves the points row of a user
func (s *Store) GetLoyaltyAccount(ctx context.Context, userID string) (*models.LoyaltyAccount, error) {
	var account models.LoyaltyAccount
	err := s.db.GetContext(ctx, &account,
		"SELECT user_id, points, lifetime_points, tier FROM loyalty_points WHERE user_id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loyalty account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}
