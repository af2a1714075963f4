package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"almans/internal/models"
)

// abandonedCartRow is the table shape; items live in a jsonb column
type abandonedCartRow struct {
	models.AbandonedCartSnapshot
	ItemsJSON []byte `db:"items"`
}

// UpsertAbandonedCart updates the owner's open snapshot or inserts one.
// Returns the snapshot id.
func (s *Store) UpsertAbandonedCart(ctx context.Context, owner models.CartOwner, items []models.CartLineSnapshot, total int64) (string, error) {
	if !owner.Valid() {
		return "", errors.New("abandoned cart owner is empty")
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cart items: %w", err)
	}

	col, val := owner.Column()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var id string
	err = tx.GetContext(ctx, &id,
		"SELECT id FROM abandoned_carts WHERE "+col+" = $1 AND recovered = false LIMIT 1 FOR UPDATE", val)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.GetContext(ctx, &id,
			"INSERT INTO abandoned_carts ("+col+", items, total_value, recovered) VALUES ($1, $2, $3, false) RETURNING id",
			val, itemsJSON, total)
		if err != nil {
			return "", fmt.Errorf("failed to insert abandoned cart: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to look up abandoned cart: %w", err)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE abandoned_carts SET items = $1, total_value = $2, updated_at = NOW() WHERE id = $3",
			itemsJSON, total, id)
		if err != nil {
			return "", fmt.Errorf("failed to update abandoned cart: %w", err)
		}
	}

	return id, tx.Commit()
}

// MarkAbandonedCartRecovered flags the owner's open snapshot as recovered
func (s *Store) MarkAbandonedCartRecovered(ctx context.Context, owner models.CartOwner) error {
	if !owner.Valid() {
		return errors.New("abandoned cart owner is empty")
	}
	col, val := owner.Column()
	_, err := s.db.ExecContext(ctx,
		"UPDATE abandoned_carts SET recovered = true, updated_at = NOW() WHERE "+col+" = $1 AND recovered = false",
		val)
	return err
}

// GetOpenAbandonedCart returns the owner's non-recovered snapshot
func (s *Store) GetOpenAbandonedCart(ctx context.Context, owner models.CartOwner) (*models.AbandonedCartSnapshot, error) {
	col, val := owner.Column()

	var row abandonedCartRow
	err := s.db.GetContext(ctx, &row,
		"SELECT id, user_id, guest_id, items, total_value, recovered, updated_at FROM abandoned_carts WHERE "+
			col+" = $1 AND recovered = false LIMIT 1", val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("abandoned cart for %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(row.ItemsJSON, &row.Items); err != nil {
		return nil, fmt.Errorf("failed to decode cart items: %w", err)
	}
	return &row.AbandonedCartSnapshot, nil
}
