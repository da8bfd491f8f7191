package store

import (
	"context"
	"database/sql"
	"fmt"

	"cinema-orders/internal/models"
)

// GetOrCreateCart returns the user's cart, creating it on first use.
func (s *Store) GetOrCreateCart(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart, "SELECT * FROM carts WHERE user_id = $1", userID)
	if err == nil {
		return &cart, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	query := `
		INSERT INTO carts (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, created_at`

	if err := s.db.GetContext(ctx, &cart, query, userID); err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	return &cart, nil
}

// AddCartItem inserts a movie into the cart. Returns false when the movie
// is already present (unique cart_id/movie_id pair).
func (s *Store) AddCartItem(ctx context.Context, cartID, movieID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO cart_items (cart_id, movie_id) VALUES ($1, $2) ON CONFLICT (cart_id, movie_id) DO NOTHING",
		cartID, movieID)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RemoveCartItem deletes a movie from the cart. Returns false when absent.
func (s *Store) RemoveCartItem(ctx context.Context, cartID, movieID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id = $1 AND movie_id = $2",
		cartID, movieID)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetCartSnapshot reads the cart with current catalog prices, oldest first.
// It never mutates the cart.
func (s *Store) GetCartSnapshot(ctx context.Context, userID int64) ([]models.CartSnapshotItem, error) {
	query := `
		SELECT ci.movie_id, m.title, m.price_cents AS unit_price
		FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		JOIN movies m ON m.id = ci.movie_id
		WHERE c.user_id = $1
		ORDER BY ci.added_at, ci.id`

	var items []models.CartSnapshotItem
	err := s.db.SelectContext(ctx, &items, query, userID)
	return items, err
}

// ClearCart empties the user's cart. Used outside checkout (e.g. the
// explicit clear endpoint); checkout clears inside FinalizeCheckout's tx.
func (s *Store) ClearCart(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE cart_id IN (SELECT id FROM carts WHERE user_id = $1)",
		userID)
	return err
}
