package service

import (
	"context"
	"fmt"

	"cinema-orders/internal/models"
	"cinema-orders/internal/util"

	"go.uber.org/zap"
)

// CartStore is the persistence surface the cart service needs.
type CartStore interface {
	GetMovieByID(ctx context.Context, id int64) (*models.Movie, error)
	GetOrCreateCart(ctx context.Context, userID int64) (*models.Cart, error)
	AddCartItem(ctx context.Context, cartID, movieID int64) (bool, error)
	RemoveCartItem(ctx context.Context, cartID, movieID int64) (bool, error)
	GetCartSnapshot(ctx context.Context, userID int64) ([]models.CartSnapshotItem, error)
	ClearCart(ctx context.Context, userID int64) error
}

// CartService handles the shopping cart ahead of checkout.
type CartService struct {
	store  CartStore
	logger *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(store CartStore) *CartService {
	return &CartService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// AddItem puts a movie into the user's cart. ErrMovieNotFound for unknown
// movies, ErrAlreadyInCart for duplicates.
func (s *CartService) AddItem(ctx context.Context, userID, movieID int64) (*models.Movie, error) {
	ctx, span := util.StartSpan(ctx, "CartService.AddItem")
	defer span.End()

	movie, err := s.store.GetMovieByID(ctx, movieID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up movie: %w", err)
	}
	if movie == nil {
		return nil, ErrMovieNotFound
	}

	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	added, err := s.store.AddCartItem(ctx, cart.ID, movieID)
	if err != nil {
		return nil, fmt.Errorf("failed to add cart item: %w", err)
	}
	if !added {
		return nil, ErrAlreadyInCart
	}

	s.logger.Info("Movie added to cart",
		zap.Int64("user_id", userID),
		zap.Int64("movie_id", movieID))
	return movie, nil
}

// RemoveItem deletes a movie from the user's cart.
func (s *CartService) RemoveItem(ctx context.Context, userID, movieID int64) error {
	ctx, span := util.StartSpan(ctx, "CartService.RemoveItem")
	defer span.End()

	cart, err := s.store.GetOrCreateCart(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load cart: %w", err)
	}

	removed, err := s.store.RemoveCartItem(ctx, cart.ID, movieID)
	if err != nil {
		return fmt.Errorf("failed to remove cart item: %w", err)
	}
	if !removed {
		return ErrNotInCart
	}
	return nil
}

// Snapshot reads the cart with prices frozen at this moment. It does not
// mutate the cart; clearing happens only after the orchestrator persists
// the order.
func (s *CartService) Snapshot(ctx context.Context, userID int64) ([]models.CartSnapshotItem, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Snapshot")
	defer span.End()

	items, err := s.store.GetCartSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot cart: %w", err)
	}
	return items, nil
}

// Clear empties the cart on explicit user request.
func (s *CartService) Clear(ctx context.Context, userID int64) error {
	return s.store.ClearCart(ctx, userID)
}
