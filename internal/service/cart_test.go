package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddItem(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	movie, err := fx.carts.AddItem(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, "Heat", movie.Title)
	assert.Equal(t, int64(999), movie.PriceCents)
}

func TestAddItemUnknownMovie(t *testing.T) {
	fx := newFixture()

	_, err := fx.carts.AddItem(context.Background(), 10, 404)
	assert.ErrorIs(t, err, ErrMovieNotFound)
}

func TestAddItemTwice(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, 10, 1)
	require.NoError(t, err)

	_, err = fx.carts.AddItem(ctx, 10, 1)
	assert.ErrorIs(t, err, ErrAlreadyInCart)
}

func TestRemoveItem(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()

	_, err := fx.carts.AddItem(ctx, 10, 1)
	require.NoError(t, err)

	require.NoError(t, fx.carts.RemoveItem(ctx, 10, 1))

	snapshot, err := fx.carts.Snapshot(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestRemoveItemNotInCart(t *testing.T) {
	fx := newFixture()

	err := fx.carts.RemoveItem(context.Background(), 10, 1)
	assert.ErrorIs(t, err, ErrNotInCart)
}

func TestSnapshotPrices(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	require.NoError(t, fx.fillCart(ctx, 10, 1, 2))

	snapshot, err := fx.carts.Snapshot(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)

	var total int64
	for _, it := range snapshot {
		total += it.UnitPrice
	}
	assert.Equal(t, int64(1498), total)
}

func TestClear(t *testing.T) {
	fx := newFixture()
	ctx := context.Background()
	require.NoError(t, fx.fillCart(ctx, 10, 1, 2))

	require.NoError(t, fx.carts.Clear(ctx, 10))

	snapshot, err := fx.carts.Snapshot(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}
