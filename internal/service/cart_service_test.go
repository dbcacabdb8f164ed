package service

import (
	"context"
	"errors"
	"testing"

	"github.com/fjod/go_cart/checkout-engine/internal/catalog"
	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCart_EmptyWhenNone(t *testing.T) {
	env := newTestEnv(t)

	cart, err := env.carts.GetCart(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cart.UserID)
	assert.Zero(t, cart.ID)
	assert.Empty(t, cart.Lines)
}

func TestGetCart_UsesCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 2)

	first, err := env.carts.GetCart(ctx, 1)
	require.NoError(t, err)
	second, err := env.carts.GetCart(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, env.cache.gets)
	assert.Equal(t, 1, env.cache.hits)
}

func TestGetCart_CacheErrorFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 2)
	env.cache.getErr = errors.New("connection refused")

	cart, err := env.carts.GetCart(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, int64(2), cart.Lines[0].Quantity)
}

func TestGetCart_ReturnsCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 2)

	cart, err := env.carts.GetCart(ctx, 1)
	require.NoError(t, err)
	cart.Lines[0].Quantity = 99

	again, err := env.carts.GetCart(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Lines[0].Quantity)
}

func TestAddOrIncrement(t *testing.T) {
	env := newTestEnv(t)
	env.setStock(t, productChair, 10)

	cart := env.addToCart(t, 1, productChair, 2)
	require.Len(t, cart.Lines, 1)
	assert.True(t, cart.Lines[0].UnitPrice.Equal(decimal.RequireFromString("45.50")))

	cart = env.addToCart(t, 1, productChair, 3)
	require.Len(t, cart.Lines, 1, "one line per product")
	assert.Equal(t, int64(5), cart.Lines[0].Quantity)
	assert.Equal(t, []int64{1, 1}, env.cache.deletes)
}

func TestAddOrIncrement_KeepsPriceSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 1)

	env.catalog.prices[productTable] = decimal.NewFromInt(150)
	cart := env.addToCart(t, 1, productTable, 1)

	require.Len(t, cart.Lines, 1)
	assert.True(t, cart.Lines[0].UnitPrice.Equal(decimal.NewFromInt(100)))
}

func TestAddOrIncrement_Rejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)

	_, err := env.carts.AddOrIncrement(ctx, 1, productTable, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = env.carts.AddOrIncrement(ctx, 1, 404, 1)
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)

	_, err = env.carts.AddOrIncrement(ctx, 1, productChair, 1)
	assert.ErrorIs(t, err, ErrOutOfStock)

	_, err = env.store.CartByUser(ctx, 1)
	assert.ErrorIs(t, err, ErrCartNotFound)
}

func TestUpdateLineQuantity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	cart := env.addToCart(t, 1, productTable, 1)
	lineID := cart.Lines[0].ID

	cart, err := env.carts.UpdateLineQuantity(ctx, 1, lineID, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), cart.Lines[0].Quantity)

	_, err = env.carts.UpdateLineQuantity(ctx, 1, lineID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = env.carts.UpdateLineQuantity(ctx, 1, 999, 2)
	assert.ErrorIs(t, err, ErrLineNotFound)

	_, err = env.carts.UpdateLineQuantity(ctx, 2, lineID, 2)
	assert.ErrorIs(t, err, ErrCartNotFound)
}

func TestRemoveLine(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	env.setStock(t, productChair, 10)
	env.addToCart(t, 1, productTable, 1)
	cart := env.addToCart(t, 1, productChair, 1)

	tableLine, _ := cart.LineForProduct(productTable)
	chairLine, _ := cart.LineForProduct(productChair)

	cart, err := env.carts.RemoveLine(ctx, 1, tableLine.ID)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, productChair, cart.Lines[0].ProductID)

	cart, err = env.carts.RemoveLine(ctx, 1, chairLine.ID)
	require.NoError(t, err)
	assert.Nil(t, cart, "removing the last line deletes the cart")

	_, err = env.store.CartByUser(ctx, 1)
	assert.ErrorIs(t, err, ErrCartNotFound)
}
