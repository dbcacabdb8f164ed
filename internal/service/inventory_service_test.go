package service

import (
	"context"
	"testing"

	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterProduct(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.inventory.RegisterProduct(ctx, productSofa)
	require.NoError(t, err)
	assert.Equal(t, productSofa, entry.ProductID)
	assert.Equal(t, int64(0), entry.Quantity)

	env.setStock(t, productSofa, 4)
	entry, err = env.inventory.RegisterProduct(ctx, productSofa)
	require.NoError(t, err)
	assert.Equal(t, int64(4), entry.Quantity, "registering again keeps the quantity")
}

func TestSetStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.inventory.SetStock(ctx, productTable, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(12), entry.Quantity)

	_, err = env.inventory.SetStock(ctx, productTable, -1)
	assert.ErrorIs(t, err, store.ErrNegativeQuantity)
	assert.Equal(t, int64(12), env.quantity(t, productTable))
}

func TestStock_OnlyExistingEntries(t *testing.T) {
	env := newTestEnv(t)
	env.setStock(t, productChair, 3)
	env.setStock(t, productTable, 1)

	entries, err := env.inventory.Stock(context.Background(), []int64{productTable, 404, productChair})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, productTable, entries[0].ProductID)
	assert.Equal(t, productChair, entries[1].ProductID)
	assert.Equal(t, int64(3), entries[1].Quantity)
}
