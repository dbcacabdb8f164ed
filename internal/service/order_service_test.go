package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitOrder(t *testing.T, env *testEnv, userID int64, ref string) *domain.Order {
	t.Helper()
	env.addToCart(t, userID, productTable, 1)
	req := checkoutAll(userID)
	req.ExternalRef = ref
	order, err := env.checkout.ReserveAndCommit(context.Background(), req)
	require.NoError(t, err)
	return order
}

// tickingClock advances one second per call so creation times are distinct.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestOrderService_GetAndList(t *testing.T) {
	env := newTestEnv(t, store.WithClock(tickingClock()))
	ctx := context.Background()
	env.setStock(t, productTable, 10)

	first := commitOrder(t, env, 1, "ref-1")
	second := commitOrder(t, env, 1, "ref-2")
	commitOrder(t, env, 2, "ref-3")

	got, err := env.orders.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "ref-1", got.PaymentRef)

	_, err = env.orders.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)

	list, err := env.orders.ListByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)
}

func TestOrderService_UpdatePaymentStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	order := commitOrder(t, env, 1, "ref-1")

	updated, err := env.orders.UpdatePaymentStatus(ctx, "ref-1", domain.PaymentStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, order.ID, updated.ID)
	assert.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)
	assert.True(t, updated.TotalPrice.Equal(order.TotalPrice))

	stored, err := env.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, int64(9), env.quantity(t, productTable), "payment callbacks never touch stock")

	events, err := env.store.UnprocessedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventPaymentStatusChanged, events[1].EventType)
}

func TestOrderService_UpdatePaymentStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.orders.UpdatePaymentStatus(ctx, "ref-1", domain.PaymentStatus("REFUNDED"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = env.orders.UpdatePaymentStatus(ctx, "missing", domain.PaymentStatusFailed)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
