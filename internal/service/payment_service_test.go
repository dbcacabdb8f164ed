package service

import (
	"context"
	"testing"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/payment"
	"github.com/fjod/go_cart/checkout-engine/internal/reservation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardIntent(userID int64) payment.Intent {
	return payment.Intent{
		UserID:        userID,
		Receiver:      domain.Receiver{Name: "Ann", Address: "Main St 1", Phone: "555-0100"},
		PaymentMethod: "CARD",
		ClientTotal:   decimal.NewNullDecimal(decimal.NewFromInt(200)),
	}
}

func TestPayment_ApprovedIntentCommitsAsPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 2)

	token, err := env.payments.BeginIntent(ctx, cardIntent(1))
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, int64(10), env.quantity(t, productTable), "an intent reserves nothing")

	order, err := env.payments.CompleteIntent(ctx, token, true)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, token, order.PaymentRef)
	assert.Equal(t, "CARD", order.PaymentMethod)
	assert.Equal(t, int64(8), env.quantity(t, productTable))

	_, err = env.payments.CompleteIntent(ctx, token, true)
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestPayment_DeclinedIntentCommitsNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 2)

	token, err := env.payments.BeginIntent(ctx, cardIntent(1))
	require.NoError(t, err)

	_, err = env.payments.CompleteIntent(ctx, token, false)
	assert.ErrorIs(t, err, ErrPaymentDeclined)
	assert.Equal(t, int64(10), env.quantity(t, productTable))

	cart, err := env.store.CartByUser(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)
}

func TestPayment_StockSoldOutWhilePaying(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 2)

	token, err := env.payments.BeginIntent(ctx, cardIntent(1))
	require.NoError(t, err)
	env.setStock(t, productTable, 1)

	_, err = env.payments.CompleteIntent(ctx, token, true)
	var stockErr *reservation.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(1), env.quantity(t, productTable))
}

func TestPayment_BeginIntentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.payments.BeginIntent(ctx, cardIntent(1))
	assert.ErrorIs(t, err, ErrCartNotFound)

	env.setStock(t, productTable, 10)
	env.addToCart(t, 1, productTable, 1)
	intent := cardIntent(1)
	intent.LineIDs = []int64{12345}
	_, err = env.payments.BeginIntent(ctx, intent)
	assert.ErrorIs(t, err, ErrNoItemsSelected)

	_, err = env.payments.CompleteIntent(ctx, "unknown", true)
	assert.ErrorIs(t, err, ErrIntentNotFound)
}
