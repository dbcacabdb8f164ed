package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/payment"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrIntentNotFound = payment.ErrIntentNotFound

// PaymentService holds a checkout while an external payment is pending. The
// intent reserves nothing; stock is only taken when an approved intent is
// completed through ReserveAndCommit.
type PaymentService struct {
	intents  payment.IntentStore
	store    store.Store
	checkout *CheckoutService
	logger   *zap.Logger
	ttl      time.Duration
}

func NewPaymentService(intents payment.IntentStore, st store.Store, checkout *CheckoutService, log *zap.Logger, ttl time.Duration) *PaymentService {
	if ttl <= 0 {
		ttl = payment.DefaultIntentTTL
	}
	return &PaymentService{
		intents:  intents,
		store:    st,
		checkout: checkout,
		logger:   log,
		ttl:      ttl,
	}
}

// BeginIntent validates the selection against the current cart and stores
// the intent under a fresh token, which doubles as the payment reference.
func (s *PaymentService) BeginIntent(ctx context.Context, intent payment.Intent) (string, error) {
	cart, err := s.store.CartByUser(ctx, intent.UserID)
	if err != nil {
		if errors.Is(err, store.ErrCartNotFound) {
			return "", ErrCartNotFound
		}
		return "", fmt.Errorf("load cart: %w", err)
	}
	if cart.ItemCount() == 0 {
		return "", ErrCartEmpty
	}
	if len(cart.Select(intent.LineIDs)) == 0 {
		return "", ErrNoItemsSelected
	}

	token := uuid.NewString()
	intent.CreatedAt = time.Now().UTC()
	if err := s.intents.Save(ctx, token, &intent, s.ttl); err != nil {
		return "", fmt.Errorf("save intent: %w", err)
	}

	s.logger.Info("payment intent created",
		zap.Int64("user_id", intent.UserID),
		zap.String("payment_ref", token))
	return token, nil
}

// CompleteIntent consumes the intent exactly once. An approved payment
// commits the checkout as PAID; a declined one discards the intent.
func (s *PaymentService) CompleteIntent(ctx context.Context, token string, approved bool) (*domain.Order, error) {
	intent, err := s.intents.Take(ctx, token)
	if err != nil {
		return nil, err
	}

	if !approved {
		s.logger.Info("payment declined, intent discarded",
			zap.Int64("user_id", intent.UserID),
			zap.String("payment_ref", token))
		return nil, ErrPaymentDeclined
	}

	return s.checkout.ReserveAndCommit(ctx, CheckoutRequest{
		UserID:        intent.UserID,
		LineIDs:       intent.LineIDs,
		Receiver:      intent.Receiver,
		PaymentMethod: intent.PaymentMethod,
		ExternalRef:   token,
		ClientTotal:   intent.ClientTotal,
		PaymentStatus: domain.PaymentStatusPaid,
	})
}
