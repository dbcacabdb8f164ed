package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OrderService struct {
	store  store.Store
	logger *zap.Logger
}

func NewOrderService(st store.Store, log *zap.Logger) *OrderService {
	return &OrderService{store: st, logger: log}
}

func (s *OrderService) Get(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.store.Order(ctx, orderID)
}

// ListByUser returns the user's order history, newest first.
func (s *OrderService) ListByUser(ctx context.Context, userID int64) ([]*domain.Order, error) {
	return s.store.OrdersByUser(ctx, userID)
}

// UpdatePaymentStatus is the payment collaborator's callback. It only
// changes the payment status of the order with that reference; stock and
// lines are never touched.
func (s *OrderService) UpdatePaymentStatus(ctx context.Context, paymentRef string, status domain.PaymentStatus) (*domain.Order, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	order, err := tx.UpdatePaymentStatus(ctx, paymentRef, status)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(newOrderEvent(order))
	if err != nil {
		return nil, &InternalError{Op: "encode payment event", Err: err}
	}
	if err := tx.AppendOutbox(ctx, store.OutboxEvent{
		AggregateID: order.ID.String(),
		EventType:   store.EventPaymentStatusChanged,
		Payload:     payload,
	}); err != nil {
		return nil, fmt.Errorf("append outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("payment status updated",
		zap.String("order_id", order.ID.String()),
		zap.String("status", status.String()))
	return order, nil
}
