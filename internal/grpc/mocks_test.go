package grpc

import (
	"context"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	s "github.com/fjod/go_cart/checkout-engine/internal/service"
)

type MockCheckoutService struct {
	Order      *domain.Order
	Shortfalls []domain.Shortfall
	Err        error

	GotRequest s.CheckoutRequest
	GotDemands []domain.Demand
}

func (m *MockCheckoutService) ReserveAndCommit(_ context.Context, req s.CheckoutRequest) (*domain.Order, error) {
	m.GotRequest = req
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Order, nil
}

func (m *MockCheckoutService) CheckAvailability(_ context.Context, demands []domain.Demand) ([]domain.Shortfall, error) {
	m.GotDemands = demands
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Shortfalls, nil
}
