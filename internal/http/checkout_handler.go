package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CheckoutService interface {
	ReserveAndCommit(ctx context.Context, req service.CheckoutRequest) (*domain.Order, error)
	CheckAvailability(ctx context.Context, demands []domain.Demand) ([]domain.Shortfall, error)
}

type CheckoutHandler struct {
	checkout CheckoutService
	logger   *zap.Logger
	timeout  time.Duration
}

func NewCheckoutHandler(checkout CheckoutService, log *zap.Logger, timeout time.Duration) *CheckoutHandler {
	return &CheckoutHandler{
		checkout: checkout,
		logger:   log,
		timeout:  timeout,
	}
}

type CheckoutRequestDTO struct {
	LineIDs       []int64             `json:"line_ids"`
	Receiver      domain.Receiver     `json:"receiver"`
	PaymentMethod string              `json:"payment_method"`
	ExternalRef   string              `json:"external_ref"`
	ClientTotal   decimal.NullDecimal `json:"client_total"`
}

type AvailabilityRequestDTO struct {
	Items []domain.Demand `json:"items"`
}

type AvailabilityResponseDTO struct {
	Available  bool               `json:"available"`
	Shortfalls []domain.Shortfall `json:"shortfalls"`
}

// POST /api/v1/checkout
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := getUserIDFromContext(r.Context())
	if userID == 0 {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	var req CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCOD
	}

	order, err := h.checkout.ReserveAndCommit(ctx, service.CheckoutRequest{
		UserID:        userID,
		LineIDs:       req.LineIDs,
		Receiver:      req.Receiver,
		PaymentMethod: req.PaymentMethod,
		ExternalRef:   req.ExternalRef,
		ClientTotal:   req.ClientTotal,
	})
	if err != nil {
		h.logger.Debug("checkout failed",
			zap.Int64("user_id", userID),
			zap.String("request_id", getRequestID(r.Context())),
			zap.Error(err))
		handleServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

// POST /api/v1/checkout/availability
func (h *CheckoutHandler) Availability(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AvailabilityRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if len(req.Items) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "items must not be empty")
		return
	}

	shortfalls, err := h.checkout.CheckAvailability(ctx, req.Items)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if shortfalls == nil {
		shortfalls = []domain.Shortfall{}
	}
	respondJSON(w, http.StatusOK, AvailabilityResponseDTO{
		Available:  len(shortfalls) == 0,
		Shortfalls: shortfalls,
	})
}
