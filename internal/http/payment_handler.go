package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/payment"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type PaymentService interface {
	BeginIntent(ctx context.Context, intent payment.Intent) (string, error)
	CompleteIntent(ctx context.Context, token string, approved bool) (*domain.Order, error)
}

type PaymentStatusUpdater interface {
	UpdatePaymentStatus(ctx context.Context, paymentRef string, status domain.PaymentStatus) (*domain.Order, error)
}

type PaymentHandler struct {
	payments PaymentService
	orders   PaymentStatusUpdater
	logger   *zap.Logger
	timeout  time.Duration
}

func NewPaymentHandler(payments PaymentService, orders PaymentStatusUpdater, log *zap.Logger, timeout time.Duration) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		orders:   orders,
		logger:   log,
		timeout:  timeout,
	}
}

type IntentResponseDTO struct {
	Token string `json:"token"`
}

type CompleteIntentRequestDTO struct {
	Approved bool `json:"approved"`
}

type PaymentCallbackRequestDTO struct {
	PaymentRef string               `json:"payment_ref"`
	Status     domain.PaymentStatus `json:"status"`
}

// POST /api/v1/payments/intents
func (h *PaymentHandler) BeginIntent(w http.ResponseWriter, r *http.Request) {
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
		respondError(w, http.StatusBadRequest, "invalid_payment_method", "payment_method is required")
		return
	}

	token, err := h.payments.BeginIntent(ctx, payment.Intent{
		UserID:        userID,
		LineIDs:       req.LineIDs,
		Receiver:      req.Receiver,
		PaymentMethod: req.PaymentMethod,
		ClientTotal:   req.ClientTotal,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, IntentResponseDTO{Token: token})
}

// POST /api/v1/payments/intents/{token}/complete
func (h *PaymentHandler) CompleteIntent(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	token := chi.URLParam(r, "token")
	if token == "" {
		respondError(w, http.StatusBadRequest, "missing_token", "token is required")
		return
	}

	var req CompleteIntentRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	order, err := h.payments.CompleteIntent(ctx, token, req.Approved)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, order)
}

// POST /api/v1/payments/callback
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req PaymentCallbackRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if req.PaymentRef == "" {
		respondError(w, http.StatusBadRequest, "missing_payment_ref", "payment_ref is required")
		return
	}

	order, err := h.orders.UpdatePaymentStatus(ctx, req.PaymentRef, req.Status)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}
