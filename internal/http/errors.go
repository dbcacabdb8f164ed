package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/checkout-engine/internal/catalog"
	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/reservation"
	"github.com/fjod/go_cart/checkout-engine/internal/service"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error      string             `json:"error"`
	Message    string             `json:"message"`
	Shortfalls []domain.Shortfall `json:"shortfalls,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// handleServiceError converts service errors to HTTP responses. Internal
// errors are logged and answered without detail.
func handleServiceError(w http.ResponseWriter, log *zap.Logger, err error) {
	var stockErr *reservation.InsufficientStockError
	if errors.As(err, &stockErr) {
		respondJSON(w, http.StatusConflict, ErrorResponse{
			Error:      "insufficient_stock",
			Message:    "not enough stock for some products",
			Shortfalls: stockErr.Shortfalls,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrCartNotFound):
		respondError(w, http.StatusNotFound, "cart_not_found", "cart not found")
	case errors.Is(err, service.ErrLineNotFound):
		respondError(w, http.StatusNotFound, "line_not_found", "cart line not found")
	case errors.Is(err, service.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order_not_found", "order not found")
	case errors.Is(err, service.ErrIntentNotFound):
		respondError(w, http.StatusNotFound, "intent_not_found", "payment intent not found or expired")
	case errors.Is(err, catalog.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "product_not_found", "product not found")
	case errors.Is(err, service.ErrCartEmpty):
		respondError(w, http.StatusUnprocessableEntity, "cart_empty", err.Error())
	case errors.Is(err, service.ErrNoItemsSelected):
		respondError(w, http.StatusUnprocessableEntity, "no_items_selected", err.Error())
	case errors.Is(err, service.ErrOutOfStock):
		respondError(w, http.StatusConflict, "out_of_stock", err.Error())
	case errors.Is(err, service.ErrDuplicatePaymentRef):
		respondError(w, http.StatusConflict, "duplicate_payment_ref", "payment reference already used")
	case errors.Is(err, service.ErrPaymentDeclined):
		respondError(w, http.StatusPaymentRequired, "payment_declined", err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, store.ErrNegativeQuantity):
		respondError(w, http.StatusBadRequest, "invalid_quantity", err.Error())
	case errors.Is(err, service.ErrInvalidStatus):
		respondError(w, http.StatusBadRequest, "invalid_status", err.Error())
	case service.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusServiceUnavailable, "contention", "stock is busy, retry the request")
	default:
		log.Error("request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
