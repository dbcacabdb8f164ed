package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type InventoryService interface {
	SetStock(ctx context.Context, productID, quantity int64) (domain.StockEntry, error)
	Stock(ctx context.Context, productIDs []int64) ([]domain.StockEntry, error)
}

type StockHandler struct {
	inventory InventoryService
	logger    *zap.Logger
	timeout   time.Duration
}

func NewStockHandler(inventory InventoryService, log *zap.Logger, timeout time.Duration) *StockHandler {
	return &StockHandler{
		inventory: inventory,
		logger:    log,
		timeout:   timeout,
	}
}

type SetStockRequestDTO struct {
	Quantity *int64 `json:"quantity"`
}

// PUT /api/v1/stock/{product_id}
func (h *StockHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return
	}

	var req SetStockRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Quantity == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "quantity is required")
		return
	}

	entry, err := h.inventory.SetStock(ctx, productID, *req.Quantity)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// GET /api/v1/stock?ids=1,2
func (h *StockHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_ids", "ids must be a comma separated list of positive integers")
		return
	}

	entries, err := h.inventory.Stock(ctx, ids)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.StockEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func parseIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, strconv.ErrSyntax
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		if id <= 0 {
			return nil, strconv.ErrRange
		}
		ids = append(ids, id)
	}
	return ids, nil
}
