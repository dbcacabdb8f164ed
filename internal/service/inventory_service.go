package service

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"go.uber.org/zap"
)

// InventoryService is the administrative side of the ledger. Every write goes
// through the same row locks the checkout uses.
type InventoryService struct {
	store  store.Store
	logger *zap.Logger
}

func NewInventoryService(st store.Store, log *zap.Logger) *InventoryService {
	return &InventoryService{store: st, logger: log}
}

// RegisterProduct makes sure a stock entry exists, with quantity 0 when new.
func (s *InventoryService) RegisterProduct(ctx context.Context, productID int64) (domain.StockEntry, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return domain.StockEntry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	entry, err := tx.LockForUpdate(ctx, productID)
	if err != nil {
		return domain.StockEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StockEntry{}, fmt.Errorf("commit: %w", err)
	}
	return entry, nil
}

// SetStock overwrites the available quantity of a product.
func (s *InventoryService) SetStock(ctx context.Context, productID, quantity int64) (domain.StockEntry, error) {
	if quantity < 0 {
		return domain.StockEntry{}, store.ErrNegativeQuantity
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return domain.StockEntry{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	before, err := tx.LockForUpdate(ctx, productID)
	if err != nil {
		return domain.StockEntry{}, err
	}
	if err := tx.SetQuantity(ctx, productID, quantity); err != nil {
		return domain.StockEntry{}, err
	}
	after, err := tx.LockForUpdate(ctx, productID)
	if err != nil {
		return domain.StockEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.StockEntry{}, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("stock updated",
		zap.Int64("product_id", productID),
		zap.Int64("from", before.Quantity),
		zap.Int64("to", quantity))
	return after, nil
}

// Stock returns the entries that exist for the given products.
func (s *InventoryService) Stock(ctx context.Context, productIDs []int64) ([]domain.StockEntry, error) {
	return s.store.Stock(ctx, productIDs)
}
