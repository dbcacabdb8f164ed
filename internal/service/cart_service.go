package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/cache"
	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Catalog resolves product data owned outside the checkout engine.
type Catalog interface {
	ProductName(ctx context.Context, productID int64) (string, error)
	UnitPrice(ctx context.Context, productID int64) (decimal.Decimal, error)
}

type CartService struct {
	store   store.Store
	catalog Catalog
	cache   cache.CartCache
	logger  *zap.Logger
	sfg     singleflight.Group // Prevents cache stampede
}

func NewCartService(st store.Store, catalog Catalog, c cache.CartCache, log *zap.Logger) *CartService {
	return &CartService{
		store:   st,
		catalog: catalog,
		cache:   c,
		logger:  log,
	}
}

// GetCart returns the user's cart, or an empty cart when the user has none.
func (s *CartService) GetCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	v, err, _ := s.sfg.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		if s.cache != nil {
			cart, err := s.cache.Get(ctx, userID)
			if err == nil {
				return cart, nil
			}
			if !errors.Is(err, cache.ErrCacheMiss) {
				s.logger.Warn("cart cache get failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}

		cart, err := s.store.CartByUser(ctx, userID)
		if errors.Is(err, store.ErrCartNotFound) {
			now := time.Now()
			return &domain.Cart{UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load cart: %w", err)
		}

		if s.cache != nil {
			if err := s.cache.Set(ctx, userID, cart); err != nil {
				s.logger.Warn("cart cache set failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}
		return cart, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*domain.Cart).Clone(), nil
}

// AddOrIncrement adds quantity of a product to the user's cart, creating the
// cart on first use. The unit price is captured from the catalog now. Products
// with no stock at all are refused; the commit still re-checks under lock.
func (s *CartService) AddOrIncrement(ctx context.Context, userID, productID, quantity int64) (*domain.Cart, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	price, err := s.catalog.UnitPrice(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("resolve price of product %d: %w", productID, err)
	}

	available, err := s.store.Quantity(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("read stock of product %d: %w", productID, err)
	}
	if available == 0 {
		return nil, fmt.Errorf("product %d: %w", productID, ErrOutOfStock)
	}

	cart, err := s.mutate(ctx, userID, func(tx store.Tx) error {
		cart, err := tx.CartByUser(ctx, userID)
		if errors.Is(err, store.ErrCartNotFound) {
			cart, err = tx.CreateCart(ctx, userID)
		}
		if err != nil {
			return err
		}

		if line, ok := cart.LineForProduct(productID); ok {
			return tx.SetLineQuantity(ctx, cart.ID, line.ID, line.Quantity+quantity)
		}
		_, err = tx.InsertLine(ctx, cart.ID, productID, quantity, price)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("cart line added",
		zap.Int64("user_id", userID),
		zap.Int64("product_id", productID),
		zap.Int64("quantity", quantity))
	return cart, nil
}

// UpdateLineQuantity sets the quantity of one line; it must stay at least 1.
func (s *CartService) UpdateLineQuantity(ctx context.Context, userID, lineID, quantity int64) (*domain.Cart, error) {
	if quantity < 1 {
		return nil, domain.ErrInvalidQuantity
	}

	return s.mutate(ctx, userID, func(tx store.Tx) error {
		cart, err := tx.CartByUser(ctx, userID)
		if err != nil {
			return err
		}
		return tx.SetLineQuantity(ctx, cart.ID, lineID, quantity)
	})
}

// RemoveLine deletes one line and the cart itself once it has no lines left.
// A nil cart is returned when the cart was deleted.
func (s *CartService) RemoveLine(ctx context.Context, userID, lineID int64) (*domain.Cart, error) {
	return s.mutate(ctx, userID, func(tx store.Tx) error {
		cart, err := tx.CartByUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.RemoveLines(ctx, cart.ID, []int64{lineID}); err != nil {
			return err
		}
		if cart.ItemCount() == 1 {
			return tx.DeleteCart(ctx, cart.ID)
		}
		return nil
	})
}

// mutate runs fn in its own transaction, commits, invalidates the cached cart
// and returns the committed cart.
func (s *CartService) mutate(ctx context.Context, userID int64, fn func(tx store.Tx) error) (*domain.Cart, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.invalidateCache(userID)

	cart, err := s.store.CartByUser(ctx, userID)
	if errors.Is(err, store.ErrCartNotFound) {
		return nil, nil
	}
	return cart, err
}

func (s *CartService) invalidateCache(userID int64) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.logger.Warn("cart cache invalidate failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}
