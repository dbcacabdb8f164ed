package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/cache"
	"github.com/fjod/go_cart/checkout-engine/internal/catalog"
	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/metrics"
	"github.com/fjod/go_cart/checkout-engine/internal/payment"
	"github.com/fjod/go_cart/checkout-engine/internal/reservation"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	productTable int64 = 1
	productChair int64 = 2
	productSofa  int64 = 3
)

// mockCatalog
type mockCatalog struct {
	names  map[int64]string
	prices map[int64]decimal.Decimal
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		names: map[int64]string{
			productTable: "Oak Dining Table",
			productChair: "Walnut Chair",
			productSofa:  "Linen Sofa",
		},
		prices: map[int64]decimal.Decimal{
			productTable: decimal.NewFromInt(100),
			productChair: decimal.RequireFromString("45.50"),
			productSofa:  decimal.NewFromInt(899),
		},
	}
}

func (m *mockCatalog) ProductName(_ context.Context, id int64) (string, error) {
	if name, ok := m.names[id]; ok {
		return name, nil
	}
	return "", catalog.ErrProductNotFound
}

func (m *mockCatalog) UnitPrice(_ context.Context, id int64) (decimal.Decimal, error) {
	if price, ok := m.prices[id]; ok {
		return price, nil
	}
	return decimal.Zero, catalog.ErrProductNotFound
}

// mockCache
type mockCache struct {
	mu      sync.Mutex
	carts   map[int64]*domain.Cart
	gets    int
	hits    int
	deletes []int64
	getErr  error
}

func newMockCache() *mockCache {
	return &mockCache{carts: make(map[int64]*domain.Cart)}
}

func (m *mockCache) Get(_ context.Context, userID int64) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	cart, ok := m.carts[userID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	m.hits++
	return cart.Clone(), nil
}

func (m *mockCache) Set(_ context.Context, userID int64, cart *domain.Cart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[userID] = cart.Clone()
	return nil
}

func (m *mockCache) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, userID)
	m.deletes = append(m.deletes, userID)
	return nil
}

// faultyStore wraps a real store and injects failures into its transactions.
type faultyStore struct {
	store.Store
	commitErr      error
	shrinkOnRelock bool
}

func (f *faultyStore) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, parent: f, locks: make(map[int64]int)}, nil
}

type faultyTx struct {
	store.Tx
	parent *faultyStore
	locks  map[int64]int
}

// LockForUpdate reports quantity 0 on a re-lock when shrinkOnRelock is set,
// simulating a row that changed behind a held lock.
func (t *faultyTx) LockForUpdate(ctx context.Context, productID int64) (domain.StockEntry, error) {
	entry, err := t.Tx.LockForUpdate(ctx, productID)
	if err != nil {
		return entry, err
	}
	t.locks[productID]++
	if t.parent.shrinkOnRelock && t.locks[productID] > 1 {
		entry.Quantity = 0
	}
	return entry, nil
}

func (t *faultyTx) Commit() error {
	if t.parent.commitErr != nil {
		t.Tx.Rollback()
		return t.parent.commitErr
	}
	return t.Tx.Commit()
}

var errDiskFull = errors.New("disk full")

type testEnv struct {
	store     *store.MemoryStore
	catalog   *mockCatalog
	cache     *mockCache
	registry  *prometheus.Registry
	checkout  *CheckoutService
	carts     *CartService
	inventory *InventoryService
	orders    *OrderService
	payments  *PaymentService
}

func newTestEnv(t *testing.T, opts ...store.MemoryOption) *testEnv {
	t.Helper()
	st := store.NewMemoryStore(opts...)
	t.Cleanup(func() { st.Close() })
	return newTestEnvWithStore(t, st, st)
}

// newTestEnvWithStore builds services on top of s while keeping direct access
// to the memory store underneath for assertions.
func newTestEnvWithStore(t *testing.T, mem *store.MemoryStore, s store.Store) *testEnv {
	t.Helper()
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cat := newMockCatalog()
	c := newMockCache()

	checkout := NewCheckoutService(s, reservation.NewCoordinator(cat, m), c, log, m, 5*time.Second)
	return &testEnv{
		store:     mem,
		catalog:   cat,
		cache:     c,
		registry:  reg,
		checkout:  checkout,
		carts:     NewCartService(s, cat, c, log),
		inventory: NewInventoryService(s, log),
		orders:    NewOrderService(s, log),
		payments:  NewPaymentService(payment.NewMemoryIntentStore(), s, checkout, log, time.Minute),
	}
}

func (e *testEnv) setStock(t *testing.T, productID, quantity int64) {
	t.Helper()
	_, err := e.inventory.SetStock(context.Background(), productID, quantity)
	require.NoError(t, err)
}

func (e *testEnv) addToCart(t *testing.T, userID, productID, quantity int64) *domain.Cart {
	t.Helper()
	cart, err := e.carts.AddOrIncrement(context.Background(), userID, productID, quantity)
	require.NoError(t, err)
	return cart
}

func (e *testEnv) quantity(t *testing.T, productID int64) int64 {
	t.Helper()
	qty, err := e.store.Quantity(context.Background(), productID)
	require.NoError(t, err)
	return qty
}

func (e *testEnv) counter(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := e.registry.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
