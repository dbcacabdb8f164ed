package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/catalog"
	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/metrics"
	"github.com/fjod/go_cart/checkout-engine/internal/payment"
	"github.com/fjod/go_cart/checkout-engine/internal/reservation"
	"github.com/fjod/go_cart/checkout-engine/internal/service"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type CatalogMock struct{}

func (CatalogMock) ProductName(_ context.Context, id int64) (string, error) {
	if id > 3 {
		return "", catalog.ErrProductNotFound
	}
	return "Product " + strconv.FormatInt(id, 10), nil
}

func (CatalogMock) UnitPrice(_ context.Context, id int64) (decimal.Decimal, error) {
	if id > 3 {
		return decimal.Zero, catalog.ErrProductNotFound
	}
	return decimal.NewFromInt(10 * id), nil
}

// CheckoutMock returns a fixed result for every call.
type CheckoutMock struct {
	order      *domain.Order
	shortfalls []domain.Shortfall
	err        error
	got        service.CheckoutRequest
}

func (c *CheckoutMock) ReserveAndCommit(_ context.Context, req service.CheckoutRequest) (*domain.Order, error) {
	c.got = req
	return c.order, c.err
}

func (c *CheckoutMock) CheckAvailability(_ context.Context, _ []domain.Demand) ([]domain.Shortfall, error) {
	return c.shortfalls, c.err
}

type testServer struct {
	handler   http.Handler
	store     *store.MemoryStore
	inventory *service.InventoryService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	checkout := service.NewCheckoutService(st, reservation.NewCoordinator(CatalogMock{}, m), nil, log, m, 5*time.Second)
	carts := service.NewCartService(st, CatalogMock{}, nil, log)
	inventory := service.NewInventoryService(st, log)
	orders := service.NewOrderService(st, log)
	payments := service.NewPaymentService(payment.NewMemoryIntentStore(), st, checkout, log, time.Minute)

	h := Handlers{
		Cart:     NewCartHandler(carts, log, 5*time.Second),
		Checkout: NewCheckoutHandler(checkout, log, 5*time.Second),
		Payment:  NewPaymentHandler(payments, orders, log, 5*time.Second),
		Orders:   NewOrdersHandler(orders, log, 5*time.Second),
		Stock:    NewStockHandler(inventory, log, 5*time.Second),
	}
	return &testServer{
		handler:   NewRouter(h, reg, 10*time.Second),
		store:     st,
		inventory: inventory,
	}
}

func (s *testServer) do(t *testing.T, method, path string, userID int64, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != 0 {
		req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) setStock(t *testing.T, productID, quantity int64) {
	t.Helper()
	_, err := s.inventory.SetStock(context.Background(), productID, quantity)
	require.NoError(t, err)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}
