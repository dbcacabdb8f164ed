package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Handlers struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Payment  *PaymentHandler
	Orders   *OrdersHandler
	Stock    *StockHandler
}

// NewRouter wires every route behind the shared middleware chain. The
// returned handler is instrumented with otelhttp.
func NewRouter(h Handlers, gatherer prometheus.Gatherer, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(UserIDMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.Cart.GetCart)
			r.Post("/items", h.Cart.AddItem)
			r.Patch("/items/{line_id}", h.Cart.UpdateQuantity)
			r.Delete("/items/{line_id}", h.Cart.RemoveItem)
		})
		r.Route("/checkout", func(r chi.Router) {
			r.Post("/", h.Checkout.Checkout)
			r.Post("/availability", h.Checkout.Availability)
		})
		r.Route("/payments", func(r chi.Router) {
			r.Post("/intents", h.Payment.BeginIntent)
			r.Post("/intents/{token}/complete", h.Payment.CompleteIntent)
			r.Post("/callback", h.Payment.Callback)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.Orders.ListOrders)
			r.Get("/{order_id}", h.Orders.GetOrder)
		})
		r.Route("/stock", func(r chi.Router) {
			r.Get("/", h.Stock.GetStock)
			r.Put("/{product_id}", h.Stock.SetStock)
		})
	})

	return otelhttp.NewHandler(r, "checkout-engine",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
}
