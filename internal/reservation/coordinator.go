package reservation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/metrics"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvariantViolation means a locked, validated quantity dropped below its
// demand before the decrement. It indicates a broken lock contract.
var ErrInvariantViolation = errors.New("stock invariant violated")

// InsufficientStockError lists every product that could not cover its demand.
type InsufficientStockError struct {
	Shortfalls []domain.Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = fmt.Sprintf("product %d: requested %d, available %d", s.ProductID, s.Requested, s.Available)
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// ProductNamer resolves display names for shortfall reports.
type ProductNamer interface {
	ProductName(ctx context.Context, productID int64) (string, error)
}

// QuantityReader is the non-locking read used by availability checks.
type QuantityReader interface {
	Quantity(ctx context.Context, productID int64) (int64, error)
}

// Item is one locked and validated product of a reservation.
type Item struct {
	ProductID int64
	Requested int64
	Available int64
}

// Reservation is the result of a successful Reserve. It is only meaningful
// inside the transaction whose ledger produced it.
type Reservation struct {
	Items []Item
}

type Coordinator struct {
	names   ProductNamer
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewCoordinator(names ProductNamer, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		names:   names,
		metrics: m,
		tracer:  otel.Tracer("checkout-engine/reservation"),
	}
}

// Reserve locks every demanded product in ascending id order and validates
// the merged quantities under those locks. All shortfalls are collected
// before returning *InsufficientStockError. Locks are never released here;
// the caller's commit or rollback does that.
func (c *Coordinator) Reserve(ctx context.Context, ledger store.Ledger, demands []domain.Demand) (*Reservation, error) {
	merged := domain.MergeDemands(demands)

	ctx, span := c.tracer.Start(ctx, "reservation.Reserve",
		trace.WithAttributes(attribute.Int("reservation.products", len(merged))))
	defer span.End()

	start := time.Now()
	res := &Reservation{Items: make([]Item, 0, len(merged))}
	var short []Item
	for _, d := range merged {
		if d.Quantity <= 0 {
			span.SetStatus(codes.Error, "invalid quantity")
			return nil, fmt.Errorf("product %d: %w", d.ProductID, domain.ErrInvalidQuantity)
		}

		entry, err := ledger.LockForUpdate(ctx, d.ProductID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "lock failed")
			return nil, err
		}

		item := Item{ProductID: d.ProductID, Requested: d.Quantity, Available: entry.Quantity}
		if entry.Quantity < d.Quantity {
			short = append(short, item)
			continue
		}
		res.Items = append(res.Items, item)
	}
	c.metrics.LockWait(time.Since(start))

	if len(short) > 0 {
		span.SetAttributes(attribute.Int("reservation.shortfalls", len(short)))
		return nil, &InsufficientStockError{Shortfalls: c.shortfalls(ctx, short)}
	}
	return res, nil
}

// Check compares demands against current quantities without locking. The
// result is advisory; only Reserve is authoritative.
func (c *Coordinator) Check(ctx context.Context, reader QuantityReader, demands []domain.Demand) ([]domain.Shortfall, error) {
	var short []Item
	for _, d := range domain.MergeDemands(demands) {
		if d.Quantity <= 0 {
			return nil, fmt.Errorf("product %d: %w", d.ProductID, domain.ErrInvalidQuantity)
		}
		qty, err := reader.Quantity(ctx, d.ProductID)
		if err != nil {
			return nil, fmt.Errorf("read quantity of product %d: %w", d.ProductID, err)
		}
		if qty < d.Quantity {
			short = append(short, Item{ProductID: d.ProductID, Requested: d.Quantity, Available: qty})
		}
	}
	return c.shortfalls(ctx, short), nil
}

func (c *Coordinator) shortfalls(ctx context.Context, items []Item) []domain.Shortfall {
	out := make([]domain.Shortfall, 0, len(items))
	for _, it := range items {
		out = append(out, domain.Shortfall{
			ProductID:   it.ProductID,
			ProductName: c.productName(ctx, it.ProductID),
			Requested:   it.Requested,
			Available:   it.Available,
		})
		c.metrics.Shortfall(strconv.FormatInt(it.ProductID, 10))
	}
	return out
}

// productName falls back to the id when the catalog has no entry.
func (c *Coordinator) productName(ctx context.Context, productID int64) string {
	if c.names != nil {
		if name, err := c.names.ProductName(ctx, productID); err == nil && name != "" {
			return name
		}
	}
	return fmt.Sprintf("product %d", productID)
}

// Apply decrements every reserved product through the locks the reservation
// holds. A quantity below the validated demand aborts with
// ErrInvariantViolation.
func (r *Reservation) Apply(ctx context.Context, ledger store.Ledger) error {
	for _, it := range r.Items {
		entry, err := ledger.LockForUpdate(ctx, it.ProductID)
		if err != nil {
			return err
		}
		if entry.Quantity < it.Requested {
			return fmt.Errorf("product %d has %d, reserved %d: %w",
				it.ProductID, entry.Quantity, it.Requested, ErrInvariantViolation)
		}
		if err := ledger.SetQuantity(ctx, it.ProductID, entry.Quantity-it.Requested); err != nil {
			return err
		}
	}
	return nil
}
