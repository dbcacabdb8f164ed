package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/logger"
	"github.com/fjod/go_cart/checkout-engine/internal/metrics"
	"github.com/fjod/go_cart/checkout-engine/internal/reservation"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CheckoutRequest is one reserve-and-commit call. Receiver and payment
// metadata are passed through untouched. ClientTotal is informational only.
type CheckoutRequest struct {
	UserID        int64
	LineIDs       []int64 // empty selects every line
	Receiver      domain.Receiver
	PaymentMethod string
	ExternalRef   string
	ClientTotal   decimal.NullDecimal

	// PaymentStatus the order starts with; PENDING when empty.
	PaymentStatus domain.PaymentStatus
}

// cartInvalidator drops a user's cached cart after a write.
type cartInvalidator interface {
	Delete(ctx context.Context, userID int64) error
}

type CheckoutService struct {
	store   store.Store
	coord   *reservation.Coordinator
	cache   cartInvalidator
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	timeout time.Duration
}

func NewCheckoutService(
	st store.Store,
	coord *reservation.Coordinator,
	cache cartInvalidator,
	log *zap.Logger,
	m *metrics.Metrics,
	timeout time.Duration,
) *CheckoutService {
	return &CheckoutService{
		store:   st,
		coord:   coord,
		cache:   cache,
		logger:  log,
		metrics: m,
		tracer:  otel.Tracer("checkout-engine/service"),
		timeout: timeout,
	}
}

// commitAttempt tracks the state machine of one ReserveAndCommit call.
type commitAttempt struct {
	state domain.CommitState
}

func (a *commitAttempt) advance(to domain.CommitState) error {
	if !domain.CanTransitionTo(a.state, to) {
		return fmt.Errorf("%s -> %s: %w", a.state, to, ErrIllegalTransition)
	}
	a.state = to
	return nil
}

// abort moves any non-terminal attempt to Aborted.
func (a *commitAttempt) abort() {
	if domain.CanTransitionTo(a.state, domain.CommitAborted) {
		a.state = domain.CommitAborted
	}
}

// ReserveAndCommit turns the selected lines of the user's cart into an
// order. Stock is decremented, the order created and the lines removed in
// one transaction; on any failure none of it is visible.
func (s *CheckoutService) ReserveAndCommit(ctx context.Context, req CheckoutRequest) (*domain.Order, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "checkout.ReserveAndCommit",
		trace.WithAttributes(
			attribute.Int64("user.id", req.UserID),
			attribute.Int("checkout.selected_lines", len(req.LineIDs)),
		))
	defer span.End()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log := logger.FromContext(ctx, s.logger).With(zap.Int64("user_id", req.UserID))
	attempt := &commitAttempt{state: domain.CommitStarted}

	order, err := s.reserveAndCommit(ctx, req, attempt, log)
	outcome := commitOutcome(err)
	s.metrics.CommitOutcome(outcome, time.Since(start))
	span.SetAttributes(attribute.String("checkout.state", attempt.state.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		switch outcome {
		case metrics.OutcomeInternal:
			log.Error("checkout aborted", zap.String("state", attempt.state.String()), zap.Error(err))
		case metrics.OutcomeContention:
			log.Warn("checkout aborted by contention", zap.Error(err))
		default:
			log.Info("checkout rejected", zap.String("reason", outcome), zap.Error(err))
		}
		return nil, err
	}

	log.Info("checkout committed",
		zap.String("order_id", order.ID.String()),
		zap.Int("lines", len(order.Lines)))
	return order, nil
}

func (s *CheckoutService) reserveAndCommit(ctx context.Context, req CheckoutRequest, a *commitAttempt, log *zap.Logger) (*domain.Order, error) {
	if err := a.advance(domain.CommitValidating); err != nil {
		return nil, &InternalError{Op: "checkout", Err: err}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		a.abort()
		return nil, s.abortErr("begin", err)
	}
	defer tx.Rollback()

	cart, err := tx.CartByUser(ctx, req.UserID)
	if errors.Is(err, store.ErrCartNotFound) {
		return nil, s.reject(a, ErrCartNotFound)
	}
	if err != nil {
		a.abort()
		return nil, s.abortErr("load cart", err)
	}
	if cart.ItemCount() == 0 {
		return nil, s.reject(a, ErrCartEmpty)
	}

	selected := cart.Select(req.LineIDs)
	if len(selected) == 0 {
		return nil, s.reject(a, ErrNoItemsSelected)
	}

	res, err := s.coord.Reserve(ctx, tx, domain.DemandsFromLines(selected))
	var stockErr *reservation.InsufficientStockError
	if errors.As(err, &stockErr) {
		return nil, s.reject(a, err)
	}
	if err != nil {
		a.abort()
		return nil, s.abortErr("reserve", err)
	}
	if err := a.advance(domain.CommitReserved); err != nil {
		return nil, &InternalError{Op: "checkout", Err: err}
	}

	lines := domain.OrderLinesFromCart(selected)
	total := domain.LinesTotal(lines)
	if req.ClientTotal.Valid && !req.ClientTotal.Decimal.Equal(total) {
		s.metrics.ClientTotalMismatch()
		log.Warn("client-stated total differs from computed total",
			zap.Stringer("client_total", req.ClientTotal.Decimal),
			zap.Stringer("computed_total", total))
	}

	if err := a.advance(domain.CommitCommitting); err != nil {
		return nil, &InternalError{Op: "checkout", Err: err}
	}

	order := &domain.Order{
		ID:                uuid.New(),
		UserID:            req.UserID,
		Receiver:          req.Receiver,
		PaymentMethod:     req.PaymentMethod,
		PaymentStatus:     initialPaymentStatus(req.PaymentStatus),
		PaymentRef:        req.ExternalRef,
		TotalPrice:        total,
		ClientStatedTotal: req.ClientTotal,
		Lines:             lines,
	}
	if order.PaymentRef == "" {
		order.PaymentRef = uuid.NewString()
	}

	if err := s.commit(ctx, tx, cart, selected, res, order); err != nil {
		a.abort()
		return nil, err
	}
	if err := a.advance(domain.CommitCommitted); err != nil {
		return nil, &InternalError{Op: "checkout", Err: err}
	}

	s.invalidate(ctx, req.UserID, log)
	return order, nil
}

// commit performs every write of the checkout inside tx and commits it.
func (s *CheckoutService) commit(
	ctx context.Context,
	tx store.Tx,
	cart *domain.Cart,
	selected []domain.CartLine,
	res *reservation.Reservation,
	order *domain.Order,
) error {
	if err := order.Validate(); err != nil {
		return &InternalError{Op: "build order", Err: err}
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return s.abortErr("create order", err)
	}

	if err := res.Apply(ctx, tx); err != nil {
		return s.abortErr("decrement stock", err)
	}

	lineIDs := make([]int64, len(selected))
	for i, l := range selected {
		lineIDs[i] = l.ID
	}
	if err := tx.RemoveLines(ctx, cart.ID, lineIDs); err != nil {
		return s.abortErr("remove cart lines", err)
	}
	if len(selected) == cart.ItemCount() {
		if err := tx.DeleteCart(ctx, cart.ID); err != nil {
			return s.abortErr("delete cart", err)
		}
	}

	payload, err := json.Marshal(newOrderEvent(order))
	if err != nil {
		return &InternalError{Op: "encode order event", Err: err}
	}
	if err := tx.AppendOutbox(ctx, store.OutboxEvent{
		AggregateID: order.ID.String(),
		EventType:   store.EventOrderCommitted,
		Payload:     payload,
	}); err != nil {
		return s.abortErr("append outbox", err)
	}

	if err := tx.Commit(); err != nil {
		return s.abortErr("commit", err)
	}
	return nil
}

// CheckAvailability reports shortfalls for the demands without taking any
// lock. The answer may be stale by the time the caller acts on it.
func (s *CheckoutService) CheckAvailability(ctx context.Context, demands []domain.Demand) ([]domain.Shortfall, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.CheckAvailability")
	defer span.End()

	shortfalls, err := s.coord.Check(ctx, s.store, demands)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrInvalidQuantity) {
			return nil, err
		}
		return nil, &InternalError{Op: "check availability", Err: err}
	}
	return shortfalls, nil
}

func (s *CheckoutService) reject(a *commitAttempt, err error) error {
	if advErr := a.advance(domain.CommitRejected); advErr != nil {
		return &InternalError{Op: "checkout", Err: advErr}
	}
	return err
}

// abortErr keeps contention and cancellation errors as they are and turns
// everything else into an InternalError.
func (s *CheckoutService) abortErr(op string, err error) error {
	var internal *InternalError
	switch {
	case errors.As(err, &internal):
		return err
	case IsRetryable(err), errors.Is(err, context.Canceled), errors.Is(err, ErrDuplicatePaymentRef):
		return fmt.Errorf("%s: %w", op, err)
	}
	return &InternalError{Op: op, Err: err}
}

func (s *CheckoutService) invalidate(ctx context.Context, userID int64, log *zap.Logger) {
	if s.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		log.Warn("cart cache invalidation failed", zap.Error(err))
	}
}

func initialPaymentStatus(s domain.PaymentStatus) domain.PaymentStatus {
	if s == "" {
		return domain.PaymentStatusPending
	}
	return s
}

func commitOutcome(err error) string {
	var stockErr *reservation.InsufficientStockError
	switch {
	case err == nil:
		return metrics.OutcomeCommitted
	case errors.As(err, &stockErr):
		return metrics.OutcomeInsufficientStock
	case errors.Is(err, ErrCartNotFound), errors.Is(err, ErrCartEmpty), errors.Is(err, ErrNoItemsSelected),
		errors.Is(err, ErrDuplicatePaymentRef):
		return metrics.OutcomeRejected
	case IsRetryable(err):
		return metrics.OutcomeContention
	}
	return metrics.OutcomeInternal
}

// orderEvent is the outbox payload of order events.
type orderEvent struct {
	OrderID       uuid.UUID            `json:"order_id"`
	UserID        int64                `json:"user_id"`
	PaymentRef    string               `json:"payment_ref"`
	PaymentMethod string               `json:"payment_method"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	TotalPrice    decimal.Decimal      `json:"total_price"`
	Lines         []domain.OrderLine   `json:"lines"`
	CreatedAt     time.Time            `json:"created_at"`
}

func newOrderEvent(o *domain.Order) orderEvent {
	return orderEvent{
		OrderID:       o.ID,
		UserID:        o.UserID,
		PaymentRef:    o.PaymentRef,
		PaymentMethod: o.PaymentMethod,
		PaymentStatus: o.PaymentStatus,
		TotalPrice:    o.TotalPrice,
		Lines:         o.Lines,
		CreatedAt:     o.CreatedAt,
	}
}
