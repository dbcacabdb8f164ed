package store

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Common errors returned by the store
var (
	ErrLockNotHeld         = errors.New("stock row is not locked by this transaction")
	ErrNegativeQuantity    = errors.New("stock quantity cannot be negative")
	ErrLockTimeout         = errors.New("timed out waiting for stock row lock")
	ErrContention          = errors.New("transaction aborted by a concurrent transaction")
	ErrTxDone              = errors.New("transaction has already been committed or rolled back")
	ErrCartNotFound        = errors.New("cart not found")
	ErrLineNotFound        = errors.New("cart line not found")
	ErrDuplicateLine       = errors.New("cart already has a line for this product")
	ErrOrderNotFound       = errors.New("order not found")
	ErrDuplicatePaymentRef = errors.New("payment reference already used by another order")
)

// IsRetryable reports whether err is a contention failure after which the
// whole checkout attempt may be retried from scratch.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrContention)
}

// Ledger is the stock side of a transaction. Locks taken with LockForUpdate
// are held until the transaction commits or rolls back.
type Ledger interface {
	// LockForUpdate blocks until the row for productID is exclusively held by
	// this transaction. Missing rows are created with quantity 0.
	LockForUpdate(ctx context.Context, productID int64) (domain.StockEntry, error)

	// SetQuantity requires the row lock and a non-negative quantity.
	SetQuantity(ctx context.Context, productID int64, quantity int64) error
}

// Carts is the cart side of a transaction.
type Carts interface {
	CartByUser(ctx context.Context, userID int64) (*domain.Cart, error)
	CreateCart(ctx context.Context, userID int64) (*domain.Cart, error)
	InsertLine(ctx context.Context, cartID int64, productID, quantity int64, unitPrice decimal.Decimal) (domain.CartLine, error)
	SetLineQuantity(ctx context.Context, cartID, lineID, quantity int64) error
	// RemoveLines fails with ErrLineNotFound unless every listed line belonged to the cart.
	RemoveLines(ctx context.Context, cartID int64, lineIDs []int64) error
	DeleteCart(ctx context.Context, cartID int64) error
}

// Orders is the order side of a transaction.
type Orders interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	UpdatePaymentStatus(ctx context.Context, paymentRef string, status domain.PaymentStatus) (*domain.Order, error)
	AppendOutbox(ctx context.Context, event OutboxEvent) error
}

// Tx is one unit of work. All writes become visible together on Commit and
// are discarded on Rollback; both release every row lock. Rollback after
// Commit returns ErrTxDone, so `defer tx.Rollback()` is always safe.
// A Tx is not safe for concurrent use.
type Tx interface {
	Ledger
	Carts
	Orders
	Commit() error
	Rollback() error
}

// Store defines transactional storage plus the non-locking reads.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// Quantity is a non-locking read; products without an entry have 0.
	Quantity(ctx context.Context, productID int64) (int64, error)
	Stock(ctx context.Context, productIDs []int64) ([]domain.StockEntry, error)

	CartByUser(ctx context.Context, userID int64) (*domain.Cart, error)
	Order(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	OrdersByUser(ctx context.Context, userID int64) ([]*domain.Order, error)

	UnprocessedOutbox(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id int64) error

	Close() error
}

// OutboxEvent is written in the same transaction as the change it describes
// and published later by the outbox poller.
type OutboxEvent struct {
	ID          int64
	AggregateID string
	EventType   string
	Payload     []byte
	CreatedAt   time.Time
}

const (
	EventOrderCommitted       = "order.committed"
	EventPaymentStatusChanged = "order.payment_status_changed"
)
