package service

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/checkout-engine/internal/store"
)

var (
	ErrCartEmpty         = errors.New("cart is empty, nothing to checkout")
	ErrNoItemsSelected   = errors.New("selected line ids match no cart lines")
	ErrOutOfStock        = errors.New("product is out of stock")
	ErrIllegalTransition = errors.New("illegal transition of commit state")
	ErrInvalidStatus     = errors.New("invalid payment status")
	ErrPaymentDeclined   = errors.New("payment was declined, nothing committed")
	ErrInvalidUser       = errors.New("user id must be positive")
)

// Store errors surfaced unchanged to callers of this package.
var (
	ErrCartNotFound  = store.ErrCartNotFound
	ErrLineNotFound  = store.ErrLineNotFound
	ErrOrderNotFound = store.ErrOrderNotFound
	ErrLockTimeout   = store.ErrLockTimeout
	ErrContention    = store.ErrContention

	ErrDuplicatePaymentRef = store.ErrDuplicatePaymentRef
)

// InternalError wraps failures that indicate a bug or an unexpected storage
// fault rather than anything the caller did.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return "internal error during " + e.Op + ": " + e.Err.Error()
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// IsRetryable reports contention failures after which the whole operation
// may be retried from scratch.
func IsRetryable(err error) bool {
	return store.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}
