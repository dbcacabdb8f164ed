package payment

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/shopspring/decimal"
)

var ErrIntentNotFound = errors.New("payment intent not found or already completed")

const DefaultIntentTTL = 15 * time.Minute

// Intent is the checkout a user asked for while the payment gateway decides.
// Nothing is reserved until the intent is completed.
type Intent struct {
	UserID        int64               `json:"user_id"`
	LineIDs       []int64             `json:"line_ids,omitempty"`
	Receiver      domain.Receiver     `json:"receiver"`
	PaymentMethod string              `json:"payment_method"`
	ClientTotal   decimal.NullDecimal `json:"client_total"`
	CreatedAt     time.Time           `json:"created_at"`
}

// IntentStore keeps intents by token. Take returns an intent at most once.
type IntentStore interface {
	Save(ctx context.Context, token string, intent *Intent, ttl time.Duration) error
	Take(ctx context.Context, token string) (*Intent, error)
}
