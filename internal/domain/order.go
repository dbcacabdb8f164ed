package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed:
		return true
	}
	return false
}

func (s PaymentStatus) String() string {
	return string(s)
}

// PaymentMethodCOD is cash on delivery; such orders are paid outside any gateway.
const PaymentMethodCOD = "COD"

var ErrTotalMismatch = errors.New("order total does not match its lines")

// Receiver is opaque delivery metadata passed through from the session.
type Receiver struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

type OrderLine struct {
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Order is created once per successful commit. Only PaymentStatus changes
// afterwards. ClientStatedTotal is what the caller claimed and is never used
// as the price.
type Order struct {
	ID                uuid.UUID           `json:"id"`
	UserID            int64               `json:"user_id"`
	Receiver          Receiver            `json:"receiver"`
	PaymentMethod     string              `json:"payment_method"`
	PaymentStatus     PaymentStatus       `json:"payment_status"`
	PaymentRef        string              `json:"payment_ref"`
	TotalPrice        decimal.Decimal     `json:"total_price"`
	ClientStatedTotal decimal.NullDecimal `json:"client_stated_total"`
	Lines             []OrderLine         `json:"lines"`
	CreatedAt         time.Time           `json:"created_at"`
}

// LinesTotal sums quantity * unit price over the lines.
func LinesTotal(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// OrderLinesFromCart copies the price snapshots of the given cart lines.
func OrderLinesFromCart(lines []CartLine) []OrderLine {
	out := make([]OrderLine, len(lines))
	for i, l := range lines {
		out[i] = OrderLine{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		}
	}
	return out
}

func (o *Order) Validate() error {
	if !o.TotalPrice.Equal(LinesTotal(o.Lines)) {
		return ErrTotalMismatch
	}
	return nil
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Lines = make([]OrderLine, len(o.Lines))
	copy(cp.Lines, o.Lines)
	return &cp
}
