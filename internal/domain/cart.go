package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidQuantity = errors.New("quantity must be positive")

// CartLine is one product in a cart. UnitPrice is captured when the product
// is added and is never re-read from the catalog afterwards.
type CartLine struct {
	ID        int64           `json:"id"`
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	AddedAt   time.Time       `json:"added_at"`
}

func (l CartLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Cart holds at most one line per product.
type Cart struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Lines     []CartLine `json:"lines"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (c *Cart) ItemCount() int {
	return len(c.Lines)
}

func (c *Cart) TotalQuantity() int64 {
	var total int64
	for _, l := range c.Lines {
		total += l.Quantity
	}
	return total
}

func (c *Cart) Line(lineID int64) (CartLine, bool) {
	for _, l := range c.Lines {
		if l.ID == lineID {
			return l, true
		}
	}
	return CartLine{}, false
}

func (c *Cart) LineForProduct(productID int64) (CartLine, bool) {
	for _, l := range c.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return CartLine{}, false
}

// Select returns the lines whose ids are listed. An empty list selects every line.
func (c *Cart) Select(lineIDs []int64) []CartLine {
	if len(lineIDs) == 0 {
		out := make([]CartLine, len(c.Lines))
		copy(out, c.Lines)
		return out
	}

	wanted := make(map[int64]struct{}, len(lineIDs))
	for _, id := range lineIDs {
		wanted[id] = struct{}{}
	}

	var out []CartLine
	for _, l := range c.Lines {
		if _, ok := wanted[l.ID]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Clone returns a deep copy so stores can hand carts out without sharing slices.
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Lines = make([]CartLine, len(c.Lines))
	copy(cp.Lines, c.Lines)
	return &cp
}
