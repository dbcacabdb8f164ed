package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// memoryTx buffers every write and applies them under the store mutex on
// Commit. Rows it has locked stay locked until Commit or Rollback.
type memoryTx struct {
	s *MemoryStore

	held     map[int64]*stockRow
	stock    map[int64]domain.StockEntry
	carts    map[int64]*domain.Cart // nil value marks a deleted cart
	orders   []*domain.Order
	payments map[string]domain.PaymentStatus
	outbox   []OutboxEvent
	done     bool
}

func newMemoryTx(s *MemoryStore) *memoryTx {
	return &memoryTx{
		s:        s,
		held:     make(map[int64]*stockRow),
		stock:    make(map[int64]domain.StockEntry),
		carts:    make(map[int64]*domain.Cart),
		payments: make(map[string]domain.PaymentStatus),
	}
}

func (t *memoryTx) LockForUpdate(ctx context.Context, productID int64) (domain.StockEntry, error) {
	if t.done {
		return domain.StockEntry{}, ErrTxDone
	}
	if _, ok := t.held[productID]; ok {
		return t.stockEntry(productID), nil
	}

	r := t.s.row(productID)
	select {
	case r.sem <- struct{}{}:
	default:
		if err := t.wait(ctx, r); err != nil {
			return domain.StockEntry{}, fmt.Errorf("lock product %d: %w", productID, err)
		}
	}

	t.held[productID] = r
	return t.stockEntry(productID), nil
}

func (t *memoryTx) wait(ctx context.Context, r *stockRow) error {
	var timeout <-chan time.Time
	if t.s.lockTimeout > 0 {
		timer := time.NewTimer(t.s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r.sem <- struct{}{}:
		return nil
	case <-timeout:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memoryTx) stockEntry(productID int64) domain.StockEntry {
	if e, ok := t.stock[productID]; ok {
		return e
	}
	return t.s.entry(productID, t.held[productID])
}

func (t *memoryTx) SetQuantity(ctx context.Context, productID int64, quantity int64) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.held[productID]; !ok {
		return fmt.Errorf("product %d: %w", productID, ErrLockNotHeld)
	}
	if quantity < 0 {
		return fmt.Errorf("product %d: %w", productID, ErrNegativeQuantity)
	}

	t.stock[productID] = domain.StockEntry{
		ProductID:   productID,
		Quantity:    quantity,
		LastUpdated: t.s.now(),
	}
	return nil
}

// view returns a private copy of the cart as this transaction sees it.
func (t *memoryTx) view(cartID int64) (*domain.Cart, error) {
	if c, ok := t.carts[cartID]; ok {
		if c == nil {
			return nil, ErrCartNotFound
		}
		return c, nil
	}

	t.s.mu.RLock()
	c, ok := t.s.carts[cartID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, ErrCartNotFound
	}
	return c.Clone(), nil
}

func (t *memoryTx) CartByUser(ctx context.Context, userID int64) (*domain.Cart, error) {
	if t.done {
		return nil, ErrTxDone
	}
	for _, c := range t.carts {
		if c != nil && c.UserID == userID {
			return c.Clone(), nil
		}
	}

	t.s.mu.RLock()
	cartID, ok := t.s.cartByUser[userID]
	t.s.mu.RUnlock()
	if !ok {
		return nil, ErrCartNotFound
	}

	c, err := t.view(cartID)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (t *memoryTx) CreateCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	if _, err := t.CartByUser(ctx, userID); err == nil {
		return nil, fmt.Errorf("user %d already has a cart: %w", userID, ErrContention)
	} else if !errors.Is(err, ErrCartNotFound) {
		return nil, err
	}

	t.s.mu.Lock()
	t.s.nextCartID++
	id := t.s.nextCartID
	t.s.mu.Unlock()

	now := t.s.now()
	c := &domain.Cart{ID: id, UserID: userID, CreatedAt: now, UpdatedAt: now}
	t.carts[id] = c
	return c.Clone(), nil
}

func (t *memoryTx) InsertLine(ctx context.Context, cartID int64, productID, quantity int64, unitPrice decimal.Decimal) (domain.CartLine, error) {
	if t.done {
		return domain.CartLine{}, ErrTxDone
	}
	if quantity <= 0 {
		return domain.CartLine{}, domain.ErrInvalidQuantity
	}
	c, err := t.view(cartID)
	if err != nil {
		return domain.CartLine{}, err
	}
	if _, exists := c.LineForProduct(productID); exists {
		return domain.CartLine{}, ErrDuplicateLine
	}

	t.s.mu.Lock()
	t.s.nextLineID++
	lineID := t.s.nextLineID
	t.s.mu.Unlock()

	now := t.s.now()
	line := domain.CartLine{
		ID:        lineID,
		ProductID: productID,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		AddedAt:   now,
	}
	c.Lines = append(c.Lines, line)
	c.UpdatedAt = now
	t.carts[cartID] = c
	return line, nil
}

func (t *memoryTx) SetLineQuantity(ctx context.Context, cartID, lineID, quantity int64) error {
	if t.done {
		return ErrTxDone
	}
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}
	c, err := t.view(cartID)
	if err != nil {
		return err
	}

	for i := range c.Lines {
		if c.Lines[i].ID == lineID {
			c.Lines[i].Quantity = quantity
			c.UpdatedAt = t.s.now()
			t.carts[cartID] = c
			return nil
		}
	}
	return ErrLineNotFound
}

func (t *memoryTx) RemoveLines(ctx context.Context, cartID int64, lineIDs []int64) error {
	if t.done {
		return ErrTxDone
	}
	c, err := t.view(cartID)
	if err != nil {
		return err
	}

	remove := make(map[int64]struct{}, len(lineIDs))
	for _, id := range lineIDs {
		if _, ok := c.Line(id); !ok {
			return fmt.Errorf("line %d: %w", id, ErrLineNotFound)
		}
		remove[id] = struct{}{}
	}

	kept := c.Lines[:0]
	for _, l := range c.Lines {
		if _, ok := remove[l.ID]; !ok {
			kept = append(kept, l)
		}
	}
	c.Lines = kept
	c.UpdatedAt = t.s.now()
	t.carts[cartID] = c
	return nil
}

func (t *memoryTx) DeleteCart(ctx context.Context, cartID int64) error {
	if t.done {
		return ErrTxDone
	}
	if _, err := t.view(cartID); err != nil {
		return err
	}
	t.carts[cartID] = nil
	return nil
}

func (t *memoryTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	if t.done {
		return ErrTxDone
	}
	for _, o := range t.orders {
		if o.PaymentRef == order.PaymentRef {
			return ErrDuplicatePaymentRef
		}
	}
	t.s.mu.RLock()
	_, dup := t.s.orderByRef[order.PaymentRef]
	t.s.mu.RUnlock()
	if dup {
		return ErrDuplicatePaymentRef
	}

	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.s.now()
	}
	t.orders = append(t.orders, order.Clone())
	return nil
}

func (t *memoryTx) UpdatePaymentStatus(ctx context.Context, paymentRef string, status domain.PaymentStatus) (*domain.Order, error) {
	if t.done {
		return nil, ErrTxDone
	}
	for _, o := range t.orders {
		if o.PaymentRef == paymentRef {
			o.PaymentStatus = status
			return o.Clone(), nil
		}
	}

	t.s.mu.RLock()
	id, ok := t.s.orderByRef[paymentRef]
	var order *domain.Order
	if ok {
		order = t.s.orders[id].Clone()
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, ErrOrderNotFound
	}

	t.payments[paymentRef] = status
	order.PaymentStatus = status
	return order, nil
}

func (t *memoryTx) AppendOutbox(ctx context.Context, event OutboxEvent) error {
	if t.done {
		return ErrTxDone
	}
	t.outbox = append(t.outbox, event)
	return nil
}

// Commit applies the write set atomically, then releases the row locks so a
// waiter always reads the committed quantity.
func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.release()

	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range t.orders {
		if _, dup := s.orderByRef[o.PaymentRef]; dup {
			return ErrDuplicatePaymentRef
		}
	}
	for id, c := range t.carts {
		if c == nil {
			continue
		}
		if owner, ok := s.cartByUser[c.UserID]; ok && owner != id {
			return fmt.Errorf("user %d cart changed concurrently: %w", c.UserID, ErrContention)
		}
	}

	for id, e := range t.stock {
		r := s.rows[id]
		r.quantity = e.Quantity
		r.lastUpdated = e.LastUpdated
	}
	for id, c := range t.carts {
		if c == nil {
			if old, ok := s.carts[id]; ok {
				delete(s.cartByUser, old.UserID)
				delete(s.carts, id)
			}
			continue
		}
		s.carts[id] = c
		s.cartByUser[c.UserID] = id
	}
	for _, o := range t.orders {
		s.orders[o.ID] = o
		s.orderByRef[o.PaymentRef] = o.ID
	}
	for ref, status := range t.payments {
		if id, ok := s.orderByRef[ref]; ok {
			s.orders[id].PaymentStatus = status
		}
	}
	now := s.now()
	for _, ev := range t.outbox {
		s.nextEventID++
		ev.ID = s.nextEventID
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		s.outbox = append(s.outbox, &outboxRecord{event: ev})
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.release()
	return nil
}

func (t *memoryTx) release() {
	for id, r := range t.held {
		<-r.sem
		delete(t.held, id)
	}
}
