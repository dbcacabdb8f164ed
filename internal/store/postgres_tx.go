package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

type postgresTx struct {
	tx   *sql.Tx
	held map[int64]struct{}
	done bool
}

func (t *postgresTx) LockForUpdate(ctx context.Context, productID int64) (domain.StockEntry, error) {
	if t.done {
		return domain.StockEntry{}, ErrTxDone
	}

	entry, err := t.selectForUpdate(ctx, productID)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO stock_entries (product_id, quantity, last_updated)
			 VALUES ($1, 0, NOW())
			 ON CONFLICT (product_id) DO NOTHING`, productID)
		if err != nil {
			return domain.StockEntry{}, fmt.Errorf("create stock entry %d: %w", productID, mapPgError(err))
		}
		entry, err = t.selectForUpdate(ctx, productID)
	}
	if err != nil {
		return domain.StockEntry{}, fmt.Errorf("lock product %d: %w", productID, mapPgError(err))
	}

	t.held[productID] = struct{}{}
	return entry, nil
}

func (t *postgresTx) selectForUpdate(ctx context.Context, productID int64) (domain.StockEntry, error) {
	var e domain.StockEntry
	err := t.tx.QueryRowContext(ctx,
		`SELECT product_id, quantity, last_updated
		 FROM stock_entries
		 WHERE product_id = $1
		 FOR UPDATE`, productID).Scan(&e.ProductID, &e.Quantity, &e.LastUpdated)
	return e, err
}

func (t *postgresTx) SetQuantity(ctx context.Context, productID int64, quantity int64) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.held[productID]; !ok {
		return fmt.Errorf("product %d: %w", productID, ErrLockNotHeld)
	}
	if quantity < 0 {
		return fmt.Errorf("product %d: %w", productID, ErrNegativeQuantity)
	}

	_, err := t.tx.ExecContext(ctx,
		`UPDATE stock_entries SET quantity = $1, last_updated = NOW() WHERE product_id = $2`,
		quantity, productID)
	if err != nil {
		return fmt.Errorf("update stock %d: %w", productID, mapPgError(err))
	}
	return nil
}

func (t *postgresTx) CartByUser(ctx context.Context, userID int64) (*domain.Cart, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return loadCart(ctx, t.tx, userID)
}

func (t *postgresTx) CreateCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	if t.done {
		return nil, ErrTxDone
	}

	cart := &domain.Cart{UserID: userID}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at)
		 VALUES ($1, NOW(), NOW())
		 RETURNING id, created_at, updated_at`, userID).
		Scan(&cart.ID, &cart.CreatedAt, &cart.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("user %d already has a cart: %w", userID, ErrContention)
	}
	if err != nil {
		return nil, fmt.Errorf("create cart: %w", mapPgError(err))
	}
	return cart, nil
}

func (t *postgresTx) InsertLine(ctx context.Context, cartID int64, productID, quantity int64, unitPrice decimal.Decimal) (domain.CartLine, error) {
	if t.done {
		return domain.CartLine{}, ErrTxDone
	}
	if quantity <= 0 {
		return domain.CartLine{}, domain.ErrInvalidQuantity
	}

	line := domain.CartLine{ProductID: productID, Quantity: quantity, UnitPrice: unitPrice}
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO cart_lines (cart_id, product_id, quantity, unit_price, added_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING id, added_at`, cartID, productID, quantity, unitPrice).
		Scan(&line.ID, &line.AddedAt)
	if isUniqueViolation(err) {
		return domain.CartLine{}, ErrDuplicateLine
	}
	if isForeignKeyViolation(err) {
		return domain.CartLine{}, ErrCartNotFound
	}
	if err != nil {
		return domain.CartLine{}, fmt.Errorf("insert cart line: %w", mapPgError(err))
	}

	if err := t.touchCart(ctx, cartID); err != nil {
		return domain.CartLine{}, err
	}
	return line, nil
}

func (t *postgresTx) SetLineQuantity(ctx context.Context, cartID, lineID, quantity int64) error {
	if t.done {
		return ErrTxDone
	}
	if quantity <= 0 {
		return domain.ErrInvalidQuantity
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE cart_lines SET quantity = $1 WHERE id = $2 AND cart_id = $3`,
		quantity, lineID, cartID)
	if err != nil {
		return fmt.Errorf("update cart line: %w", mapPgError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLineNotFound
	}
	return t.touchCart(ctx, cartID)
}

func (t *postgresTx) RemoveLines(ctx context.Context, cartID int64, lineIDs []int64) error {
	if t.done {
		return ErrTxDone
	}
	if len(lineIDs) == 0 {
		return nil
	}

	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM cart_lines WHERE cart_id = $1 AND id = ANY($2)`,
		cartID, pq.Array(lineIDs))
	if err != nil {
		return fmt.Errorf("delete cart lines: %w", mapPgError(err))
	}
	if n, _ := res.RowsAffected(); n != int64(len(lineIDs)) {
		return fmt.Errorf("removed %d of %d lines: %w", n, len(lineIDs), ErrLineNotFound)
	}
	return t.touchCart(ctx, cartID)
}

func (t *postgresTx) DeleteCart(ctx context.Context, cartID int64) error {
	if t.done {
		return ErrTxDone
	}

	res, err := t.tx.ExecContext(ctx, `DELETE FROM carts WHERE id = $1`, cartID)
	if err != nil {
		return fmt.Errorf("delete cart: %w", mapPgError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCartNotFound
	}
	return nil
}

func (t *postgresTx) touchCart(ctx context.Context, cartID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE carts SET updated_at = NOW() WHERE id = $1`, cartID); err != nil {
		return fmt.Errorf("touch cart: %w", mapPgError(err))
	}
	return nil
}

func (t *postgresTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	if t.done {
		return ErrTxDone
	}

	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO orders (id, user_id, receiver_name, receiver_address, receiver_phone,
		                     payment_method, payment_status, payment_ref, total_price,
		                     client_stated_total, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 RETURNING created_at`,
		order.ID, order.UserID, order.Receiver.Name, order.Receiver.Address, order.Receiver.Phone,
		order.PaymentMethod, string(order.PaymentStatus), order.PaymentRef, order.TotalPrice,
		order.ClientStatedTotal).Scan(&order.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicatePaymentRef
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", mapPgError(err))
	}

	for _, l := range order.Lines {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO order_lines (order_id, product_id, quantity, unit_price)
			 VALUES ($1, $2, $3, $4)`,
			order.ID, l.ProductID, l.Quantity, l.UnitPrice); err != nil {
			return fmt.Errorf("insert order line: %w", mapPgError(err))
		}
	}
	return nil
}

func (t *postgresTx) UpdatePaymentStatus(ctx context.Context, paymentRef string, status domain.PaymentStatus) (*domain.Order, error) {
	if t.done {
		return nil, ErrTxDone
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET payment_status = $1 WHERE payment_ref = $2`,
		string(status), paymentRef)
	if err != nil {
		return nil, fmt.Errorf("update payment status: %w", mapPgError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrOrderNotFound
	}
	return loadOrder(ctx, t.tx, `WHERE payment_ref = $1`, paymentRef)
}

func (t *postgresTx) AppendOutbox(ctx context.Context, event OutboxEvent) error {
	if t.done {
		return ErrTxDone
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, NOW())`,
		event.AggregateID, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", mapPgError(err))
	}
	return nil
}

func (t *postgresTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapPgError(err))
	}
	return nil
}

func (t *postgresTx) Rollback() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	return t.tx.Rollback()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
