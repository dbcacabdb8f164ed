package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// PostgresStore implements Store on PostgreSQL. Row locks are
// SELECT ... FOR UPDATE locks bounded by the session lock_timeout.
type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
	isolation   sql.IsolationLevel
}

type PostgresOption func(*PostgresStore)

func WithPostgresLockTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		s.lockTimeout = d
	}
}

// WithIsolation overrides the default READ COMMITTED level. Serialization
// failures under SERIALIZABLE surface as ErrContention.
func WithIsolation(level sql.IsolationLevel) PostgresOption {
	return func(s *PostgresStore) {
		s.isolation = level
	}
}

func NewPostgresStore(cred *Credentials, opts ...PostgresOption) (*PostgresStore, error) {
	psqlconn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cred.Host,
		cred.Port,
		cred.User,
		cred.Password,
		cred.DBName)

	db, err := sql.Open("postgres", psqlconn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if e2 := db.Ping(); e2 != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", e2)
	}

	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(10)

	s := &PostgresStore{
		db:          db,
		lockTimeout: DefaultLockTimeout,
		isolation:   sql.LevelReadCommitted,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PostgresStore) RunMigrations(cred *Credentials) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", cred.MigrationsDirPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if e2 := m.Up(); e2 != nil && !errors.Is(e2, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", e2)
	}

	return nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", mapPgError(err))
	}

	// SET does not take bind parameters; the value is an integer of milliseconds.
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("set lock timeout: %w", mapPgError(err))
		}
	}

	return &postgresTx{tx: tx, held: make(map[int64]struct{})}, nil
}

func (s *PostgresStore) Quantity(ctx context.Context, productID int64) (int64, error) {
	var qty int64
	err := s.db.QueryRowContext(ctx,
		`SELECT quantity FROM stock_entries WHERE product_id = $1`, productID).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query quantity: %w", err)
	}
	return qty, nil
}

func (s *PostgresStore) Stock(ctx context.Context, productIDs []int64) ([]domain.StockEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, quantity, last_updated FROM stock_entries
		 WHERE product_id = ANY($1) ORDER BY product_id`, pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	var result []domain.StockEntry
	for rows.Next() {
		var e domain.StockEntry
		if err := rows.Scan(&e.ProductID, &e.Quantity, &e.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CartByUser(ctx context.Context, userID int64) (*domain.Cart, error) {
	return loadCart(ctx, s.db, userID)
}

func (s *PostgresStore) Order(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return loadOrder(ctx, s.db, `WHERE id = $1`, id)
}

func (s *PostgresStore) OrdersByUser(ctx context.Context, userID int64) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}

	orders := make([]*domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.Order(ctx, id)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (s *PostgresStore) UnprocessedOutbox(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, aggregate_id, event_type, payload, created_at
		 FROM outbox_events
		 WHERE processed_at IS NULL
		 ORDER BY id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var events []*OutboxEvent
	for rows.Next() {
		ev := &OutboxEvent{}
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.EventType, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PostgresStore) MarkOutboxProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCart(ctx context.Context, q queryer, userID int64) (*domain.Cart, error) {
	cart := &domain.Cart{}
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at FROM carts WHERE user_id = $1`, userID).
		Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", mapPgError(err))
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, product_id, quantity, unit_price, added_at
		 FROM cart_lines WHERE cart_id = $1 ORDER BY id`, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("query cart lines: %w", mapPgError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.ID, &l.ProductID, &l.Quantity, &l.UnitPrice, &l.AddedAt); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		cart.Lines = append(cart.Lines, l)
	}
	return cart, rows.Err()
}

func loadOrder(ctx context.Context, q queryer, where string, arg any) (*domain.Order, error) {
	o := &domain.Order{}
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT id, user_id, receiver_name, receiver_address, receiver_phone,
		        payment_method, payment_status, payment_ref, total_price,
		        client_stated_total, created_at
		 FROM orders `+where, arg).
		Scan(&o.ID, &o.UserID, &o.Receiver.Name, &o.Receiver.Address, &o.Receiver.Phone,
			&o.PaymentMethod, &status, &o.PaymentRef, &o.TotalPrice,
			&o.ClientStatedTotal, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", mapPgError(err))
	}
	o.PaymentStatus = domain.PaymentStatus(status)

	rows, err := q.QueryContext(ctx,
		`SELECT product_id, quantity, unit_price FROM order_lines WHERE order_id = $1 ORDER BY id`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", mapPgError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.ProductID, &l.Quantity, &l.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}

// mapPgError translates PostgreSQL lock and serialization failures into the
// store's contention errors.
func mapPgError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case "55P03": // lock_not_available
		return fmt.Errorf("%w: %s", ErrLockTimeout, pqErr.Message)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %s", ErrContention, pqErr.Message)
	case "23514": // check_violation
		if pqErr.Table == "stock_entries" {
			return fmt.Errorf("%w: %s", ErrNegativeQuantity, pqErr.Message)
		}
	}
	return err
}
