package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long LockForUpdate waits for a row held by
// another transaction.
const DefaultLockTimeout = 5 * time.Second

// stockRow is one ledger row. sem has capacity 1: a successful send acquires
// the row lock and a receive releases it.
type stockRow struct {
	sem         chan struct{}
	quantity    int64
	lastUpdated time.Time
}

// MemoryStore implements Store with in-memory storage. Row locks are
// per-product and held across calls for the life of a transaction; mu only
// guards the maps and is never held while waiting for a row lock.
type MemoryStore struct {
	mu          sync.RWMutex
	rows        map[int64]*stockRow         // productID -> row
	carts       map[int64]*domain.Cart      // cartID -> cart
	cartByUser  map[int64]int64             // userID -> cartID
	orders      map[uuid.UUID]*domain.Order // orderID -> order
	orderByRef  map[string]uuid.UUID        // paymentRef -> orderID
	outbox      []*outboxRecord
	nextCartID  int64
	nextLineID  int64
	nextEventID int64

	lockTimeout time.Duration
	now         func() time.Time
}

type outboxRecord struct {
	event     OutboxEvent
	processed bool
}

type MemoryOption func(*MemoryStore)

// WithLockTimeout sets the row lock wait bound. Zero or negative waits until
// the context ends.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.lockTimeout = d
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		rows:        make(map[int64]*stockRow),
		carts:       make(map[int64]*domain.Cart),
		cartByUser:  make(map[int64]int64),
		orders:      make(map[uuid.UUID]*domain.Order),
		orderByRef:  make(map[string]uuid.UUID),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newMemoryTx(s), nil
}

// row returns the row for productID, creating it with quantity 0 when absent.
func (s *MemoryStore) row(productID int64) *stockRow {
	s.mu.RLock()
	r, ok := s.rows[productID]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok = s.rows[productID]; ok {
		return r
	}
	r = &stockRow{sem: make(chan struct{}, 1), lastUpdated: s.now()}
	s.rows[productID] = r
	return r
}

func (s *MemoryStore) entry(productID int64, r *stockRow) domain.StockEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.StockEntry{ProductID: productID, Quantity: r.quantity, LastUpdated: r.lastUpdated}
}

func (s *MemoryStore) Quantity(ctx context.Context, productID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rows[productID]; ok {
		return r.quantity, nil
	}
	return 0, nil
}

// Stock returns entries for the products that have one, in request order.
func (s *MemoryStore) Stock(ctx context.Context, productIDs []int64) ([]domain.StockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockEntry, 0, len(productIDs))
	for _, id := range productIDs {
		if r, ok := s.rows[id]; ok {
			result = append(result, domain.StockEntry{ProductID: id, Quantity: r.quantity, LastUpdated: r.lastUpdated})
		}
	}
	return result, nil
}

func (s *MemoryStore) CartByUser(ctx context.Context, userID int64) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cartID, ok := s.cartByUser[userID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return s.carts[cartID].Clone(), nil
}

func (s *MemoryStore) Order(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

// OrdersByUser returns the user's orders, newest first.
func (s *MemoryStore) OrdersByUser(ctx context.Context, userID int64) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UnprocessedOutbox(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*OutboxEvent
	for _, rec := range s.outbox {
		if rec.processed {
			continue
		}
		ev := rec.event
		result = append(result, &ev)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) MarkOutboxProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.outbox {
		if rec.event.ID == id {
			rec.processed = true
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
