package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/checkout-engine/internal/domain"
	"github.com/fjod/go_cart/checkout-engine/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNamer map[int64]string

func (f fakeNamer) ProductName(_ context.Context, id int64) (string, error) {
	if name, ok := f[id]; ok {
		return name, nil
	}
	return "", errors.New("not found")
}

// recordingLedger serves fixed quantities and records lock order.
type recordingLedger struct {
	quantities map[int64]int64
	locked     []int64
	failOn     int64
	set        map[int64]int64
}

func (l *recordingLedger) LockForUpdate(_ context.Context, id int64) (domain.StockEntry, error) {
	if id == l.failOn {
		return domain.StockEntry{}, store.ErrLockTimeout
	}
	l.locked = append(l.locked, id)
	return domain.StockEntry{ProductID: id, Quantity: l.quantities[id]}, nil
}

func (l *recordingLedger) SetQuantity(_ context.Context, id, qty int64) error {
	if l.set == nil {
		l.set = make(map[int64]int64)
	}
	l.set[id] = qty
	l.quantities[id] = qty
	return nil
}

func seed(t *testing.T, s store.Store, stock map[int64]int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	for id, qty := range stock {
		_, err := tx.LockForUpdate(ctx, id)
		require.NoError(t, err)
		require.NoError(t, tx.SetQuantity(ctx, id, qty))
	}
	require.NoError(t, tx.Commit())
}

func TestReserve_LocksInAscendingOrder(t *testing.T) {
	ledger := &recordingLedger{quantities: map[int64]int64{1: 10, 2: 10, 3: 10}}
	c := NewCoordinator(nil, nil)

	res, err := c.Reserve(context.Background(), ledger, []domain.Demand{
		{ProductID: 3, Quantity: 1},
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
		{ProductID: 1, Quantity: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3}, ledger.locked)
	require.Len(t, res.Items, 3)
	assert.Equal(t, int64(2), res.Items[0].Requested)
}

func TestReserve_MergedDemand(t *testing.T) {
	c := NewCoordinator(fakeNamer{1: "Oak Table"}, nil)
	demands := []domain.Demand{{ProductID: 1, Quantity: 2}, {ProductID: 1, Quantity: 3}}

	// Exactly enough for the merged 5
	ledger := &recordingLedger{quantities: map[int64]int64{1: 5}}
	_, err := c.Reserve(context.Background(), ledger, demands)
	require.NoError(t, err)

	// Each line alone would fit in 4, the merged demand does not
	ledger = &recordingLedger{quantities: map[int64]int64{1: 4}}
	_, err = c.Reserve(context.Background(), ledger, demands)

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Len(t, stockErr.Shortfalls, 1)
	assert.Equal(t, domain.Shortfall{ProductID: 1, ProductName: "Oak Table", Requested: 5, Available: 4}, stockErr.Shortfalls[0])
}

func TestReserve_ReportsEveryShortfall(t *testing.T) {
	ledger := &recordingLedger{quantities: map[int64]int64{1: 0, 2: 10, 3: 1}}
	c := NewCoordinator(fakeNamer{1: "Chair"}, nil)

	_, err := c.Reserve(context.Background(), ledger, []domain.Demand{
		{ProductID: 1, Quantity: 2},
		{ProductID: 2, Quantity: 2},
		{ProductID: 3, Quantity: 2},
	})

	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Len(t, stockErr.Shortfalls, 2)
	assert.Equal(t, int64(1), stockErr.Shortfalls[0].ProductID)
	assert.Equal(t, "Chair", stockErr.Shortfalls[0].ProductName)
	assert.Equal(t, int64(3), stockErr.Shortfalls[1].ProductID)
	assert.Equal(t, "product 3", stockErr.Shortfalls[1].ProductName)
	assert.Equal(t, []int64{1, 2, 3}, ledger.locked, "validation must not stop at the first shortfall")
	assert.Contains(t, err.Error(), "requested 2, available 0")
}

func TestReserve_LockFailureIsReturned(t *testing.T) {
	ledger := &recordingLedger{quantities: map[int64]int64{1: 10, 2: 10, 3: 10}, failOn: 2}
	c := NewCoordinator(nil, nil)

	_, err := c.Reserve(context.Background(), ledger, []domain.Demand{
		{ProductID: 1, Quantity: 1},
		{ProductID: 2, Quantity: 1},
		{ProductID: 3, Quantity: 1},
	})
	assert.ErrorIs(t, err, store.ErrLockTimeout)
	assert.Equal(t, []int64{1}, ledger.locked)
}

func TestReserve_InvalidQuantity(t *testing.T) {
	ledger := &recordingLedger{quantities: map[int64]int64{1: 10}}
	c := NewCoordinator(nil, nil)

	_, err := c.Reserve(context.Background(), ledger, []domain.Demand{{ProductID: 1, Quantity: 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestReservation_Apply(t *testing.T) {
	ledger := &recordingLedger{quantities: map[int64]int64{1: 10, 2: 4}}
	c := NewCoordinator(nil, nil)

	res, err := c.Reserve(context.Background(), ledger, []domain.Demand{
		{ProductID: 1, Quantity: 3},
		{ProductID: 2, Quantity: 4},
	})
	require.NoError(t, err)
	require.NoError(t, res.Apply(context.Background(), ledger))

	assert.Equal(t, map[int64]int64{1: 7, 2: 0}, ledger.set)
}

func TestReservation_Apply_InvariantViolation(t *testing.T) {
	ledger := &recordingLedger{quantities: map[int64]int64{1: 10}}
	res := &Reservation{Items: []Item{{ProductID: 1, Requested: 3, Available: 10}}}

	// Quantity changed behind the lock
	ledger.quantities[1] = 2

	err := res.Apply(context.Background(), ledger)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Empty(t, ledger.set)
}

func TestCheck_Advisory(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s, map[int64]int64{1: 5, 2: 1})
	c := NewCoordinator(fakeNamer{2: "Lamp"}, nil)

	short, err := c.Check(context.Background(), s, []domain.Demand{
		{ProductID: 1, Quantity: 5},
		{ProductID: 2, Quantity: 1},
		{ProductID: 2, Quantity: 1},
		{ProductID: 9, Quantity: 1},
	})
	require.NoError(t, err)
	require.Len(t, short, 2)
	assert.Equal(t, domain.Shortfall{ProductID: 2, ProductName: "Lamp", Requested: 2, Available: 1}, short[0])
	assert.Equal(t, int64(9), short[1].ProductID)
	assert.Equal(t, int64(0), short[1].Available)

	stocks, err := s.Stock(context.Background(), []int64{9})
	require.NoError(t, err)
	assert.Empty(t, stocks, "a check must not create rows")
}

func TestReserve_OpposingOrdersDoNotDeadlock(t *testing.T) {
	s := store.NewMemoryStore(store.WithLockTimeout(2 * time.Second))
	seed(t, s, map[int64]int64{1: 1000, 2: 1000})
	c := NewCoordinator(nil, nil)
	ctx := context.Background()

	orders := [][]domain.Demand{
		{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: 1}},
		{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 1}},
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(demands []domain.Demand) {
			defer wg.Done()
			tx, err := s.Begin(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer tx.Rollback()

			res, err := c.Reserve(ctx, tx, demands)
			if err != nil {
				errs <- err
				return
			}
			if err := res.Apply(ctx, tx); err != nil {
				errs <- err
				return
			}
			if err := tx.Commit(); err != nil {
				errs <- err
			}
		}(orders[i%2])
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	for _, id := range []int64{1, 2} {
		qty, err := s.Quantity(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(900), qty)
	}
}
