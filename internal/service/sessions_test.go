package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSessions(t *testing.T, inv *mockInventory, c *mockCache, persist bool) *Sessions {
	s, err := NewSessions(SessionsConfig{
		Inventory:          inv,
		Cache:              c,
		PersistenceEnabled: persist,
		Logger:             zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return s
}

func TestSessions_GetCreatesOnceAndLoadsOnce(t *testing.T) {
	inv := newMockInventory(map[int64]int{productP: 10})
	c := newMockCache()
	s := newTestSessions(t, inv, c, true)

	var wg sync.WaitGroup
	engines := make([]*ReservationEngine, 10)
	for i := range engines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := s.Get(context.Background(), "alice")
			assert.NoError(t, err)
			engines[i] = e
		}(i)
	}
	wg.Wait()

	for _, e := range engines {
		assert.Same(t, engines[0], e)
	}
	assert.Equal(t, 1, c.loads)
	assert.Equal(t, 1, s.Len())
}

func TestSessions_RestoresCachedCart(t *testing.T) {
	inv := newMockInventory(map[int64]int{productP: 10})
	c := newMockCache()
	c.carts["bob"] = domain.NewSnapshot([]domain.CartLine{
		{Product: product(productP, 10, "4.00"), Quantity: 2},
	}, 7)
	s := newTestSessions(t, inv, c, true)

	e, err := s.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Snapshot().QuantityOf(productP))
	assert.Empty(t, inv.Calls(), "restoring a cart does not reserve again")
}

func TestSessions_PersistenceDisabledSkipsCache(t *testing.T) {
	inv := newMockInventory(map[int64]int{productP: 10})
	c := newMockCache()
	c.carts["bob"] = domain.NewSnapshot([]domain.CartLine{
		{Product: product(productP, 10, "4.00"), Quantity: 2},
	}, 1)
	s := newTestSessions(t, inv, c, false)

	e, err := s.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, e.Snapshot().IsEmpty())
	assert.Equal(t, 0, c.loads)
}

func TestSessions_CacheErrorsStartEmpty(t *testing.T) {
	inv := newMockInventory(map[int64]int{})
	c := newMockCache()
	c.loadErr = errors.New("redis down")
	s := newTestSessions(t, inv, c, true)

	e, err := s.Get(context.Background(), "carol")
	require.NoError(t, err)
	assert.True(t, e.Snapshot().IsEmpty())
}

func TestSessions_InvalidCachedCartIsDiscarded(t *testing.T) {
	inv := newMockInventory(map[int64]int{})
	c := newMockCache()
	c.carts["dave"] = domain.CartSnapshot{Lines: []domain.CartLine{
		{Product: product(productP, 10, "1.00"), Quantity: 0},
	}}
	s := newTestSessions(t, inv, c, true)

	e, err := s.Get(context.Background(), "dave")
	require.NoError(t, err)
	assert.True(t, e.Snapshot().IsEmpty())
}

func TestSessions_RequiresUserID(t *testing.T) {
	s := newTestSessions(t, newMockInventory(nil), newMockCache(), false)

	_, err := s.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestSessions_EndReleasesAndEvicts(t *testing.T) {
	inv := newMockInventory(map[int64]int{productP: 10})
	c := newMockCache()
	s := newTestSessions(t, inv, c, true)
	ctx := context.Background()

	e, err := s.Get(ctx, "erin")
	require.NoError(t, err)
	_, err = e.AddItem(ctx, product(productP, 10, "1.00"), 3)
	require.NoError(t, err)
	_, ok := c.get("erin")
	require.True(t, ok)

	res, err := s.End(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, domain.MsgCartCleared, res.Message)
	assert.Equal(t, 10, inv.Stock(productP))
	assert.Equal(t, 0, s.Len())

	_, ok = c.get("erin")
	assert.False(t, ok)
	_, active := s.Active("erin")
	assert.False(t, active)
}

func TestSessions_EndKeepsSessionWhenClearFails(t *testing.T) {
	inv := newMockInventory(map[int64]int{productP: 10})
	s := newTestSessions(t, inv, newMockCache(), false)
	ctx := context.Background()

	e, err := s.Get(ctx, "frank")
	require.NoError(t, err)
	_, err = e.AddItem(ctx, product(productP, 10, "1.00"), 3)
	require.NoError(t, err)

	inv.failOn(opRelease, productP, errLedgerDown)
	_, err = s.End(ctx, "frank")
	assert.ErrorIs(t, err, domain.ErrInventoryUnavailable)

	same, active := s.Active("frank")
	require.True(t, active)
	assert.Same(t, e, same)
	assert.Equal(t, 3, same.Snapshot().QuantityOf(productP))
}

func TestSessions_EndClosesEngineHeldByCaller(t *testing.T) {
	inv := newMockInventory(map[int64]int{productP: 10})
	s := newTestSessions(t, inv, newMockCache(), false)
	ctx := context.Background()

	held, err := s.Get(ctx, "ivan")
	require.NoError(t, err)
	_, err = s.End(ctx, "ivan")
	require.NoError(t, err)

	_, err = held.AddItem(ctx, product(productP, 10, "1.00"), 3)
	assert.ErrorIs(t, err, domain.ErrCartClosed)
	assert.Equal(t, 10, inv.Stock(productP))

	fresh, err := s.Get(ctx, "ivan")
	require.NoError(t, err)
	assert.NotSame(t, held, fresh)
	_, err = fresh.AddItem(ctx, product(productP, 10, "1.00"), 3)
	require.NoError(t, err)
	assert.Equal(t, 7, inv.Stock(productP))
}

func TestSessions_Settle(t *testing.T) {
	inv := newMockInventory(map[int64]int{productP: 10})
	s := newTestSessions(t, inv, newMockCache(), false)
	ctx := context.Background()

	e, err := s.Get(ctx, "gina")
	require.NoError(t, err)
	_, err = e.AddItem(ctx, product(productP, 10, "1.00"), 4)
	require.NoError(t, err)
	inv.resetCalls()

	res, err := s.Settle(ctx, "gina", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.MsgCartSettled, res.Message)
	assert.True(t, e.Snapshot().IsEmpty())
	assert.Empty(t, inv.Calls())
	assert.Equal(t, 6, inv.Stock(productP))
}

func TestSessions_OnCreate(t *testing.T) {
	var created []string
	s, err := NewSessions(SessionsConfig{
		Inventory: newMockInventory(nil),
		OnCreate:  func(e *ReservationEngine) { created = append(created, e.UserID()) },
	})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "hal")
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "hal")
	require.NoError(t, err)

	assert.Equal(t, []string{"hal"}, created)
}
