package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fjod/cart-reservation/internal/catalog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *MemoryStore {
	store := NewMemoryStore()
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func laptop(stock int) catalog.Product {
	return catalog.Product{
		ID:           1,
		SKU:          "LAP-1",
		Name:         "Laptop",
		UnitPrice:    decimal.RequireFromString("999.99"),
		Active:       true,
		UnitsInStock: stock,
	}
}

func TestMemoryStore_ReserveAndRelease(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(5))
	ctx := context.Background()

	require.NoError(t, store.Reserve(ctx, StockRequest{ProductID: 1, Quantity: 3}))
	available, err := store.Available(1)
	require.NoError(t, err)
	assert.Equal(t, 2, available)

	require.NoError(t, store.Release(ctx, StockRequest{ProductID: 1, Quantity: 1}))
	available, _ = store.Available(1)
	assert.Equal(t, 3, available)
}

func TestMemoryStore_InsufficientStock(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(2))

	err := store.Reserve(context.Background(), StockRequest{ProductID: 1, Quantity: 3})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	var rejected *StockRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, 2, rejected.Available)

	available, _ := store.Available(1)
	assert.Equal(t, 2, available, "failed reserve must not change stock")
}

func TestMemoryStore_ProductNotFound(t *testing.T) {
	store := setupStore(t)

	assert.ErrorIs(t, store.Reserve(context.Background(), StockRequest{ProductID: 9, Quantity: 1}), ErrProductNotFound)
	assert.ErrorIs(t, store.SetStock(9, 1), ErrProductNotFound)
	_, err := store.GetProduct(context.Background(), 9)
	assert.ErrorIs(t, err, catalog.ErrProductNotFound)
}

func TestMemoryStore_InvalidQuantity(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(2))

	assert.ErrorIs(t, store.Release(context.Background(), StockRequest{ProductID: 1, Quantity: 0}), ErrInvalidQuantity)
}

func TestMemoryStore_IdempotentReplay(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(10))
	ctx := context.Background()

	req := StockRequest{ProductID: 1, Quantity: 4, IdempotencyKey: "release-1"}
	require.NoError(t, store.Release(ctx, req))
	require.NoError(t, store.Release(ctx, req))

	available, _ := store.Available(1)
	assert.Equal(t, 14, available, "replayed release must apply once")
}

func TestMemoryStore_IdempotentReplayKeepsFirstOutcome(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(1))
	ctx := context.Background()

	req := StockRequest{ProductID: 1, Quantity: 2, IdempotencyKey: "reserve-1"}
	assert.ErrorIs(t, store.Reserve(ctx, req), ErrInsufficientStock)

	require.NoError(t, store.SetStock(1, 10))
	assert.ErrorIs(t, store.Reserve(ctx, req), ErrInsufficientStock)
}

func TestMemoryStore_IdempotencyConflict(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(10))
	ctx := context.Background()

	require.NoError(t, store.Reserve(ctx, StockRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "k"}))
	err := store.Reserve(ctx, StockRequest{ProductID: 1, Quantity: 2, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
	err = store.Release(ctx, StockRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestMemoryStore_ConcurrentReservations(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(100))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0

	// 10 goroutines each trying to reserve 20 units; only 5 fit
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Reserve(context.Background(), StockRequest{ProductID: 1, Quantity: 20})
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 5, successCount)

	available, _ := store.Available(1)
	assert.Equal(t, 0, available)
}

func TestMemoryStore_ExpireKeys(t *testing.T) {
	store := setupStore(t)
	store.PutProduct(laptop(10))
	ctx := context.Background()

	req := StockRequest{ProductID: 1, Quantity: 1, IdempotencyKey: "old"}
	require.NoError(t, store.Reserve(ctx, req))

	store.mu.Lock()
	store.processed["old"].at = time.Now().Add(-2 * IdempotencyTTL)
	store.mu.Unlock()

	store.expireKeys()

	store.mu.RLock()
	_, remembered := store.processed["old"]
	store.mu.RUnlock()
	assert.False(t, remembered)
}

func TestMemoryStore_Products(t *testing.T) {
	store := setupStore(t)
	second := laptop(1)
	second.ID = 2
	store.PutProduct(second)
	store.PutProduct(laptop(3))

	products := store.Products()
	require.Len(t, products, 2)
	assert.Equal(t, int64(1), products[0].ID)
	assert.Equal(t, int64(2), products[1].ID)
}
