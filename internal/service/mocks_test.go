package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fjod/cart-reservation/internal/cache"
	"github.com/fjod/cart-reservation/internal/catalog"
	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/fjod/cart-reservation/internal/inventory"
	"github.com/shopspring/decimal"
)

var errLedgerDown = errors.New("ledger down")

type stockCall struct {
	Op        string
	ProductID int64
	Quantity  int
	Key       string
}

// mockInventory is a stock ledger that records every call. Failures are
// injected per operation and product.
type mockInventory struct {
	m     sync.Mutex
	stock map[int64]int
	calls []stockCall
	fail  map[string]map[int64]error
	// hook runs before each call is applied, outside the lock.
	hook func(op string, productID int64)
}

func newMockInventory(stock map[int64]int) *mockInventory {
	return &mockInventory{
		stock: stock,
		fail:  make(map[string]map[int64]error),
	}
}

func (m *mockInventory) failOn(op string, productID int64, err error) {
	m.m.Lock()
	defer m.m.Unlock()
	if m.fail[op] == nil {
		m.fail[op] = make(map[int64]error)
	}
	m.fail[op][productID] = err
}

func (m *mockInventory) heal() {
	m.m.Lock()
	defer m.m.Unlock()
	m.fail = make(map[string]map[int64]error)
}

func (m *mockInventory) Reserve(_ context.Context, req inventory.StockRequest) error {
	return m.apply(opReserve, req)
}

func (m *mockInventory) Release(_ context.Context, req inventory.StockRequest) error {
	return m.apply(opRelease, req)
}

func (m *mockInventory) apply(op string, req inventory.StockRequest) error {
	if m.hook != nil {
		m.hook(op, req.ProductID)
	}

	m.m.Lock()
	defer m.m.Unlock()
	m.calls = append(m.calls, stockCall{Op: op, ProductID: req.ProductID, Quantity: req.Quantity, Key: req.IdempotencyKey})

	if err := m.fail[op][req.ProductID]; err != nil {
		return err
	}
	switch op {
	case opReserve:
		if m.stock[req.ProductID] < req.Quantity {
			return &inventory.StockRejectedError{ProductID: req.ProductID, Available: m.stock[req.ProductID]}
		}
		m.stock[req.ProductID] -= req.Quantity
	case opRelease:
		m.stock[req.ProductID] += req.Quantity
	}
	return nil
}

func (m *mockInventory) Calls() []stockCall {
	m.m.Lock()
	defer m.m.Unlock()
	out := make([]stockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockInventory) Stock(productID int64) int {
	m.m.Lock()
	defer m.m.Unlock()
	return m.stock[productID]
}

func (m *mockInventory) resetCalls() {
	m.m.Lock()
	defer m.m.Unlock()
	m.calls = nil
}

// lossyLedger is a real idempotent ledger whose release responses can be
// lost after the release was applied, as with a timeout on the way back.
type lossyLedger struct {
	*inventory.MemoryStore
	m    sync.Mutex
	lose map[int64]bool
}

func newLossyLedger(t *testing.T, stock map[int64]int) *lossyLedger {
	store := inventory.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	for id, qty := range stock {
		store.PutProduct(catalog.Product{
			ID:           id,
			Name:         "product",
			UnitPrice:    decimal.RequireFromString("1.00"),
			Active:       true,
			UnitsInStock: qty,
		})
	}
	return &lossyLedger{MemoryStore: store, lose: make(map[int64]bool)}
}

// loseNextRelease drops the response of the next release of productID.
func (l *lossyLedger) loseNextRelease(productID int64) {
	l.m.Lock()
	defer l.m.Unlock()
	l.lose[productID] = true
}

func (l *lossyLedger) Release(ctx context.Context, req inventory.StockRequest) error {
	err := l.MemoryStore.Release(ctx, req)

	l.m.Lock()
	defer l.m.Unlock()
	if l.lose[req.ProductID] {
		delete(l.lose, req.ProductID)
		return errors.New("read tcp: connection reset by peer")
	}
	return err
}

func (l *lossyLedger) stock(productID int64) int {
	n, _ := l.Available(productID)
	return n
}

type mockCache struct {
	m       sync.Mutex
	carts   map[string]domain.CartSnapshot
	saves   int
	loads   int
	saveErr error
	loadErr error
}

func newMockCache() *mockCache {
	return &mockCache{carts: make(map[string]domain.CartSnapshot)}
}

func (c *mockCache) Save(_ context.Context, userID string, snap domain.CartSnapshot) error {
	c.m.Lock()
	defer c.m.Unlock()
	c.saves++
	if c.saveErr != nil {
		return c.saveErr
	}
	c.carts[userID] = snap
	return nil
}

func (c *mockCache) Load(_ context.Context, userID string) (*domain.CartSnapshot, error) {
	c.m.Lock()
	defer c.m.Unlock()
	c.loads++
	if c.loadErr != nil {
		return nil, c.loadErr
	}
	snap, ok := c.carts[userID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return &snap, nil
}

func (c *mockCache) Delete(_ context.Context, userID string) error {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.carts, userID)
	return nil
}

func (c *mockCache) get(userID string) (domain.CartSnapshot, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	snap, ok := c.carts[userID]
	return snap, ok
}
