package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/cart-reservation/internal/catalog"
)

const (
	// IdempotencyTTL is how long a processed key is remembered.
	IdempotencyTTL = 10 * time.Minute

	// CleanupInterval is how often expired keys are dropped.
	CleanupInterval = 30 * time.Second
)

type opKind string

const (
	opReserve opKind = "reserve"
	opRelease opKind = "release"
)

type processedCall struct {
	op        opKind
	productID int64
	quantity  int
	err       error
	at        time.Time
}

// MemoryStore is an in-process stock ledger with idempotent adjustments.
// It implements Client, and backs the development inventory service.
type MemoryStore struct {
	mu        sync.RWMutex
	products  map[int64]*catalog.Product
	processed map[string]*processedCall

	now         func() time.Time
	stopCleanup chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		products:    make(map[int64]*catalog.Product),
		processed:   make(map[string]*processedCall),
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.cleanupLoop()

	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireKeys()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) expireKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-IdempotencyTTL)
	for key, call := range s.processed {
		if call.at.Before(cutoff) {
			delete(s.processed, key)
		}
	}
}

// PutProduct adds or replaces a product together with its stock level.
func (s *MemoryStore) PutProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = &p
}

// SetStock sets the stock level of an existing product.
func (s *MemoryStore) SetStock(productID int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return ErrProductNotFound
	}
	p.UnitsInStock = quantity
	return nil
}

func (s *MemoryStore) Available(productID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return 0, ErrProductNotFound
	}
	return p.UnitsInStock, nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id int64) (catalog.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return catalog.Product{}, catalog.ErrProductNotFound
	}
	return *p, nil
}

// Products returns all products ordered by id.
func (s *MemoryStore) Products() []catalog.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) Reserve(_ context.Context, req StockRequest) error {
	return s.apply(opReserve, req)
}

func (s *MemoryStore) Release(_ context.Context, req StockRequest) error {
	return s.apply(opRelease, req)
}

func (s *MemoryStore) apply(op opKind, req StockRequest) error {
	if err := req.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prev, ok := s.processed[req.IdempotencyKey]; ok {
			if prev.op != op || prev.productID != req.ProductID || prev.quantity != req.Quantity {
				return ErrIdempotencyConflict
			}
			return prev.err
		}
	}

	err := s.adjust(op, req)
	if req.IdempotencyKey != "" {
		s.processed[req.IdempotencyKey] = &processedCall{
			op:        op,
			productID: req.ProductID,
			quantity:  req.Quantity,
			err:       err,
			at:        s.now(),
		}
	}
	return err
}

func (s *MemoryStore) adjust(op opKind, req StockRequest) error {
	p, ok := s.products[req.ProductID]
	if !ok {
		return ErrProductNotFound
	}

	switch op {
	case opReserve:
		if p.UnitsInStock < req.Quantity {
			return &StockRejectedError{ProductID: p.ID, Available: p.UnitsInStock}
		}
		p.UnitsInStock -= req.Quantity
	case opRelease:
		p.UnitsInStock += req.Quantity
	}
	return nil
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	s.wg.Wait()
	return nil
}
