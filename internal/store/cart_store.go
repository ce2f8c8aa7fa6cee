package store

import (
	"sync"
	"sync/atomic"

	"github.com/fjod/cart-reservation/internal/domain"
)

// CartStore owns the live snapshot of one cart.
//
// Reads are lock-free. Replace and subscriber delivery run under one mutex, so
// subscribers observe snapshots in commit order. Handlers run on the committing
// goroutine and must not call Replace, Subscribe or an unsubscribe func.
type CartStore struct {
	current atomic.Pointer[domain.CartSnapshot]

	mu     sync.Mutex
	subs   []*subscriber
	nextID uint64
}

type subscriber struct {
	id uint64
	fn func(domain.CartSnapshot)
}

// New creates a store seeded with initial lines. A nil slice gives an empty cart.
func New(initial []domain.CartLine) (*CartStore, error) {
	if err := domain.Validate(initial); err != nil {
		return nil, err
	}
	s := &CartStore{}
	snap := domain.NewSnapshot(initial, 0)
	s.current.Store(&snap)
	return s, nil
}

// Read returns a copy of the current snapshot. It never blocks.
func (s *CartStore) Read() domain.CartSnapshot {
	return s.current.Load().Copy()
}

// Replace swaps the whole line collection and publishes the new snapshot to
// every subscriber before returning. Each subscriber gets its own copy.
func (s *CartStore) Replace(lines []domain.CartLine) (domain.CartSnapshot, error) {
	if err := domain.Validate(lines); err != nil {
		return domain.CartSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := domain.NewSnapshot(lines, s.current.Load().Version+1)
	s.current.Store(&next)

	for _, sub := range s.subs {
		sub.fn(next.Copy())
	}
	return next.Copy(), nil
}

// Subscribe registers fn and immediately delivers the current snapshot to it.
// fn then receives every committed snapshot until the returned func is called.
func (s *CartStore) Subscribe(fn func(domain.CartSnapshot)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	sub := &subscriber{id: s.nextID, fn: fn}
	s.subs = append(s.subs, sub)
	fn(s.current.Load().Copy())
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(sub.id) })
	}
}

// SubscribeChan is the channel flavour of Subscribe. Delivery blocks the
// committing caller while the buffer is full, so nothing is dropped. The
// channel is closed by the returned func.
func (s *CartStore) SubscribeChan(buffer int) (<-chan domain.CartSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.CartSnapshot, buffer)
	done := make(chan struct{})

	unsubscribe := s.Subscribe(func(snap domain.CartSnapshot) {
		select {
		case ch <- snap:
		case <-done:
		}
	})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			close(done)
			unsubscribe()
			close(ch)
		})
	}
}

// Subscribers returns the number of registered handlers.
func (s *CartStore) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *CartStore) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.id == id {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
			return
		}
	}
}
