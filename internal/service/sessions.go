package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/cart-reservation/internal/cache"
	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/fjod/cart-reservation/internal/inventory"
	"github.com/fjod/cart-reservation/internal/metrics"
	"github.com/fjod/cart-reservation/internal/store"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const cacheLoadTimeout = 2 * time.Second

type SessionsConfig struct {
	Inventory          inventory.Client
	Cache              cache.CartCache
	PersistenceEnabled bool
	CallTimeout        time.Duration
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
	Tracer             trace.Tracer
	// OnCreate is called once for every new engine, e.g. to attach subscribers.
	OnCreate func(*ReservationEngine)
}

// Sessions owns one ReservationEngine per user.
type Sessions struct {
	cfg    SessionsConfig
	logger *zap.Logger

	mu      sync.RWMutex
	engines map[string]*ReservationEngine
	sfg     singleflight.Group // one cache load per user
}

func NewSessions(cfg SessionsConfig) (*Sessions, error) {
	if cfg.Inventory == nil {
		return nil, ErrNoInventory
	}
	if cfg.Cache == nil || !cfg.PersistenceEnabled {
		cfg.Cache = cache.NopCache{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sessions{
		cfg:     cfg,
		logger:  cfg.Logger,
		engines: make(map[string]*ReservationEngine),
	}, nil
}

// Get returns the user's engine, creating it from the cached cart on first use.
func (s *Sessions) Get(ctx context.Context, userID string) (*ReservationEngine, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if e := s.lookup(userID); e != nil {
		return e, nil
	}

	v, err, _ := s.sfg.Do(userID, func() (interface{}, error) {
		if e := s.lookup(userID); e != nil {
			return e, nil
		}

		e, err := s.create(ctx, userID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.engines[userID] = e
		n := len(s.engines)
		s.mu.Unlock()
		s.cfg.Metrics.SetActiveCarts(n)

		if s.cfg.OnCreate != nil {
			s.cfg.OnCreate(e)
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*ReservationEngine), nil
}

// Active reports the user's engine if one is held in memory.
func (s *Sessions) Active(userID string) (*ReservationEngine, bool) {
	e := s.lookup(userID)
	return e, e != nil
}

func (s *Sessions) lookup(userID string) *ReservationEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engines[userID]
}

func (s *Sessions) create(ctx context.Context, userID string) (*ReservationEngine, error) {
	lines := s.load(ctx, userID)

	st, err := store.New(lines)
	if err != nil {
		s.logger.Warn("discarding invalid cached cart", zap.String("user_id", userID), zap.Error(err))
		st, err = store.New(nil)
		if err != nil {
			return nil, err
		}
	}

	e, err := NewReservationEngine(EngineConfig{
		UserID:             userID,
		Store:              st,
		Inventory:          s.cfg.Inventory,
		Cache:              s.cfg.Cache,
		PersistenceEnabled: s.cfg.PersistenceEnabled,
		CallTimeout:        s.cfg.CallTimeout,
		Logger:             s.cfg.Logger,
		Metrics:            s.cfg.Metrics,
		Tracer:             s.cfg.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("create cart engine: %w", err)
	}
	return e, nil
}

// load reads the durable copy once. Any failure starts the user with an empty cart.
func (s *Sessions) load(ctx context.Context, userID string) []domain.CartLine {
	if !s.cfg.PersistenceEnabled {
		return nil
	}

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheLoadTimeout)
	defer cancel()

	snap, err := s.cfg.Cache.Load(loadCtx, userID)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("cart cache load failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil
	}
	return snap.Lines
}

// End clears the user's cart, returning its stock, closes the engine and
// forgets the session. The session is kept when the clear fails so it can
// be retried.
func (s *Sessions) End(ctx context.Context, userID string) (domain.Result, error) {
	e, err := s.Get(ctx, userID)
	if err != nil {
		return domain.Result{}, err
	}

	res, err := e.End(ctx)
	if err != nil {
		return domain.Result{}, err
	}

	s.evict(userID)

	if s.cfg.PersistenceEnabled {
		delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheWriteTimeout)
		defer cancel()
		if err := s.cfg.Cache.Delete(delCtx, userID); err != nil {
			s.logger.Warn("cart cache delete failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return res, nil
}

// Settle removes what the user's checkout sold. See ReservationEngine.Settle.
func (s *Sessions) Settle(ctx context.Context, userID string, sold map[int64]int) (domain.Result, error) {
	e, err := s.Get(ctx, userID)
	if err != nil {
		return domain.Result{}, err
	}
	return e.Settle(ctx, sold)
}

func (s *Sessions) evict(userID string) {
	s.mu.Lock()
	delete(s.engines, userID)
	n := len(s.engines)
	s.mu.Unlock()
	s.cfg.Metrics.SetActiveCarts(n)
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.engines)
}
