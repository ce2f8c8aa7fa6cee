package cache

import (
	"context"
	"errors"

	"github.com/fjod/cart-reservation/internal/domain"
)

// CartCache keeps a durable copy of each user's cart so it survives a restart.
type CartCache interface {
	Save(ctx context.Context, userID string, snap domain.CartSnapshot) error
	Load(ctx context.Context, userID string) (*domain.CartSnapshot, error)
	Delete(ctx context.Context, userID string) error
}

var ErrCacheMiss = errors.New("cache miss")

// NopCache is used when persistence is disabled. Every Load is a miss.
type NopCache struct{}

func (NopCache) Save(context.Context, string, domain.CartSnapshot) error { return nil }

func (NopCache) Load(context.Context, string) (*domain.CartSnapshot, error) {
	return nil, ErrCacheMiss
}

func (NopCache) Delete(context.Context, string) error { return nil }
