package inventory

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrProductNotFound     = errors.New("product not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidQuantity     = errors.New("quantity must be greater than 0")
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different request")
)

// Client adjusts the authoritative stock ledger. Each call is independent:
// there is no batching and no transaction across calls.
type Client interface {
	// Reserve decreases available stock by req.Quantity, or fails without side effect.
	Reserve(ctx context.Context, req StockRequest) error

	// Release increases available stock by req.Quantity.
	Release(ctx context.Context, req StockRequest) error
}

type StockRequest struct {
	ProductID int64
	Quantity  int
	// IdempotencyKey identifies one logical call. Retries of the same call reuse it.
	IdempotencyKey string
}

func (r StockRequest) validate() error {
	if r.ProductID <= 0 {
		return ErrProductNotFound
	}
	if r.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}

// StockRejectedError is a reserve refused by the ledger.
// Available is what the ledger reported, or 0 when it did not say.
type StockRejectedError struct {
	ProductID int64
	Available int
}

func (e *StockRejectedError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: %d available", e.ProductID, e.Available)
}

func (e *StockRejectedError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// IsBusinessError reports errors that are a definitive answer from the ledger
// rather than a transport or server failure.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrIdempotencyConflict)
}
