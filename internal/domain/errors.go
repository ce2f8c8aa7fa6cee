package domain

import (
	"errors"
	"fmt"
)

var (
	ErrItemNotFound         = errors.New("Item not found in cart")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrInventoryUnavailable = errors.New("inventory service unavailable")
	ErrInvalidQuantity      = errors.New("quantity must be greater than 0")
	ErrDuplicateLine        = errors.New("duplicate cart line for product")
	ErrCartClosed           = errors.New("cart session has ended")
)

// InsufficientStockError reports how many more units may still be added.
type InsufficientStockError struct {
	ProductID int64
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock. Only %d more items can be added.", e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InventoryUnavailableError wraps a failed reserve or release call.
type InventoryUnavailableError struct {
	Op        string
	ProductID int64
	Err       error
}

func (e *InventoryUnavailableError) Error() string {
	return fmt.Sprintf("inventory %s for product %d failed: %v", e.Op, e.ProductID, e.Err)
}

func (e *InventoryUnavailableError) Unwrap() error {
	return e.Err
}

func (e *InventoryUnavailableError) Is(target error) bool {
	return target == ErrInventoryUnavailable
}
