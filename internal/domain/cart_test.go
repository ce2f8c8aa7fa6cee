package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func product(id int64, price string, stock int) ProductSnapshot {
	return ProductSnapshot{
		ID:           id,
		SKU:          "SKU-" + price,
		Name:         "product",
		UnitPrice:    decimal.RequireFromString(price),
		UnitsInStock: stock,
	}
}

func TestNewSnapshot_Totals(t *testing.T) {
	lines := []CartLine{
		{Product: product(1, "19.99", 10), Quantity: 3},
		{Product: product(2, "5.01", 10), Quantity: 2},
	}

	snap := NewSnapshot(lines, 7)

	assert.Equal(t, 5, snap.TotalQuantity)
	assert.True(t, decimal.RequireFromString("69.99").Equal(snap.TotalPrice), "got %s", snap.TotalPrice)
	assert.Equal(t, uint64(7), snap.Version)
	assert.False(t, snap.IsEmpty())
}

func TestNewSnapshot_CopiesLines(t *testing.T) {
	lines := []CartLine{{Product: product(1, "1.00", 10), Quantity: 1}}
	snap := NewSnapshot(lines, 1)

	lines[0].Quantity = 99

	assert.Equal(t, 1, snap.Lines[0].Quantity)
	assert.Equal(t, 1, snap.TotalQuantity)
}

func TestEmptySnapshot(t *testing.T) {
	snap := EmptySnapshot()
	assert.True(t, snap.IsEmpty())
	assert.Equal(t, 0, snap.TotalQuantity)
	assert.True(t, snap.TotalPrice.IsZero())
}

func TestSnapshot_Line(t *testing.T) {
	snap := NewSnapshot([]CartLine{
		{Product: product(1, "1.00", 10), Quantity: 1},
		{Product: product(2, "2.00", 10), Quantity: 4},
	}, 1)

	line, idx, ok := snap.Line(2)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 4, line.Quantity)

	_, idx, ok = snap.Line(3)
	assert.False(t, ok)
	assert.Equal(t, -1, idx)
	assert.Equal(t, 0, snap.QuantityOf(3))
	assert.Equal(t, 4, snap.QuantityOf(2))
}

func TestSnapshot_CloneIsIndependent(t *testing.T) {
	snap := NewSnapshot([]CartLine{{Product: product(1, "1.00", 10), Quantity: 1}}, 1)

	lines := snap.Clone()
	lines[0].Quantity = 5

	assert.Equal(t, 1, snap.Lines[0].Quantity)
}

func TestValidate(t *testing.T) {
	ok := []CartLine{
		{Product: product(1, "1.00", 10), Quantity: 1},
		{Product: product(2, "1.00", 10), Quantity: 2},
	}
	assert.NoError(t, Validate(ok))

	zero := []CartLine{{Product: product(1, "1.00", 10), Quantity: 0}}
	assert.ErrorIs(t, Validate(zero), ErrInvalidQuantity)

	dup := []CartLine{
		{Product: product(1, "1.00", 10), Quantity: 1},
		{Product: product(1, "1.00", 10), Quantity: 1},
	}
	assert.ErrorIs(t, Validate(dup), ErrDuplicateLine)
}

func TestInsufficientStockError(t *testing.T) {
	var err error = &InsufficientStockError{ProductID: 1, Available: 2}

	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, "Insufficient stock. Only 2 more items can be added.", err.Error())

	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 2, stockErr.Available)
}

func TestInventoryUnavailableError(t *testing.T) {
	cause := errors.New("connection refused")
	var err error = &InventoryUnavailableError{Op: "reserve", ProductID: 3, Err: cause}

	assert.ErrorIs(t, err, ErrInventoryUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "reserve")
}

func TestUserFacingMessages(t *testing.T) {
	assert.Equal(t, "Item not found in cart", ErrItemNotFound.Error())
	assert.Equal(t, "cart session has ended", ErrCartClosed.Error())
}
