package catalog

import (
	"errors"

	"github.com/fjod/cart-reservation/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductInactive = errors.New("product is not available for sale")
)

// Product is the storefront backend's product representation.
type Product struct {
	ID           int64           `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	ImageURL     string          `json:"imageUrl"`
	Active       bool            `json:"active"`
	UnitsInStock int             `json:"unitsInStock"`
}

// Snapshot freezes the product as it enters a cart.
func (p Product) Snapshot() domain.ProductSnapshot {
	return domain.ProductSnapshot{
		ID:           p.ID,
		SKU:          p.SKU,
		Name:         p.Name,
		Description:  p.Description,
		ImageURL:     p.ImageURL,
		UnitPrice:    p.UnitPrice,
		UnitsInStock: p.UnitsInStock,
	}
}
