package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductSnapshot is a copy of a catalog item taken when it entered the cart.
// Later catalog changes are not reflected here.
type ProductSnapshot struct {
	ID           int64           `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	ImageURL     string          `json:"image_url,omitempty"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitsInStock int             `json:"units_in_stock"`
}

type CartLine struct {
	Product  ProductSnapshot `json:"product"`
	Quantity int             `json:"quantity"`
}

// Subtotal is quantity times unit price.
func (l CartLine) Subtotal() decimal.Decimal {
	return l.Product.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CartSnapshot is an immutable view of the cart at one instant.
// Totals are always derived from Lines by NewSnapshot.
type CartSnapshot struct {
	Lines         []CartLine      `json:"lines"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	TotalQuantity int             `json:"total_quantity"`
	Version       uint64          `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewSnapshot copies lines and computes the derived totals.
func NewSnapshot(lines []CartLine, version uint64) CartSnapshot {
	copied := make([]CartLine, len(lines))
	copy(copied, lines)

	total := decimal.Zero
	qty := 0
	for _, line := range copied {
		total = total.Add(line.Subtotal())
		qty += line.Quantity
	}

	return CartSnapshot{
		Lines:         copied,
		TotalPrice:    total,
		TotalQuantity: qty,
		Version:       version,
		UpdatedAt:     time.Now().UTC(),
	}
}

// EmptySnapshot is the state of a freshly created cart.
func EmptySnapshot() CartSnapshot {
	return NewSnapshot(nil, 0)
}

func (s CartSnapshot) IsEmpty() bool {
	return len(s.Lines) == 0
}

// Line returns the line for productID and its index.
func (s CartSnapshot) Line(productID int64) (CartLine, int, bool) {
	for i, line := range s.Lines {
		if line.Product.ID == productID {
			return line, i, true
		}
	}
	return CartLine{}, -1, false
}

// QuantityOf returns 0 for products not in the cart.
func (s CartSnapshot) QuantityOf(productID int64) int {
	line, _, ok := s.Line(productID)
	if !ok {
		return 0
	}
	return line.Quantity
}

// Clone returns a copy of the lines that callers may modify freely.
func (s CartSnapshot) Clone() []CartLine {
	lines := make([]CartLine, len(s.Lines))
	copy(lines, s.Lines)
	return lines
}

// Copy returns the snapshot with its own line slice, so the receiver of the
// copy cannot reach the original's lines.
func (s CartSnapshot) Copy() CartSnapshot {
	s.Lines = s.Clone()
	return s
}

// Validate checks the line invariants: positive quantities and one line per product.
func Validate(lines []CartLine) error {
	seen := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if _, dup := seen[line.Product.ID]; dup {
			return ErrDuplicateLine
		}
		seen[line.Product.ID] = struct{}{}
	}
	return nil
}
