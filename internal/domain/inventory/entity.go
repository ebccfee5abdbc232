// internal/domain/inventory/entity.go
package inventory

import (
	"errors"
	"time"
)

var (
	ErrStockNotFound     = errors.New("variant stock not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be greater than 0")
	ErrInvalidPrice      = errors.New("price cannot be negative")
)

// MovementReason represents the reason for a stock movement
type MovementReason string

const (
	ReasonSale       MovementReason = "sale"
	ReasonRestock    MovementReason = "restock"
	ReasonAdjustment MovementReason = "adjustment"
	ReasonRelease    MovementReason = "release" // sale undone before the order was stored
)

// VariantStock is the authoritative stock counter for one product variant
// (e.g. almonds / 250g). It is only ever changed with conditional SQL.
type VariantStock struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	ProductID         uint      `gorm:"not null;uniqueIndex:idx_variant_stocks_key" json:"product_id"`
	VariantID         uint      `gorm:"not null;uniqueIndex:idx_variant_stocks_key" json:"variant_id"`
	SKU               string    `gorm:"size:100;index" json:"sku"`
	UnitPriceCents    int64     `gorm:"not null;default:0;check:chk_variant_stocks_price,unit_price_cents >= 0" json:"unit_price_cents"`
	AvailableQuantity int       `gorm:"not null;default:0;check:chk_variant_stocks_available,available_quantity >= 0" json:"available_quantity"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName overrides the table name
func (VariantStock) TableName() string {
	return "variant_stocks"
}

// StockMovement records every change applied to a VariantStock
type StockMovement struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ProductID   uint           `gorm:"not null;index:idx_stock_movements_key" json:"product_id"`
	VariantID   uint           `gorm:"not null;index:idx_stock_movements_key" json:"variant_id"`
	Reason      MovementReason `gorm:"not null;size:20" json:"reason"`
	Delta       int            `gorm:"not null" json:"delta"`
	ReferenceID string         `gorm:"size:64;index" json:"reference_id"` // order id for sales
	CreatedAt   time.Time      `json:"created_at"`
}

// TableName overrides the table name
func (StockMovement) TableName() string {
	return "stock_movements"
}

// Stock is the read view handed to the cart and checkout layers
type Stock struct {
	ProductID         uint  `json:"product_id"`
	VariantID         uint  `json:"variant_id"`
	AvailableQuantity int   `json:"available_quantity"`
	UnitPriceCents    int64 `json:"unit_price_cents"`
	// InStock is true when any variant of the product has stock left
	InStock bool `json:"in_stock"`
}

// CanFulfill checks if there's enough stock for quantity units
func (s Stock) CanFulfill(quantity int) bool {
	return s.InStock && s.AvailableQuantity >= quantity
}
