// internal/domain/order/entity.go
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderLineFrozen = errors.New("order lines cannot be changed once created")
	ErrOrderExists     = errors.New("order id already claimed")
	ErrPaymentReused   = errors.New("payment already backs another order")
	ErrOrderNotPending = errors.New("order is not pending")
)

// OrderStatus represents the order status
type OrderStatus string

const (
	OrderStatusPending            OrderStatus = "pending" // claimed, stock not settled yet
	OrderStatusConfirmed          OrderStatus = "confirmed"
	OrderStatusPartiallyFulfilled OrderStatus = "partially_fulfilled"
)

// PaymentStatus represents payment status
type PaymentStatus string

const (
	PaymentStatusAuthorized PaymentStatus = "authorized"
)

// FailureReason says why a cart line did not become an order line
type FailureReason string

const (
	FailureStockRaceLost  FailureReason = "stock_race_lost"
	FailureUnavailable    FailureReason = "unavailable"
	FailureUnknownVariant FailureReason = "unknown_variant"
	FailureError          FailureReason = "error"
)

// Order represents the order entity
type Order struct {
	ID               string        `gorm:"primaryKey;size:36" json:"id"`
	OrderNumber      string        `gorm:"uniqueIndex;not null;size:50" json:"order_number"`
	UserID           string        `gorm:"not null;size:64;index" json:"user_id"`
	Status           OrderStatus   `gorm:"not null;size:30" json:"status"`
	PaymentStatus    PaymentStatus `gorm:"not null;size:30" json:"payment_status"`
	PaymentReference string        `gorm:"size:255;uniqueIndex:idx_orders_payment_reference" json:"payment_reference"`

	// In cents
	AuthorizedAmount int64  `gorm:"not null" json:"authorized_amount"`
	TotalAmount      int64  `gorm:"not null" json:"total_amount"` // committed lines only
	Currency         string `gorm:"size:3;default:'INR'" json:"currency"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Relationships
	Lines       []OrderLine  `gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"lines"`
	FailedLines []FailedLine `gorm:"foreignKey:OrderID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"failed_lines,omitempty"`
}

// OrderLine is a frozen copy of a committed cart line. Its identity is
// (order, product, variant).
type OrderLine struct {
	OrderID        string    `gorm:"primaryKey;size:36" json:"order_id"`
	ProductID      uint      `gorm:"primaryKey;autoIncrement:false" json:"product_id"`
	VariantID      uint      `gorm:"primaryKey;autoIncrement:false" json:"variant_id"`
	Quantity       int       `gorm:"not null" json:"quantity"`
	UnitPriceCents int64     `gorm:"not null" json:"unit_price_cents"`
	TotalCents     int64     `gorm:"not null" json:"total_cents"` // Quantity * UnitPriceCents
	CreatedAt      time.Time `json:"created_at"`
}

// FailedLine records a cart line that could not be reserved at checkout
type FailedLine struct {
	ID        uint          `gorm:"primaryKey" json:"-"`
	OrderID   string        `gorm:"not null;size:36;index" json:"order_id"`
	ProductID uint          `gorm:"not null" json:"product_id"`
	VariantID uint          `gorm:"not null" json:"variant_id"`
	Quantity  int           `gorm:"not null" json:"quantity"`
	Reason    FailureReason `gorm:"not null;size:30" json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

// TableName overrides
func (Order) TableName() string      { return "orders" }
func (OrderLine) TableName() string  { return "order_lines" }
func (FailedLine) TableName() string { return "order_line_failures" }

// BeforeUpdate keeps order lines frozen
func (OrderLine) BeforeUpdate(tx *gorm.DB) error {
	return ErrOrderLineFrozen
}

// BeforeDelete keeps order lines frozen
func (OrderLine) BeforeDelete(tx *gorm.DB) error {
	return ErrOrderLineFrozen
}

// GenerateOrderNumber generates a unique order number
func (o *Order) GenerateOrderNumber() string {
	// Format: ORD-YYYYMMDD-XXXXXXXX
	suffix := strings.ToUpper(strings.ReplaceAll(o.ID, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("ORD-%s-%s", o.CreatedAt.Format("20060102"), suffix)
}

// GetFormattedTotal returns total amount as float
func (o *Order) GetFormattedTotal() float64 {
	return float64(o.TotalAmount) / 100
}

// IsPartial reports whether some cart lines were not fulfilled
func (o *Order) IsPartial() bool {
	return o.Status == OrderStatusPartiallyFulfilled
}
