// internal/domain/checkout/entity.go
package checkout

import (
	"context"
	"errors"

	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/order"
	"github.com/your-org/cartsync/internal/domain/payment"
)

var (
	ErrPaymentFailed         = errors.New("payment failed")
	ErrInventoryUnavailable  = errors.New("inventory store unavailable")
	ErrEmptyCart             = errors.New("cart is empty")
	ErrCartNotSynced         = errors.New("cart has changes that are not synced yet")
	ErrOrderAlreadyCommitted = errors.New("order already committed")
)

// PaymentGateway authorizes the payment for an order
type PaymentGateway interface {
	Authorize(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error)
}

// StockCommitter is the conditional decrement side of the inventory store
type StockCommitter interface {
	DecrementVariantStock(ctx context.Context, productID, variantID uint, quantity int, reference string) error
	ReleaseVariantStock(ctx context.Context, productID, variantID uint, quantity int, reference string) error
	Ping(ctx context.Context) error
}

// OrderStore persists committed orders. Claim reserves the order id and
// payment reference before any stock moves.
type OrderStore interface {
	Claim(ctx context.Context, o *order.Order) error
	Complete(ctx context.Context, o *order.Order) error
	Release(ctx context.Context, id string) error
	GetOrder(ctx context.Context, id, userID string) (*order.Order, error)
}

// CartStore removes committed lines from the user's cart
type CartStore interface {
	ClearCart(ctx context.Context, userID string) (*cart.MutationResult, error)
	RemoveLine(ctx context.Context, userID, lineID string) (*cart.MutationResult, error)
}

// CommitRequest is the final cart snapshot at order placement
type CommitRequest struct {
	OrderID string
	UserID  string
	Cart    *cart.Cart
	Payment payment.AuthorizationRequest
}

// FailedLine is a cart line that did not become an order line
type FailedLine struct {
	LineID    string              `json:"line_id"`
	ProductID uint                `json:"product_id"`
	VariantID uint                `json:"variant_id"`
	Quantity  int                 `json:"quantity"`
	Reason    order.FailureReason `json:"reason"`
}

// CommitResult is the created order plus the lines that could not be reserved
type CommitResult struct {
	Order       *order.Order `json:"order"`
	FailedLines []FailedLine `json:"failed_lines"`
}

// Partial reports whether some lines failed
func (r *CommitResult) Partial() bool {
	return len(r.FailedLines) > 0
}
