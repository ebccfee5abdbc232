package cart

import (
	"errors"
	"fmt"
)

var (
	ErrLineNotFound      = errors.New("cart line not found")
	ErrOutOfStock        = errors.New("out of stock")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownVariant    = errors.New("unknown product variant")

	// ErrUniqueViolation is returned by the repository when a line already
	// exists for the key. The reconciler resolves it by merging; it never
	// reaches callers.
	ErrUniqueViolation = errors.New("cart line already exists for key")
	// ErrStaleLine is returned by a compare-and-set update that lost a race
	ErrStaleLine = errors.New("cart line changed concurrently")
)

// ValidationError is a rejected request. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err is a ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StockError reports a stock ceiling hit while mutating a cart line.
// Remaining is how many more units could still be added on top of what the
// cart already holds.
type StockError struct {
	ProductID  uint
	VariantID  uint
	Available  int
	Existing   int
	Remaining  int
	outOfStock bool
}

func (e *StockError) Error() string {
	if e.outOfStock {
		return fmt.Sprintf("product %d variant %d is out of stock", e.ProductID, e.VariantID)
	}
	return fmt.Sprintf("insufficient stock for product %d variant %d: %d more can be added", e.ProductID, e.VariantID, e.Remaining)
}

// Is lets errors.Is match ErrOutOfStock / ErrInsufficientStock
func (e *StockError) Is(target error) bool {
	if e.outOfStock {
		return target == ErrOutOfStock
	}
	return target == ErrInsufficientStock
}

// AsStockError extracts a StockError
func AsStockError(err error) (*StockError, bool) {
	var se *StockError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
