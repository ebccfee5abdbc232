// internal/interfaces/http/handlers/errors.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/checkout"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/domain/order"
	"github.com/your-org/cartsync/internal/pkg/remote"
)

// respondError maps domain errors to status codes. Anything unknown is a
// 500 and its text is not echoed back.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	var validation *cart.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request data",
			"details": validation.Error(),
		})
		return
	}

	if stockErr, ok := cart.AsStockError(err); ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":     stockErr.Error(),
			"remaining": stockErr.Remaining,
			"available": stockErr.Available,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, cart.ErrUnknownVariant),
		errors.Is(err, order.ErrOrderNotFound),
		errors.Is(err, inventory.ErrStockNotFound):
		status = http.StatusNotFound
	case errors.Is(err, inventory.ErrInvalidQuantity),
		errors.Is(err, inventory.ErrInvalidPrice),
		errors.Is(err, checkout.ErrEmptyCart):
		status = http.StatusBadRequest
	case errors.Is(err, checkout.ErrCartNotSynced),
		errors.Is(err, checkout.ErrOrderAlreadyCommitted),
		errors.Is(err, inventory.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, checkout.ErrPaymentFailed):
		status = http.StatusPaymentRequired
	case errors.Is(err, checkout.ErrInventoryUnavailable),
		remote.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
