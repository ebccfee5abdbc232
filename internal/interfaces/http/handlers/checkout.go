// internal/interfaces/http/handlers/checkout.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/checkout"
	"github.com/your-org/cartsync/internal/domain/payment"
	"github.com/your-org/cartsync/internal/interfaces/http/middleware"
)

// CheckoutHandler places orders from the user's cart
type CheckoutHandler struct {
	reconciler *cart.Reconciler
	committer  *checkout.Committer
}

// NewCheckoutHandler creates a new checkout handler
func NewCheckoutHandler(reconciler *cart.Reconciler, committer *checkout.Committer) *CheckoutHandler {
	return &CheckoutHandler{
		reconciler: reconciler,
		committer:  committer,
	}
}

// CheckoutRequest is the body of POST /checkout. OrderID lets clients
// retry safely; a new one is generated when it is missing.
type CheckoutRequest struct {
	OrderID string `json:"order_id" binding:"omitempty,uuid"`
	payment.AuthorizationRequest
}

// Checkout handles POST /checkout
func (h *CheckoutHandler) Checkout(c *gin.Context) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "User not authenticated",
		})
		return
	}

	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request data",
			"details": err.Error(),
		})
		return
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}

	ctx := c.Request.Context()
	cartView, err := h.reconciler.GetCart(ctx, userID)
	if err != nil {
		respondError(c, err)
		return
	}

	result, err := h.committer.Commit(ctx, checkout.CommitRequest{
		OrderID: req.OrderID,
		UserID:  userID,
		Cart:    cartView,
		Payment: req.AuthorizationRequest,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	message := "Order placed successfully"
	if result.Partial() {
		message = "Order placed, some items could not be reserved"
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": message,
		"data":    result,
	})
}
