// internal/interfaces/http/handlers/cart.go
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/your-org/cartsync/internal/config"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/interfaces/http/middleware"
)

// CartHandler handles cart endpoints for users and guest sessions
type CartHandler struct {
	reconciler *cart.Reconciler
	config     *config.Config
}

// NewCartHandler creates a new cart handler
func NewCartHandler(reconciler *cart.Reconciler, cfg *config.Config) *CartHandler {
	return &CartHandler{
		reconciler: reconciler,
		config:     cfg,
	}
}

// AddLineRequest is the body of POST /cart/items. The price is read from
// the inventory store, never from the client.
type AddLineRequest struct {
	ProductID uint `json:"product_id" binding:"required"`
	VariantID uint `json:"variant_id" binding:"required"`
	Quantity  int  `json:"quantity" binding:"required,min=1"`
}

// UpdateLineRequest is the body of PUT /cart/items/:id
type UpdateLineRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

func (h *CartHandler) owner(c *gin.Context) string {
	return middleware.CartOwner(c, h.config.Cart.GuestCookieMaxAge)
}

// GetCart handles GET /cart
func (h *CartHandler) GetCart(c *gin.Context) {
	cartView, err := h.reconciler.GetCart(c.Request.Context(), h.owner(c))
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{
		"message": "Cart retrieved successfully",
		"data": gin.H{
			"cart":        cartView,
			"total_cents": cartView.TotalCents(),
			"count":       cartView.Count(),
		},
	}
	if cartView.Degraded {
		resp["notice"] = cart.NoticeSavedLocally
	}
	c.JSON(http.StatusOK, resp)
}

// GetCartCount handles GET /cart/count
func (h *CartHandler) GetCartCount(c *gin.Context) {
	count, err := h.reconciler.GetCount(c.Request.Context(), h.owner(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Cart count retrieved successfully",
		"data":    gin.H{"count": count},
	})
}

// GetCartTotal handles GET /cart/total
func (h *CartHandler) GetCartTotal(c *gin.Context) {
	total, err := h.reconciler.GetTotal(c.Request.Context(), h.owner(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Cart total retrieved successfully",
		"data":    gin.H{"total_cents": total},
	})
}

// AddToCart handles POST /cart/items
func (h *CartHandler) AddToCart(c *gin.Context) {
	var req AddLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request data",
			"details": err.Error(),
		})
		return
	}

	result, err := h.reconciler.AddLine(c.Request.Context(), h.owner(c), req.ProductID, req.VariantID, req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}

	respondMutation(c, result, "Item added to cart successfully")
}

// UpdateCartItem handles PUT /cart/items/:id
func (h *CartHandler) UpdateCartItem(c *gin.Context) {
	var req UpdateLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request data",
			"details": err.Error(),
		})
		return
	}

	result, err := h.reconciler.UpdateQuantity(c.Request.Context(), h.owner(c), c.Param("id"), *req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}

	respondMutation(c, result, "Cart item updated successfully")
}

// RemoveFromCart handles DELETE /cart/items/:id
func (h *CartHandler) RemoveFromCart(c *gin.Context) {
	result, err := h.reconciler.RemoveLine(c.Request.Context(), h.owner(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	respondMutation(c, result, "Item removed from cart successfully")
}

// ClearCart handles DELETE /cart
func (h *CartHandler) ClearCart(c *gin.Context) {
	result, err := h.reconciler.ClearCart(c.Request.Context(), h.owner(c))
	if err != nil {
		respondError(c, err)
		return
	}

	respondMutation(c, result, "Cart cleared successfully")
}

// MergeGuestCart handles POST /cart/merge, called right after login with
// the guest session cookie still present
func (h *CartHandler) MergeGuestCart(c *gin.Context) {
	userID, ok := middleware.GetUserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "User not authenticated",
		})
		return
	}

	sessionID, err := c.Cookie(middleware.SessionCookie)
	if err != nil || sessionID == "" {
		c.JSON(http.StatusOK, gin.H{
			"message": "No guest cart to merge",
		})
		return
	}

	report, err := h.reconciler.MergeGuestCart(c.Request.Context(), middleware.GuestCartID(sessionID), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.SetCookie(middleware.SessionCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{
		"message": "Guest cart merged successfully",
		"data":    report,
	})
}

// Reconcile handles POST /cart/reconcile. Clients call it when they come
// back online.
func (h *CartHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.ReconcileOnReconnect(c.Request.Context(), h.owner(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Cart reconciled successfully",
		"data":    report,
	})
}

// respondMutation answers 200 when the remote store took the change and
// 202 when it was only saved locally
func respondMutation(c *gin.Context, result *cart.MutationResult, message string) {
	if result.Degraded {
		c.JSON(http.StatusAccepted, gin.H{
			"message": message,
			"notice":  result.Notice,
			"data":    result,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": message,
		"data":    result,
	})
}
