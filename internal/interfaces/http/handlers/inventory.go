// internal/interfaces/http/handlers/inventory.go
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/your-org/cartsync/internal/domain/inventory"
)

// InventoryHandler handles admin stock endpoints
type InventoryHandler struct {
	inventoryService *inventory.Service
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(inventoryService *inventory.Service) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: inventoryService,
	}
}

// SetStockRequest is the body of PUT /admin/inventory/:product_id/:variant_id
type SetStockRequest struct {
	SKU            string `json:"sku" binding:"max=100"`
	UnitPriceCents *int64 `json:"unit_price_cents" binding:"required,min=0"`
	Quantity       *int   `json:"quantity" binding:"required,min=0"`
}

// RestockRequest is the body of POST /admin/inventory/:product_id/:variant_id/restock
type RestockRequest struct {
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Reference string `json:"reference" binding:"max=64"`
}

func variantParams(c *gin.Context) (uint, uint, bool) {
	productID, err := strconv.ParseUint(c.Param("product_id"), 10, 32)
	if err != nil || productID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return 0, 0, false
	}
	variantID, err := strconv.ParseUint(c.Param("variant_id"), 10, 32)
	if err != nil || variantID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid variant ID"})
		return 0, 0, false
	}
	return uint(productID), uint(variantID), true
}

// GetStock handles GET /admin/inventory/:product_id/:variant_id
func (h *InventoryHandler) GetStock(c *gin.Context) {
	productID, variantID, ok := variantParams(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	stock, err := h.inventoryService.GetVariantStock(ctx, productID, variantID)
	if err != nil {
		respondError(c, err)
		return
	}

	limit := 20
	if l, err := strconv.Atoi(c.Query("movements")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	movements, err := h.inventoryService.GetMovements(ctx, productID, variantID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Stock retrieved successfully",
		"data": gin.H{
			"stock":     stock,
			"movements": movements,
		},
	})
}

// SetStock handles PUT /admin/inventory/:product_id/:variant_id
func (h *InventoryHandler) SetStock(c *gin.Context) {
	productID, variantID, ok := variantParams(c)
	if !ok {
		return
	}

	var req SetStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request data",
			"details": err.Error(),
		})
		return
	}

	row, err := h.inventoryService.SetStock(c.Request.Context(), productID, variantID, req.SKU, *req.UnitPriceCents, *req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Stock updated successfully",
		"data":    row,
	})
}

// Restock handles POST /admin/inventory/:product_id/:variant_id/restock
func (h *InventoryHandler) Restock(c *gin.Context) {
	productID, variantID, ok := variantParams(c)
	if !ok {
		return
	}

	var req RestockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request data",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	if err := h.inventoryService.IncrementVariantStock(ctx, productID, variantID, req.Quantity, req.Reference); err != nil {
		respondError(c, err)
		return
	}

	stock, err := h.inventoryService.GetVariantStock(ctx, productID, variantID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Stock replenished successfully",
		"data":    stock,
	})
}
