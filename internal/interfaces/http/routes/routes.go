// internal/interfaces/http/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/your-org/cartsync/internal/config"
	"github.com/your-org/cartsync/internal/domain/cart"
	"github.com/your-org/cartsync/internal/domain/checkout"
	"github.com/your-org/cartsync/internal/domain/inventory"
	"github.com/your-org/cartsync/internal/domain/order"
	"github.com/your-org/cartsync/internal/interfaces/http/handlers"
	"github.com/your-org/cartsync/internal/interfaces/http/middleware"
	"gorm.io/gorm"
)

// Dependencies are the wired services behind the routes
type Dependencies struct {
	DB         *gorm.DB
	Redis      *redis.Client
	Reconciler *cart.Reconciler
	Committer  *checkout.Committer
	Orders     *order.Service
	Inventory  *inventory.Service
	Logger     logrus.FieldLogger
}

// SetupRoutes registers every API route under rg
func SetupRoutes(rg *gin.RouterGroup, deps Dependencies, cfg *config.Config) {
	SetupCartRoutes(rg, deps, cfg)
	SetupOrderRoutes(rg, deps, cfg)
	SetupAdminRoutes(rg, deps, cfg)
}

// SetupCartRoutes sets up cart and checkout routes
func SetupCartRoutes(rg *gin.RouterGroup, deps Dependencies, cfg *config.Config) {
	cartHandler := handlers.NewCartHandler(deps.Reconciler, cfg)
	checkoutHandler := handlers.NewCheckoutHandler(deps.Reconciler, deps.Committer)

	// Cart routes work with guest sessions or authenticated users
	cartGroup := rg.Group("/cart")
	cartGroup.Use(middleware.OptionalAuthMiddleware(cfg))
	{
		cartGroup.GET("", cartHandler.GetCart)
		cartGroup.GET("/count", cartHandler.GetCartCount)
		cartGroup.GET("/total", cartHandler.GetCartTotal)
		cartGroup.POST("/items", cartHandler.AddToCart)
		cartGroup.PUT("/items/:id", cartHandler.UpdateCartItem)
		cartGroup.DELETE("/items/:id", cartHandler.RemoveFromCart)
		cartGroup.DELETE("", cartHandler.ClearCart)
		cartGroup.POST("/reconcile", cartHandler.Reconcile)
	}

	// Merging needs the user
	rg.POST("/cart/merge", middleware.AuthMiddleware(cfg), cartHandler.MergeGuestCart)

	checkoutGroup := rg.Group("/checkout")
	checkoutGroup.Use(middleware.AuthMiddleware(cfg))
	{
		checkoutGroup.POST("", checkoutHandler.Checkout)
	}
}

// SetupOrderRoutes sets up order related routes
func SetupOrderRoutes(rg *gin.RouterGroup, deps Dependencies, cfg *config.Config) {
	orderHandler := handlers.NewOrderHandler(deps.Orders)

	orders := rg.Group("/orders")
	orders.Use(middleware.AuthMiddleware(cfg))
	{
		orders.GET("", orderHandler.GetOrders)
		orders.GET("/:id", orderHandler.GetOrder)
	}
}

// SetupAdminRoutes sets up admin related routes
func SetupAdminRoutes(rg *gin.RouterGroup, deps Dependencies, cfg *config.Config) {
	inventoryHandler := handlers.NewInventoryHandler(deps.Inventory)

	admin := rg.Group("/admin")
	admin.Use(middleware.AuthMiddleware(cfg))
	admin.Use(middleware.AdminMiddleware())
	{
		stock := admin.Group("/inventory/:product_id/:variant_id")
		{
			stock.GET("", inventoryHandler.GetStock)
			stock.PUT("", inventoryHandler.SetStock)
			stock.POST("/restock", inventoryHandler.Restock)
		}
	}
}
