package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/revaspay/reconciler/internal/handlers"
	"github.com/revaspay/reconciler/internal/middleware"
)

// AdminRouteOptions configures the admin API group
type AdminRouteOptions struct {
	JWTSecret   string
	RateLimiter *middleware.RateLimiter
	UseHSTS     bool
}

// RegisterAdminRoutes registers the reconciliation admin API
func RegisterAdminRoutes(router *gin.Engine, handler *handlers.ReconciliationHandler, opts AdminRouteOptions) {
	admin := router.Group("/api/v1/admin")
	admin.Use(middleware.SecureHeadersMiddleware(opts.UseHSTS))
	if opts.RateLimiter != nil {
		admin.Use(opts.RateLimiter.Middleware())
	}
	admin.Use(middleware.AuthMiddleware(opts.JWTSecret), middleware.AdminMiddleware())
	{
		transactions := admin.Group("/transactions")
		{
			transactions.GET("", handler.ListTransactions)
			transactions.GET("/:transaction_id", handler.GetTransaction)
			transactions.POST("/:transaction_id/connect", handler.Connect)
			transactions.POST("/:transaction_id/reconnect", handler.Reconnect)
			transactions.POST("/:transaction_id/confirm", handler.ConfirmPending)
			transactions.POST("/:transaction_id/reject", handler.RejectPending)
		}

		orders := admin.Group("/orders")
		{
			orders.POST("", handler.CreateOrder)
			orders.GET("/:id", handler.GetOrder)
			orders.PUT("/:id/total", handler.UpdateOrderTotal)
			orders.POST("/:id/connect-by-amount", handler.ConnectByAmount)
			orders.POST("/:id/stk-push", handler.InitiateSTKPush)
			orders.GET("/:id/stk-status", handler.QuerySTKStatus)
		}

		reconciliation := admin.Group("/reconciliation")
		{
			reconciliation.POST("/recalculate", handler.RecalculateAll)
			reconciliation.GET("/export", handler.ExportLedger)
		}
	}
}

// RegisterHealthRoutes registers the liveness probe
func RegisterHealthRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
