package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/revaspay/reconciler/internal/handlers"
)

// RegisterWebhookRoutes registers the Daraja callback endpoints (no authentication)
func RegisterWebhookRoutes(router *gin.Engine, handler *handlers.MpesaWebhookHandler) {
	mpesa := router.Group("/api/v1/mpesa")
	{
		mpesa.POST("/stk/callback", handler.STKCallback)
		mpesa.POST("/c2b/validation", handler.C2BValidation)
		mpesa.POST("/c2b/confirmation", handler.C2BConfirmation)
	}
}
