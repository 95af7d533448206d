package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/revaspay/reconciler/internal/services/mpesa"
)

// PaymentIntake processes Daraja notifications
type PaymentIntake interface {
	HandleSTKCallback(ctx context.Context, callback mpesa.STKCallback) error
	ValidateC2B(ctx context.Context, payload mpesa.C2BPayload) mpesa.C2BResponse
	ConfirmC2B(ctx context.Context, payload mpesa.C2BPayload) error
}

// MpesaWebhookHandler handles M-Pesa Daraja callbacks. Daraja only needs an
// acknowledgement, so processing errors are logged and never returned.
type MpesaWebhookHandler struct {
	intake PaymentIntake
	logger *slog.Logger
}

// NewMpesaWebhookHandler creates a new M-Pesa webhook handler
func NewMpesaWebhookHandler(intake PaymentIntake, logger *slog.Logger) *MpesaWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MpesaWebhookHandler{
		intake: intake,
		logger: logger,
	}
}

// STKCallback handles the result of an STK push
func (h *MpesaWebhookHandler) STKCallback(c *gin.Context) {
	var callback mpesa.STKCallback
	if err := c.ShouldBindJSON(&callback); err != nil {
		h.logger.WarnContext(c, "invalid stk callback body", "err", err, "ip", c.ClientIP())
		c.JSON(http.StatusOK, mpesa.Accept())
		return
	}

	// The payment is already taken; finish recording it even if Daraja hangs up
	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.intake.HandleSTKCallback(ctx, callback); err != nil {
		h.logger.ErrorContext(ctx, "stk callback processing failed",
			"checkout_request_id", callback.Body.StkCallback.CheckoutRequestID, "err", err)
	}

	c.JSON(http.StatusOK, mpesa.Accept())
}

// C2BValidation answers Daraja's pre-payment validation request
func (h *MpesaWebhookHandler) C2BValidation(c *gin.Context) {
	var payload mpesa.C2BPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.WarnContext(c, "invalid c2b validation body, accepting", "err", err)
		c.JSON(http.StatusOK, mpesa.Accept())
		return
	}

	resp := h.intake.ValidateC2B(c.Request.Context(), payload)
	if !resp.Accepted() {
		h.logger.InfoContext(c, "c2b payment rejected",
			"trans_id", payload.TransID, "bill_ref", payload.BillRefNumber, "code", resp.ResultCode, "desc", resp.ResultDesc)
	}
	c.JSON(http.StatusOK, resp)
}

// C2BConfirmation records a completed C2B payment
func (h *MpesaWebhookHandler) C2BConfirmation(c *gin.Context) {
	var payload mpesa.C2BPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.logger.WarnContext(c, "invalid c2b confirmation body", "err", err)
		c.JSON(http.StatusOK, mpesa.Accept())
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	if err := h.intake.ConfirmC2B(ctx, payload); err != nil {
		h.logger.ErrorContext(ctx, "c2b confirmation processing failed",
			"trans_id", payload.TransID, "amount", payload.TransAmount.String(), "bill_ref", payload.BillRefNumber, "err", err)
	}

	c.JSON(http.StatusOK, mpesa.Accept())
}
