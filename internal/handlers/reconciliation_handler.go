package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/models"
	"github.com/revaspay/reconciler/internal/security/audit"
	"github.com/revaspay/reconciler/internal/services/reconciliation"
	"github.com/shopspring/decimal"
)

// ReconciliationService is the admin reconciliation API
type ReconciliationService interface {
	ListTransactions(ctx context.Context, filter reconciliation.TransactionFilter) ([]models.Transaction, int64, error)
	GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	Stats(ctx context.Context) (*reconciliation.TransactionStats, error)
	CreateOrder(ctx context.Context, input reconciliation.NewOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	Connect(ctx context.Context, transactionID string, orderID uuid.UUID, actor string) (*reconciliation.ConnectResult, error)
	Reconnect(ctx context.Context, transactionID string, orderID uuid.UUID, actor string) (*reconciliation.ConnectResult, error)
	ConnectByAmount(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, actor string) (*reconciliation.ConnectResult, error)
	ConfirmPending(ctx context.Context, req reconciliation.ConfirmRequest) (*reconciliation.ConnectResult, error)
	RejectPending(ctx context.Context, transactionID, notes, actor string) (*models.Transaction, error)
	RecalculateAll(ctx context.Context) (*reconciliation.SweepReport, error)
	UpdateOrderTotal(ctx context.Context, req reconciliation.UpdateTotalRequest) (*models.Order, error)
	ExportLedger(ctx context.Context, from, to time.Time) ([]reconciliation.LedgerRecord, error)
	InitiateSTKPush(ctx context.Context, orderID uuid.UUID, phone string, amount decimal.Decimal) (*reconciliation.STKInitiation, error)
	QuerySTKStatus(ctx context.Context, orderID uuid.UUID) (*reconciliation.STKStatus, error)
}

// AuditLogger records admin actions
type AuditLogger interface {
	Log(ctx context.Context, event audit.Event) error
	GetTargetLogs(ctx context.Context, target string, limit int) ([]audit.AuditLog, error)
}

// ReconciliationHandler handles admin reconciliation requests
type ReconciliationHandler struct {
	service ReconciliationService
	audit   AuditLogger
}

// NewReconciliationHandler creates a new reconciliation handler
func NewReconciliationHandler(service ReconciliationService, auditLogger AuditLogger) *ReconciliationHandler {
	return &ReconciliationHandler{
		service: service,
		audit:   auditLogger,
	}
}

type orderRef struct {
	OrderID string `json:"order_id" binding:"required"`
}

type confirmBody struct {
	CustomerName     string `json:"customer_name"`
	Notes            string `json:"notes"`
	AllowOverpayment bool   `json:"allow_overpayment"`
}

type amountBody struct {
	Amount decimal.Decimal `json:"amount"`
}

type totalBody struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

type stkPushBody struct {
	PhoneNumber string          `json:"phone_number"`
	Amount      decimal.Decimal `json:"amount"`
}

// ListTransactions lists transactions with a state filter and the stats summary
func (h *ReconciliationHandler) ListTransactions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	filter := reconciliation.TransactionFilter{
		State:  c.Query("state"),
		Type:   models.TransactionType(c.Query("type")),
		Search: c.Query("search"),
		Limit:  limit,
		Offset: offset,
	}

	txns, total, err := h.service.ListTransactions(c, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := h.service.Stats(c)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"stats":        stats,
		"pagination": gin.H{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

// GetTransaction returns one transaction with its audit trail
func (h *ReconciliationHandler) GetTransaction(c *gin.Context) {
	txn, err := h.service.GetTransaction(c, c.Param("transaction_id"))
	if err != nil {
		respondError(c, err)
		return
	}

	logs, err := h.audit.GetTargetLogs(c, txn.TransactionID, 50)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn, "audit": logs})
}

// Connect applies a transaction to an order
func (h *ReconciliationHandler) Connect(c *gin.Context) {
	h.connect(c, "connect", h.service.Connect)
}

// Reconnect moves a transaction to another order
func (h *ReconciliationHandler) Reconnect(c *gin.Context) {
	h.connect(c, "reconnect", h.service.Reconnect)
}

func (h *ReconciliationHandler) connect(c *gin.Context, action string,
	apply func(context.Context, string, uuid.UUID, string) (*reconciliation.ConnectResult, error)) {
	var body orderRef
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "order_id is required"})
		return
	}
	orderID, err := uuid.Parse(body.OrderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order ID"})
		return
	}

	transactionID := c.Param("transaction_id")
	result, err := apply(c, transactionID, orderID, c.GetString("actor"))
	h.record(c, action, transactionID, err, gin.H{"order_id": orderID})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// ConfirmPending confirms a pending STK payment
func (h *ReconciliationHandler) ConfirmPending(c *gin.Context) {
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	transactionID := c.Param("transaction_id")
	result, err := h.service.ConfirmPending(c, reconciliation.ConfirmRequest{
		TransactionID:    transactionID,
		CustomerName:     body.CustomerName,
		Notes:            body.Notes,
		Actor:            c.GetString("actor"),
		AllowOverpayment: body.AllowOverpayment,
	})
	h.record(c, "confirm_pending", transactionID, err, gin.H{"notes": body.Notes})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// RejectPending rejects a pending STK payment
func (h *ReconciliationHandler) RejectPending(c *gin.Context) {
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	transactionID := c.Param("transaction_id")
	txn, err := h.service.RejectPending(c, transactionID, body.Notes, c.GetString("actor"))
	h.record(c, "reject_pending", transactionID, err, gin.H{"notes": body.Notes})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

// CreateOrder registers an order that payments can be applied to
func (h *ReconciliationHandler) CreateOrder(c *gin.Context) {
	var input reconciliation.NewOrderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.service.CreateOrder(c, input)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// GetOrder returns an order with its payment records
func (h *ReconciliationHandler) GetOrder(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	order, err := h.service.GetOrder(c, orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// ConnectByAmount connects the single unconnected transaction of the given amount
func (h *ReconciliationHandler) ConnectByAmount(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}
	var body amountBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	result, err := h.service.ConnectByAmount(c, orderID, body.Amount, c.GetString("actor"))
	target := orderID.String()
	if result != nil {
		target = result.Transaction.TransactionID
	}
	h.record(c, "connect_by_amount", target, err, gin.H{"order_id": orderID, "amount": body.Amount.String()})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// UpdateOrderTotal changes the subtotal/discount of an order
func (h *ReconciliationHandler) UpdateOrderTotal(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}
	var body totalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	order, err := h.service.UpdateOrderTotal(c, reconciliation.UpdateTotalRequest{
		OrderID:        orderID,
		Subtotal:       body.Subtotal,
		DiscountAmount: body.DiscountAmount,
		Actor:          c.GetString("actor"),
	})
	h.record(c, "update_order_total", orderID.String(), err,
		gin.H{"subtotal": body.Subtotal.String(), "discount_amount": body.DiscountAmount.String()})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, order)
}

// InitiateSTKPush prompts the customer's phone for payment
func (h *ReconciliationHandler) InitiateSTKPush(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}
	var body stkPushBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	initiation, err := h.service.InitiateSTKPush(c, orderID, body.PhoneNumber, body.Amount)
	h.record(c, "stk_push", orderID.String(), err, gin.H{"amount": body.Amount.String()})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, initiation)
}

// QuerySTKStatus asks Daraja about the last STK push of an order
func (h *ReconciliationHandler) QuerySTKStatus(c *gin.Context) {
	orderID, ok := orderParam(c)
	if !ok {
		return
	}

	status, err := h.service.QuerySTKStatus(c, orderID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// RecalculateAll runs the recalculation sweep now
func (h *ReconciliationHandler) RecalculateAll(c *gin.Context) {
	report, err := h.service.RecalculateAll(c)
	meta := gin.H{}
	if report != nil {
		meta = gin.H{"scanned": report.Scanned, "updated": report.Updated, "failed": report.Failed}
	}
	h.record(c, "recalculate_all", "orders", err, meta)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// ExportLedger returns the payment ledger as flat records
func (h *ReconciliationHandler) ExportLedger(c *gin.Context) {
	from, err := parseDate(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
		return
	}
	to, err := parseDate(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
		return
	}

	records, err := h.service.ExportLedger(c, from, to)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// record writes an audit entry. Audit failures do not fail the request.
func (h *ReconciliationHandler) record(c *gin.Context, action, target string, err error, meta gin.H) {
	event := audit.Event{
		Type:        audit.EventTypeReconciliation,
		Severity:    audit.SeverityInfo,
		Action:      action,
		Target:      target,
		Description: fmt.Sprintf("%s %s", action, target),
		Success:     err == nil,
		Metadata:    meta,
	}
	if err != nil {
		event.Severity = audit.SeverityWarning
		event.Description = fmt.Sprintf("%s %s failed: %v", action, target, err)
	}
	if logErr := h.audit.Log(c, event); logErr != nil {
		_ = c.Error(logErr)
	}
}

// respondError maps reconciliation errors onto HTTP responses
func respondError(c *gin.Context, err error) {
	var ambiguous *reconciliation.AmbiguousMatchError
	switch {
	case errors.As(err, &ambiguous):
		c.JSON(http.StatusConflict, gin.H{
			"error":      err.Error(),
			"candidates": ambiguous.Candidates,
		})
	case errors.Is(err, reconciliation.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, reconciliation.ErrAlreadyConnected),
		errors.Is(err, reconciliation.ErrAlreadyPaid),
		errors.Is(err, reconciliation.ErrNotPending),
		errors.Is(err, reconciliation.ErrAwaitingConfirmation),
		errors.Is(err, reconciliation.ErrTransactionRejected):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, reconciliation.ErrInvalidAmount),
		errors.Is(err, reconciliation.ErrInvalidCallbackURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, reconciliation.ErrProviderRejected):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, reconciliation.ErrProviderTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func orderParam(c *gin.Context) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order ID"})
		return uuid.Nil, false
	}
	return orderID, true
}

// parseDate accepts RFC3339 timestamps and plain YYYY-MM-DD dates
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", value)
}
