package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnectRequest links a transaction to an order
type ConnectRequest struct {
	TransactionID string
	OrderID       uuid.UUID
	Actor         string
	// Reconnect allows moving a transaction that is connected elsewhere
	Reconnect bool
	// AllowOverpayment allows a first-time payment against a paid order
	AllowOverpayment bool
	Note             string
}

// ConnectResult describes the state after a connect
type ConnectResult struct {
	Transaction     models.Transaction `json:"transaction"`
	Order           models.Order       `json:"order"`
	Classification  Classification     `json:"classification,omitempty"`
	PreviousOrderID *uuid.UUID         `json:"previous_order_id,omitempty"`
	AlreadyApplied  bool               `json:"already_applied"`
}

// ConfirmRequest confirms a pending STK payment
type ConfirmRequest struct {
	TransactionID    string
	CustomerName     string
	Notes            string
	Actor            string
	AllowOverpayment bool
}

// UpdateTotalRequest changes what an order owes
type UpdateTotalRequest struct {
	OrderID        uuid.UUID
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Actor          string
}

// Applier is the only writer of transaction connection fields and order
// payment fields. Every operation runs in one database transaction with the
// affected rows locked, and order balances are always recomputed from the
// transactions connected at write time.
type Applier struct {
	db       *gorm.DB
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewApplier creates a new applier. notifier and logger may be nil.
func NewApplier(db *gorm.DB, notifier Notifier, logger *slog.Logger) *Applier {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{
		db:       db,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Connect applies a transaction to an order. Connecting a transaction to the
// order it is already connected to is a no-op reported via AlreadyApplied.
func (a *Applier) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	var result *ConnectResult
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := lockTransaction(tx, req.TransactionID)
		if err != nil {
			return err
		}
		// Pending STK payments go through ConfirmPending; rejected ones never count
		if txn.IsPending() {
			return fmt.Errorf("%w: %s", ErrAwaitingConfirmation, txn.TransactionID)
		}
		if txn.ConfirmationStatus == models.ConfirmationRejected {
			return fmt.Errorf("%w: %s", ErrTransactionRejected, txn.TransactionID)
		}
		result, err = a.connectLocked(tx, txn, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logConnect(ctx, result)
	return result, nil
}

// Reconnect moves a transaction to another order in a single database transaction
func (a *Applier) Reconnect(ctx context.Context, transactionID string, newOrderID uuid.UUID, actor string) (*ConnectResult, error) {
	return a.Connect(ctx, ConnectRequest{
		TransactionID: transactionID,
		OrderID:       newOrderID,
		Actor:         actor,
		Reconnect:     true,
	})
}

// ConfirmPending applies a pending STK payment to the order it was initiated for
func (a *Applier) ConfirmPending(ctx context.Context, req ConfirmRequest) (*ConnectResult, error) {
	var result *ConnectResult
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := lockTransaction(tx, req.TransactionID)
		if err != nil {
			return err
		}
		if !txn.IsPending() {
			return fmt.Errorf("%w: %s has status %q", ErrNotPending, txn.TransactionID, txn.ConfirmationStatus)
		}
		if txn.IsConnectedToOrder {
			return fmt.Errorf("%w: %s", ErrAlreadyConnected, txn.TransactionID)
		}
		if txn.PendingOrderID == nil {
			return fmt.Errorf("pending order of %s: %w", txn.TransactionID, ErrNotFound)
		}

		result, err = a.connectLocked(tx, txn, ConnectRequest{
			TransactionID:    txn.TransactionID,
			OrderID:          *txn.PendingOrderID,
			Actor:            req.Actor,
			AllowOverpayment: req.AllowOverpayment,
			Note:             "payment confirmed",
		})
		if err != nil {
			return err
		}

		note := "confirmed"
		if req.Notes != "" {
			note += ": " + req.Notes
		}
		updates := map[string]interface{}{
			"confirmation_status": models.ConfirmationConfirmed,
			"notes":               noteExpr(actorOrSystem(req.Actor), note),
		}
		if req.CustomerName != "" {
			updates["customer_name"] = req.CustomerName
			result.Transaction.CustomerName = req.CustomerName
		}
		if err := tx.Model(&models.Transaction{}).Where("id = ?", txn.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to mark %s confirmed: %w", txn.TransactionID, err)
		}
		result.Transaction.ConfirmationStatus = models.ConfirmationConfirmed
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logConnect(ctx, result)
	a.Notify(ctx, result)
	return result, nil
}

// RejectPending takes a pending STK payment out of the confirmation queue
func (a *Applier) RejectPending(ctx context.Context, transactionID, notes, actor string) (*models.Transaction, error) {
	var txn *models.Transaction
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = lockTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if !txn.IsPending() {
			return fmt.Errorf("%w: %s has status %q", ErrNotPending, txn.TransactionID, txn.ConfirmationStatus)
		}
		if txn.IsConnectedToOrder {
			return fmt.Errorf("%w: %s", ErrAlreadyConnected, txn.TransactionID)
		}

		note := "rejected"
		if notes != "" {
			note += ": " + notes
		}
		err = tx.Model(&models.Transaction{}).Where("id = ?", txn.ID).Updates(map[string]interface{}{
			"confirmation_status": models.ConfirmationRejected,
			"notes":               noteExpr(actorOrSystem(actor), note),
		}).Error
		txn.ConfirmationStatus = models.ConfirmationRejected
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "pending transaction rejected", "transaction_id", transactionID, "actor", actor)
	return txn, nil
}

// RecalculateOrder recomputes one order from its connected transactions and
// reports whether anything changed.
func (a *Applier) RecalculateOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, bool, error) {
	var (
		order   *models.Order
		changed bool
	)
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, orderID)
		if err != nil {
			return err
		}
		changed, err = a.recompute(tx, order)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return order, changed, nil
}

// UpdateOrderTotal writes a new subtotal/discount and recomputes the payment
// state in the same database transaction.
func (a *Applier) UpdateOrderTotal(ctx context.Context, req UpdateTotalRequest) (*models.Order, error) {
	if req.Subtotal.IsNegative() || req.DiscountAmount.IsNegative() {
		return nil, fmt.Errorf("%w: subtotal and discount must not be negative", ErrInvalidAmount)
	}

	var order *models.Order
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, req.OrderID)
		if err != nil {
			return err
		}

		total := OrderTotal(req.Subtotal, req.DiscountAmount)
		err = tx.Model(order).Updates(map[string]interface{}{
			"subtotal":        req.Subtotal,
			"discount_amount": req.DiscountAmount,
			"total_amount":    total,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update total of order %s: %w", order.OrderNumber, err)
		}
		order.Subtotal = req.Subtotal
		order.DiscountAmount = req.DiscountAmount
		order.TotalAmount = total

		_, err = a.recompute(tx, order)
		return err
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "order total updated",
		"order_id", order.ID, "total", order.TotalAmount.String(), "status", order.PaymentStatus, "actor", req.Actor)
	return order, nil
}

// MarkSTKFailed records a terminal STK failure. The order only becomes
// failed when nothing has been paid towards it.
func (a *Applier) MarkSTKFailed(ctx context.Context, orderID uuid.UUID, code, desc string) (*models.Order, error) {
	var order *models.Order
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = lockOrder(tx, orderID)
		if err != nil {
			return err
		}

		connected, err := connectedTransactions(tx, order.ID)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{
			"last_stk_result_code": code,
			"last_stk_result_desc": desc,
		}
		if len(connected) == 0 && order.TotalAmount.IsPositive() {
			updates["payment_status"] = models.PaymentStatusFailed
			updates["payment_failure_code"] = code
			updates["payment_failure_reason"] = desc
			order.PaymentStatus = models.PaymentStatusFailed
			order.PaymentFailureCode = code
			order.PaymentFailureReason = desc
		}
		order.LastSTKResultCode = code
		order.LastSTKResultDesc = desc
		return tx.Model(order).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// RecordSTKProgress stores a non-terminal STK result without touching the status
func (a *Applier) RecordSTKProgress(ctx context.Context, orderID uuid.UUID, code, desc string) error {
	result := a.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", orderID).Updates(map[string]interface{}{
		"last_stk_result_code": code,
		"last_stk_result_desc": desc,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return nil
}

// Notify sends the customer notice for a freshly applied payment. Failures
// are logged only.
func (a *Applier) Notify(ctx context.Context, result *ConnectResult) {
	if result == nil || result.AlreadyApplied {
		return
	}
	notice := noticeFor(result, &result.Transaction)
	if err := a.notifier.NotifyPayment(ctx, notice); err != nil {
		a.logger.WarnContext(ctx, "payment notification failed",
			"transaction_id", result.Transaction.TransactionID, "order_id", result.Order.ID, "err", err)
	}
}

func (a *Applier) connectLocked(tx *gorm.DB, txn *models.Transaction, req ConnectRequest) (*ConnectResult, error) {
	actor := actorOrSystem(req.Actor)
	if !txn.AmountPaid.IsPositive() {
		return nil, fmt.Errorf("%w: transaction %s has amount %s", ErrInvalidAmount, txn.TransactionID, txn.AmountPaid)
	}

	var previous *uuid.UUID
	if txn.IsConnectedToOrder && txn.ConnectedOrderID != nil {
		if *txn.ConnectedOrderID == req.OrderID {
			order, err := lockOrder(tx, req.OrderID)
			if err != nil {
				return nil, err
			}
			return &ConnectResult{Transaction: *txn, Order: *order, AlreadyApplied: true}, nil
		}
		if !req.Reconnect {
			return nil, fmt.Errorf("%w: %s is connected to order %s", ErrAlreadyConnected, txn.TransactionID, txn.ConnectedOrderID)
		}
		prev := *txn.ConnectedOrderID
		previous = &prev
	}

	orders, err := lockOrders(tx, req.OrderID, previous)
	if err != nil {
		return nil, err
	}
	target := orders[req.OrderID]

	if previous != nil {
		if err := a.detachLocked(tx, txn, orders[*previous], actor); err != nil {
			return nil, err
		}
	}

	connected, err := connectedTransactions(tx, target.ID)
	if err != nil {
		return nil, err
	}
	before := DeriveStatus(target.TotalAmount, sumAmounts(connected))
	if previous == nil && !req.AllowOverpayment && before.Status == models.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: order %s", ErrAlreadyPaid, target.OrderNumber)
	}
	classification := Classify(before.RemainingBalance, txn.AmountPaid)

	note := req.Note
	if note == "" {
		note = "connected"
	}
	note = fmt.Sprintf("%s to order %s (%s, %s)", note, target.OrderNumber, classification, txn.AmountPaid.String())

	now := a.now()
	claim := tx.Model(&models.Transaction{}).
		Where("id = ? AND is_connected_to_order = ?", txn.ID, false).
		Updates(map[string]interface{}{
			"is_connected_to_order": true,
			"connected_order_id":    target.ID,
			"connected_at":          now,
			"connected_by":          actor,
			"notes":                 noteExpr(actor, note),
		})
	if claim.Error != nil {
		return nil, fmt.Errorf("failed to claim transaction %s: %w", txn.TransactionID, claim.Error)
	}
	if claim.RowsAffected != 1 {
		return nil, fmt.Errorf("%w: %s was claimed concurrently", ErrAlreadyConnected, txn.TransactionID)
	}

	paidAt := txn.TransactionDate
	if paidAt.IsZero() {
		paidAt = now
	}
	payment := models.OrderPayment{
		OrderID:            target.ID,
		TransactionID:      txn.TransactionID,
		Amount:             txn.AmountPaid,
		PaidAt:             paidAt,
		MpesaReceiptNumber: txn.MpesaReceiptNumber,
		PhoneNumber:        txn.PhoneNumber,
		Method:             string(txn.TransactionType),
	}
	if err := tx.Create(&payment).Error; err != nil {
		return nil, fmt.Errorf("failed to record payment on order %s: %w", target.OrderNumber, err)
	}

	if _, err := a.recompute(tx, target); err != nil {
		return nil, err
	}

	txn.IsConnectedToOrder = true
	txn.ConnectedOrderID = &target.ID
	txn.ConnectedAt = &now
	txn.ConnectedBy = actor

	return &ConnectResult{
		Transaction:     *txn,
		Order:           *target,
		Classification:  classification,
		PreviousOrderID: previous,
	}, nil
}

// detachLocked reverses a connection: the transaction is released, its
// payment record removed and the old order recomputed. oldOrder may be nil
// when the order no longer exists.
func (a *Applier) detachLocked(tx *gorm.DB, txn *models.Transaction, oldOrder *models.Order, actor string) error {
	oldID := *txn.ConnectedOrderID

	note := fmt.Sprintf("disconnected from order %s", oldID)
	if oldOrder != nil {
		note = fmt.Sprintf("disconnected from order %s", oldOrder.OrderNumber)
	}

	release := tx.Model(&models.Transaction{}).
		Where("id = ? AND is_connected_to_order = ? AND connected_order_id = ?", txn.ID, true, oldID).
		Updates(map[string]interface{}{
			"is_connected_to_order": false,
			"connected_order_id":    nil,
			"connected_at":          nil,
			"connected_by":          "",
			"notes":                 noteExpr(actor, note),
		})
	if release.Error != nil {
		return fmt.Errorf("failed to release transaction %s: %w", txn.TransactionID, release.Error)
	}
	if release.RowsAffected != 1 {
		return fmt.Errorf("%w: %s changed concurrently", ErrAlreadyConnected, txn.TransactionID)
	}

	txn.IsConnectedToOrder = false
	txn.ConnectedOrderID = nil
	txn.ConnectedAt = nil
	txn.ConnectedBy = ""

	if oldOrder == nil {
		return nil
	}
	if err := a.removePaymentRecord(tx, oldOrder.ID, txn); err != nil {
		return err
	}
	_, err := a.recompute(tx, oldOrder)
	return err
}

// removePaymentRecord deletes the payment entry matching both receipt and
// amount, so coinciding amounts from other receipts are left alone.
func (a *Applier) removePaymentRecord(tx *gorm.DB, orderID uuid.UUID, txn *models.Transaction) error {
	var payment models.OrderPayment
	query := tx.Where("order_id = ? AND amount = ?", orderID, txn.AmountPaid)
	if txn.MpesaReceiptNumber != "" {
		query = query.Where("mpesa_receipt_number = ?", txn.MpesaReceiptNumber)
	} else {
		query = query.Where("transaction_id = ?", txn.TransactionID)
	}

	err := query.Order("created_at DESC").First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Balances are derived from transactions, so a missing record only
		// affects the payments list.
		a.logger.Warn("no payment record to remove",
			"order_id", orderID, "transaction_id", txn.TransactionID, "receipt", txn.MpesaReceiptNumber)
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Delete(&payment).Error
}

// recompute derives the payment fields of order from the transactions
// connected to it and writes them only when they differ.
func (a *Applier) recompute(tx *gorm.DB, order *models.Order) (bool, error) {
	connected, err := connectedTransactions(tx, order.ID)
	if err != nil {
		return false, err
	}

	paid := sumAmounts(connected)
	derived := DeriveStatus(order.TotalAmount, paid)

	status := derived.Status
	if order.PaymentStatus == models.PaymentStatusFailed && paid.IsZero() && order.TotalAmount.IsPositive() {
		status = models.PaymentStatusFailed
	}

	method := order.PaymentMethod
	if len(connected) > 0 {
		method = string(connected[0].TransactionType)
	}

	paidAt := order.PaidAt
	if status == models.PaymentStatusPaid {
		if paidAt == nil {
			now := a.now()
			paidAt = &now
		}
	} else {
		paidAt = nil
	}

	updates := map[string]interface{}{}
	if order.PaymentStatus != status {
		updates["payment_status"] = status
	}
	if !order.AmountPaid.Equal(derived.AmountPaid) {
		updates["amount_paid"] = derived.AmountPaid
	}
	if !order.RemainingBalance.Equal(derived.RemainingBalance) {
		updates["remaining_balance"] = derived.RemainingBalance
	}
	if !order.ExcessAmount.Equal(derived.Excess) {
		updates["excess_amount"] = derived.Excess
	}
	if order.PaymentMethod != method {
		updates["payment_method"] = method
	}
	if (order.PaidAt == nil) != (paidAt == nil) {
		updates["paid_at"] = paidAt
	}
	if len(updates) == 0 {
		return false, nil
	}

	if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("failed to update order %s: %w", order.OrderNumber, err)
	}

	order.PaymentStatus = status
	order.AmountPaid = derived.AmountPaid
	order.RemainingBalance = derived.RemainingBalance
	order.ExcessAmount = derived.Excess
	order.PaymentMethod = method
	order.PaidAt = paidAt
	return true, nil
}

func (a *Applier) logConnect(ctx context.Context, result *ConnectResult) {
	if result.AlreadyApplied {
		a.logger.InfoContext(ctx, "transaction already connected to order",
			"transaction_id", result.Transaction.TransactionID, "order_id", result.Order.ID)
		return
	}
	a.logger.InfoContext(ctx, "transaction connected",
		"transaction_id", result.Transaction.TransactionID,
		"order_id", result.Order.ID,
		"order_number", result.Order.OrderNumber,
		"classification", result.Classification,
		"status", result.Order.PaymentStatus,
		"remaining", result.Order.RemainingBalance.String(),
		"reconnected", result.PreviousOrderID != nil)
}

func lockTransaction(tx *gorm.DB, transactionID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", transactionID).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
		}
		return nil, err
	}
	return &txn, nil
}

func lockOrder(tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", orderID).Error
	return orderOrNotFound(&order, err, orderID.String())
}

// lockOrders locks the target and, when re-pointing, the previous order in
// id order so two opposite reconnects cannot deadlock. A previous order
// that no longer exists is skipped.
func lockOrders(tx *gorm.DB, target uuid.UUID, previous *uuid.UUID) (map[uuid.UUID]*models.Order, error) {
	ids := []uuid.UUID{target}
	if previous != nil {
		ids = append(ids, *previous)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	locked := make(map[uuid.UUID]*models.Order, len(ids))
	for _, id := range ids {
		order, err := lockOrder(tx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) && id != target {
				continue
			}
			return nil, err
		}
		locked[id] = order
	}
	return locked, nil
}

func connectedTransactions(tx *gorm.DB, orderID uuid.UUID) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := tx.Where("connected_order_id = ? AND is_connected_to_order = ?", orderID, true).
		Order("connected_at DESC").
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions of order %s: %w", orderID, err)
	}
	return txns, nil
}

func sumAmounts(txns []models.Transaction) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range txns {
		sum = sum.Add(t.AmountPaid)
	}
	return sum
}

func actorOrSystem(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}
