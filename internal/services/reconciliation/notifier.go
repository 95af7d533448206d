package reconciliation

import (
	"context"

	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
)

// PaymentNotice is what the customer is told after a payment is applied
type PaymentNotice struct {
	OrderID          string               `json:"order_id"`
	OrderNumber      string               `json:"order_number"`
	CustomerName     string               `json:"customer_name"`
	PhoneNumber      string               `json:"phone_number"`
	Amount           decimal.Decimal      `json:"amount"`
	ReceiptNumber    string               `json:"receipt_number"`
	RemainingBalance decimal.Decimal      `json:"remaining_balance"`
	Status           models.PaymentStatus `json:"status"`
}

// Notifier hands a notice to the customer messaging pipeline. It is called
// only after the financial write is committed; an error is logged and never
// undoes the payment.
type Notifier interface {
	NotifyPayment(ctx context.Context, notice PaymentNotice) error
}

type nopNotifier struct{}

func (nopNotifier) NotifyPayment(context.Context, PaymentNotice) error { return nil }

func noticeFor(result *ConnectResult, txn *models.Transaction) PaymentNotice {
	phone := result.Order.CustomerPhone
	if phone == "" {
		phone = txn.PhoneNumber
	}
	name := result.Order.CustomerName
	if name == "" {
		name = txn.CustomerName
	}
	return PaymentNotice{
		OrderID:          result.Order.ID.String(),
		OrderNumber:      result.Order.OrderNumber,
		CustomerName:     name,
		PhoneNumber:      phone,
		Amount:           txn.AmountPaid,
		ReceiptNumber:    txn.MpesaReceiptNumber,
		RemainingBalance: result.Order.RemainingBalance,
		Status:           result.Order.PaymentStatus,
	}
}
