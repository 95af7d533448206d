package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents how much of an order has been paid
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	PaymentStatusPartial PaymentStatus = "partial"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed" // terminal STK failure while nothing is paid
)

// Order is the payment-relevant view of a customer order
type Order struct {
	Base
	OrderNumber          string          `gorm:"type:varchar(50);uniqueIndex;not null" json:"order_number"`
	CustomerName         string          `gorm:"type:varchar(255)" json:"customer_name"`
	CustomerPhone        string          `gorm:"type:varchar(20)" json:"customer_phone"`
	Subtotal             decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"subtotal"`
	DiscountAmount       decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"discount_amount"`
	TotalAmount          decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"total_amount"`
	PaymentStatus        PaymentStatus   `gorm:"type:varchar(20);not null;default:'unpaid';index" json:"payment_status"`
	AmountPaid           decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"amount_paid"`
	RemainingBalance     decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"remaining_balance"`
	ExcessAmount         decimal.Decimal `gorm:"type:decimal(14,2);not null;default:0" json:"excess_amount"`
	PaymentMethod        string          `gorm:"type:varchar(20)" json:"payment_method,omitempty"`
	CheckoutRequestID    string          `gorm:"type:varchar(100);index" json:"checkout_request_id,omitempty"`
	MerchantRequestID    string          `gorm:"type:varchar(100)" json:"merchant_request_id,omitempty"`
	LastSTKResultCode    string          `gorm:"type:varchar(20)" json:"last_stk_result_code,omitempty"`
	LastSTKResultDesc    string          `gorm:"type:varchar(255)" json:"last_stk_result_desc,omitempty"`
	PaymentFailureCode   string          `gorm:"type:varchar(20)" json:"payment_failure_code,omitempty"`
	PaymentFailureReason string          `gorm:"type:varchar(255)" json:"payment_failure_reason,omitempty"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
	Payments             []OrderPayment  `gorm:"foreignKey:OrderID" json:"payments,omitempty"`
}

// OrderPayment is one entry of an order's received-payments list
type OrderPayment struct {
	Base
	OrderID            uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	TransactionID      string          `gorm:"type:varchar(64);index" json:"transaction_id"`
	Amount             decimal.Decimal `gorm:"type:decimal(14,2);not null" json:"amount"`
	PaidAt             time.Time       `json:"paid_at"`
	MpesaReceiptNumber string          `gorm:"type:varchar(64);index" json:"mpesa_receipt_number"`
	PhoneNumber        string          `gorm:"type:varchar(100)" json:"phone_number"`
	Method             string          `gorm:"type:varchar(20)" json:"method"`
}
