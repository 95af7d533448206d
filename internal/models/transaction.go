package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAmountImmutable is returned when an update tries to change a recorded amount
var ErrAmountImmutable = errors.New("transaction amount is write-once")

// TransactionType represents the M-Pesa channel a payment arrived through
type TransactionType string

const (
	TransactionTypeSTKPush TransactionType = "STK_PUSH" // Prompt sent to the payer's phone
	TransactionTypeC2B     TransactionType = "C2B"      // Paybill/till payment initiated by the customer
)

// ConfirmationStatus tracks manual admin confirmation of STK payments
type ConfirmationStatus string

const (
	ConfirmationNotRequired ConfirmationStatus = ""
	ConfirmationPending     ConfirmationStatus = "pending"
	ConfirmationConfirmed   ConfirmationStatus = "confirmed"
	ConfirmationRejected    ConfirmationStatus = "rejected"
)

// Transaction represents one payment event reported by M-Pesa
type Transaction struct {
	Base
	TransactionID      string             `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_id"`
	MpesaReceiptNumber string             `gorm:"type:varchar(64);index" json:"mpesa_receipt_number"`
	TransactionType    TransactionType    `gorm:"type:varchar(20);not null" json:"transaction_type"`
	AmountPaid         decimal.Decimal    `gorm:"type:decimal(14,2);not null" json:"amount_paid"`
	PhoneNumber        string             `gorm:"type:varchar(100)" json:"phone_number"`
	CustomerName       string             `gorm:"type:varchar(255)" json:"customer_name"`
	TransactionDate    time.Time          `gorm:"index" json:"transaction_date"`
	BillRefNumber      string             `gorm:"type:varchar(100);index" json:"bill_ref_number,omitempty"`
	CheckoutRequestID  string             `gorm:"type:varchar(100);index" json:"checkout_request_id,omitempty"`
	MerchantRequestID  string             `gorm:"type:varchar(100)" json:"merchant_request_id,omitempty"`
	BusinessShortCode  string             `gorm:"type:varchar(20)" json:"business_short_code,omitempty"`
	IsConnectedToOrder bool               `gorm:"not null;default:false;index" json:"is_connected_to_order"`
	ConnectedOrderID   *uuid.UUID         `gorm:"type:uuid;index" json:"connected_order_id,omitempty"`
	ConnectedAt        *time.Time         `json:"connected_at,omitempty"`
	ConnectedBy        string             `gorm:"type:varchar(255)" json:"connected_by,omitempty"`
	ConfirmationStatus ConfirmationStatus `gorm:"type:varchar(20);index" json:"confirmation_status,omitempty"`
	PendingOrderID     *uuid.UUID         `gorm:"type:uuid;index" json:"pending_order_id,omitempty"`
	Notes              string             `gorm:"type:text" json:"notes,omitempty"`
	RawPayload         datatypes.JSON     `json:"raw_payload,omitempty"`
}

// TableName keeps M-Pesa transactions apart from any other ledger tables
func (Transaction) TableName() string {
	return "mpesa_transactions"
}

// BeforeUpdate rejects any update that rewrites the recorded amount
func (t *Transaction) BeforeUpdate(tx *gorm.DB) error {
	if tx.Statement.Changed("AmountPaid") {
		return ErrAmountImmutable
	}
	return nil
}

// IsPending reports whether the transaction waits for admin confirmation
func (t *Transaction) IsPending() bool {
	return t.ConfirmationStatus == ConfirmationPending
}
