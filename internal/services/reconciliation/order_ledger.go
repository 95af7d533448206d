package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NewOrderInput carries the payment-relevant fields of a new order
type NewOrderInput struct {
	OrderNumber    string          `json:"order_number" binding:"required"`
	CustomerName   string          `json:"customer_name"`
	CustomerPhone  string          `json:"customer_phone"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
}

// LedgerRecord is one flat row of the payment ledger export
type LedgerRecord struct {
	OrderNumber        string               `json:"order_number"`
	CustomerName       string               `json:"customer_name"`
	OrderTotal         decimal.Decimal      `json:"order_total"`
	PaymentStatus      models.PaymentStatus `json:"payment_status"`
	RemainingBalance   decimal.Decimal      `json:"remaining_balance"`
	TransactionID      string               `json:"transaction_id"`
	MpesaReceiptNumber string               `json:"mpesa_receipt_number"`
	Amount             decimal.Decimal      `json:"amount"`
	PaidAt             time.Time            `json:"paid_at"`
	PhoneNumber        string               `json:"phone_number"`
	Method             string               `json:"method"`
}

// OrderLedger reads orders and writes their non-payment fields. Payment
// fields are only written by the Applier.
type OrderLedger struct {
	db *gorm.DB
}

// NewOrderLedger creates a new order ledger
func NewOrderLedger(db *gorm.DB) *OrderLedger {
	return &OrderLedger{db: db}
}

// Create stores a new unpaid order
func (l *OrderLedger) Create(ctx context.Context, input NewOrderInput) (*models.Order, error) {
	number := strings.TrimSpace(input.OrderNumber)
	if number == "" {
		return nil, fmt.Errorf("order number is required")
	}
	if input.Subtotal.IsNegative() || input.DiscountAmount.IsNegative() {
		return nil, fmt.Errorf("%w: subtotal and discount must not be negative", ErrInvalidAmount)
	}

	total := OrderTotal(input.Subtotal, input.DiscountAmount)
	derived := DeriveStatus(total, decimal.Zero)

	order := &models.Order{
		OrderNumber:      number,
		CustomerName:     input.CustomerName,
		CustomerPhone:    input.CustomerPhone,
		Subtotal:         input.Subtotal,
		DiscountAmount:   input.DiscountAmount,
		TotalAmount:      total,
		PaymentStatus:    derived.Status,
		AmountPaid:       derived.AmountPaid,
		RemainingBalance: derived.RemainingBalance,
		ExcessAmount:     derived.Excess,
	}
	if derived.Status == models.PaymentStatusPaid {
		now := time.Now()
		order.PaidAt = &now
	}
	if err := l.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order %s: %w", number, err)
	}
	return order, nil
}

// Get loads an order with its payment records
func (l *OrderLedger) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := l.db.WithContext(ctx).
		Preload("Payments", func(db *gorm.DB) *gorm.DB { return db.Order("paid_at ASC") }).
		First(&order, "id = ?", id).Error
	return orderOrNotFound(&order, err, id.String())
}

// GetByNumber finds an order by its human-facing number, ignoring case
func (l *OrderLedger) GetByNumber(ctx context.Context, number string) (*models.Order, error) {
	return findByNumber(l.db.WithContext(ctx), number)
}

// GetByCheckoutRequestID finds the order an STK prompt was sent for
func (l *OrderLedger) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Order, error) {
	return findByCheckout(l.db.WithContext(ctx), checkoutRequestID)
}

// AttachCheckout stores the Daraja ids of a prompt sent for the order
func (l *OrderLedger) AttachCheckout(ctx context.Context, orderID uuid.UUID, checkoutRequestID, merchantRequestID string) error {
	result := l.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", orderID).Updates(map[string]interface{}{
		"checkout_request_id": checkoutRequestID,
		"merchant_request_id": merchantRequestID,
		"payment_method":      string(models.TransactionTypeSTKPush),
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	return nil
}

// Export flattens payment records into ledger rows, optionally bounded by payment date
func (l *OrderLedger) Export(ctx context.Context, from, to time.Time) ([]LedgerRecord, error) {
	var orders []models.Order
	err := l.db.WithContext(ctx).
		Preload("Payments", func(db *gorm.DB) *gorm.DB {
			if !from.IsZero() {
				db = db.Where("paid_at >= ?", from)
			}
			if !to.IsZero() {
				db = db.Where("paid_at < ?", to)
			}
			return db.Order("paid_at ASC")
		}).
		Where("amount_paid > ?", 0).
		Order("order_number ASC").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}

	records := make([]LedgerRecord, 0, len(orders))
	for _, order := range orders {
		for _, p := range order.Payments {
			records = append(records, LedgerRecord{
				OrderNumber:        order.OrderNumber,
				CustomerName:       order.CustomerName,
				OrderTotal:         order.TotalAmount,
				PaymentStatus:      order.PaymentStatus,
				RemainingBalance:   order.RemainingBalance,
				TransactionID:      p.TransactionID,
				MpesaReceiptNumber: p.MpesaReceiptNumber,
				Amount:             p.Amount,
				PaidAt:             p.PaidAt,
				PhoneNumber:        p.PhoneNumber,
				Method:             p.Method,
			})
		}
	}
	return records, nil
}

func findByNumber(db *gorm.DB, number string) (*models.Order, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, fmt.Errorf("empty order number: %w", ErrNotFound)
	}
	var order models.Order
	err := db.Where("UPPER(order_number) = ?", strings.ToUpper(number)).First(&order).Error
	return orderOrNotFound(&order, err, number)
}

func findByCheckout(db *gorm.DB, checkoutRequestID string) (*models.Order, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return nil, fmt.Errorf("empty checkout request id: %w", ErrNotFound)
	}
	var order models.Order
	err := db.Where("checkout_request_id = ?", checkoutRequestID).First(&order).Error
	return orderOrNotFound(&order, err, checkoutRequestID)
}

func orderOrNotFound(order *models.Order, err error, key string) (*models.Order, error) {
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("order %s: %w", key, ErrNotFound)
		}
		return nil, err
	}
	return order, nil
}
