package reconciliation

import (
	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
)

// Derived is the payment state implied by an order total and the sum of
// the transactions connected to it.
type Derived struct {
	Status           models.PaymentStatus
	AmountPaid       decimal.Decimal
	RemainingBalance decimal.Decimal
	Excess           decimal.Decimal
}

// DeriveStatus is the single source of truth for order payment state.
// An order with a zero total counts as paid.
func DeriveStatus(total, paidSum decimal.Decimal) Derived {
	if total.IsNegative() {
		total = decimal.Zero
	}
	if paidSum.IsNegative() {
		paidSum = decimal.Zero
	}

	d := Derived{
		AmountPaid:       paidSum,
		RemainingBalance: decimal.Max(decimal.Zero, total.Sub(paidSum)),
		Excess:           decimal.Max(decimal.Zero, paidSum.Sub(total)),
	}

	switch {
	case d.RemainingBalance.IsZero():
		d.Status = models.PaymentStatusPaid
	case paidSum.IsZero():
		d.Status = models.PaymentStatusUnpaid
	default:
		d.Status = models.PaymentStatusPartial
	}
	return d
}

// OrderTotal applies a locked-in discount to a subtotal
func OrderTotal(subtotal, discount decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, subtotal.Sub(discount))
}

// Classification describes how a payment relates to what was outstanding
type Classification string

const (
	ClassificationExact   Classification = "exact"
	ClassificationPartial Classification = "partial"
	ClassificationOver    Classification = "over"
)

// Classify compares a payment against the order's current outstanding balance
func Classify(outstanding, amount decimal.Decimal) Classification {
	switch amount.Cmp(outstanding) {
	case 0:
		return ClassificationExact
	case -1:
		return ClassificationPartial
	default:
		return ClassificationOver
	}
}
