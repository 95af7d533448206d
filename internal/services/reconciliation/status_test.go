package reconciliation

import (
	"testing"

	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name      string
		total     string
		paid      string
		status    models.PaymentStatus
		remaining string
		excess    string
	}{
		{"nothing paid", "1500", "0", models.PaymentStatusUnpaid, "1500", "0"},
		{"exact", "1500", "1500", models.PaymentStatusPaid, "0", "0"},
		{"partial", "1500", "1000", models.PaymentStatusPartial, "500", "0"},
		{"overpaid", "1500", "2000", models.PaymentStatusPaid, "0", "500"},
		{"zero total", "0", "0", models.PaymentStatusPaid, "0", "0"},
		{"cents", "99.99", "99.98", models.PaymentStatusPartial, "0.01", "0"},
		{"negative total clamps", "-5", "0", models.PaymentStatusPaid, "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(d(tt.total), d(tt.paid))
			assert.Equal(t, tt.status, got.Status)
			assert.True(t, got.RemainingBalance.Equal(d(tt.remaining)), "remaining %s", got.RemainingBalance)
			assert.True(t, got.Excess.Equal(d(tt.excess)), "excess %s", got.Excess)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassificationExact, Classify(d("1500"), d("1500")))
	assert.Equal(t, ClassificationPartial, Classify(d("1500"), d("1000")))
	assert.Equal(t, ClassificationOver, Classify(d("1500"), d("2000")))

	// Second instalment is judged against what is still owed, not the total
	assert.Equal(t, ClassificationExact, Classify(d("500"), d("500")))
}

func TestOrderTotal(t *testing.T) {
	assert.True(t, OrderTotal(d("1500"), d("200")).Equal(d("1300")))
	assert.True(t, OrderTotal(d("100"), d("250")).IsZero())
}
