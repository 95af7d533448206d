package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSweepRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, "ORD-8001", "1500")
	f.txn(t, "QMA1", "1000")
	_, err := f.applier.Connect(ctx, ConnectRequest{TransactionID: "QMA1", OrderID: order.ID})
	require.NoError(t, err)

	// Simulate a write that bypassed the applier
	require.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", order.ID).UpdateColumns(map[string]interface{}{
		"payment_status":    models.PaymentStatusPaid,
		"amount_paid":       amt("1500"),
		"remaining_balance": amt("0"),
	}).Error)

	report, err := f.sweeper.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Updated)
	assert.Zero(t, report.Failed)

	stored := f.reload(t, order.ID)
	assert.Equal(t, models.PaymentStatusPartial, stored.PaymentStatus)
	assert.True(t, stored.AmountPaid.Equal(amt("1000")))
	assert.True(t, stored.RemainingBalance.Equal(amt("500")))
	f.assertConserved(t, order.ID)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sweeper.batchSize = 2

	for i := 0; i < 5; i++ {
		order := f.order(t, fmt.Sprintf("ORD-81%02d", i), "1000")
		id := fmt.Sprintf("QMB%d", i)
		f.txn(t, id, fmt.Sprintf("%d", 400+i*200))
		_, err := f.applier.Connect(ctx, ConnectRequest{TransactionID: id, OrderID: order.ID})
		require.NoError(t, err)
	}
	failed := f.order(t, "ORD-8199", "1000")
	_, err := f.applier.MarkSTKFailed(ctx, failed.ID, "1037", "timeout")
	require.NoError(t, err)

	first, err := f.sweeper.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, first.Scanned)
	assert.Zero(t, first.Updated)

	second, err := f.sweeper.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Updated)
	assert.Equal(t, models.PaymentStatusFailed, f.reload(t, failed.ID).PaymentStatus)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.order(t, "ORD-8201", "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.sweeper.RecalculateAll(ctx)
	assert.Error(t, err)
}

func TestSweepCollectsPerOrderErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sweeper.batchSize = 1

	drifted := f.order(t, "ORD-8301", "1000")
	f.txn(t, "QMD1", "600")
	_, err := f.applier.Connect(ctx, ConnectRequest{TransactionID: "QMD1", OrderID: drifted.ID})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.Order{}).Where("id = ?", drifted.ID).
		UpdateColumn("amount_paid", amt("0")).Error)

	broken := f.order(t, "ORD-8302", "1000")

	// Fail the row lock for one order only
	require.NoError(t, f.db.Callback().Query().Before("gorm:query").Register("test:fail_order_lock", func(db *gorm.DB) {
		if _, locking := db.Statement.Clauses["FOR"]; !locking {
			return
		}
		for _, v := range db.Statement.Vars {
			if id, ok := v.(uuid.UUID); ok && id == broken.ID {
				_ = db.AddError(errors.New("order row unavailable"))
			}
		}
	}))

	report, err := f.sweeper.RecalculateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Scanned)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, broken.ID, report.Errors[0].OrderID)
	assert.Equal(t, "ORD-8302", report.Errors[0].OrderNumber)
	assert.Contains(t, report.Errors[0].Error, "order row unavailable")

	stored := f.reload(t, drifted.ID)
	assert.True(t, stored.AmountPaid.Equal(amt("600")))
	assert.Equal(t, models.PaymentStatusPartial, stored.PaymentStatus)
	f.assertConserved(t, drifted.ID)
}
