package reconciliation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/database/migrations"
	"github.com/revaspay/reconciler/internal/models"
	"github.com/revaspay/reconciler/internal/services/mpesa"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a private in-memory database. A single connection makes
// concurrent callers queue on the store the way row locks would serialise
// them on Postgres.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, migrations.RunMigrations(db))
	return db
}

type fixture struct {
	db       *gorm.DB
	txns     *TransactionStore
	orders   *OrderLedger
	applier  *Applier
	matcher  *Matcher
	sweeper  *Sweeper
	notifier *MockNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	notifier := &MockNotifier{}
	txns := NewTransactionStore(db)
	applier := NewApplier(db, notifier, nil)
	return &fixture{
		db:       db,
		txns:     txns,
		orders:   NewOrderLedger(db),
		applier:  applier,
		matcher:  NewMatcher(db, txns, applier),
		sweeper:  NewSweeper(db, applier, nil),
		notifier: notifier,
	}
}

func (f *fixture) order(t *testing.T, number, total string) *models.Order {
	t.Helper()
	order, err := f.orders.Create(context.Background(), NewOrderInput{
		OrderNumber:   number,
		CustomerName:  "Test Customer",
		CustomerPhone: "254700000001",
		Subtotal:      decimal.RequireFromString(total),
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) txn(t *testing.T, id, amount string, opts ...func(*models.Transaction)) *models.Transaction {
	t.Helper()
	txn := &models.Transaction{
		TransactionID:      id,
		MpesaReceiptNumber: id,
		TransactionType:    models.TransactionTypeC2B,
		AmountPaid:         decimal.RequireFromString(amount),
		PhoneNumber:        "254700000002",
		TransactionDate:    time.Now(),
	}
	for _, opt := range opts {
		opt(txn)
	}
	stored, created, err := f.txns.Record(context.Background(), txn)
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *models.Order {
	t.Helper()
	order, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (f *fixture) reloadTxn(t *testing.T, id string) *models.Transaction {
	t.Helper()
	txn, err := f.txns.Get(context.Background(), id)
	require.NoError(t, err)
	return txn
}

// assertConserved checks remaining == max(0, total - sum of connected amounts)
func (f *fixture) assertConserved(t *testing.T, orderID uuid.UUID) {
	t.Helper()
	order := f.reload(t, orderID)

	var connected []models.Transaction
	require.NoError(t, f.db.Where("connected_order_id = ? AND is_connected_to_order = ?", orderID, true).Find(&connected).Error)
	expected := decimal.Max(decimal.Zero, order.TotalAmount.Sub(sumAmounts(connected)))

	require.True(t, order.RemainingBalance.Equal(expected),
		"order %s remaining %s, expected %s", order.OrderNumber, order.RemainingBalance, expected)
}

func withPendingOrder(orderID uuid.UUID) func(*models.Transaction) {
	return func(txn *models.Transaction) {
		txn.TransactionType = models.TransactionTypeSTKPush
		txn.ConfirmationStatus = models.ConfirmationPending
		txn.PendingOrderID = &orderID
	}
}

func withBillRef(ref string) func(*models.Transaction) {
	return func(txn *models.Transaction) {
		txn.BillRefNumber = ref
	}
}

func amt(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

// MockNotifier is a mock implementation of the Notifier interface
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyPayment(ctx context.Context, notice PaymentNotice) error {
	if len(m.ExpectedCalls) == 0 {
		return nil
	}
	args := m.Called(ctx, notice)
	return args.Error(0)
}

// MockSTKClient is a mock implementation of the STKClient interface
type MockSTKClient struct {
	mock.Mock
}

func (m *MockSTKClient) STKPush(ctx context.Context, request mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	args := m.Called(ctx, request)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mpesa.STKPushResponse), args.Error(1)
}

func (m *MockSTKClient) STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error) {
	args := m.Called(ctx, checkoutRequestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mpesa.STKQueryResponse), args.Error(1)
}
