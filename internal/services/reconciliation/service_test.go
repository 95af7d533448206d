package reconciliation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/revaspay/reconciler/internal/models"
	"github.com/revaspay/reconciler/internal/services/mpesa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, stk STKClient) (*Service, *fixture) {
	t.Helper()
	f := newFixture(t)
	svc := NewService(f.db, ServiceConfig{
		CallbackURL:  "https://pay.example.com/api/v1/mpesa/stk/callback",
		QueryTimeout: time.Second,
	}, stk, f.notifier, nil)
	return svc, f
}

func TestInitiateSTKPush(t *testing.T) {
	stk := &MockSTKClient{}
	svc, f := newTestService(t, stk)
	ctx := context.Background()
	order := f.order(t, "ORD-A001", "1500")
	f.txn(t, "QOA1", "1000")
	_, err := svc.Connect(ctx, "QOA1", order.ID, "admin@test")
	require.NoError(t, err)

	stk.On("STKPush", mock.Anything, mock.MatchedBy(func(req mpesa.STKPushRequest) bool {
		return req.Amount.Equal(amt("500")) &&
			req.PhoneNumber == "254700000001" &&
			req.AccountReference == "ORD-A001"
	})).Return(&mpesa.STKPushResponse{
		CheckoutRequestID: "ws_CO_A001",
		MerchantRequestID: "mr_A001",
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil).Once()

	initiation, err := svc.InitiateSTKPush(ctx, order.ID, "", amt("0"))
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_A001", initiation.CheckoutRequestID)
	assert.True(t, initiation.Amount.Equal(amt("500")))

	stored := f.reload(t, order.ID)
	assert.Equal(t, "ws_CO_A001", stored.CheckoutRequestID)
	assert.Equal(t, "mr_A001", stored.MerchantRequestID)
	stk.AssertExpectations(t)
}

func TestInitiateSTKPushRequiresHTTPSCallback(t *testing.T) {
	stk := &MockSTKClient{}
	f := newFixture(t)
	svc := NewService(f.db, ServiceConfig{CallbackURL: "http://pay.example.com/callback"}, stk, nil, nil)
	order := f.order(t, "ORD-A002", "100")

	_, err := svc.InitiateSTKPush(context.Background(), order.ID, "0708374149", amt("100"))
	assert.ErrorIs(t, err, ErrInvalidCallbackURL)
	stk.AssertNotCalled(t, "STKPush", mock.Anything, mock.Anything)
}

func TestInitiateSTKPushRefusesPaidOrder(t *testing.T) {
	stk := &MockSTKClient{}
	svc, f := newTestService(t, stk)
	ctx := context.Background()
	order := f.order(t, "ORD-A003", "100")
	f.txn(t, "QOB1", "100")
	_, err := svc.Connect(ctx, "QOB1", order.ID, "admin@test")
	require.NoError(t, err)

	_, err = svc.InitiateSTKPush(ctx, order.ID, "", amt("0"))
	assert.ErrorIs(t, err, ErrAlreadyPaid)
}

func TestInitiateSTKPushProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{"timeout", context.DeadlineExceeded, ErrProviderTransient},
		{"server error", &mpesa.APIError{StatusCode: http.StatusServiceUnavailable, Code: "503.001.01"}, ErrProviderTransient},
		{"rate limited", &mpesa.APIError{StatusCode: http.StatusTooManyRequests}, ErrProviderTransient},
		{"bad request", &mpesa.APIError{StatusCode: http.StatusBadRequest, Code: "400.002.02", Message: "Invalid PhoneNumber"}, ErrProviderRejected},
		{"unknown", errors.New("boom"), ErrProviderRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stk := &MockSTKClient{}
			svc, f := newTestService(t, stk)
			order := f.order(t, "ORD-A004", "100")
			stk.On("STKPush", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			_, err := svc.InitiateSTKPush(context.Background(), order.ID, "0708374149", amt("0"))
			assert.ErrorIs(t, err, tt.expected)
			assert.Empty(t, f.reload(t, order.ID).CheckoutRequestID)
		})
	}
}

func TestQuerySTKStatus(t *testing.T) {
	tests := []struct {
		name     string
		resp     *mpesa.STKQueryResponse
		err      error
		expected STKState
	}{
		{"paid", &mpesa.STKQueryResponse{ResultCode: "0", ResultDesc: "The service request is processed successfully."}, nil, STKSucceeded},
		{"cancelled", &mpesa.STKQueryResponse{ResultCode: "1032", ResultDesc: "Request cancelled by user"}, nil, STKPending},
		{"no result yet", &mpesa.STKQueryResponse{}, nil, STKPending},
		{"failed", &mpesa.STKQueryResponse{ResultCode: "1037", ResultDesc: "DS timeout user cannot be reached"}, nil, STKFailed},
		{"being processed", nil, &mpesa.APIError{StatusCode: http.StatusInternalServerError, Code: mpesa.ErrorCodeBeingProcessed, Message: "The transaction is being processed"}, STKPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stk := &MockSTKClient{}
			svc, f := newTestService(t, stk)
			ctx := context.Background()
			order := f.order(t, "ORD-A101", "100")
			require.NoError(t, f.orders.AttachCheckout(ctx, order.ID, "ws_CO_A101", "mr_A101"))

			stk.On("STKQuery", mock.Anything, "ws_CO_A101").Return(tt.resp, tt.err).Once()

			status, err := svc.QuerySTKStatus(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, status.State)
			assert.Equal(t, "ws_CO_A101", status.CheckoutRequestID)
		})
	}
}

func TestQuerySTKStatusTimeout(t *testing.T) {
	stk := &MockSTKClient{}
	svc, f := newTestService(t, stk)
	ctx := context.Background()
	order := f.order(t, "ORD-A102", "100")
	require.NoError(t, f.orders.AttachCheckout(ctx, order.ID, "ws_CO_A102", "mr_A102"))

	stk.On("STKQuery", mock.Anything, "ws_CO_A102").Return(nil, context.DeadlineExceeded).Once()

	_, err := svc.QuerySTKStatus(ctx, order.ID)
	assert.ErrorIs(t, err, ErrProviderTransient)
}

func TestQuerySTKStatusWithoutPush(t *testing.T) {
	svc, f := newTestService(t, &MockSTKClient{})
	order := f.order(t, "ORD-A103", "100")

	_, err := svc.QuerySTKStatus(context.Background(), order.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatsAndListing(t *testing.T) {
	svc, f := newTestService(t, &MockSTKClient{})
	ctx := context.Background()
	order := f.order(t, "ORD-A201", "1000")
	f.txn(t, "QOC1", "1000")
	f.txn(t, "QOC2", "250", withBillRef("lost-ref"))
	f.txn(t, "QOC3", "400", withPendingOrder(order.ID))
	f.txn(t, "QOC4", "600", withPendingOrder(order.ID))
	_, err := svc.Connect(ctx, "QOC1", order.ID, "admin@test")
	require.NoError(t, err)
	_, err = svc.RejectPending(ctx, "QOC4", "duplicate", "admin@test")
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Connected.Count)
	assert.True(t, stats.Connected.Total.Equal(amt("1000")))
	assert.EqualValues(t, 1, stats.Unconnected.Count)
	assert.True(t, stats.Unconnected.Total.Equal(amt("250")))
	assert.EqualValues(t, 1, stats.Pending.Count)
	assert.EqualValues(t, 1, stats.Rejected.Count)

	txns, total, err := svc.ListTransactions(ctx, TransactionFilter{Search: "lost"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, txns, 1)
	assert.Equal(t, "QOC2", txns[0].TransactionID)

	_, total, err = svc.ListTransactions(ctx, TransactionFilter{State: StatePending})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestExportLedger(t *testing.T) {
	svc, f := newTestService(t, &MockSTKClient{})
	ctx := context.Background()
	order := f.order(t, "ORD-A301", "1500")
	f.txn(t, "QOD1", "1000")
	f.txn(t, "QOD2", "500")
	for _, id := range []string{"QOD1", "QOD2"} {
		_, err := svc.Connect(ctx, id, order.ID, "admin@test")
		require.NoError(t, err)
	}
	f.order(t, "ORD-A302", "200")

	records, err := svc.ExportLedger(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	for _, record := range records {
		assert.Equal(t, "ORD-A301", record.OrderNumber)
		assert.Equal(t, models.PaymentStatusPaid, record.PaymentStatus)
		assert.Contains(t, []string{"QOD1", "QOD2"}, record.MpesaReceiptNumber)
	}
	assert.True(t, records[0].Amount.Add(records[1].Amount).Equal(amt("1500")))
}

func TestCreateOrderDerivesTotals(t *testing.T) {
	svc, _ := newTestService(t, &MockSTKClient{})
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, NewOrderInput{
		OrderNumber:    "ORD-A401",
		Subtotal:       amt("1200"),
		DiscountAmount: amt("200"),
	})
	require.NoError(t, err)
	assert.True(t, order.TotalAmount.Equal(amt("1000")))
	assert.True(t, order.RemainingBalance.Equal(amt("1000")))
	assert.Equal(t, models.PaymentStatusUnpaid, order.PaymentStatus)

	free, err := svc.CreateOrder(ctx, NewOrderInput{OrderNumber: "ORD-A402", Subtotal: amt("100"), DiscountAmount: amt("100")})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, free.PaymentStatus)

	_, err = svc.CreateOrder(ctx, NewOrderInput{OrderNumber: "ORD-A403", Subtotal: amt("-5")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
