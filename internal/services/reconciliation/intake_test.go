package reconciliation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/revaspay/reconciler/internal/models"
	"github.com/revaspay/reconciler/internal/services/mpesa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestIntake(f *fixture, cfg IntakeConfig) *Intake {
	if cfg.AmountTolerance.IsZero() {
		cfg.AmountTolerance = amt("1")
	}
	return NewIntake(cfg, f.txns, f.orders, f.matcher, f.applier, nil)
}

func stkCallback(t *testing.T, checkoutID string, code int, receipt, amount string) mpesa.STKCallback {
	t.Helper()
	body := fmt.Sprintf(`{"Body":{"stkCallback":{
		"MerchantRequestID":"29115-34620561-1",
		"CheckoutRequestID":%q,
		"ResultCode":%d,
		"ResultDesc":"result %d"`, checkoutID, code, code)
	if code == 0 {
		body += fmt.Sprintf(`,"CallbackMetadata":{"Item":[
			{"Name":"Amount","Value":%s},
			{"Name":"MpesaReceiptNumber","Value":%q},
			{"Name":"Balance"},
			{"Name":"TransactionDate","Value":20240301101500},
			{"Name":"PhoneNumber","Value":254708374149}]}`, amount, receipt)
	}
	body += `}}}`

	var callback mpesa.STKCallback
	require.NoError(t, json.Unmarshal([]byte(body), &callback))
	return callback
}

func c2bPayload(id, ref, amount string) mpesa.C2BPayload {
	return mpesa.C2BPayload{
		TransactionType:   "Pay Bill",
		TransID:           id,
		TransTime:         "20240301103000",
		TransAmount:       mpesa.FlexString(amount),
		BusinessShortCode: "600638",
		BillRefNumber:     ref,
		MSISDN:            "254708374149",
		FirstName:         "John",
		LastName:          "Doe",
	}
}

func TestSTKCallbackConnectsPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{})
	order := f.order(t, "ORD-9001", "1500")
	require.NoError(t, f.orders.AttachCheckout(ctx, order.ID, "ws_CO_9001", "mr_9001"))

	f.notifier.On("NotifyPayment", mock.Anything, mock.MatchedBy(func(n PaymentNotice) bool {
		return n.ReceiptNumber == "NLJ7RT61SV" && n.Status == models.PaymentStatusPaid
	})).Return(nil).Once()

	callback := stkCallback(t, "ws_CO_9001", 0, "NLJ7RT61SV", "1500.00")
	require.NoError(t, intake.HandleSTKCallback(ctx, callback))

	// Daraja retries the same callback
	require.NoError(t, intake.HandleSTKCallback(ctx, callback))

	stored := f.reload(t, order.ID)
	assert.Equal(t, models.PaymentStatusPaid, stored.PaymentStatus)
	assert.Equal(t, string(models.TransactionTypeSTKPush), stored.PaymentMethod)
	assert.Len(t, stored.Payments, 1)

	txn := f.reloadTxn(t, "NLJ7RT61SV")
	assert.Equal(t, "254708374149", txn.PhoneNumber)
	assert.Equal(t, "ws_CO_9001", txn.CheckoutRequestID)
	assert.NotEmpty(t, txn.RawPayload)

	_, total, err := f.txns.List(ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	f.notifier.AssertExpectations(t)
}

func TestSTKCallbackPendingConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{RequireSTKConfirmation: true})
	order := f.order(t, "ORD-9002", "1500")
	require.NoError(t, f.orders.AttachCheckout(ctx, order.ID, "ws_CO_9002", "mr_9002"))

	require.NoError(t, intake.HandleSTKCallback(ctx, stkCallback(t, "ws_CO_9002", 0, "NLJ7RT62SV", "1500")))

	txn := f.reloadTxn(t, "NLJ7RT62SV")
	assert.Equal(t, models.ConfirmationPending, txn.ConfirmationStatus)
	assert.False(t, txn.IsConnectedToOrder)
	require.NotNil(t, txn.PendingOrderID)
	assert.Equal(t, order.ID, *txn.PendingOrderID)
	assert.Equal(t, models.PaymentStatusUnpaid, f.reload(t, order.ID).PaymentStatus)

	_, err := f.applier.ConfirmPending(ctx, ConfirmRequest{TransactionID: "NLJ7RT62SV", Actor: "admin@test"})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, f.reload(t, order.ID).PaymentStatus)
}

func TestSTKCallbackWithoutOrderIsKept(t *testing.T) {
	f := newFixture(t)
	intake := newTestIntake(f, IntakeConfig{})

	require.NoError(t, intake.HandleSTKCallback(context.Background(), stkCallback(t, "ws_CO_unknown", 0, "NLJ7RT63SV", "250")))

	txn := f.reloadTxn(t, "NLJ7RT63SV")
	assert.False(t, txn.IsConnectedToOrder)
	assert.Contains(t, txn.Notes, "unmatched")
}

func TestSTKCallbackStillProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{})
	order := f.order(t, "ORD-9003", "1500")
	require.NoError(t, f.orders.AttachCheckout(ctx, order.ID, "ws_CO_9003", "mr_9003"))

	require.NoError(t, intake.HandleSTKCallback(ctx, stkCallback(t, "ws_CO_9003", mpesa.ResultStillProcessing, "", "")))

	stored := f.reload(t, order.ID)
	assert.Equal(t, models.PaymentStatusUnpaid, stored.PaymentStatus)
	assert.Equal(t, "1032", stored.LastSTKResultCode)
}

func TestSTKCallbackFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{})
	order := f.order(t, "ORD-9004", "1500")
	require.NoError(t, f.orders.AttachCheckout(ctx, order.ID, "ws_CO_9004", "mr_9004"))

	require.NoError(t, intake.HandleSTKCallback(ctx, stkCallback(t, "ws_CO_9004", 2001, "", "")))

	stored := f.reload(t, order.ID)
	assert.Equal(t, models.PaymentStatusFailed, stored.PaymentStatus)
	assert.Equal(t, "2001", stored.PaymentFailureCode)

	// Unknown checkout ids are ignored
	assert.NoError(t, intake.HandleSTKCallback(ctx, stkCallback(t, "ws_CO_other", 2001, "", "")))
}

func TestSTKCallbackRejectsMalformedEnvelope(t *testing.T) {
	f := newFixture(t)
	intake := newTestIntake(f, IntakeConfig{})

	assert.Error(t, intake.HandleSTKCallback(context.Background(), mpesa.STKCallback{}))
}

func TestValidateC2B(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{MinAmount: amt("10")})

	f.order(t, "ORD-9101", "1500")
	partial := f.order(t, "ORD-9102", "1500")
	paid := f.order(t, "ORD-9103", "500")
	f.txn(t, "QNA1", "1000")
	f.txn(t, "QNA2", "500")
	_, err := f.applier.Connect(ctx, ConnectRequest{TransactionID: "QNA1", OrderID: partial.ID})
	require.NoError(t, err)
	_, err = f.applier.Connect(ctx, ConnectRequest{TransactionID: "QNA2", OrderID: paid.ID})
	require.NoError(t, err)

	tests := []struct {
		name     string
		payload  mpesa.C2BPayload
		expected string
	}{
		{"exact total", c2bPayload("V1", "ORD-9101", "1500"), mpesa.C2BAccepted},
		{"within tolerance", c2bPayload("V2", "ord-9101", "1500.50"), mpesa.C2BAccepted},
		{"remaining balance", c2bPayload("V3", "ORD-9102", "500"), mpesa.C2BAccepted},
		{"unknown reference", c2bPayload("V4", "SOMETHING-ELSE", "73"), mpesa.C2BAccepted},
		{"no reference", c2bPayload("V5", "", "73"), mpesa.C2BAccepted},
		{"malformed amount", c2bPayload("V6", "ORD-9101", "abc"), mpesa.C2BInvalidAmount},
		{"below minimum", c2bPayload("V7", "ORD-9101", "10"), mpesa.C2BInvalidAmount},
		{"amount mismatch", c2bPayload("V8", "ORD-9101", "900"), mpesa.C2BInvalidAmount},
		{"already paid", c2bPayload("V9", "ORD-9103", "500"), mpesa.C2BInvalidAccount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := intake.ValidateC2B(ctx, tt.payload)
			assert.Equal(t, tt.expected, resp.ResultCode)
		})
	}

	short := c2bPayload("V10", "ORD-9101", "1500")
	short.MSISDN = "2547"
	assert.Equal(t, mpesa.C2BInvalidMSISDN, intake.ValidateC2B(ctx, short).ResultCode)

	hashed := c2bPayload("V11", "ORD-9101", "1500")
	hashed.MSISDN = mpesa.FlexString(strings.Repeat("a", 64))
	assert.True(t, intake.ValidateC2B(ctx, hashed).Accepted())

	// Validation never writes
	_, total, err := f.txns.List(ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
}

func TestValidateC2BFailsOpen(t *testing.T) {
	f := newFixture(t)
	intake := newTestIntake(f, IntakeConfig{})

	sqlDB, err := f.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	resp := intake.ValidateC2B(context.Background(), c2bPayload("V1", "ORD-1", "100"))
	assert.True(t, resp.Accepted())
}

func TestConfirmC2BMatchesReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{})
	order := f.order(t, "ORD-9201", "1500")

	payload := c2bPayload("QNB1", "ord-9201", "1000")
	require.NoError(t, intake.ConfirmC2B(ctx, payload))
	require.NoError(t, intake.ConfirmC2B(ctx, payload))

	stored := f.reload(t, order.ID)
	assert.Equal(t, models.PaymentStatusPartial, stored.PaymentStatus)
	assert.True(t, stored.RemainingBalance.Equal(amt("500")))
	assert.Len(t, stored.Payments, 1)

	txn := f.reloadTxn(t, "QNB1")
	assert.Equal(t, "John Doe", txn.CustomerName)
	assert.Equal(t, "600638", txn.BusinessShortCode)
	assert.Equal(t, "ord-9201", txn.BillRefNumber)
}

func TestConfirmC2BUnmatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{})

	require.NoError(t, intake.ConfirmC2B(ctx, c2bPayload("QNC1", "NO-SUCH-ORDER", "420")))

	txn := f.reloadTxn(t, "QNC1")
	assert.False(t, txn.IsConnectedToOrder)
	assert.Contains(t, txn.Notes, "needs manual reconciliation")

	txns, _, err := f.txns.List(ctx, TransactionFilter{State: StateUnconnected})
	require.NoError(t, err)
	require.Len(t, txns, 1)
}

func TestConfirmC2BAgainstPaidOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intake := newTestIntake(f, IntakeConfig{})
	order := f.order(t, "ORD-9301", "500")

	require.NoError(t, intake.ConfirmC2B(ctx, c2bPayload("QND1", "ORD-9301", "500")))
	require.NoError(t, intake.ConfirmC2B(ctx, c2bPayload("QND2", "ORD-9301", "500")))

	stored := f.reload(t, order.ID)
	assert.True(t, stored.AmountPaid.Equal(amt("500")))
	assert.Len(t, stored.Payments, 1)

	late := f.reloadTxn(t, "QND2")
	assert.False(t, late.IsConnectedToOrder)
	assert.Contains(t, late.Notes, "not applied to order ORD-9301")
}

func TestConfirmC2BRejectsBadAmount(t *testing.T) {
	f := newFixture(t)
	intake := newTestIntake(f, IntakeConfig{})

	err := intake.ConfirmC2B(context.Background(), c2bPayload("QNE1", "ORD-1", "0"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
