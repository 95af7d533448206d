package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/revaspay/reconciler/internal/services/mpesa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockPaymentIntake is a mock implementation of the PaymentIntake interface
type MockPaymentIntake struct {
	mock.Mock
}

func (m *MockPaymentIntake) HandleSTKCallback(ctx context.Context, callback mpesa.STKCallback) error {
	args := m.Called(ctx, callback)
	return args.Error(0)
}

func (m *MockPaymentIntake) ValidateC2B(ctx context.Context, payload mpesa.C2BPayload) mpesa.C2BResponse {
	args := m.Called(ctx, payload)
	return args.Get(0).(mpesa.C2BResponse)
}

func (m *MockPaymentIntake) ConfirmC2B(ctx context.Context, payload mpesa.C2BPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	return router
}

func setupWebhookRouter(intake PaymentIntake) *gin.Engine {
	handler := NewMpesaWebhookHandler(intake, nil)
	router := setupTestRouter()
	router.POST("/mpesa/stk/callback", handler.STKCallback)
	router.POST("/mpesa/c2b/validation", handler.C2BValidation)
	router.POST("/mpesa/c2b/confirmation", handler.C2BConfirmation)
	return router
}

func postRaw(router *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeC2BResponse(t *testing.T, w *httptest.ResponseRecorder) mpesa.C2BResponse {
	t.Helper()
	var resp mpesa.C2BResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

const stkCallbackBody = `{
	"Body": {
		"stkCallback": {
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResultCode": 0,
			"ResultDesc": "The service request is processed successfully.",
			"CallbackMetadata": {
				"Item": [
					{"Name": "Amount", "Value": 1.00},
					{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
					{"Name": "TransactionDate", "Value": 20191219102115},
					{"Name": "PhoneNumber", "Value": 254708374149}
				]
			}
		}
	}
}`

const c2bBody = `{
	"TransactionType": "Pay Bill",
	"TransID": "RKTQDM7W6S",
	"TransTime": "20191122063845",
	"TransAmount": "1500",
	"BusinessShortCode": "600638",
	"BillRefNumber": "ORD-1001",
	"MSISDN": "254708374149",
	"FirstName": "Jane"
}`

func TestSTKCallback(t *testing.T) {
	t.Run("processes the callback and acknowledges", func(t *testing.T) {
		intake := new(MockPaymentIntake)
		intake.On("HandleSTKCallback", mock.Anything, mock.MatchedBy(func(cb mpesa.STKCallback) bool {
			return cb.Body.StkCallback.CheckoutRequestID == "ws_CO_191220191020363925"
		})).Return(nil)

		w := postRaw(setupWebhookRouter(intake), "/mpesa/stk/callback", []byte(stkCallbackBody))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decodeC2BResponse(t, w).Accepted())
		intake.AssertExpectations(t)
	})

	t.Run("processing errors still return 200", func(t *testing.T) {
		intake := new(MockPaymentIntake)
		intake.On("HandleSTKCallback", mock.Anything, mock.Anything).Return(errors.New("database down"))

		w := postRaw(setupWebhookRouter(intake), "/mpesa/stk/callback", []byte(stkCallbackBody))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decodeC2BResponse(t, w).Accepted())
	})

	t.Run("malformed body is acknowledged without processing", func(t *testing.T) {
		intake := new(MockPaymentIntake)

		w := postRaw(setupWebhookRouter(intake), "/mpesa/stk/callback", []byte(`{"Body":`))

		assert.Equal(t, http.StatusOK, w.Code)
		intake.AssertNotCalled(t, "HandleSTKCallback", mock.Anything, mock.Anything)
	})
}

func TestC2BValidation(t *testing.T) {
	t.Run("returns the intake decision", func(t *testing.T) {
		intake := new(MockPaymentIntake)
		intake.On("ValidateC2B", mock.Anything, mock.MatchedBy(func(p mpesa.C2BPayload) bool {
			return p.TransID == "RKTQDM7W6S" && p.TransAmount.String() == "1500"
		})).Return(mpesa.Reject(mpesa.C2BInvalidAccount, "Invalid account number"))

		w := postRaw(setupWebhookRouter(intake), "/mpesa/c2b/validation", []byte(c2bBody))

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeC2BResponse(t, w)
		assert.Equal(t, mpesa.C2BInvalidAccount, resp.ResultCode)
		assert.False(t, resp.Accepted())
		intake.AssertExpectations(t)
	})

	t.Run("malformed body is accepted", func(t *testing.T) {
		intake := new(MockPaymentIntake)

		w := postRaw(setupWebhookRouter(intake), "/mpesa/c2b/validation", []byte(`not json`))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decodeC2BResponse(t, w).Accepted())
		intake.AssertNotCalled(t, "ValidateC2B", mock.Anything, mock.Anything)
	})
}

func TestC2BConfirmation(t *testing.T) {
	intake := new(MockPaymentIntake)
	intake.On("ConfirmC2B", mock.Anything, mock.MatchedBy(func(p mpesa.C2BPayload) bool {
		return p.BillRefNumber == "ORD-1001" && p.CustomerName() == "Jane"
	})).Return(errors.New("order lookup failed"))

	w := postRaw(setupWebhookRouter(intake), "/mpesa/c2b/confirmation", []byte(c2bBody))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeC2BResponse(t, w).Accepted())
	intake.AssertExpectations(t)
}
