package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/models"
	"github.com/revaspay/reconciler/internal/services/mpesa"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// STKClient is the part of the Daraja client the service uses
type STKClient interface {
	STKPush(ctx context.Context, request mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

// STKState is the coarse outcome of an STK push
type STKState string

const (
	STKSucceeded STKState = "succeeded"
	STKFailed    STKState = "failed"
	STKPending   STKState = "pending"
)

// STKStatus is the answer of a status query
type STKStatus struct {
	CheckoutRequestID string   `json:"checkout_request_id"`
	State             STKState `json:"state"`
	ResultCode        string   `json:"result_code,omitempty"`
	ResultDesc        string   `json:"result_desc,omitempty"`
}

// STKInitiation is returned after a prompt was sent
type STKInitiation struct {
	OrderID           uuid.UUID       `json:"order_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id"`
	Amount            decimal.Decimal `json:"amount"`
	PhoneNumber       string          `json:"phone_number"`
	CustomerMessage   string          `json:"customer_message,omitempty"`
}

// ServiceConfig holds the STK settings of the service
type ServiceConfig struct {
	CallbackURL  string
	QueryTimeout time.Duration
}

// Service is the admin-facing facade over the reconciliation components
type Service struct {
	cfg     ServiceConfig
	txns    *TransactionStore
	orders  *OrderLedger
	matcher *Matcher
	applier *Applier
	sweeper *Sweeper
	stk     STKClient
	logger  *slog.Logger
}

// NewService wires the reconciliation components on one database handle
func NewService(db *gorm.DB, cfg ServiceConfig, stk STKClient, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	txns := NewTransactionStore(db)
	applier := NewApplier(db, notifier, logger)
	return &Service{
		cfg:     cfg,
		txns:    txns,
		orders:  NewOrderLedger(db),
		matcher: NewMatcher(db, txns, applier),
		applier: applier,
		sweeper: NewSweeper(db, applier, logger),
		stk:     stk,
		logger:  logger,
	}
}

// Intake builds the webhook intake sharing this service's components
func (s *Service) Intake(cfg IntakeConfig) *Intake {
	return NewIntake(cfg, s.txns, s.orders, s.matcher, s.applier, s.logger)
}

// Sweeper exposes the recalculation sweep for scheduled jobs
func (s *Service) Sweeper() *Sweeper {
	return s.sweeper
}

// ListTransactions returns a page of transactions and the total count
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, int64, error) {
	return s.txns.List(ctx, filter)
}

// GetTransaction loads one transaction
func (s *Service) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	return s.txns.Get(ctx, transactionID)
}

// Stats summarises the reconciliation backlog
func (s *Service) Stats(ctx context.Context) (*TransactionStats, error) {
	return s.txns.Stats(ctx)
}

// CreateOrder stores a new order
func (s *Service) CreateOrder(ctx context.Context, input NewOrderInput) (*models.Order, error) {
	return s.orders.Create(ctx, input)
}

// GetOrder loads an order with its payments
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	return s.orders.Get(ctx, id)
}

// Connect applies an admin-chosen pair
func (s *Service) Connect(ctx context.Context, transactionID string, orderID uuid.UUID, actor string) (*ConnectResult, error) {
	return s.matcher.ManualConnect(ctx, transactionID, orderID, actor, false)
}

// Reconnect moves a transaction to another order
func (s *Service) Reconnect(ctx context.Context, transactionID string, orderID uuid.UUID, actor string) (*ConnectResult, error) {
	return s.matcher.ManualConnect(ctx, transactionID, orderID, actor, true)
}

// ConnectByAmount connects the only unconnected transaction of that amount
func (s *Service) ConnectByAmount(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, actor string) (*ConnectResult, error) {
	return s.matcher.ConnectByAmount(ctx, orderID, amount, actor)
}

// ConfirmPending confirms a pending STK payment
func (s *Service) ConfirmPending(ctx context.Context, req ConfirmRequest) (*ConnectResult, error) {
	return s.applier.ConfirmPending(ctx, req)
}

// RejectPending rejects a pending STK payment
func (s *Service) RejectPending(ctx context.Context, transactionID, notes, actor string) (*models.Transaction, error) {
	return s.applier.RejectPending(ctx, transactionID, notes, actor)
}

// RecalculateAll runs the sweep synchronously
func (s *Service) RecalculateAll(ctx context.Context) (*SweepReport, error) {
	return s.sweeper.RecalculateAll(ctx)
}

// UpdateOrderTotal changes an order's total and recomputes its status
func (s *Service) UpdateOrderTotal(ctx context.Context, req UpdateTotalRequest) (*models.Order, error) {
	return s.applier.UpdateOrderTotal(ctx, req)
}

// ExportLedger returns the flat payment ledger
func (s *Service) ExportLedger(ctx context.Context, from, to time.Time) ([]LedgerRecord, error) {
	return s.orders.Export(ctx, from, to)
}

// InitiateSTKPush prompts the customer to pay an order. A zero amount
// requests the order's remaining balance.
func (s *Service) InitiateSTKPush(ctx context.Context, orderID uuid.UUID, phone string, amount decimal.Decimal) (*STKInitiation, error) {
	if err := validateCallbackURL(s.cfg.CallbackURL); err != nil {
		return nil, err
	}

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus == models.PaymentStatusPaid {
		return nil, fmt.Errorf("%w: order %s", ErrAlreadyPaid, order.OrderNumber)
	}
	if amount.IsZero() {
		amount = order.RemainingBalance
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}

	if phone == "" {
		phone = order.CustomerPhone
	}
	phone = mpesa.NormalizePhone(phone)
	if phone == "" {
		return nil, fmt.Errorf("no phone number for order %s", order.OrderNumber)
	}

	resp, err := s.stk.STKPush(ctx, mpesa.STKPushRequest{
		PhoneNumber:      phone,
		Amount:           amount,
		AccountReference: order.OrderNumber,
		Description:      "Order " + order.OrderNumber,
		CallbackURL:      s.cfg.CallbackURL,
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}

	if err := s.orders.AttachCheckout(ctx, order.ID, resp.CheckoutRequestID, resp.MerchantRequestID); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "stk push initiated",
		"order_id", order.ID, "checkout_request_id", resp.CheckoutRequestID, "amount", amount.String())
	return &STKInitiation{
		OrderID:           order.ID,
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		Amount:            amount,
		PhoneNumber:       phone,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// QuerySTKStatus asks Daraja about the last prompt sent for the order.
// Provider timeouts are ErrProviderTransient; "still processing" is pending.
func (s *Service) QuerySTKStatus(ctx context.Context, orderID uuid.UUID) (*STKStatus, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.CheckoutRequestID == "" {
		return nil, fmt.Errorf("no stk push for order %s: %w", order.OrderNumber, ErrNotFound)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	status := &STKStatus{CheckoutRequestID: order.CheckoutRequestID}

	resp, err := s.stk.STKQuery(ctx, order.CheckoutRequestID)
	if err != nil {
		var apiErr *mpesa.APIError
		if errors.As(err, &apiErr) && apiErr.StillProcessing() {
			status.State = STKPending
			status.ResultCode = apiErr.Code
			status.ResultDesc = apiErr.Message
			return status, nil
		}
		return nil, classifyProviderError(err)
	}

	status.ResultCode = resp.ResultCode.String()
	status.ResultDesc = resp.ResultDesc
	switch status.ResultCode {
	case "0":
		status.State = STKSucceeded
	case "", "1032":
		status.State = STKPending
	default:
		status.State = STKFailed
	}
	return status, nil
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("%w: %q", ErrInvalidCallbackURL, raw)
	}
	return nil
}

// classifyProviderError maps Daraja and transport failures onto the
// transient/rejected taxonomy.
func classifyProviderError(err error) error {
	var apiErr *mpesa.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Temporary() {
			return fmt.Errorf("%w: %v", ErrProviderTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrProviderTransient, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrProviderTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderRejected, err)
}
