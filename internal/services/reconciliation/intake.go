package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/revaspay/reconciler/internal/models"
	"github.com/revaspay/reconciler/internal/services/mpesa"
	"github.com/revaspay/reconciler/internal/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	actorSTK = "mpesa:stk"
	actorC2B = "mpesa:c2b"
)

// IntakeConfig holds the webhook behaviour switches
type IntakeConfig struct {
	RequireSTKConfirmation bool
	MinAmount              decimal.Decimal
	AmountTolerance        decimal.Decimal
}

// Intake turns Daraja notifications into stored transactions and applies
// them through the matcher and applier.
type Intake struct {
	cfg     IntakeConfig
	txns    *TransactionStore
	orders  *OrderLedger
	matcher *Matcher
	applier *Applier
	logger  *slog.Logger
}

// NewIntake creates a new intake
func NewIntake(cfg IntakeConfig, txns *TransactionStore, orders *OrderLedger, matcher *Matcher, applier *Applier, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		cfg:     cfg,
		txns:    txns,
		orders:  orders,
		matcher: matcher,
		applier: applier,
		logger:  logger,
	}
}

// HandleSTKCallback processes the result of an STK push
func (i *Intake) HandleSTKCallback(ctx context.Context, callback mpesa.STKCallback) error {
	result, err := callback.Normalize()
	if err != nil {
		return fmt.Errorf("invalid stk callback: %w", err)
	}
	log := i.logger.With("checkout_request_id", result.CheckoutRequestID, "result_code", result.ResultCode)

	order, err := i.orders.GetByCheckoutRequestID(ctx, result.CheckoutRequestID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	switch {
	case result.Succeeded():
		return i.recordSTKPayment(ctx, log, callback, result, order)

	case result.ResultCode == mpesa.ResultStillProcessing:
		log.InfoContext(ctx, "stk push still processing", "desc", result.ResultDesc)
		if order == nil {
			return nil
		}
		return i.applier.RecordSTKProgress(ctx, order.ID, strconv.Itoa(result.ResultCode), result.ResultDesc)

	default:
		log.InfoContext(ctx, "stk push failed", "desc", result.ResultDesc)
		if order == nil {
			return nil
		}
		_, err := i.applier.MarkSTKFailed(ctx, order.ID, strconv.Itoa(result.ResultCode), result.ResultDesc)
		return err
	}
}

func (i *Intake) recordSTKPayment(ctx context.Context, log *slog.Logger, callback mpesa.STKCallback, result *mpesa.STKResult, order *models.Order) error {
	txn := &models.Transaction{
		TransactionID:      result.ReceiptNumber,
		MpesaReceiptNumber: result.ReceiptNumber,
		TransactionType:    models.TransactionTypeSTKPush,
		AmountPaid:         result.Amount,
		PhoneNumber:        result.PhoneNumber,
		TransactionDate:    result.TransactionDate,
		CheckoutRequestID:  result.CheckoutRequestID,
		MerchantRequestID:  result.MerchantRequestID,
		RawPayload:         rawJSON(callback),
	}
	if txn.TransactionID == "" {
		txn.TransactionID = utils.GenerateReference("SYN")
	}
	if order != nil {
		txn.PendingOrderID = &order.ID
		txn.CustomerName = order.CustomerName
		if i.cfg.RequireSTKConfirmation {
			txn.ConfirmationStatus = models.ConfirmationPending
		}
	}

	stored, created, err := i.txns.Record(ctx, txn)
	if err != nil {
		return err
	}
	log = log.With("transaction_id", stored.TransactionID)
	if !created {
		log.InfoContext(ctx, "duplicate stk callback")
	}

	if order == nil {
		log.WarnContext(ctx, "stk payment without a matching order")
		if created {
			return i.txns.AppendNote(ctx, stored.TransactionID, actorSTK, "unmatched: no order for checkout "+result.CheckoutRequestID)
		}
		return nil
	}
	if stored.IsConnectedToOrder || stored.IsPending() || stored.ConfirmationStatus == models.ConfirmationRejected {
		return nil
	}

	// The payer was prompted for this order, so a late STK payment is kept
	// on it as excess credit rather than left floating.
	connect, err := i.applier.Connect(ctx, ConnectRequest{
		TransactionID:    stored.TransactionID,
		OrderID:          order.ID,
		Actor:            actorSTK,
		AllowOverpayment: true,
		Note:             "stk callback",
	})
	if err != nil {
		return err
	}
	i.applier.Notify(ctx, connect)
	return nil
}

// ValidateC2B answers Daraja's pre-payment check. It only reads, and it
// only rejects for the enumerated reasons; anything unexpected accepts.
func (i *Intake) ValidateC2B(ctx context.Context, payload mpesa.C2BPayload) (resp mpesa.C2BResponse) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.ErrorContext(ctx, "c2b validation panicked, accepting", "trans_id", payload.TransID, "panic", r)
			resp = mpesa.Accept()
		}
	}()

	amount, err := payload.TransAmount.Decimal()
	if err != nil {
		return mpesa.Reject(mpesa.C2BInvalidAmount, "Invalid amount")
	}
	if amount.LessThanOrEqual(i.cfg.MinAmount) {
		return mpesa.Reject(mpesa.C2BInvalidAmount, "Amount below minimum")
	}
	if !validMSISDN(payload.MSISDN.String()) {
		return mpesa.Reject(mpesa.C2BInvalidMSISDN, "Invalid MSISDN")
	}

	ref := strings.TrimSpace(payload.BillRefNumber)
	if ref == "" {
		return mpesa.Accept()
	}
	order, err := i.orders.GetByNumber(ctx, ref)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			i.logger.WarnContext(ctx, "c2b validation lookup failed, accepting", "bill_ref", ref, "err", err)
		}
		return mpesa.Accept()
	}

	if order.PaymentStatus == models.PaymentStatusPaid {
		return mpesa.Reject(mpesa.C2BInvalidAccount, "Order already paid")
	}
	if !withinTolerance(amount, order.TotalAmount, i.cfg.AmountTolerance) &&
		!withinTolerance(amount, order.RemainingBalance, i.cfg.AmountTolerance) {
		return mpesa.Reject(mpesa.C2BInvalidAmount, "Amount does not match order")
	}
	return mpesa.Accept()
}

// ConfirmC2B records a completed C2B payment and applies it when the
// reference matches an order. Unmatched payments stay unconnected for
// manual reconciliation.
func (i *Intake) ConfirmC2B(ctx context.Context, payload mpesa.C2BPayload) error {
	amount, err := payload.TransAmount.Decimal()
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("%w: c2b %s amount %q", ErrInvalidAmount, payload.TransID, payload.TransAmount)
	}

	txn := &models.Transaction{
		TransactionID:      strings.TrimSpace(payload.TransID),
		MpesaReceiptNumber: strings.TrimSpace(payload.TransID),
		TransactionType:    models.TransactionTypeC2B,
		AmountPaid:         amount,
		PhoneNumber:        mpesa.NormalizePhone(payload.MSISDN.String()),
		CustomerName:       payload.CustomerName(),
		TransactionDate:    payload.TransactionDate(),
		BillRefNumber:      strings.TrimSpace(payload.BillRefNumber),
		BusinessShortCode:  payload.BusinessShortCode.String(),
		RawPayload:         rawJSON(payload),
	}
	if txn.TransactionID == "" {
		txn.TransactionID = utils.GenerateReference("SYN")
	}

	stored, created, err := i.txns.Record(ctx, txn)
	if err != nil {
		return err
	}
	log := i.logger.With("transaction_id", stored.TransactionID, "bill_ref", stored.BillRefNumber)
	if !created {
		log.InfoContext(ctx, "duplicate c2b confirmation")
	}
	if stored.IsConnectedToOrder {
		return nil
	}

	order, err := i.matcher.MatchReference(ctx, stored)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.WarnContext(ctx, "c2b payment unmatched")
			if created {
				return i.txns.AppendNote(ctx, stored.TransactionID, actorC2B, "unmatched: needs manual reconciliation")
			}
			return nil
		}
		return err
	}

	connect, err := i.applier.Connect(ctx, ConnectRequest{
		TransactionID: stored.TransactionID,
		OrderID:       order.ID,
		Actor:         actorC2B,
		Note:          "c2b reference match",
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyPaid) || errors.Is(err, ErrAlreadyConnected) {
			log.WarnContext(ctx, "c2b payment left for manual reconciliation", "order_number", order.OrderNumber, "err", err)
			return i.txns.AppendNote(ctx, stored.TransactionID, actorC2B,
				fmt.Sprintf("not applied to order %s: %v", order.OrderNumber, err))
		}
		return err
	}
	i.applier.Notify(ctx, connect)
	return nil
}

func validMSISDN(msisdn string) bool {
	n := len(strings.TrimSpace(msisdn))
	return n >= 9 && n <= 64
}

func withinTolerance(amount, target, tolerance decimal.Decimal) bool {
	if !target.IsPositive() {
		return false
	}
	return amount.Sub(target).Abs().LessThanOrEqual(tolerance)
}

func rawJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
