package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Matcher finds the order a transaction belongs to
type Matcher struct {
	db      *gorm.DB
	txns    *TransactionStore
	applier *Applier
}

// NewMatcher creates a new matcher
func NewMatcher(db *gorm.DB, txns *TransactionStore, applier *Applier) *Matcher {
	return &Matcher{db: db, txns: txns, applier: applier}
}

// MatchReference resolves the order by BillRefNumber, then the order the
// STK push was initiated for, then the CheckoutRequestID.
func (m *Matcher) MatchReference(ctx context.Context, txn *models.Transaction) (*models.Order, error) {
	db := m.db.WithContext(ctx)

	if ref := strings.TrimSpace(txn.BillRefNumber); ref != "" {
		order, err := findByNumber(db, ref)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if txn.PendingOrderID != nil {
		var order models.Order
		err := db.First(&order, "id = ?", *txn.PendingOrderID).Error
		if err == nil {
			return &order, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	if txn.CheckoutRequestID != "" {
		order, err := findByCheckout(db, txn.CheckoutRequestID)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("no order matches transaction %s: %w", txn.TransactionID, ErrNotFound)
}

// ConnectByAmount connects the single unconnected transaction of exactly
// amount to the order. Several candidates are never chosen between; they
// come back in an AmbiguousMatchError and nothing is written.
func (m *Matcher) ConnectByAmount(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal, actor string) (*ConnectResult, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}

	var order models.Order
	err := m.db.WithContext(ctx).Select("id").First(&order, "id = ?", orderID).Error
	if _, err := orderOrNotFound(&order, err, orderID.String()); err != nil {
		return nil, err
	}

	candidates, err := m.txns.FindUnconnectedByAmount(ctx, amount)
	if err != nil {
		return nil, err
	}

	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("no unconnected transaction of amount %s: %w", amount.String(), ErrNotFound)
	case 1:
		return m.applier.Connect(ctx, ConnectRequest{
			TransactionID: candidates[0].TransactionID,
			OrderID:       orderID,
			Actor:         actor,
			Note:          "matched by amount",
		})
	default:
		return nil, &AmbiguousMatchError{Amount: amount, Candidates: candidates}
	}
}

// ManualConnect applies an admin-chosen transaction/order pair. A
// transaction connected elsewhere is only moved when reconnect is set.
func (m *Matcher) ManualConnect(ctx context.Context, transactionID string, orderID uuid.UUID, actor string, reconnect bool) (*ConnectResult, error) {
	return m.applier.Connect(ctx, ConnectRequest{
		TransactionID: transactionID,
		OrderID:       orderID,
		Actor:         actor,
		Reconnect:     reconnect,
		Note:          "manually connected",
	})
}
