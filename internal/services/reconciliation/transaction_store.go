package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/revaspay/reconciler/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TransactionFilter selects transactions for the admin list
type TransactionFilter struct {
	State  string // connected, unconnected, pending, rejected or empty for all
	Type   models.TransactionType
	Search string
	Limit  int
	Offset int
}

// Transaction list states
const (
	StateConnected   = "connected"
	StateUnconnected = "unconnected"
	StatePending     = "pending"
	StateRejected    = "rejected"
)

// Bucket is a count and sum of transaction amounts
type Bucket struct {
	Count int64           `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// TransactionStats summarises the reconciliation backlog
type TransactionStats struct {
	Connected   Bucket `json:"connected"`
	Unconnected Bucket `json:"unconnected"`
	Pending     Bucket `json:"pending"`
	Rejected    Bucket `json:"rejected"`
}

// TransactionStore persists every M-Pesa payment event
type TransactionStore struct {
	db *gorm.DB
}

// NewTransactionStore creates a new transaction store
func NewTransactionStore(db *gorm.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

// Record inserts txn unless a transaction with the same TransactionID exists.
// It returns the stored row and whether this call created it.
func (s *TransactionStore) Record(ctx context.Context, txn *models.Transaction) (*models.Transaction, bool, error) {
	if !txn.AmountPaid.IsPositive() {
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidAmount, txn.AmountPaid.String())
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "transaction_id"}}, DoNothing: true}).
		Create(txn)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to record transaction %s: %w", txn.TransactionID, result.Error)
	}
	if result.RowsAffected == 1 {
		return txn, true, nil
	}

	existing, err := s.Get(ctx, txn.TransactionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Get loads a transaction by its provider TransactionID
func (s *TransactionStore) Get(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var txn models.Transaction
	if err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
		}
		return nil, err
	}
	return &txn, nil
}

// AppendNote adds an audit line without rewriting the existing notes
func (s *TransactionStore) AppendNote(ctx context.Context, transactionID, actor, text string) error {
	return appendNote(s.db.WithContext(ctx), transactionID, actor, text)
}

// List returns transactions matching the filter, newest first, with the total count
func (s *TransactionStore) List(ctx context.Context, filter TransactionFilter) ([]models.Transaction, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Transaction{})
	query = applyState(query, filter.State)
	if filter.Type != "" {
		query = query.Where("transaction_type = ?", filter.Type)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		like := "%" + search + "%"
		query = query.Where("transaction_id LIKE ? OR mpesa_receipt_number LIKE ? OR phone_number LIKE ? OR bill_ref_number LIKE ? OR customer_name LIKE ?",
			like, like, like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var txns []models.Transaction
	err := query.Order("transaction_date DESC").Limit(limit).Offset(filter.Offset).Find(&txns).Error
	return txns, total, err
}

// Stats counts and sums transactions per reconciliation state
func (s *TransactionStore) Stats(ctx context.Context) (*TransactionStats, error) {
	stats := &TransactionStats{}
	buckets := map[string]*Bucket{
		StateConnected:   &stats.Connected,
		StateUnconnected: &stats.Unconnected,
		StatePending:     &stats.Pending,
		StateRejected:    &stats.Rejected,
	}

	for state, bucket := range buckets {
		var row struct {
			Count int64
			Total decimal.NullDecimal
		}
		query := applyState(s.db.WithContext(ctx).Model(&models.Transaction{}), state)
		if err := query.Select("COUNT(*) AS count, SUM(amount_paid) AS total").Scan(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to compute %s stats: %w", state, err)
		}
		bucket.Count = row.Count
		bucket.Total = decimal.Zero
		if row.Total.Valid {
			bucket.Total = row.Total.Decimal
		}
	}
	return stats, nil
}

// FindUnconnectedByAmount returns matchable transactions of exactly amount,
// newest first. Pending and rejected STK payments are never candidates.
func (s *TransactionStore) FindUnconnectedByAmount(ctx context.Context, amount decimal.Decimal) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := applyState(s.db.WithContext(ctx), StateUnconnected).
		Where("amount_paid = ?", amount).
		Order("transaction_date DESC").
		Find(&txns).Error
	return txns, err
}

func applyState(query *gorm.DB, state string) *gorm.DB {
	switch state {
	case StateConnected:
		return query.Where("is_connected_to_order = ?", true)
	case StateUnconnected:
		return query.Where("is_connected_to_order = ? AND COALESCE(confirmation_status, '') NOT IN ?", false,
			[]models.ConfirmationStatus{models.ConfirmationPending, models.ConfirmationRejected})
	case StatePending:
		return query.Where("is_connected_to_order = ? AND confirmation_status = ?", false, models.ConfirmationPending)
	case StateRejected:
		return query.Where("confirmation_status = ?", models.ConfirmationRejected)
	default:
		return query
	}
}

func appendNote(db *gorm.DB, transactionID, actor, text string) error {
	result := db.Model(&models.Transaction{}).
		Where("transaction_id = ?", transactionID).
		Update("notes", noteExpr(actor, text))
	if result.Error != nil {
		return fmt.Errorf("failed to append note to %s: %w", transactionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("transaction %s: %w", transactionID, ErrNotFound)
	}
	return nil
}

// noteExpr appends one "[timestamp] actor: text" line in the database
func noteExpr(actor, text string) clause.Expr {
	line := fmt.Sprintf("[%s] %s: %s\n", time.Now().UTC().Format(time.RFC3339), actor, text)
	return gorm.Expr("COALESCE(notes, '') || ?", line)
}
