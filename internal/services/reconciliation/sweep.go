package reconciliation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/revaspay/reconciler/internal/models"
	"gorm.io/gorm"
)

const defaultSweepBatchSize = 200

// OrderError is a per-order sweep failure
type OrderError struct {
	OrderID     uuid.UUID `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Error       string    `json:"error"`
}

// SweepReport summarises one recalculation run
type SweepReport struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Scanned    int          `json:"scanned"`
	Updated    int          `json:"updated"`
	Failed     int          `json:"failed"`
	Errors     []OrderError `json:"errors,omitempty"`
}

// Sweeper recomputes every order from its connected transactions to repair drift
type Sweeper struct {
	db        *gorm.DB
	applier   *Applier
	batchSize int
	logger    *slog.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(db *gorm.DB, applier *Applier, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		db:        db,
		applier:   applier,
		batchSize: defaultSweepBatchSize,
		logger:    logger,
	}
}

// RecalculateAll walks all orders in batches. Each order is recomputed in
// its own database transaction; a failing order is reported and skipped.
// Running it twice without new payments changes nothing the second time.
func (s *Sweeper) RecalculateAll(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: time.Now()}

	var batch []models.Order
	result := s.db.WithContext(ctx).
		Select("id", "order_number").
		FindInBatches(&batch, s.batchSize, func(tx *gorm.DB, batchNum int) error {
			for _, order := range batch {
				if err := ctx.Err(); err != nil {
					return err
				}

				report.Scanned++
				_, changed, err := s.applier.RecalculateOrder(ctx, order.ID)
				if err != nil {
					report.Failed++
					report.Errors = append(report.Errors, OrderError{
						OrderID:     order.ID,
						OrderNumber: order.OrderNumber,
						Error:       err.Error(),
					})
					s.logger.ErrorContext(ctx, "order recalculation failed",
						"order_id", order.ID, "order_number", order.OrderNumber, "err", err)
					continue
				}
				if changed {
					report.Updated++
					s.logger.InfoContext(ctx, "order recalculated", "order_id", order.ID, "order_number", order.OrderNumber)
				}
			}
			return nil
		})

	report.FinishedAt = time.Now()
	if result.Error != nil {
		return report, result.Error
	}

	s.logger.InfoContext(ctx, "recalculation sweep finished",
		"scanned", report.Scanned, "updated", report.Updated, "failed", report.Failed,
		"duration", report.FinishedAt.Sub(report.StartedAt).String())
	return report, nil
}
