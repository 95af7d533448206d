package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/revaspay/reconciler/internal/models"
	"gorm.io/gorm"
)

func createMpesaTransactionsTableMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_mpesa_transactions_table",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&models.Transaction{}); err != nil {
				return err
			}

			// Recompute reads every transaction connected to an order
			if err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_mpesa_transactions_connected
				ON mpesa_transactions (connected_order_id, is_connected_to_order)
			`).Error; err != nil {
				return err
			}

			if isPostgres(tx) {
				return tx.Exec(`
					ALTER TABLE mpesa_transactions
					ADD CONSTRAINT chk_mpesa_transactions_amount_positive CHECK (amount_paid > 0)
				`).Error
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.Transaction{})
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createMpesaTransactionsTableMigration())
}
