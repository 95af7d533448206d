package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/revaspay/reconciler/internal/models"
	"gorm.io/gorm"
)

func createOrdersTablesMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_orders_tables",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Order{}, &models.OrderPayment{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.OrderPayment{}, &models.Order{})
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createOrdersTablesMigration())
}
