package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/revaspay/reconciler/internal/security/audit"
	"gorm.io/gorm"
)

func createAuditLogsTableMigration() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_audit_logs_table",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&audit.AuditLog{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&audit.AuditLog{})
		},
	}
}

func init() {
	migrationsList = append(migrationsList, createAuditLogsTableMigration())
}
