package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"gorm.io/gorm"
)

func createSendAttemptsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_send_attempts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.SendAttemptModel{}); err != nil {
				return err
			}
			// The reaper only scans pending rows.
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_send_attempts_pending ON send_attempts (created_at) WHERE outcome = 'pending'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.SendAttemptModel{})
		},
	}
}
