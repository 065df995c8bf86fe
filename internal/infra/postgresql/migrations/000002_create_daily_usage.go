package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"gorm.io/gorm"
)

func createDailyUsageTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_daily_usage",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.DailyUsageModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_daily_usage_day ON daily_usage (day)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.DailyUsageModel{})
		},
	}
}
