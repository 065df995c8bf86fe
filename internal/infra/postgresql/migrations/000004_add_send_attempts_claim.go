package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"gorm.io/gorm"
)

// addSendAttemptsClaim adds claimed_at and the api_keys foreign key to
// databases created before the claim step existed.
func addSendAttemptsClaim() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_add_send_attempts_claim",
		Migrate: func(tx *gorm.DB) error {
			m := tx.Migrator()
			if !m.HasColumn(&repository.SendAttemptModel{}, "ClaimedAt") {
				if err := m.AddColumn(&repository.SendAttemptModel{}, "ClaimedAt"); err != nil {
					return err
				}
			}
			if !m.HasConstraint(&repository.SendAttemptModel{}, "APIKey") {
				// principal_id was varchar before it referenced api_keys.id.
				if err := m.AlterColumn(&repository.SendAttemptModel{}, "PrincipalID"); err != nil {
					return err
				}
				if err := m.CreateConstraint(&repository.SendAttemptModel{}, "APIKey"); err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			m := tx.Migrator()
			if m.HasConstraint(&repository.SendAttemptModel{}, "APIKey") {
				if err := m.DropConstraint(&repository.SendAttemptModel{}, "APIKey"); err != nil {
					return err
				}
			}
			return m.DropColumn(&repository.SendAttemptModel{}, "ClaimedAt")
		},
	}
}
