package main

import (
	"fmt"
	"os"

	"github.com/glebarez/sqlite"
	"github.com/kursadbilgin/mail-gateway/internal/infra/postgresql"
	"github.com/kursadbilgin/mail-gateway/internal/infra/postgresql/migrations"
	"github.com/kursadbilgin/mail-gateway/internal/repository"
	"github.com/kursadbilgin/mail-gateway/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type rootFlags struct {
	dsn        string
	sqlitePath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "keyctl",
		Short: "Manage mail-gateway API keys",
		Long: `Create, list, activate and deactivate API keys of the mail gateway.

The plain key is printed once at creation and cannot be recovered later.
Connects to postgres through --dsn (or DATABASE_DSN). --sqlite points at a
local database file instead, which is useful for development.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.dsn, "dsn", os.Getenv("DATABASE_DSN"), "postgres DSN")
	cmd.PersistentFlags().StringVar(&flags.sqlitePath, "sqlite", "", "sqlite database file (overrides --dsn)")

	cmd.AddCommand(
		newCreateCmd(flags),
		newActivateCmd(flags),
		newDeactivateCmd(flags),
		newListCmd(flags),
	)

	return cmd
}

// openKeyManager connects, applies migrations and returns a manager plus a
// close func for the connection.
func openKeyManager(cmd *cobra.Command, flags *rootFlags) (*service.KeyManager, func(), error) {
	var (
		db  *gorm.DB
		err error
	)

	switch {
	case flags.sqlitePath != "":
		db, err = gorm.Open(sqlite.Open(flags.sqlitePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
	case flags.dsn != "":
		db, err = postgresql.NewPostgres(cmd.Context(), flags.dsn, postgresql.PoolOptions{MaxOpenConns: 2, MaxIdleConns: 1})
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("either --dsn or --sqlite is required")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	closeDB := func() { _ = sqlDB.Close() }

	if err := migrations.Migrate(db); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("database migrations failed: %w", err)
	}

	manager, err := service.NewKeyManager(repository.NewGormAPIKeyRepo(db), zap.NewNop())
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	return manager, closeDB, nil
}
