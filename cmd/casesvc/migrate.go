package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/soaringjerry/casesvc/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		sqlDB, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer closeDatabase(sqlDB)
		return nil
	},
}

// openDatabase opens the configured SQLite file and brings its schema up to
// date.
func openDatabase(ctx context.Context) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sqlDB, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	applied, err := db.RunMigrations(ctx, sqlDB, cfg.Database.MigrationsDir)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("Applied migrations", zap.String("path", cfg.Database.Path), zap.Strings("migrations", applied))
	} else {
		logger.Debug("Schema up to date", zap.String("path", cfg.Database.Path))
	}
	return sqlDB, nil
}

func closeDatabase(sqlDB *sql.DB) {
	if err := sqlDB.Close(); err != nil {
		logger.Warn("Failed to close sqlite db", zap.Error(err))
	}
}
