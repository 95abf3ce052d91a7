package gormstore

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Migrate runs a goose command (up, down, status, version, redo, reset)
// against db. Postgres uses the embedded SQL migrations. SQLite has no goose
// history and only supports "up", which creates the tables from the models.
func Migrate(ctx context.Context, db *gorm.DB, command string, args ...string) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if db.Dialector.Name() == "sqlite" {
		if command != "up" {
			return fmt.Errorf("sqlite supports only the up command, got %q", command)
		}
		return AutoMigrate(ctx, db)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, strings.ToLower(command), sqlDB, migrationsDir, args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}

// AutoMigrate creates or updates the tables from the row models.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	if err := db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
