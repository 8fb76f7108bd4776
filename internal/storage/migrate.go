package storage

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var embedMigrations embed.FS

// Migrate brings the key tables up to date for the given driver.
func Migrate(db *sql.DB, driver string, logger *logrus.Logger) error {
	if db == nil {
		return fmt.Errorf("migration error: db is nil")
	}

	var dialect, dir string
	switch driver {
	case driverSQLite:
		dialect, dir = "sqlite3", "migrations/sqlite"
	case driverPgx:
		dialect, dir = "pgx", "migrations/postgres"
	default:
		return fmt.Errorf("migration error: unsupported driver %q", driver)
	}

	goose.SetBaseFS(embedMigrations)
	if logger != nil {
		goose.SetLogger(logger)
	}

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migration error setting dialect for db: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}
