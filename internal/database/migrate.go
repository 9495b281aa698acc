package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate brings the schema up to date. Postgres runs the versioned SQL
// migrations; sqlite and mysql are auto-migrated from the GORM models.
func Migrate(db *gorm.DB, driver Driver, dsn string) error {
	if driver != DriverPostgres {
		if err := db.AutoMigrate(gormstore.Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	migrator, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer migrator.Close()
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrationVersion reports the applied postgres migration version.
func MigrationVersion(dsn string) (uint, bool, error) {
	migrator, err := newMigrator(dsn)
	if err != nil {
		return 0, false, err
	}
	defer migrator.Close()
	version, dirty, err := migrator.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	migrator, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return nil, fmt.Errorf("init migrator: %w", err)
	}
	return migrator, nil
}
