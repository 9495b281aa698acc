// Package database opens the credits database and keeps its schema current.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
	DriverSQLite   Driver = "sqlite"

	defaultSQLiteFile = "credits.db"
	mysqlScheme       = "mysql://"
	sqliteScheme      = "sqlite://"
	sqliteMemory      = ":memory:"
)

// Open connects to dsn and returns the handle, a closer and the resolved driver.
func Open(ctx context.Context, dsn string) (*gorm.DB, func() error, Driver, error) {
	driver, driverDSN, err := ResolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{TranslateError: true}
	var db *gorm.DB
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(driverDSN), cfg)
	case DriverMySQL:
		db, err = gorm.Open(mysql.Open(driverDSN), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(driverDSN), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == DriverSQLite {
		// sqlite has no row locks; one connection serializes ledger transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

// ResolveDriver maps a DSN onto a driver and the DSN that driver expects.
// Anything without a known scheme is treated as a sqlite path.
func ResolveDriver(dsn string) (Driver, string, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case trimmed == "":
		return "", "", fmt.Errorf("database url is required")
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return DriverPostgres, trimmed, nil
	case strings.HasPrefix(trimmed, mysqlScheme):
		return DriverMySQL, mysqlDSN(strings.TrimPrefix(trimmed, mysqlScheme)), nil
	case strings.HasPrefix(trimmed, sqliteScheme):
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	default:
		sqlitePath, err := normalizeSQLitePath(trimmed)
		return DriverSQLite, sqlitePath, err
	}
}

// mysqlDSN makes sure timestamps scan into time.Time.
func mysqlDSN(raw string) string {
	if strings.Contains(raw, "parseTime=") {
		return raw
	}
	separator := "?"
	if strings.Contains(raw, "?") {
		separator = "&"
	}
	return raw + separator + "parseTime=true"
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemory {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
