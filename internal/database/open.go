package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/config"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/ledger"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/store"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenLocal opens the device database backing LocalStore and migrates its schema.
// A single connection serializes every store transaction.
func OpenLocal(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}

	if err := migrate(db, append(store.Models(), &migrationRecord{}), localMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local database initialized", zap.String("path", path))
	}
	return db, nil
}

// OpenServer opens the reference backend database with the configured driver.
func OpenServer(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case config.DriverSQLite, "":
		db, err = openSQLite(dsn)
	case config.DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Discard})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrate(db, append(ledger.Models(), &migrationRecord{}), serverMigrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("server database initialized", zap.String("driver", driver))
	}
	return db, nil
}

// durablePragmas keep every committed write on disk before the commit returns.
const durablePragmas = "_pragma=journal_mode(DELETE)&_pragma=synchronous(FULL)"

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + durablePragmas
	}
	return path + "?" + durablePragmas
}

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func migrate(db *gorm.DB, models []any, migrations []migrationDefinition, logger *zap.Logger) error {
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, migrations, logger)
}
