package database

import (
	"errors"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/ledger"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClearStaleConflictPayloads = "2026-03-02_clear_stale_conflict_payloads"
	migrationRepairLedgerVersions       = "2026-03-02_repair_ledger_versions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var localMigrations = []migrationDefinition{
	{name: migrationClearStaleConflictPayloads, apply: clearStaleConflictPayloads},
}

var serverMigrations = []migrationDefinition{
	{name: migrationRepairLedgerVersions, apply: repairLedgerVersions},
}

func applyMigrations(db *gorm.DB, migrations []migrationDefinition, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clearStaleConflictPayloads drops conflicting-record payloads left on
// operations that are no longer in CONFLICT.
func clearStaleConflictPayloads(db *gorm.DB) error {
	return db.Model(&vehicles.PendingOperation{}).
		Where("state <> ? AND conflict_json IS NOT NULL", vehicles.OperationConflicted).
		Update("conflict_json", nil).Error
}

// repairLedgerVersions gives every authoritative record a positive version.
func repairLedgerVersions(db *gorm.DB) error {
	return db.Model(&ledger.Vehicle{}).
		Where("version <= 0").
		Update("version", 1).Error
}
