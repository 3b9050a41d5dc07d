package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/ledger"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"
)

func TestOpenLocalClearsStaleConflictPayloads(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "device.db")

	database, err := OpenLocal(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open local database: %v", err)
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ops := []vehicles.PendingOperation{
		{OpID: "op-1", Sequence: 1, Kind: vehicles.OperationEntry, LotID: "L1", Plate: "ABC123", EventTime: now, CreatedAt: now,
			State: vehicles.OperationQueued, ConflictJSON: null.StringFrom(`{"plate":"ABC123"}`)},
		{OpID: "op-2", Sequence: 2, Kind: vehicles.OperationEntry, LotID: "L1", Plate: "XYZ987", EventTime: now, CreatedAt: now,
			State: vehicles.OperationConflicted, ConflictJSON: null.StringFrom(`{"plate":"XYZ987"}`)},
	}
	if err := database.Create(&ops).Error; err != nil {
		testContext.Fatalf("failed to insert ops: %v", err)
	}
	if err := database.Where("name = ?", migrationClearStaleConflictPayloads).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration ledger: %v", err)
	}

	if err := applyMigrations(database, localMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []vehicles.PendingOperation
	if err := database.Order("sequence").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload ops: %v", err)
	}
	if stored[0].ConflictJSON.Valid {
		testContext.Fatalf("expected payload on a queued op to be cleared")
	}
	if !stored[1].ConflictJSON.Valid {
		testContext.Fatalf("expected payload on a conflicted op to be kept")
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationClearStaleConflictPayloads).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenServerRepairsLedgerVersionsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "server.db")

	database, err := OpenServer("sqlite", databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open server database: %v", err)
	}

	row := ledger.Vehicle{
		LotID:     "L1",
		Plate:     "ABC123",
		EntryTime: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Status:    vehicles.StatusActive,
		Version:   0,
		UpdatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := database.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert vehicle: %v", err)
	}

	if err := applyMigrations(database, serverMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	var stored ledger.Vehicle
	if err := database.Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload vehicle: %v", err)
	}
	if stored.Version != 0 {
		testContext.Fatalf("expected an already applied migration to be skipped, got version %d", stored.Version)
	}

	if err := database.Where("name = ?", migrationRepairLedgerVersions).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration ledger: %v", err)
	}
	if err := applyMigrations(database, serverMigrations, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if err := database.Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload vehicle: %v", err)
	}
	if stored.Version != 1 {
		testContext.Fatalf("expected version to be repaired, got %d", stored.Version)
	}
}

func TestOpenLocalUsesDurableJournal(testContext *testing.T) {
	database, err := OpenLocal(filepath.Join(testContext.TempDir(), "device.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open local database: %v", err)
	}

	var synchronous int
	if err := database.Raw("PRAGMA synchronous").Scan(&synchronous).Error; err != nil {
		testContext.Fatalf("failed to read synchronous pragma: %v", err)
	}
	if synchronous != 2 {
		testContext.Fatalf("expected synchronous=FULL (2), got %d", synchronous)
	}
	var journalMode string
	if err := database.Raw("PRAGMA journal_mode").Scan(&journalMode).Error; err != nil {
		testContext.Fatalf("failed to read journal mode: %v", err)
	}
	if journalMode != "delete" {
		testContext.Fatalf("expected rollback journal, got %q", journalMode)
	}
}

func TestSQLiteDSNAppendsPragmas(testContext *testing.T) {
	if got := sqliteDSN("device.db"); got != "device.db?"+durablePragmas {
		testContext.Fatalf("unexpected dsn %q", got)
	}
	if got := sqliteDSN("file:device.db?cache=shared"); got != "file:device.db?cache=shared&"+durablePragmas {
		testContext.Fatalf("unexpected dsn %q", got)
	}
}

func TestOpenServerRejectsUnknownDriver(testContext *testing.T) {
	if _, err := OpenServer("mysql", "dsn", zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := OpenLocal("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected missing path error")
	}
}
