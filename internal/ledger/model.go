package ledger

import (
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"gopkg.in/guregu/null.v4"
)

// Vehicle is the authoritative per (lot, plate) record.
type Vehicle struct {
	LotID     string                 `gorm:"column:lot_id;primaryKey;size:64;not null"`
	Plate     string                 `gorm:"column:plate;primaryKey;size:16;not null"`
	SpotID    null.String            `gorm:"column:spot_id;size:64"`
	EntryTime time.Time              `gorm:"column:entry_time;not null"`
	ExitTime  null.Time              `gorm:"column:exit_time"`
	Status    vehicles.VehicleStatus `gorm:"column:status;size:16;not null"`
	Version   int64                  `gorm:"column:version;not null"`
	UpdatedAt time.Time              `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vehicle) TableName() string {
	return "ledger_vehicles"
}

// Record projects the row onto the wire representation.
func (v Vehicle) Record() vehicles.Record {
	return vehicles.Record{
		Plate:     v.Plate,
		LotID:     v.LotID,
		SpotID:    v.SpotID,
		EntryTime: v.EntryTime.UTC(),
		ExitTime:  utc(v.ExitTime),
		Status:    v.Status,
		Version:   v.Version,
	}
}

func fromRecord(record vehicles.Record, updatedAt time.Time) Vehicle {
	return Vehicle{
		LotID:     record.LotID,
		Plate:     record.Plate,
		SpotID:    record.SpotID,
		EntryTime: record.EntryTime.UTC(),
		ExitTime:  utc(record.ExitTime),
		Status:    record.Status,
		Version:   record.Version,
		UpdatedAt: updatedAt,
	}
}

// AppliedEvent remembers every accepted opId so resubmissions are answered
// with the original outcome instead of being applied twice.
type AppliedEvent struct {
	OpID            string                 `gorm:"column:op_id;primaryKey;size:64;not null"`
	LotID           string                 `gorm:"column:lot_id;size:64;not null;index:idx_applied_key,priority:1"`
	Plate           string                 `gorm:"column:plate;size:16;not null;index:idx_applied_key,priority:2"`
	Kind            vehicles.OperationKind `gorm:"column:kind;size:16;not null"`
	Verdict         vehicles.Verdict       `gorm:"column:verdict;size:16;not null"`
	EventTime       time.Time              `gorm:"column:event_time;not null"`
	PreviousVersion *int64                 `gorm:"column:previous_version"`
	NewVersion      int64                  `gorm:"column:new_version;not null"`
	RecordJSON      string                 `gorm:"column:record_json;type:TEXT;not null"`
	AppliedAt       time.Time              `gorm:"column:applied_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AppliedEvent) TableName() string {
	return "ledger_applied_events"
}

// Models lists the tables owned by the ledger, for schema migration.
func Models() []any {
	return []any{&Vehicle{}, &AppliedEvent{}}
}

func utc(value null.Time) null.Time {
	if !value.Valid {
		return value
	}
	return null.TimeFrom(value.Time.UTC())
}
