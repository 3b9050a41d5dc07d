package vehicles

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/guregu/null.v4"
)

// VehicleStatus reports whether a vehicle is still parked.
type VehicleStatus string

const (
	// StatusActive marks a vehicle believed to be parked.
	StatusActive VehicleStatus = "ACTIVE"
	// StatusExited marks a vehicle whose exit has been recorded.
	StatusExited VehicleStatus = "EXITED"
)

// OperationKind enumerates the intents an attendant can record.
type OperationKind string

const (
	// OperationEntry registers a vehicle entering a lot.
	OperationEntry OperationKind = "ENTRY"
	// OperationExit registers a vehicle leaving a lot.
	OperationExit OperationKind = "EXIT"
	// OperationOverride registers an entry that replaces an ACTIVE record.
	OperationOverride OperationKind = "OVERRIDE"
)

// ParseOperationKind accepts the wire spelling of an operation kind.
func ParseOperationKind(rawInput string) (OperationKind, error) {
	switch OperationKind(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case OperationEntry:
		return OperationEntry, nil
	case OperationExit:
		return OperationExit, nil
	case OperationOverride:
		return OperationOverride, nil
	default:
		return "", fmt.Errorf("%w: unknown operation kind %q", ErrValidation, rawInput)
	}
}

// OperationState tracks whether a pending operation is eligible for automatic submission.
type OperationState string

const (
	// OperationQueued ops are drained by every sync cycle.
	OperationQueued OperationState = "QUEUED"
	// OperationConflicted ops were rejected by the backend and wait for manual resolution.
	OperationConflicted OperationState = "CONFLICT"
	// OperationAttention ops exhausted their retry budget.
	OperationAttention OperationState = "ATTENTION"
)

// ActiveVehicle is the local, per (lot, plate) view of a parked or exited vehicle.
type ActiveVehicle struct {
	LotID         string        `gorm:"column:lot_id;primaryKey;size:64;not null;index:idx_vehicles_lot_status,priority:1"`
	Plate         string        `gorm:"column:plate;primaryKey;size:16;not null"`
	SpotID        null.String   `gorm:"column:spot_id;size:64"`
	EntryTime     time.Time     `gorm:"column:entry_time;not null"`
	ExitTime      null.Time     `gorm:"column:exit_time"`
	Status        VehicleStatus `gorm:"column:status;size:16;not null;index:idx_vehicles_lot_status,priority:2"`
	LocalRevision int64         `gorm:"column:local_revision;not null"`
	ServerVersion int64         `gorm:"column:server_version;not null"`
	SyncState     SyncState     `gorm:"column:sync_state;size:16;not null;index"`
	UpdatedAt     time.Time     `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ActiveVehicle) TableName() string {
	return "active_vehicles"
}

// Key returns the natural identifier of the record.
func (v ActiveVehicle) Key() Key {
	return Key{LotID: LotID(v.LotID), Plate: Plate(v.Plate)}
}

// IsActive reports whether the vehicle is currently parked.
func (v ActiveVehicle) IsActive() bool {
	return v.Status == StatusActive
}

// Record projects the local row onto the wire representation.
func (v ActiveVehicle) Record() Record {
	return Record{
		Plate:     v.Plate,
		LotID:     v.LotID,
		SpotID:    v.SpotID,
		EntryTime: v.EntryTime,
		ExitTime:  v.ExitTime,
		Status:    v.Status,
		Version:   v.ServerVersion,
	}
}

// PendingOperation is an intent that the backend has not acknowledged yet.
type PendingOperation struct {
	OpID          string         `gorm:"column:op_id;primaryKey;size:64;not null"`
	Sequence      int64          `gorm:"column:sequence;not null;uniqueIndex"`
	Kind          OperationKind  `gorm:"column:kind;size:16;not null"`
	LotID         string         `gorm:"column:lot_id;size:64;not null;index:idx_pending_key,priority:1"`
	Plate         string         `gorm:"column:plate;size:16;not null;index:idx_pending_key,priority:2"`
	SpotID        null.String    `gorm:"column:spot_id;size:64"`
	EventTime     time.Time      `gorm:"column:event_time;not null"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index"`
	Attempts      int            `gorm:"column:attempts;not null"`
	LastError     null.String    `gorm:"column:last_error"`
	State         OperationState `gorm:"column:state;size:16;not null;index"`
	NextAttemptAt null.Time      `gorm:"column:next_attempt_at"`
	ConflictJSON  null.String    `gorm:"column:conflict_json"`
}

// TableName provides the explicit table binding for GORM.
func (PendingOperation) TableName() string {
	return "pending_operations"
}

// Key returns the (lot, plate) pair the operation targets.
func (op PendingOperation) Key() Key {
	return Key{LotID: LotID(op.LotID), Plate: Plate(op.Plate)}
}

// Event projects the operation onto the idempotent wire event.
func (op PendingOperation) Event() Event {
	return Event{
		OpID:      op.OpID,
		Kind:      op.Kind,
		LotID:     op.LotID,
		Plate:     op.Plate,
		SpotID:    op.SpotID,
		Timestamp: op.EventTime,
	}
}

// Due reports whether the backoff gate allows a submission at now.
func (op PendingOperation) Due(now time.Time) bool {
	if !op.NextAttemptAt.Valid {
		return true
	}
	return !now.Before(op.NextAttemptAt.Time)
}

// Key identifies an ActiveVehicle within the device.
type Key struct {
	LotID LotID
	Plate Plate
}

// String renders the key for logs.
func (k Key) String() string {
	return k.LotID.String() + "/" + k.Plate.String()
}

// Record is the canonical server representation of a vehicle.
type Record struct {
	Plate     string        `json:"plate"`
	LotID     string        `json:"lotId"`
	SpotID    null.String   `json:"spotId"`
	EntryTime time.Time     `json:"entryTime"`
	ExitTime  null.Time     `json:"exitTime"`
	Status    VehicleStatus `json:"status"`
	Version   int64         `json:"version"`
}

// LastWrite returns the timestamp of the latest physical event in the record.
func (r Record) LastWrite() time.Time {
	if r.ExitTime.Valid {
		return r.ExitTime.Time
	}
	return r.EntryTime
}

// Event is the idempotent unit submitted to the backend.
type Event struct {
	OpID      string        `json:"opId"`
	Kind      OperationKind `json:"kind"`
	LotID     string        `json:"lotId,omitempty"`
	Plate     string        `json:"plate"`
	SpotID    null.String   `json:"spotId"`
	Timestamp time.Time     `json:"timestamp"`
}

// Validate normalizes the event in place and reports malformed input.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.OpID) == "" {
		return fmt.Errorf("%w: empty op id", ErrValidation)
	}
	kind, err := ParseOperationKind(string(e.Kind))
	if err != nil {
		return err
	}
	lotID, err := NewLotID(e.LotID)
	if err != nil {
		return err
	}
	plate, err := NewPlate(e.Plate)
	if err != nil {
		return err
	}
	spotID, err := NewSpotID(e.SpotID.ValueOrZero())
	if err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrValidation)
	}
	e.Kind = kind
	e.LotID = lotID.String()
	e.Plate = plate.String()
	e.SpotID = spotID.Null()
	e.Timestamp = e.Timestamp.UTC()
	return nil
}
