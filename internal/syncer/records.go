package syncer

import (
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/backend"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"gopkg.in/guregu/null.v4"
)

// serverView is the backend state known during one cycle: the pulled
// snapshots, updated with every canonical record the backend returns.
type serverView struct {
	pulled  map[vehicles.LotID]struct{}
	records map[vehicles.Key]vehicles.Record
}

func newServerView() *serverView {
	return &serverView{
		pulled:  make(map[vehicles.LotID]struct{}),
		records: make(map[vehicles.Key]vehicles.Record),
	}
}

func (v *serverView) load(lotID vehicles.LotID, snapshot backend.Snapshot) {
	v.pulled[lotID] = struct{}{}
	for _, record := range snapshot.Vehicles {
		v.records[vehicles.Key{LotID: lotID, Plate: vehicles.Plate(record.Plate)}] = record
	}
}

func (v *serverView) put(key vehicles.Key, record vehicles.Record) {
	v.records[key] = record
}

// lookup returns the server record for key. known is false when the lot's
// snapshot was not pulled and no record was learned since, so the engine
// cannot judge the operation locally.
func (v *serverView) lookup(key vehicles.Key) (*vehicles.Record, bool) {
	if record, ok := v.records[key]; ok {
		copied := record
		return &copied, true
	}
	_, pulled := v.pulled[key.LotID]
	return nil, pulled
}

func fromRecord(key vehicles.Key, record vehicles.Record, now time.Time) vehicles.ActiveVehicle {
	return vehicles.ActiveVehicle{
		LotID:         key.LotID.String(),
		Plate:         key.Plate.String(),
		SpotID:        record.SpotID,
		EntryTime:     record.EntryTime.UTC(),
		ExitTime:      utcNullTime(record.ExitTime),
		Status:        record.Status,
		ServerVersion: record.Version,
		SyncState:     vehicles.SyncStateSynced,
		UpdatedAt:     now,
	}
}

func matchesRecord(local vehicles.ActiveVehicle, remote vehicles.Record) bool {
	return local.Status == remote.Status &&
		local.ServerVersion == remote.Version &&
		local.SpotID.ValueOrZero() == remote.SpotID.ValueOrZero() &&
		local.EntryTime.Equal(remote.EntryTime) &&
		local.ExitTime.Valid == remote.ExitTime.Valid &&
		local.ExitTime.Time.Equal(remote.ExitTime.Time)
}

func nullTime(at time.Time) null.Time {
	return null.TimeFrom(at.UTC())
}

func utcNullTime(value null.Time) null.Time {
	if !value.Valid {
		return value
	}
	return nullTime(value.Time)
}

func dedupeKeys(keys []vehicles.Key) []vehicles.Key {
	seen := make(map[vehicles.Key]struct{}, len(keys))
	unique := make([]vehicles.Key, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	return unique
}
