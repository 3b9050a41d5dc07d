package vehicles

import (
	"errors"
	"testing"
	"time"

	"gopkg.in/guregu/null.v4"
)

func TestNewPlateNormalizes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Plate
		wantErr  bool
	}{
		{name: "lowercase", input: "abc123", expected: "ABC123"},
		{name: "separators", input: " ab-c 12.3 ", expected: "ABC123"},
		{name: "empty", input: "   ", wantErr: true},
		{name: "symbols", input: "AB#123", wantErr: true},
		{name: "too-long", input: "ABCDEFGHIJKLMNOPQ", wantErr: true},
		{name: "non-ascii", input: "ÄBC123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plate, err := NewPlate(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if plate != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, plate)
			}
		})
	}
}

func TestNewLotIDRejectsInvalidCharacters(t *testing.T) {
	if _, err := NewLotID("lot/1"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	lotID, err := NewLotID(" L1_north ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lotID != "L1_north" {
		t.Fatalf("unexpected lot id %q", lotID)
	}
}

func TestNewSpotIDAllowsBlank(t *testing.T) {
	spotID, err := NewSpotID("  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spotID.Null().Valid {
		t.Fatalf("expected blank spot to be null")
	}
	spotID, err = NewSpotID("B-12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spotID.Null().ValueOrZero() != "B-12" {
		t.Fatalf("unexpected spot %q", spotID.Null().ValueOrZero())
	}
}

func TestSyncStateTransitions(t *testing.T) {
	tests := []struct {
		from    SyncState
		to      SyncState
		allowed bool
	}{
		{SyncStateSynced, SyncStatePending, true},
		{SyncStatePending, SyncStateSynced, true},
		{SyncStatePending, SyncStateConflict, true},
		{SyncStateConflict, SyncStateSynced, true},
		{SyncStatePending, SyncStatePending, true},
		{SyncStateSynced, SyncStateConflict, false},
		{SyncStateConflict, SyncStatePending, false},
		{SyncState("BOGUS"), SyncStateSynced, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			next, err := tt.from.Transition(tt.to)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected transition to be allowed: %v", err)
				}
				if next != tt.to {
					t.Fatalf("expected %s, got %s", tt.to, next)
				}
				return
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected invalid transition error, got %v", err)
			}
			if next != tt.from {
				t.Fatalf("rejected transition must keep state %s, got %s", tt.from, next)
			}
		})
	}
}

func TestActiveVehicleMoveToKeepsStateOnError(t *testing.T) {
	vehicle := ActiveVehicle{LotID: "L1", Plate: "ABC123", SyncState: SyncStateConflict}
	if err := vehicle.MoveTo(SyncStatePending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if vehicle.SyncState != SyncStateConflict {
		t.Fatalf("state changed on rejected transition: %s", vehicle.SyncState)
	}
}

func TestResolveTimestampPrecedence(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	active := &Record{Plate: "ABC123", LotID: "L1", EntryTime: base, Status: StatusActive, Version: 1}
	exited := &Record{
		Plate:     "ABC123",
		LotID:     "L1",
		EntryTime: base,
		ExitTime:  null.TimeFrom(base.Add(time.Hour)),
		Status:    StatusExited,
		Version:   2,
	}

	tests := []struct {
		name          string
		current       *Record
		kind          OperationKind
		at            time.Time
		verdict       Verdict
		reason        string
		expectStatus  VehicleStatus
		expectVersion int64
	}{
		{name: "entry-new", current: nil, kind: OperationEntry, at: base, verdict: VerdictApply, expectStatus: StatusActive, expectVersion: 1},
		{name: "entry-replay", current: active, kind: OperationEntry, at: base, verdict: VerdictNoOp, expectStatus: StatusActive, expectVersion: 1},
		{name: "entry-duplicate", current: active, kind: OperationEntry, at: base.Add(time.Minute), verdict: VerdictReject, reason: ReasonDuplicateActiveEntry},
		{name: "entry-after-exit", current: exited, kind: OperationEntry, at: base.Add(2 * time.Hour), verdict: VerdictApply, expectStatus: StatusActive, expectVersion: 3},
		{name: "entry-before-exit", current: exited, kind: OperationEntry, at: base.Add(30 * time.Minute), verdict: VerdictReject, reason: ReasonStaleEntry},
		{name: "exit-active", current: active, kind: OperationExit, at: base.Add(time.Hour), verdict: VerdictApply, expectStatus: StatusExited, expectVersion: 2},
		{name: "exit-unknown", current: nil, kind: OperationExit, at: base, verdict: VerdictReject, reason: ReasonNoActiveEntry},
		{name: "exit-before-entry", current: active, kind: OperationExit, at: base.Add(-time.Minute), verdict: VerdictReject, reason: ReasonExitBeforeEntry},
		{name: "exit-redundant", current: exited, kind: OperationExit, at: base.Add(2 * time.Hour), verdict: VerdictNoOp, expectStatus: StatusExited, expectVersion: 2},
		{name: "exit-stale", current: exited, kind: OperationExit, at: base.Add(10 * time.Minute), verdict: VerdictReject, reason: ReasonStaleExit},
		{name: "override-active", current: active, kind: OperationOverride, at: base.Add(time.Minute), verdict: VerdictApply, expectStatus: StatusActive, expectVersion: 2},
		{name: "override-stale", current: active, kind: OperationOverride, at: base.Add(-time.Minute), verdict: VerdictReject, reason: ReasonStaleOverride},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := Event{OpID: "op-1", Kind: tt.kind, LotID: "L1", Plate: "ABC123", Timestamp: tt.at}
			resolution := Resolve(tt.current, event)
			if resolution.Verdict != tt.verdict {
				t.Fatalf("expected verdict %s, got %s (%s)", tt.verdict, resolution.Verdict, resolution.Reason)
			}
			if resolution.Reason != tt.reason {
				t.Fatalf("expected reason %q, got %q", tt.reason, resolution.Reason)
			}
			if tt.verdict == VerdictReject {
				return
			}
			if resolution.Record == nil {
				t.Fatalf("expected a record")
			}
			if resolution.Record.Status != tt.expectStatus {
				t.Fatalf("expected status %s, got %s", tt.expectStatus, resolution.Record.Status)
			}
			if resolution.Record.Version != tt.expectVersion {
				t.Fatalf("expected version %d, got %d", tt.expectVersion, resolution.Record.Version)
			}
		})
	}
}

func TestResolveDoesNotMutateCurrent(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	current := &Record{Plate: "ABC123", LotID: "L1", EntryTime: base, Status: StatusActive, Version: 4}
	resolution := Resolve(current, Event{OpID: "op", Kind: OperationExit, LotID: "L1", Plate: "ABC123", Timestamp: base.Add(time.Hour)})
	if resolution.Verdict != VerdictApply {
		t.Fatalf("expected apply, got %s", resolution.Verdict)
	}
	if current.Status != StatusActive || current.ExitTime.Valid || current.Version != 4 {
		t.Fatalf("current record was mutated: %#v", current)
	}
}

func TestEventValidateNormalizes(t *testing.T) {
	event := Event{
		OpID:      "op-1",
		Kind:      "exit",
		LotID:     " L1 ",
		Plate:     "abc-123",
		SpotID:    null.StringFrom(" "),
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("X", 3600)),
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Kind != OperationExit || event.LotID != "L1" || event.Plate != "ABC123" {
		t.Fatalf("event not normalized: %#v", event)
	}
	if event.SpotID.Valid {
		t.Fatalf("expected blank spot to become null")
	}
	if event.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp")
	}

	missing := Event{OpID: "op-2", Kind: OperationEntry, LotID: "L1", Plate: "ABC123"}
	if err := missing.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing timestamp, got %v", err)
	}
}

func TestStorageErrorMatchesSentinel(t *testing.T) {
	cause := errors.New("disk full")
	err := NewStorageError("upsert", cause)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage sentinel match")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
	if NewStorageError("noop", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}
