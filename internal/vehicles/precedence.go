package vehicles

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// Verdict is the outcome of applying an event to the authoritative record.
type Verdict string

const (
	// VerdictApply means the event changes the record.
	VerdictApply Verdict = "apply"
	// VerdictNoOp means the record already reflects the event.
	VerdictNoOp Verdict = "noop"
	// VerdictReject means the event contradicts the record and needs manual review.
	VerdictReject Verdict = "reject"
)

// Rejection reasons shared by the backend and the sync engine.
const (
	ReasonDuplicateActiveEntry = "duplicate_active_entry"
	ReasonNoActiveEntry        = "no_active_entry"
	ReasonStaleEntry           = "stale_entry"
	ReasonStaleExit            = "stale_exit"
	ReasonExitBeforeEntry      = "exit_before_entry"
	ReasonStaleOverride        = "stale_override"
)

// Resolution carries the verdict plus the record callers should persist or report.
// On VerdictApply Record is the next state; otherwise it is the current state (nil when absent).
type Resolution struct {
	Verdict Verdict
	Record  *Record
	Reason  string
}

// Resolve applies timestamp precedence between the authoritative record for a
// (lot, plate) and an incoming event. The event must already be validated.
//
// An event strictly later than the record's last write is applied on top; an
// event strictly earlier than a write the record already holds is rejected.
// Replays of an event the record already reflects (same entry or an exit at or
// after the recorded exit) are no-ops, which keeps retried submissions idempotent.
func Resolve(current *Record, event Event) Resolution {
	timestamp := event.Timestamp.UTC()

	switch event.Kind {
	case OperationEntry:
		if current == nil {
			return apply(nil, event, timestamp)
		}
		if current.Status == StatusActive {
			if current.EntryTime.Equal(timestamp) {
				return keep(current, VerdictNoOp, "")
			}
			return keep(current, VerdictReject, ReasonDuplicateActiveEntry)
		}
		if timestamp.Before(current.LastWrite()) {
			return keep(current, VerdictReject, ReasonStaleEntry)
		}
		return apply(current, event, timestamp)

	case OperationOverride:
		if current == nil {
			return apply(nil, event, timestamp)
		}
		if current.Status == StatusActive && current.EntryTime.Equal(timestamp) {
			return keep(current, VerdictNoOp, "")
		}
		if timestamp.Before(current.LastWrite()) {
			return keep(current, VerdictReject, ReasonStaleOverride)
		}
		return apply(current, event, timestamp)

	case OperationExit:
		if current == nil {
			return keep(nil, VerdictReject, ReasonNoActiveEntry)
		}
		if current.Status == StatusExited {
			if !timestamp.Before(current.ExitTime.Time) {
				return keep(current, VerdictNoOp, "")
			}
			return keep(current, VerdictReject, ReasonStaleExit)
		}
		if timestamp.Before(current.EntryTime) {
			return keep(current, VerdictReject, ReasonExitBeforeEntry)
		}
		next := *current
		next.Status = StatusExited
		next.ExitTime = null.TimeFrom(timestamp)
		next.Version = nextVersion(current.Version)
		return Resolution{Verdict: VerdictApply, Record: &next}
	}

	return keep(current, VerdictReject, "unknown_operation")
}

func apply(current *Record, event Event, timestamp time.Time) Resolution {
	var version int64
	if current != nil {
		version = current.Version
	}
	next := Record{
		Plate:     event.Plate,
		LotID:     event.LotID,
		SpotID:    event.SpotID,
		EntryTime: timestamp,
		ExitTime:  null.Time{},
		Status:    StatusActive,
		Version:   nextVersion(version),
	}
	return Resolution{Verdict: VerdictApply, Record: &next}
}

func keep(current *Record, verdict Verdict, reason string) Resolution {
	if current == nil {
		return Resolution{Verdict: verdict, Reason: reason}
	}
	copyCurrent := *current
	return Resolution{Verdict: verdict, Record: &copyCurrent, Reason: reason}
}

func nextVersion(current int64) int64 {
	next := current + 1
	if next <= 0 {
		next = 1
	}
	return next
}
