package vehicles

import "fmt"

// SyncState tracks how a local record relates to the backend's confirmed state.
//
// Allowed transitions:
//
//	SYNCED   -> PENDING   (local mutation)
//	PENDING  -> SYNCED    (sync success)
//	PENDING  -> CONFLICT  (sync rejection)
//	CONFLICT -> SYNCED    (manual resolution)
//
// Remaining in the same state is not a transition. Everything else is rejected by Transition.
type SyncState string

const (
	// SyncStateSynced records match the backend's confirmed state.
	SyncStateSynced SyncState = "SYNCED"
	// SyncStatePending records carry local writes the backend has not acknowledged.
	SyncStatePending SyncState = "PENDING"
	// SyncStateConflict records were contradicted by the backend and need manual review.
	SyncStateConflict SyncState = "CONFLICT"
)

var allowedSyncTransitions = map[SyncState]map[SyncState]struct{}{
	SyncStateSynced:   {SyncStatePending: {}},
	SyncStatePending:  {SyncStateSynced: {}, SyncStateConflict: {}},
	SyncStateConflict: {SyncStateSynced: {}},
}

// Valid reports whether the state is one of the enumerated values.
func (s SyncState) Valid() bool {
	_, ok := allowedSyncTransitions[s]
	return ok
}

// Transition returns next when moving from s to next is allowed.
func (s SyncState) Transition(next SyncState) (SyncState, error) {
	if !s.Valid() || !next.Valid() {
		return s, fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, s, next)
	}
	if s == next {
		return s, nil
	}
	if _, ok := allowedSyncTransitions[s][next]; !ok {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// MoveTo applies a syncState transition to the record.
func (v *ActiveVehicle) MoveTo(next SyncState) error {
	state, err := v.SyncState.Transition(next)
	if err != nil {
		return fmt.Errorf("%s: %w", v.Key(), err)
	}
	v.SyncState = state
	return nil
}
