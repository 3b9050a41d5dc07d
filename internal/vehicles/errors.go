package vehicles

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed plate, lot, spot or event input.
	ErrValidation = errors.New("vehicles: validation failed")
	// ErrDuplicateActiveEntry indicates the plate is already ACTIVE in the lot.
	ErrDuplicateActiveEntry = errors.New("vehicles: duplicate active entry")
	// ErrNoActiveEntry indicates an exit for a plate that is not ACTIVE in the lot.
	ErrNoActiveEntry = errors.New("vehicles: no active entry")
	// ErrStorage indicates a local storage failure; the write must be treated as not applied.
	ErrStorage = errors.New("vehicles: storage failure")
	// ErrTransientSync indicates a network, timeout or server-side failure worth retrying.
	ErrTransientSync = errors.New("vehicles: transient sync failure")
	// ErrSyncConflict indicates the backend state contradicts a pending local write.
	ErrSyncConflict = errors.New("vehicles: sync conflict")
	// ErrInvalidTransition indicates a syncState change outside the allowed state machine.
	ErrInvalidTransition = errors.New("vehicles: invalid sync state transition")
)

// StorageError wraps a LocalStore failure with the operation that produced it.
type StorageError struct {
	Operation string
	Err       error
}

// NewStorageError wraps cause; a nil cause yields nil.
func NewStorageError(operation string, cause error) error {
	if cause == nil {
		return nil
	}
	var existing *StorageError
	if errors.As(cause, &existing) {
		return cause
	}
	return &StorageError{Operation: operation, Err: cause}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage.Error(), e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}
