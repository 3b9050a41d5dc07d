// Package store is the durable on-device storage for active-vehicle records and
// pending operations. Every call is a synchronous SQLite statement; nothing is
// buffered, so the full cache state can be rebuilt from the store alone after an
// abrupt restart.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opGet           = "store.get"
	opFind          = "store.find"
	opUpsert        = "store.upsert"
	opAppendPending = "store.append_pending"
	opFindPending   = "store.find_pending"
	opListPending   = "store.list_pending"
	opUpdatePending = "store.update_pending"
	opRemovePending = "store.remove_pending"
	opClearBackoff  = "store.clear_backoff"
	opLots          = "store.lots"
	opTransaction   = "store.transaction"

	queryLot      = "lot_id = ?"
	queryLotPlate = "lot_id = ? AND plate = ?"
	queryOpID     = "op_id = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Config describes the store dependencies.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store implements the LocalStore contract over GORM. A Store obtained from
// Transaction is bound to that transaction and must not escape the callback.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, vehicles.NewStorageError("store.new", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Models lists the tables owned by the store, for schema migration.
func Models() []any {
	return []any{&vehicles.ActiveVehicle{}, &vehicles.PendingOperation{}}
}

// Transaction runs fn with a Store bound to a single database transaction.
// The single-connection pool makes every transaction on the device sequential.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	var callbackErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		callbackErr = fn(&Store{db: tx, logger: s.logger})
		return callbackErr
	})
	if callbackErr != nil {
		return callbackErr
	}
	if err != nil {
		s.logError(opTransaction, err)
		return vehicles.NewStorageError(opTransaction, err)
	}
	return nil
}

// Get returns every record stored for the lot, ordered by plate.
func (s *Store) Get(ctx context.Context, lotID vehicles.LotID) ([]vehicles.ActiveVehicle, error) {
	var records []vehicles.ActiveVehicle
	if err := s.db.WithContext(ctx).
		Where(queryLot, lotID.String()).
		Order("plate ASC").
		Find(&records).Error; err != nil {
		s.logError(opGet, err, zap.String("lot_id", lotID.String()))
		return nil, vehicles.NewStorageError(opGet, err)
	}
	return records, nil
}

// Find returns the record for the key, or nil when the plate was never seen in the lot.
func (s *Store) Find(ctx context.Context, key vehicles.Key) (*vehicles.ActiveVehicle, error) {
	var record vehicles.ActiveVehicle
	err := s.db.WithContext(ctx).
		Where(queryLotPlate, key.LotID.String(), key.Plate.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFind, err, zap.String("key", key.String()))
		return nil, vehicles.NewStorageError(opFind, err)
	}
	return &record, nil
}

// Upsert inserts or replaces the record keyed by (lot, plate).
func (s *Store) Upsert(ctx context.Context, record *vehicles.ActiveVehicle) error {
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(record).Error; err != nil {
		s.logError(opUpsert, err, zap.String("key", record.Key().String()))
		return vehicles.NewStorageError(opUpsert, err)
	}
	return nil
}

// AppendPending stores a new pending operation at the tail of the insertion sequence.
// The caller is responsible for idempotency checks; a duplicate op id fails.
func (s *Store) AppendPending(ctx context.Context, op *vehicles.PendingOperation) error {
	var maxSequence int64
	if err := s.db.WithContext(ctx).
		Model(&vehicles.PendingOperation{}).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&maxSequence).Error; err != nil {
		s.logError(opAppendPending, err, zap.String("op_id", op.OpID))
		return vehicles.NewStorageError(opAppendPending, err)
	}
	op.Sequence = maxSequence + 1
	if op.State == "" {
		op.State = vehicles.OperationQueued
	}
	if err := s.db.WithContext(ctx).Create(op).Error; err != nil {
		s.logError(opAppendPending, err, zap.String("op_id", op.OpID))
		return vehicles.NewStorageError(opAppendPending, err)
	}
	return nil
}

// FindPending returns the operation with the id, or nil.
func (s *Store) FindPending(ctx context.Context, opID string) (*vehicles.PendingOperation, error) {
	var op vehicles.PendingOperation
	err := s.db.WithContext(ctx).Where(queryOpID, opID).Take(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opFindPending, err, zap.String("op_id", opID))
		return nil, vehicles.NewStorageError(opFindPending, err)
	}
	return &op, nil
}

// ListPending returns every pending operation ordered by creation time, ties
// broken by insertion sequence.
func (s *Store) ListPending(ctx context.Context) ([]vehicles.PendingOperation, error) {
	var ops []vehicles.PendingOperation
	if err := s.db.WithContext(ctx).
		Order("sequence ASC").
		Find(&ops).Error; err != nil {
		s.logError(opListPending, err)
		return nil, vehicles.NewStorageError(opListPending, err)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].Sequence < ops[j].Sequence
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})
	return ops, nil
}

// UpdatePending persists retry bookkeeping and state changes of an operation.
func (s *Store) UpdatePending(ctx context.Context, op *vehicles.PendingOperation) error {
	result := s.db.WithContext(ctx).Save(op)
	if result.Error != nil {
		s.logError(opUpdatePending, result.Error, zap.String("op_id", op.OpID))
		return vehicles.NewStorageError(opUpdatePending, result.Error)
	}
	return nil
}

// ClearBackoff removes the next-attempt gate from every operation in state,
// returning how many were released.
func (s *Store) ClearBackoff(ctx context.Context, state vehicles.OperationState) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&vehicles.PendingOperation{}).
		Where("state = ? AND next_attempt_at IS NOT NULL", state).
		Update("next_attempt_at", nil)
	if result.Error != nil {
		s.logError(opClearBackoff, result.Error)
		return 0, vehicles.NewStorageError(opClearBackoff, result.Error)
	}
	return result.RowsAffected, nil
}

// RemovePending deletes the operation. Removing an unknown id is not an error.
func (s *Store) RemovePending(ctx context.Context, opID string) error {
	if err := s.db.WithContext(ctx).
		Where(queryOpID, opID).
		Delete(&vehicles.PendingOperation{}).Error; err != nil {
		s.logError(opRemovePending, err, zap.String("op_id", opID))
		return vehicles.NewStorageError(opRemovePending, err)
	}
	return nil
}

// Lots returns every lot known locally through records or pending operations.
func (s *Store) Lots(ctx context.Context) ([]vehicles.LotID, error) {
	var recordLots []string
	if err := s.db.WithContext(ctx).
		Model(&vehicles.ActiveVehicle{}).
		Distinct().
		Pluck("lot_id", &recordLots).Error; err != nil {
		s.logError(opLots, err)
		return nil, vehicles.NewStorageError(opLots, err)
	}
	var pendingLots []string
	if err := s.db.WithContext(ctx).
		Model(&vehicles.PendingOperation{}).
		Distinct().
		Pluck("lot_id", &pendingLots).Error; err != nil {
		s.logError(opLots, err)
		return nil, vehicles.NewStorageError(opLots, err)
	}

	seen := make(map[string]struct{}, len(recordLots)+len(pendingLots))
	lots := make([]vehicles.LotID, 0, len(recordLots)+len(pendingLots))
	for _, lot := range append(recordLots, pendingLots...) {
		if _, ok := seen[lot]; ok {
			continue
		}
		seen[lot] = struct{}{}
		lots = append(lots, vehicles.LotID(lot))
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i] < lots[j] })
	return lots, nil
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
