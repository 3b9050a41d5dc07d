// Package cache is the single entry point the attendant application uses:
// it records entry and exit intents optimistically, lists the vehicles of a
// lot straight from LocalStore and notifies subscribers after every local
// mutation, whether it came from an intent or from a sync cycle.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/queue"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/store"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"
)

const (
	opNew             = "cache.new"
	opRegisterEntry   = "cache.register_entry"
	opRegisterExit    = "cache.register_exit"
	opListActive      = "cache.list_active"
	opResolveConflict = "cache.resolve_conflict"
	opRetryOperation  = "cache.retry_operation"
	opLoad            = "cache.load"

	// ChangeSourceIntent marks changes produced by local intents.
	ChangeSourceIntent = "intent"
	// ChangeSourceSync marks changes produced by a sync cycle.
	ChangeSourceSync = "sync"
	// ChangeSourceResolution marks changes produced by manual conflict handling.
	ChangeSourceResolution = "resolution"
)

var (
	errMissingStore = errors.New("store is required")
	errMissingQueue = errors.New("queue is required")
	// ErrNoConflict indicates a resolution request for a record that is not in CONFLICT.
	ErrNoConflict = errors.New("cache: record is not in conflict")
	noOpLogger    = zap.NewNop()
)

// IDProvider issues operation identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Syncer is the part of the sync engine the cache drives.
type Syncer interface {
	Trigger()
	Online() bool
	OnChange(func([]vehicles.Key))
}

// Config describes the cache dependencies.
type Config struct {
	Store      *store.Store
	Queue      *queue.Queue
	Syncer     Syncer
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// EntryRequest is an entry intent. Override replaces an ACTIVE record for the
// same plate instead of failing with ErrDuplicateActiveEntry.
type EntryRequest struct {
	Plate    string
	LotID    string
	SpotID   string
	Override bool
}

// Change is delivered to subscribers after every LocalStore mutation.
type Change struct {
	Source  string
	Keys    []vehicles.Key
	Records []vehicles.ActiveVehicle
}

// Cache is the ActiveVehicleCache facade. Its in-memory view is derived from
// LocalStore and can always be rebuilt with Load.
type Cache struct {
	store      *store.Store
	queue      *queue.Queue
	syncer     Syncer
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger

	mu          sync.RWMutex
	view        map[vehicles.Key]vehicles.ActiveVehicle
	subscribers map[int64]func(Change)
	nextID      int64
}

// New constructs a Cache and registers it for sync-cycle change notifications.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingStore)
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("%s: %w", opNew, errMissingQueue)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	cache := &Cache{
		store:       cfg.Store,
		queue:       cfg.Queue,
		syncer:      cfg.Syncer,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		view:        make(map[vehicles.Key]vehicles.ActiveVehicle),
		subscribers: make(map[int64]func(Change)),
	}
	if cache.syncer != nil {
		cache.syncer.OnChange(func(keys []vehicles.Key) {
			cache.refresh(context.Background(), ChangeSourceSync, keys)
		})
	}
	return cache, nil
}

// RegisterEntry records a vehicle entering a lot. The record is written
// optimistically and the operation enqueued in one store transaction; the
// call never waits for the backend.
func (c *Cache) RegisterEntry(ctx context.Context, request EntryRequest) (vehicles.ActiveVehicle, error) {
	plate, err := vehicles.NewPlate(request.Plate)
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	lotID, err := vehicles.NewLotID(request.LotID)
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	spotID, err := vehicles.NewSpotID(request.SpotID)
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	key := vehicles.Key{LotID: lotID, Plate: plate}

	kind := vehicles.OperationEntry
	record, err := c.mutate(ctx, opRegisterEntry, key, func(current *vehicles.ActiveVehicle, now time.Time) (vehicles.ActiveVehicle, vehicles.OperationKind, error) {
		if current != nil && current.IsActive() {
			if !request.Override {
				return vehicles.ActiveVehicle{}, "", fmt.Errorf("%w: %s", vehicles.ErrDuplicateActiveEntry, key)
			}
			kind = vehicles.OperationOverride
		}
		next := vehicles.ActiveVehicle{
			LotID:     lotID.String(),
			Plate:     plate.String(),
			SyncState: vehicles.SyncStateSynced,
		}
		if current != nil {
			next = *current
		}
		next.SpotID = spotID.Null()
		next.EntryTime = now
		next.ExitTime = null.Time{}
		next.Status = vehicles.StatusActive
		return next, kind, nil
	})
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	return record, nil
}

// RegisterExit records a vehicle leaving a lot.
func (c *Cache) RegisterExit(ctx context.Context, rawPlate, rawLotID string) (vehicles.ActiveVehicle, error) {
	plate, err := vehicles.NewPlate(rawPlate)
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	lotID, err := vehicles.NewLotID(rawLotID)
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	key := vehicles.Key{LotID: lotID, Plate: plate}

	return c.mutate(ctx, opRegisterExit, key, func(current *vehicles.ActiveVehicle, now time.Time) (vehicles.ActiveVehicle, vehicles.OperationKind, error) {
		if current == nil || !current.IsActive() {
			return vehicles.ActiveVehicle{}, "", fmt.Errorf("%w: %s", vehicles.ErrNoActiveEntry, key)
		}
		next := *current
		exitTime := now
		if exitTime.Before(next.EntryTime) {
			exitTime = next.EntryTime
		}
		next.ExitTime = null.TimeFrom(exitTime)
		next.Status = vehicles.StatusExited
		return next, vehicles.OperationExit, nil
	})
}

type mutation func(current *vehicles.ActiveVehicle, now time.Time) (vehicles.ActiveVehicle, vehicles.OperationKind, error)

// mutate runs the invariant check, the optimistic write and the enqueue in a
// single transaction. The single store connection serializes concurrent
// intents, so the second of two racing entries observes the first.
func (c *Cache) mutate(ctx context.Context, operation string, key vehicles.Key, apply mutation) (vehicles.ActiveVehicle, error) {
	opID, err := c.idProvider.NewID()
	if err != nil {
		c.logError(operation, "id_generation_failed", err, zap.String("key", key.String()))
		return vehicles.ActiveVehicle{}, fmt.Errorf("%s: generate op id: %w", operation, err)
	}

	var (
		stored     vehicles.ActiveVehicle
		conflicted bool
	)
	err = c.store.Transaction(ctx, func(tx *store.Store) error {
		current, err := tx.Find(ctx, key)
		if err != nil {
			return err
		}
		// A record in CONFLICT keeps its state: the new op queues behind the
		// conflicted one and is replayed when the conflict is resolved.
		conflicted = current != nil && current.SyncState == vehicles.SyncStateConflict
		now := c.now()
		next, kind, err := apply(current, now)
		if err != nil {
			return err
		}
		if !conflicted {
			if err := next.MoveTo(vehicles.SyncStatePending); err != nil {
				return err
			}
		}
		next.LocalRevision++
		next.UpdatedAt = now
		if err := tx.Upsert(ctx, &next); err != nil {
			return err
		}

		eventTime := next.EntryTime
		if kind == vehicles.OperationExit {
			eventTime = next.ExitTime.Time
		}
		if _, err := c.queue.On(tx).Enqueue(ctx, &vehicles.PendingOperation{
			OpID:      opID,
			Kind:      kind,
			LotID:     key.LotID.String(),
			Plate:     key.Plate.String(),
			SpotID:    next.SpotID,
			EventTime: eventTime,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		stored = next
		return nil
	})
	if err != nil {
		if errors.Is(err, vehicles.ErrStorage) {
			c.logError(operation, "store_failed", err, zap.String("key", key.String()))
		}
		return vehicles.ActiveVehicle{}, err
	}

	if conflicted {
		c.logger.Info("intent queued behind unresolved conflict",
			zap.String("operation", operation),
			zap.String("key", key.String()),
			zap.String("op_id", opID))
	} else {
		c.logger.Debug("intent recorded",
			zap.String("operation", operation),
			zap.String("key", key.String()),
			zap.String("op_id", opID))
	}
	c.apply(ChangeSourceIntent, []vehicles.ActiveVehicle{stored})
	if c.syncer != nil && c.syncer.Online() {
		c.syncer.Trigger()
	}
	return stored, nil
}

// ListActive returns the ACTIVE vehicles of a lot straight from LocalStore,
// ordered by plate. It works the same online and offline.
func (c *Cache) ListActive(ctx context.Context, rawLotID string) ([]vehicles.ActiveVehicle, error) {
	lotID, err := vehicles.NewLotID(rawLotID)
	if err != nil {
		return nil, err
	}
	records, err := c.store.Get(ctx, lotID)
	if err != nil {
		c.logError(opListActive, "store_failed", err, zap.String("lot_id", lotID.String()))
		return nil, err
	}
	active := make([]vehicles.ActiveVehicle, 0, len(records))
	for _, record := range records {
		if record.IsActive() {
			active = append(active, record)
		}
	}
	return active, nil
}

// Pending returns the queued operations in drain order.
func (c *Cache) Pending(ctx context.Context) ([]vehicles.PendingOperation, error) {
	return c.queue.Ordered(ctx)
}

// ResolveConflict accepts the backend's state for a record in CONFLICT: the
// conflicted operations for the key are abandoned and the record moves to
// SYNCED with the server's version. Operations queued behind the conflict are
// kept and re-applied on top, leaving the record PENDING again.
func (c *Cache) ResolveConflict(ctx context.Context, rawLotID, rawPlate string) (vehicles.ActiveVehicle, error) {
	lotID, err := vehicles.NewLotID(rawLotID)
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	plate, err := vehicles.NewPlate(rawPlate)
	if err != nil {
		return vehicles.ActiveVehicle{}, err
	}
	key := vehicles.Key{LotID: lotID, Plate: plate}

	var resolved vehicles.ActiveVehicle
	err = c.store.Transaction(ctx, func(tx *store.Store) error {
		current, err := tx.Find(ctx, key)
		if err != nil {
			return err
		}
		if current == nil || current.SyncState != vehicles.SyncStateConflict {
			return fmt.Errorf("%w: %s", ErrNoConflict, key)
		}
		bound := c.queue.On(tx)
		ops, err := bound.ForKey(ctx, key)
		if err != nil {
			return err
		}

		next := *current
		var remaining []vehicles.PendingOperation
		for _, op := range ops {
			if op.State != vehicles.OperationConflicted {
				remaining = append(remaining, op)
				continue
			}
			record, err := queue.ConflictRecord(op)
			if err != nil {
				return err
			}
			if record != nil {
				next.SpotID = record.SpotID
				next.EntryTime = record.EntryTime.UTC()
				next.ExitTime = record.ExitTime
				next.Status = record.Status
				next.ServerVersion = record.Version
			}
			if err := bound.Abandon(ctx, op.OpID); err != nil {
				return err
			}
		}
		if err := next.MoveTo(vehicles.SyncStateSynced); err != nil {
			return err
		}
		if len(remaining) > 0 {
			for _, op := range remaining {
				replay(&next, op)
			}
			if err := next.MoveTo(vehicles.SyncStatePending); err != nil {
				return err
			}
			next.LocalRevision++
		}
		next.UpdatedAt = c.now()
		if err := tx.Upsert(ctx, &next); err != nil {
			return err
		}
		resolved = next
		return nil
	})
	if err != nil {
		c.logError(opResolveConflict, "resolve_failed", err, zap.String("key", key.String()))
		return vehicles.ActiveVehicle{}, err
	}

	c.logger.Info("conflict resolved with backend state", zap.String("key", key.String()))
	c.apply(ChangeSourceResolution, []vehicles.ActiveVehicle{resolved})
	if c.syncer != nil && c.syncer.Online() {
		c.syncer.Trigger()
	}
	return resolved, nil
}

// RetryOperation re-arms an operation that exhausted its retry budget.
func (c *Cache) RetryOperation(ctx context.Context, opID string) (vehicles.PendingOperation, error) {
	op, err := c.queue.Retry(ctx, opID)
	if err != nil {
		c.logError(opRetryOperation, "retry_failed", err, zap.String("op_id", opID))
		return vehicles.PendingOperation{}, err
	}
	if c.syncer != nil && c.syncer.Online() {
		c.syncer.Trigger()
	}
	return *op, nil
}

// Load rebuilds the in-memory view from LocalStore, e.g. after a restart.
func (c *Cache) Load(ctx context.Context) error {
	lots, err := c.store.Lots(ctx)
	if err != nil {
		c.logError(opLoad, "lots_failed", err)
		return err
	}
	view := make(map[vehicles.Key]vehicles.ActiveVehicle)
	for _, lotID := range lots {
		records, err := c.store.Get(ctx, lotID)
		if err != nil {
			c.logError(opLoad, "get_failed", err, zap.String("lot_id", lotID.String()))
			return err
		}
		for _, record := range records {
			view[record.Key()] = record
		}
	}
	c.mu.Lock()
	c.view = view
	c.mu.Unlock()
	c.logger.Info("active vehicle cache loaded", zap.Int("lots", len(lots)), zap.Int("records", len(view)))
	return nil
}

// Snapshot returns the cached view of a lot, including EXITED records.
func (c *Cache) Snapshot(lotID vehicles.LotID) []vehicles.ActiveVehicle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := make([]vehicles.ActiveVehicle, 0)
	for key, record := range c.view {
		if key.LotID == lotID {
			records = append(records, record)
		}
	}
	sortByPlate(records)
	return records
}

// Subscribe registers callback for change notifications and returns its
// unsubscribe handle. Callbacks run synchronously on the mutating goroutine
// and must not block.
func (c *Cache) Subscribe(callback func(Change)) func() {
	if callback == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subscribers[id] = callback
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// refresh reloads the given keys from LocalStore after a sync cycle.
func (c *Cache) refresh(ctx context.Context, source string, keys []vehicles.Key) {
	records := make([]vehicles.ActiveVehicle, 0, len(keys))
	for _, key := range keys {
		record, err := c.store.Find(ctx, key)
		if err != nil {
			c.logError(opLoad, "refresh_failed", err, zap.String("key", key.String()))
			continue
		}
		if record != nil {
			records = append(records, *record)
		}
	}
	c.apply(source, records)
}

func (c *Cache) apply(source string, records []vehicles.ActiveVehicle) {
	if len(records) == 0 {
		return
	}
	change := Change{Source: source, Records: records, Keys: make([]vehicles.Key, 0, len(records))}
	c.mu.Lock()
	for _, record := range records {
		c.view[record.Key()] = record
		change.Keys = append(change.Keys, record.Key())
	}
	callbacks := make([]func(Change), 0, len(c.subscribers))
	for _, callback := range c.subscribers {
		callbacks = append(callbacks, callback)
	}
	c.mu.Unlock()

	for _, callback := range callbacks {
		callback(change)
	}
}

func replay(record *vehicles.ActiveVehicle, op vehicles.PendingOperation) {
	switch op.Kind {
	case vehicles.OperationExit:
		record.Status = vehicles.StatusExited
		record.ExitTime = null.TimeFrom(op.EventTime)
	default:
		record.Status = vehicles.StatusActive
		record.EntryTime = op.EventTime
		record.ExitTime = null.Time{}
		record.SpotID = op.SpotID
	}
}

func sortByPlate(records []vehicles.ActiveVehicle) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Plate < records[j].Plate
	})
}

func (c *Cache) now() time.Time {
	return c.clock().UTC().Truncate(time.Millisecond)
}

func (c *Cache) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("active vehicle cache error", attrs...)
}
