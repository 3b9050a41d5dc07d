// Package syncer reconciles the device's optimistic local state with the
// authoritative backend.
//
// A cycle pulls the snapshot of every relevant lot, lets the server win for
// every SYNCED local record and then drains the mutation queue in order.
// Operations for one (lot, plate) are strictly ordered: an operation that is
// not submitted in a cycle (conflicted, waiting for backoff, failed
// transiently) holds back every later operation for the same key, so an EXIT
// never reaches the backend before its ENTRY was acknowledged.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/backend"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/netmon"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/queue"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/store"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"go.uber.org/zap"
)

const (
	defaultInterval = time.Minute

	opRunCycle = "syncer.run_cycle"
	opPull     = "syncer.pull"
	opSettle   = "syncer.settle"
	opConflict = "syncer.conflict"
	opDrain    = "syncer.drain"
)

var (
	errMissingStore   = errors.New("store is required")
	errMissingQueue   = errors.New("queue is required")
	errMissingBackend = errors.New("backend is required")
	// ErrCycleCancelled is returned when a cycle was abandoned mid-flight.
	ErrCycleCancelled = errors.New("syncer: cycle cancelled")
	noOpLogger        = zap.NewNop()
)

// Backend is the subset of the backend API the engine consumes.
type Backend interface {
	Snapshot(ctx context.Context, lotID vehicles.LotID) (backend.Snapshot, error)
	Submit(ctx context.Context, event vehicles.Event) (backend.SubmitResult, error)
}

// Config describes the engine dependencies.
type Config struct {
	Store    *store.Store
	Queue    *queue.Queue
	Backend  Backend
	Monitor  *netmon.Monitor
	Lots     []vehicles.LotID
	Interval time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	Lots         int
	FailedPulls  int
	Overwritten  int
	Acknowledged int
	NoOps        int
	Conflicts    int
	Transient    int
	Attention    int
	Held         int
	Changed      []vehicles.Key
}

// Engine runs sync cycles. Cycles never overlap.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	backend  Backend
	monitor  *netmon.Monitor
	lots     []vehicles.LotID
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	cycleMu  sync.Mutex
	trigger  chan struct{}
	hookMu   sync.RWMutex
	onChange func([]vehicles.Key)
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	// rearm is set when connectivity returns; the next cycle releases ops
	// still waiting out a backoff from the outage.
	rearm atomic.Bool
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Engine{
		store:    cfg.Store,
		queue:    cfg.Queue,
		backend:  cfg.Backend,
		monitor:  cfg.Monitor,
		lots:     append([]vehicles.LotID(nil), cfg.Lots...),
		interval: interval,
		clock:    clock,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}, nil
}

// OnChange registers the hook invoked with the keys a cycle mutated locally.
func (e *Engine) OnChange(hook func([]vehicles.Key)) {
	e.hookMu.Lock()
	e.onChange = hook
	e.hookMu.Unlock()
}

// RunCycle performs one pull-then-drain cycle. It waits for an in-flight
// cycle to finish first. Failures of individual lots or operations are
// isolated and reported, not returned.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	cycleCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancel = cancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		e.cancel = nil
		e.cancelMu.Unlock()
		cancel()
	}()

	report, err := e.runCycle(cycleCtx)
	e.notify(report.Changed)
	if err == nil && cycleCtx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrCycleCancelled, cycleCtx.Err())
	}
	if err != nil {
		if errors.Is(err, ErrCycleCancelled) {
			e.logger.Info("sync cycle cancelled", zap.Int("acknowledged", report.Acknowledged))
		} else {
			e.logError(opRunCycle, err)
		}
		return report, err
	}
	e.logger.Debug("sync cycle finished",
		zap.Int("lots", report.Lots),
		zap.Int("overwritten", report.Overwritten),
		zap.Int("acknowledged", report.Acknowledged),
		zap.Int("noops", report.NoOps),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("transient", report.Transient),
		zap.Int("held", report.Held))
	return report, nil
}

// CancelInFlight abandons the running cycle, if any. Acknowledged progress is kept.
func (e *Engine) CancelInFlight() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) runCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	if e.rearm.Swap(false) {
		if _, err := e.queue.RearmBackoff(ctx); err != nil {
			e.rearm.Store(true)
			return report, err
		}
	}

	lots, err := e.relevantLots(ctx)
	if err != nil {
		return report, err
	}
	report.Lots = len(lots)

	view := newServerView()
	for _, lotID := range lots {
		snapshot, err := e.backend.Snapshot(ctx, lotID)
		if err != nil {
			if ctx.Err() != nil {
				return report, fmt.Errorf("%w: %v", ErrCycleCancelled, ctx.Err())
			}
			report.FailedPulls++
			e.logError(opPull, err, zap.String("lot_id", lotID.String()))
			continue
		}
		view.load(lotID, snapshot)
		changed, err := e.overwriteSynced(ctx, lotID, snapshot)
		if err != nil {
			report.FailedPulls++
			e.logError(opPull, err, zap.String("lot_id", lotID.String()))
			continue
		}
		report.Overwritten += len(changed)
		report.Changed = append(report.Changed, changed...)
	}

	return report, e.drain(ctx, view, &report)
}

func (e *Engine) relevantLots(ctx context.Context) ([]vehicles.LotID, error) {
	local, err := e.store.Lots(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[vehicles.LotID]struct{}, len(local)+len(e.lots))
	lots := make([]vehicles.LotID, 0, len(local)+len(e.lots))
	for _, lotID := range append(append([]vehicles.LotID(nil), e.lots...), local...) {
		if _, ok := seen[lotID]; ok {
			continue
		}
		seen[lotID] = struct{}{}
		lots = append(lots, lotID)
	}
	return lots, nil
}

// overwriteSynced lets the snapshot win for every SYNCED record of the lot.
// PENDING and CONFLICT records are left alone.
func (e *Engine) overwriteSynced(ctx context.Context, lotID vehicles.LotID, snapshot backend.Snapshot) ([]vehicles.Key, error) {
	var changed []vehicles.Key
	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		local, err := tx.Get(ctx, lotID)
		if err != nil {
			return err
		}
		byKey := make(map[vehicles.Key]vehicles.ActiveVehicle, len(local))
		for _, record := range local {
			byKey[record.Key()] = record
		}

		now := e.now()
		seen := make(map[vehicles.Key]struct{}, len(snapshot.Vehicles))
		for _, remote := range snapshot.Vehicles {
			key := vehicles.Key{LotID: lotID, Plate: vehicles.Plate(remote.Plate)}
			seen[key] = struct{}{}
			existing, ok := byKey[key]
			if ok && existing.SyncState != vehicles.SyncStateSynced {
				continue
			}
			if ok && matchesRecord(existing, remote) {
				continue
			}
			next := fromRecord(key, remote, now)
			if ok {
				next.LocalRevision = existing.LocalRevision
			}
			if err := tx.Upsert(ctx, &next); err != nil {
				return err
			}
			changed = append(changed, key)
		}

		asOf := snapshot.AsOf.UTC()
		if asOf.IsZero() {
			asOf = now
		}
		for key, existing := range byKey {
			if _, ok := seen[key]; ok {
				continue
			}
			if existing.SyncState != vehicles.SyncStateSynced || !existing.IsActive() {
				continue
			}
			existing.Status = vehicles.StatusExited
			existing.ExitTime = nullTime(asOf)
			existing.UpdatedAt = now
			if err := tx.Upsert(ctx, &existing); err != nil {
				return err
			}
			changed = append(changed, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (e *Engine) drain(ctx context.Context, view *serverView, report *CycleReport) error {
	ops, err := e.queue.Ordered(ctx)
	if err != nil {
		return err
	}

	held := make(map[vehicles.Key]struct{})
	for index := range ops {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCycleCancelled, ctx.Err())
		}
		op := ops[index]
		key := op.Key()
		if _, blocked := held[key]; blocked {
			report.Held++
			continue
		}
		if op.State != vehicles.OperationQueued || !op.Due(e.now()) {
			held[key] = struct{}{}
			report.Held++
			continue
		}

		if current, known := view.lookup(key); known {
			resolution := vehicles.Resolve(current, op.Event())
			switch resolution.Verdict {
			case vehicles.VerdictNoOp:
				e.logger.Info("pending operation already reflected by backend",
					zap.String("op_id", op.OpID),
					zap.String("key", key.String()),
					zap.String("kind", string(op.Kind)))
				if err := e.settle(ctx, &op, resolution.Record, report); err != nil {
					held[key] = struct{}{}
					continue
				}
				report.NoOps++
				continue
			case vehicles.VerdictReject:
				e.conflict(ctx, &op, resolution.Reason, resolution.Record, report)
				held[key] = struct{}{}
				continue
			}
		}

		result, err := e.backend.Submit(ctx, op.Event())
		if err != nil {
			var rejection *backend.RejectionError
			switch {
			case errors.As(err, &rejection):
				if rejection.ConflictingRecord != nil {
					view.put(key, *rejection.ConflictingRecord)
				}
				e.conflict(ctx, &op, rejection.Reason, rejection.ConflictingRecord, report)
			case ctx.Err() != nil:
				return fmt.Errorf("%w: %v", ErrCycleCancelled, ctx.Err())
			default:
				e.transient(ctx, &op, err, report)
			}
			held[key] = struct{}{}
			continue
		}

		view.put(key, result.Record)
		if err := e.settle(ctx, &op, &result.Record, report); err != nil {
			held[key] = struct{}{}
			continue
		}
		if result.NoOp {
			report.NoOps++
			e.logger.Info("backend resolved pending operation as no-op",
				zap.String("op_id", op.OpID),
				zap.String("key", key.String()))
		} else {
			report.Acknowledged++
		}
	}
	return nil
}

// settle removes an acknowledged (or already reflected) operation and applies
// the canonical record. The record becomes SYNCED only when no later
// operation for the same key is still queued.
func (e *Engine) settle(ctx context.Context, op *vehicles.PendingOperation, canonical *vehicles.Record, report *CycleReport) error {
	key := op.Key()
	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		bound := e.queue.On(tx)
		if err := bound.Ack(ctx, op.OpID); err != nil {
			return err
		}
		remaining, err := bound.ForKey(ctx, key)
		if err != nil {
			return err
		}
		local, err := tx.Find(ctx, key)
		if err != nil {
			return err
		}
		if canonical == nil {
			return nil
		}

		now := e.now()
		if len(remaining) > 0 {
			if local == nil {
				return nil
			}
			local.ServerVersion = canonical.Version
			local.UpdatedAt = now
			return tx.Upsert(ctx, local)
		}

		next := fromRecord(key, *canonical, now)
		next.SyncState = vehicles.SyncStatePending
		if local != nil {
			next.LocalRevision = local.LocalRevision
			next.SyncState = local.SyncState
		}
		if err := next.MoveTo(vehicles.SyncStateSynced); err != nil {
			return err
		}
		return tx.Upsert(ctx, &next)
	})
	if err != nil {
		e.logError(opSettle, err, zap.String("op_id", op.OpID), zap.String("key", key.String()))
		return err
	}
	report.Changed = append(report.Changed, key)
	return nil
}

// conflict keeps the operation for manual review and flags the local record.
func (e *Engine) conflict(ctx context.Context, op *vehicles.PendingOperation, reason string, conflicting *vehicles.Record, report *CycleReport) {
	key := op.Key()
	err := e.store.Transaction(ctx, func(tx *store.Store) error {
		if err := e.queue.On(tx).MarkConflict(ctx, op, reason, conflicting); err != nil {
			return err
		}
		local, err := tx.Find(ctx, key)
		if err != nil || local == nil {
			return err
		}
		if err := local.MoveTo(vehicles.SyncStateConflict); err != nil {
			return err
		}
		local.UpdatedAt = e.now()
		return tx.Upsert(ctx, local)
	})
	if err != nil {
		e.logError(opConflict, err, zap.String("op_id", op.OpID), zap.String("key", key.String()))
		return
	}
	report.Conflicts++
	report.Changed = append(report.Changed, key)
	e.logger.Warn("pending operation conflicts with backend state",
		zap.String("op_id", op.OpID),
		zap.String("key", key.String()),
		zap.String("reason", reason))
}

func (e *Engine) transient(ctx context.Context, op *vehicles.PendingOperation, cause error, report *CycleReport) {
	report.Transient++
	attention, err := e.queue.MarkTransient(ctx, op, cause)
	if err != nil {
		e.logError(opDrain, err, zap.String("op_id", op.OpID))
		return
	}
	if attention {
		report.Attention++
	}
	e.logger.Debug("pending operation failed transiently",
		zap.String("op_id", op.OpID),
		zap.Int("attempts", op.Attempts),
		zap.Error(cause))
}

func (e *Engine) notify(keys []vehicles.Key) {
	if len(keys) == 0 {
		return
	}
	e.hookMu.RLock()
	hook := e.onChange
	e.hookMu.RUnlock()
	if hook != nil {
		hook(dedupeKeys(keys))
	}
}

func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

func (e *Engine) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
