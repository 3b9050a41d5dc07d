// Package queue exposes the pending-operation table as an ordered, durable
// mutation log with retry bookkeeping.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/store"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v4"
)

const (
	// DefaultMaxAttempts is the number of transient failures tolerated before an op needs attention.
	DefaultMaxAttempts = 8
	// DefaultBackoffBase is the delay after the first transient failure.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffCap bounds the exponential delay between attempts.
	DefaultBackoffCap = 5 * time.Minute

	opEnqueue       = "queue.enqueue"
	opMarkTransient = "queue.mark_transient"
	opMarkConflict  = "queue.mark_conflict"
	opRetry         = "queue.retry"
)

var (
	errMissingStore = errors.New("store is required")
	// ErrUnknownOperation indicates an op id that is not queued.
	ErrUnknownOperation = errors.New("queue: unknown operation")
	noOpLogger          = zap.NewNop()
)

// Config describes the queue dependencies and retry policy.
type Config struct {
	Store       *store.Store
	Clock       func() time.Time
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Logger      *zap.Logger
}

// Queue is a view over LocalStore's pending table. Use On to bind it to a
// store transaction.
type Queue struct {
	store       *store.Store
	clock       func() time.Time
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      *zap.Logger
}

// New constructs a Queue, filling unset policy fields with defaults.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, vehicles.NewStorageError("queue.new", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBase
	}
	backoffCap := cfg.BackoffCap
	if backoffCap < backoffBase {
		backoffCap = DefaultBackoffCap
		if backoffCap < backoffBase {
			backoffCap = backoffBase
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{
		store:       cfg.Store,
		clock:       clock,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		logger:      logger,
	}, nil
}

// On returns a copy of the queue whose reads and writes go through tx.
func (q *Queue) On(tx *store.Store) *Queue {
	bound := *q
	bound.store = tx
	return &bound
}

// Enqueue appends op unless an operation with the same id is already queued.
// It reports whether the operation was added.
func (q *Queue) Enqueue(ctx context.Context, op *vehicles.PendingOperation) (bool, error) {
	existing, err := q.store.FindPending(ctx, op.OpID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		q.logger.Debug("duplicate enqueue ignored", zap.String("op_id", op.OpID))
		return false, nil
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.now()
	}
	op.State = vehicles.OperationQueued
	if err := q.store.AppendPending(ctx, op); err != nil {
		q.logError(opEnqueue, err, zap.String("op_id", op.OpID))
		return false, err
	}
	return true, nil
}

// Ordered returns every queued operation, FIFO by creation time with ties
// broken by insertion sequence.
func (q *Queue) Ordered(ctx context.Context) ([]vehicles.PendingOperation, error) {
	return q.store.ListPending(ctx)
}

// ForKey returns the ordered operations targeting one (lot, plate).
func (q *Queue) ForKey(ctx context.Context, key vehicles.Key) ([]vehicles.PendingOperation, error) {
	ops, err := q.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	matching := make([]vehicles.PendingOperation, 0, len(ops))
	for _, op := range ops {
		if op.Key() == key {
			matching = append(matching, op)
		}
	}
	return matching, nil
}

// Ack removes an operation the backend acknowledged.
func (q *Queue) Ack(ctx context.Context, opID string) error {
	return q.store.RemovePending(ctx, opID)
}

// Abandon removes an operation without backend acknowledgement.
func (q *Queue) Abandon(ctx context.Context, opID string) error {
	q.logger.Info("pending operation abandoned", zap.String("op_id", opID))
	return q.store.RemovePending(ctx, opID)
}

// MarkTransient records a retryable failure. It bumps the attempt counter,
// schedules the next attempt with capped exponential backoff and moves the op
// to ATTENTION once the retry budget is spent. It reports whether the op now
// needs attention.
func (q *Queue) MarkTransient(ctx context.Context, op *vehicles.PendingOperation, cause error) (bool, error) {
	op.Attempts++
	if cause != nil {
		op.LastError = null.StringFrom(cause.Error())
	}
	needsAttention := op.Attempts >= q.maxAttempts
	if needsAttention {
		op.State = vehicles.OperationAttention
		op.NextAttemptAt = null.Time{}
	} else {
		op.NextAttemptAt = null.TimeFrom(q.now().Add(q.Backoff(op.Attempts)))
	}
	if err := q.store.UpdatePending(ctx, op); err != nil {
		q.logError(opMarkTransient, err, zap.String("op_id", op.OpID))
		return false, err
	}
	if needsAttention {
		q.logger.Warn("pending operation needs attention",
			zap.String("op_id", op.OpID),
			zap.Int("attempts", op.Attempts),
			zap.String("last_error", op.LastError.ValueOrZero()))
	}
	return needsAttention, nil
}

// MarkConflict keeps the op for inspection with the backend's conflicting
// record. Conflicted ops are never submitted automatically.
func (q *Queue) MarkConflict(ctx context.Context, op *vehicles.PendingOperation, reason string, conflicting *vehicles.Record) error {
	op.State = vehicles.OperationConflicted
	op.LastError = null.StringFrom(reason)
	op.NextAttemptAt = null.Time{}
	op.ConflictJSON = null.String{}
	if conflicting != nil {
		payload, err := json.Marshal(conflicting)
		if err != nil {
			q.logError(opMarkConflict, err, zap.String("op_id", op.OpID))
			return fmt.Errorf("encode conflicting record: %w", err)
		}
		op.ConflictJSON = null.StringFrom(string(payload))
	}
	if err := q.store.UpdatePending(ctx, op); err != nil {
		q.logError(opMarkConflict, err, zap.String("op_id", op.OpID))
		return err
	}
	return nil
}

// Retry re-arms an operation that needs attention: its attempt counter and
// backoff gate are reset. Conflicted operations are not re-armed.
func (q *Queue) Retry(ctx context.Context, opID string) (*vehicles.PendingOperation, error) {
	op, err := q.store.FindPending(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, opID)
	}
	if op.State == vehicles.OperationConflicted {
		return nil, fmt.Errorf("%w: operation %s is in conflict", vehicles.ErrSyncConflict, opID)
	}
	op.State = vehicles.OperationQueued
	op.Attempts = 0
	op.NextAttemptAt = null.Time{}
	if err := q.store.UpdatePending(ctx, op); err != nil {
		q.logError(opRetry, err, zap.String("op_id", opID))
		return nil, err
	}
	return op, nil
}

// RearmBackoff lets queued operations waiting for their backoff be submitted
// right away. Attempt counters are kept, so the retry budget still applies.
func (q *Queue) RearmBackoff(ctx context.Context) (int64, error) {
	released, err := q.store.ClearBackoff(ctx, vehicles.OperationQueued)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		q.logger.Info("backoff cleared for queued operations", zap.Int64("operations", released))
	}
	return released, nil
}

// Backoff returns the delay scheduled after the given number of failed attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	backoff := retry.WithCappedDuration(q.backoffCap, retry.NewExponential(q.backoffBase))
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := backoff.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

// ConflictRecord decodes the backend record stored with a conflicted op.
func ConflictRecord(op vehicles.PendingOperation) (*vehicles.Record, error) {
	if !op.ConflictJSON.Valid || op.ConflictJSON.String == "" {
		return nil, nil
	}
	var record vehicles.Record
	if err := json.Unmarshal([]byte(op.ConflictJSON.String), &record); err != nil {
		return nil, fmt.Errorf("decode conflicting record: %w", err)
	}
	return &record, nil
}

func (q *Queue) now() time.Time {
	return q.clock().UTC().Truncate(time.Millisecond)
}

func (q *Queue) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	q.logger.Error("mutation queue error", attrs...)
}
