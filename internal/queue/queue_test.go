package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/store"
	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/vehicles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var databaseCounter atomic.Int64

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newTestQueue(t *testing.T, clock *fixedClock, maxAttempts int) (*Queue, *store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:parkiu_queue_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(store.Models()...))

	localStore, err := store.New(store.Config{Database: db})
	require.NoError(t, err)
	q, err := New(Config{
		Store:       localStore,
		Clock:       clock.Now,
		MaxAttempts: maxAttempts,
		BackoffBase: 2 * time.Second,
		BackoffCap:  10 * time.Second,
	})
	require.NoError(t, err)
	return q, localStore
}

func newOp(opID string, kind vehicles.OperationKind, at time.Time) *vehicles.PendingOperation {
	return &vehicles.PendingOperation{
		OpID:      opID,
		Kind:      kind,
		LotID:     "L1",
		Plate:     "ABC123",
		EventTime: at,
	}
}

func TestEnqueueIsIdempotentPerOpID(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	q, _ := newTestQueue(t, clock, 3)

	added, err := q.Enqueue(ctx, newOp("op-1", vehicles.OperationEntry, clock.now))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, newOp("op-1", vehicles.OperationEntry, clock.now))
	require.NoError(t, err)
	assert.False(t, added, "double submission must be a no-op")

	ops, err := q.Ordered(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, vehicles.OperationQueued, ops[0].State)
	assert.True(t, clock.now.Equal(ops[0].CreatedAt))
}

func TestOrderedIsFIFOWithSequenceTiebreak(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	q, _ := newTestQueue(t, clock, 3)

	for _, opID := range []string{"op-b", "op-a", "op-c"} {
		_, err := q.Enqueue(ctx, newOp(opID, vehicles.OperationEntry, clock.now))
		require.NoError(t, err)
	}
	clock.now = clock.now.Add(time.Second)
	_, err := q.Enqueue(ctx, newOp("op-0", vehicles.OperationExit, clock.now))
	require.NoError(t, err)

	ops, err := q.Ordered(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.OpID)
	}
	assert.Equal(t, []string{"op-b", "op-a", "op-c", "op-0"}, ids)
}

func TestMarkTransientBacksOffThenNeedsAttention(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	q, localStore := newTestQueue(t, clock, 3)

	op := newOp("op-1", vehicles.OperationEntry, clock.now)
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)

	attention, err := q.MarkTransient(ctx, op, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, attention)
	assert.True(t, clock.now.Add(2*time.Second).Equal(op.NextAttemptAt.Time))
	assert.False(t, op.Due(clock.now))
	assert.True(t, op.Due(clock.now.Add(2*time.Second)))

	attention, err = q.MarkTransient(ctx, op, errors.New("timeout"))
	require.NoError(t, err)
	assert.False(t, attention)
	assert.True(t, clock.now.Add(4*time.Second).Equal(op.NextAttemptAt.Time))

	attention, err = q.MarkTransient(ctx, op, errors.New("503"))
	require.NoError(t, err)
	assert.True(t, attention)

	stored, err := localStore.FindPending(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, stored, "ops needing attention stay queued")
	assert.Equal(t, vehicles.OperationAttention, stored.State)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, "503", stored.LastError.ValueOrZero())

	rearmed, err := q.Retry(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, vehicles.OperationQueued, rearmed.State)
	assert.Zero(t, rearmed.Attempts)
	assert.False(t, rearmed.NextAttemptAt.Valid)
}

func TestBackoffIsCapped(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	q, _ := newTestQueue(t, clock, 10)

	assert.Equal(t, time.Duration(0), q.Backoff(0))
	assert.Equal(t, 2*time.Second, q.Backoff(1))
	assert.Equal(t, 4*time.Second, q.Backoff(2))
	assert.Equal(t, 8*time.Second, q.Backoff(3))
	assert.Equal(t, 10*time.Second, q.Backoff(4))
	assert.Equal(t, 10*time.Second, q.Backoff(9))
}

func TestMarkConflictKeepsRecordForInspection(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	q, localStore := newTestQueue(t, clock, 3)

	op := newOp("op-1", vehicles.OperationEntry, clock.now)
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)

	conflicting := &vehicles.Record{Plate: "ABC123", LotID: "L1", EntryTime: clock.now.Add(-time.Hour), Status: vehicles.StatusActive, Version: 4}
	require.NoError(t, q.MarkConflict(ctx, op, vehicles.ReasonDuplicateActiveEntry, conflicting))

	stored, err := localStore.FindPending(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, vehicles.OperationConflicted, stored.State)
	assert.Equal(t, vehicles.ReasonDuplicateActiveEntry, stored.LastError.ValueOrZero())

	decoded, err := ConflictRecord(*stored)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, int64(4), decoded.Version)
	assert.True(t, decoded.EntryTime.Equal(conflicting.EntryTime))

	_, err = q.Retry(ctx, "op-1")
	assert.ErrorIs(t, err, vehicles.ErrSyncConflict)

	_, err = q.Retry(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestForKeyAndAck(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	q, _ := newTestQueue(t, clock, 3)

	_, err := q.Enqueue(ctx, newOp("op-1", vehicles.OperationEntry, clock.now))
	require.NoError(t, err)
	other := newOp("op-2", vehicles.OperationEntry, clock.now)
	other.Plate = "XYZ789"
	_, err = q.Enqueue(ctx, other)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, newOp("op-3", vehicles.OperationExit, clock.now.Add(time.Minute)))
	require.NoError(t, err)

	ops, err := q.ForKey(ctx, vehicles.Key{LotID: "L1", Plate: "ABC123"})
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, "op-1", ops[0].OpID)
	assert.Equal(t, "op-3", ops[1].OpID)

	require.NoError(t, q.Ack(ctx, "op-1"))
	ops, err = q.ForKey(ctx, vehicles.Key{LotID: "L1", Plate: "ABC123"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-3", ops[0].OpID)
}

func TestOnBindsToTransaction(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	q, localStore := newTestQueue(t, clock, 3)

	rollback := errors.New("rollback")
	err := localStore.Transaction(ctx, func(tx *store.Store) error {
		if _, err := q.On(tx).Enqueue(ctx, newOp("op-1", vehicles.OperationEntry, clock.now)); err != nil {
			return err
		}
		return rollback
	})
	require.ErrorIs(t, err, rollback)

	ops, err := q.Ordered(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
