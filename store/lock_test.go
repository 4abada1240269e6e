package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRecord_LockLifecycle(t *testing.T) {
	var r Record
	assert.False(t, r.IsLocked(base))
	assert.True(t, r.CanUnlock(base, "a", "node"))

	require.NoError(t, r.Lock(base, "a", "node", time.Minute))
	assert.True(t, r.IsLocked(base))
	assert.True(t, r.IsLockedBy(base, "a", "node"))
	assert.False(t, r.IsLockedBy(base, "a", "master"), "owner type is part of the identity")
	assert.True(t, r.IsLockedByOthers(base, "b", "node"))
	assert.False(t, r.CanUnlock(base, "b", "node"))

	err := r.Lock(base, "b", "node", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, r.Unlock(base, "b", "node"), ErrLocked)

	require.NoError(t, r.Unlock(base, "a", "node"))
	assert.False(t, r.IsLocked(base))
	assert.Empty(t, r.LockOwnerID)
}

func TestRecord_ExpiredLockCanBeTakenOver(t *testing.T) {
	var r Record
	require.NoError(t, r.Lock(base, "a", "master", 10*time.Second))

	later := base.Add(11 * time.Second)

	assert.True(t, r.IsLocked(base.Add(9*time.Second)))
	assert.False(t, r.IsLocked(later))
	assert.True(t, r.IsExpired(later))
	assert.True(t, r.CanUnlock(later, "b", "master"))
	require.NoError(t, r.Lock(later, "b", "master", 10*time.Second))
	assert.True(t, r.IsLockedBy(later, "b", "master"))
	assert.Equal(t, later.Add(10*time.Second), r.LockExpiration)
}

func TestTryAcquireLock_JudgesExpiryByCallerClock(t *testing.T) {
	engine := NewMockEngine()
	engine.GetFunc = func(ctx context.Context, collection, id string) (Record, error) {
		r := Record{ID: id, ETag: "v1"}
		_ = r.Lock(base, "node-2", "master", time.Minute)
		return r, nil
	}
	req := LockRequest{
		Collection: MainCollection,
		ID:         "masterLock",
		OwnerID:    "node-1",
		OwnerType:  "master",
		Duration:   time.Minute,
		Now:        base.Add(30 * time.Second),
	}

	_, ok, err := TryAcquireLock(context.Background(), engine, req)
	require.NoError(t, err)
	assert.False(t, ok, "lock still held at the caller's time")

	req.Now = base.Add(2 * time.Minute)
	record, ok, err := TryAcquireLock(context.Background(), engine, req)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, engine.UpsertCalls, 1)
	assert.Equal(t, req.Now.Add(time.Minute), engine.UpsertCalls[0].Record.LockExpiration)
	assert.Equal(t, "node-1", record.LockOwnerID)
}

func TestTryAcquireLock_CreatesMissingRecord(t *testing.T) {
	engine := NewMockEngine()
	ctx := context.Background()

	record, ok, err := TryAcquireLock(ctx, engine, LockRequest{
		Collection:      MainCollection,
		ID:              "masterLock",
		OwnerID:         "node-1",
		OwnerType:       "master",
		Duration:        time.Minute,
		CreateIfMissing: true,
	})

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-1", record.LockOwnerID)
	require.Len(t, engine.CreateCalls, 1)
	assert.Equal(t, MainCollection, engine.CreateCalls[0].Collection)
	assert.Empty(t, engine.UpsertCalls)
}

func TestTryAcquireLock_MissingRecordWithoutCreate(t *testing.T) {
	engine := NewMockEngine()

	_, ok, err := TryAcquireLock(context.Background(), engine, LockRequest{
		Collection: PartitionsCollection,
		ID:         "sim__1",
		OwnerID:    "node-1",
		OwnerType:  "node",
		Duration:   time.Minute,
	})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, engine.WriteCount())
}

func TestTryAcquireLock_LockedByOthers(t *testing.T) {
	engine := NewMockEngine()
	engine.GetFunc = func(ctx context.Context, collection, id string) (Record, error) {
		r := Record{ID: id, ETag: "v1"}
		_ = r.Lock(time.Now().UTC(), "node-2", "master", time.Minute)
		return r, nil
	}

	_, ok, err := TryAcquireLock(context.Background(), engine, LockRequest{
		Collection: MainCollection,
		ID:         "masterLock",
		OwnerID:    "node-1",
		OwnerType:  "master",
		Duration:   time.Minute,
	})

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, engine.UpsertCalls)
}

func TestTryAcquireLock_RenewUsesETag(t *testing.T) {
	engine := NewMockEngine()
	engine.GetFunc = func(ctx context.Context, collection, id string) (Record, error) {
		r := Record{ID: id, ETag: "v1"}
		_ = r.Lock(time.Now().UTC(), "node-1", "master", time.Second)
		return r, nil
	}

	_, ok, err := TryAcquireLock(context.Background(), engine, LockRequest{
		Collection: MainCollection,
		ID:         "masterLock",
		OwnerID:    "node-1",
		OwnerType:  "master",
		Duration:   time.Minute,
	})

	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, engine.UpsertCalls, 1)
	assert.Equal(t, "v1", engine.UpsertCalls[0].ExpectedETag)
}

func TestTryAcquireLock_ConflictIsNotAnError(t *testing.T) {
	engine := NewMockEngine()
	engine.GetFunc = func(ctx context.Context, collection, id string) (Record, error) {
		return Record{ID: id, ETag: "v1"}, nil
	}
	engine.UpsertFunc = func(ctx context.Context, collection string, record Record, expectedETag string) (Record, error) {
		return Record{}, ErrConflict
	}

	_, ok, err := TryAcquireLock(context.Background(), engine, LockRequest{
		Collection: MainCollection,
		ID:         "masterLock",
		OwnerID:    "node-1",
		OwnerType:  "master",
		Duration:   time.Minute,
	})

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTryAcquireLock_StoreFailure(t *testing.T) {
	engine := NewMockEngine()
	boom := errors.New("timeout")
	engine.GetFunc = func(ctx context.Context, collection, id string) (Record, error) {
		return Record{}, boom
	}

	_, ok, err := TryAcquireLock(context.Background(), engine, LockRequest{
		Collection: MainCollection,
		ID:         "masterLock",
		OwnerID:    "node-1",
		OwnerType:  "master",
		Duration:   time.Minute,
	})

	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestReleaseLock_OnlyReleasesOwnLock(t *testing.T) {
	engine := NewMockEngine()
	engine.GetFunc = func(ctx context.Context, collection, id string) (Record, error) {
		r := Record{ID: id, ETag: "v1"}
		_ = r.Lock(base, "node-2", "node", time.Minute)
		return r, nil
	}
	req := LockRequest{Collection: PartitionsCollection, ID: "sim__1", OwnerID: "node-1", OwnerType: "node", Now: base}

	require.NoError(t, ReleaseLock(context.Background(), engine, req))
	assert.Empty(t, engine.UpsertCalls)

	req.OwnerID = "node-2"
	require.NoError(t, ReleaseLock(context.Background(), engine, req))
	require.Len(t, engine.UpsertCalls, 1)
	assert.Empty(t, engine.UpsertCalls[0].Record.LockOwnerID)
	assert.Equal(t, "v1", engine.UpsertCalls[0].ExpectedETag)
}
