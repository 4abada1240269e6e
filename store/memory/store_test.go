package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/getpup/fleetsim/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreate_AssignsETagAndTimestamp(t *testing.T) {
	s := New()
	ctx := context.Background()

	before := time.Now().UTC()
	record, err := s.Create(ctx, "things", store.Record{ID: "a", Data: `{"x":1}`})
	require.NoError(t, err)

	assert.NotEmpty(t, record.ETag)
	assert.False(t, record.LastModified.Before(before))

	got, err := s.Get(ctx, "things", "a")
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, "things", store.Record{ID: "a"})
	require.NoError(t, err)

	_, err = s.Create(ctx, "things", store.Record{ID: "a"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestGet_NotFound(t *testing.T) {
	s := New()

	_, err := s.Get(context.Background(), "things", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpsert_Unconditional(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Upsert(ctx, "things", store.Record{ID: "a", Data: "1"}, "")
	require.NoError(t, err)

	second, err := s.Upsert(ctx, "things", store.Record{ID: "a", Data: "2"}, "")
	require.NoError(t, err)

	assert.NotEqual(t, first.ETag, second.ETag)
	got, err := s.Get(ctx, "things", "a")
	require.NoError(t, err)
	assert.Equal(t, "2", got.Data)
}

func TestUpsert_ConditionalOnETag(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.Create(ctx, "things", store.Record{ID: "a", Data: "1"})
	require.NoError(t, err)

	updated, err := s.Upsert(ctx, "things", store.Record{ID: "a", Data: "2"}, created.ETag)
	require.NoError(t, err)

	_, err = s.Upsert(ctx, "things", store.Record{ID: "a", Data: "3"}, created.ETag)
	assert.ErrorIs(t, err, store.ErrConflict, "stale etag must be rejected")

	_, err = s.Upsert(ctx, "things", store.Record{ID: "missing"}, "whatever")
	assert.ErrorIs(t, err, store.ErrConflict)

	got, err := s.Get(ctx, "things", "a")
	require.NoError(t, err)
	assert.Equal(t, updated.ETag, got.ETag)
	assert.Equal(t, "2", got.Data)
}

func TestDelete_IsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.Create(ctx, "things", store.Record{ID: "a"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "things", "a"))
	require.NoError(t, s.Delete(ctx, "things", "a"))
	require.NoError(t, s.Delete(ctx, "never", "a"))

	_, err = s.Get(ctx, "things", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMultiple(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Create(ctx, "things", store.Record{ID: id})
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteMultiple(ctx, "things", []string{"a", "c", "zzz"}))

	records, err := s.GetAll(ctx, "things")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)
}

func TestGetAll_SortedAndIsolatedByCollection(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Create(ctx, "one", store.Record{ID: id})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, "two", store.Record{ID: "x"})
	require.NoError(t, err)

	records, err := s.GetAll(ctx, "one")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID)
	assert.Equal(t, "c", records[2].ID)

	empty, err := s.GetAll(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestTryAcquireLock_OnlyOneWinnerUnderContention(t *testing.T) {
	s := New()
	ctx := context.Background()

	const contenders = 20
	var wg sync.WaitGroup
	results := make([]bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := store.TryAcquireLock(ctx, s, store.LockRequest{
				Collection:      store.MainCollection,
				ID:              "masterLock",
				OwnerID:         "node-" + string(rune('a'+i)),
				OwnerType:       "master",
				Duration:        time.Minute,
				CreateIfMissing: true,
			})
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}
