package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/getpup/fleetsim/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open(SQLite.DriverName(), ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db, SQLite)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestTableConfig(t *testing.T) {
	t.Run("default table name", func(t *testing.T) {
		s := New(nil, Postgres)

		assert.Equal(t, "fleetsim_records", s.table)
		assert.Equal(t, Postgres, s.dialect)
	})

	t.Run("custom table name is used", func(t *testing.T) {
		s := NewWithConfig(nil, TableConfig{Dialect: MySQL, RecordsTable: "custom_records"})

		assert.Equal(t, "custom_records", s.table)
	})

	t.Run("rejects unsafe identifiers", func(t *testing.T) {
		err := TableConfig{Dialect: Postgres, RecordsTable: "records; DROP TABLE x"}.Validate()
		assert.Error(t, err)
	})

	t.Run("rejects unknown dialect", func(t *testing.T) {
		err := TableConfig{Dialect: "oracle", RecordsTable: "records"}.Validate()
		assert.Error(t, err)
	})
}

func TestPlaceholders(t *testing.T) {
	pg := New(nil, Postgres)
	my := New(nil, MySQL)

	assert.Equal(t, "$3", pg.bind(3))
	assert.Equal(t, "?", my.bind(3))
	assert.Equal(t, "$1, $2, $3, $4, $5, $6, $7, $8", pg.values())
}

func TestMigrationUp_PerDialect(t *testing.T) {
	assert.Contains(t, MigrationUp(DefaultTableConfig(MySQL)), "ENGINE=InnoDB")
	assert.Contains(t, MigrationUp(DefaultTableConfig(Postgres)), "PRIMARY KEY (collection, id)")
	assert.True(t, strings.HasPrefix(MigrationDown(DefaultTableConfig(SQLite)), "DROP TABLE IF EXISTS fleetsim_records"))
}

func TestSQLite_CreateGetAndDuplicate(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "things", store.Record{ID: "a", Data: `{"x":1}`})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ETag)

	got, err := s.Get(ctx, "things", "a")
	require.NoError(t, err)
	assert.Equal(t, created.ETag, got.ETag)
	assert.Equal(t, `{"x":1}`, got.Data)
	assert.True(t, got.LockExpiration.IsZero())

	_, err = s.Create(ctx, "things", store.Record{ID: "a"})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	_, err = s.Get(ctx, "things", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLite_UpsertConditionalAndUnconditional(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	first, err := s.Upsert(ctx, "things", store.Record{ID: "a", Data: "1"}, "")
	require.NoError(t, err)

	second, err := s.Upsert(ctx, "things", store.Record{ID: "a", Data: "2"}, first.ETag)
	require.NoError(t, err)

	_, err = s.Upsert(ctx, "things", store.Record{ID: "a", Data: "3"}, first.ETag)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.Upsert(ctx, "things", store.Record{ID: "a", Data: "4"}, "")
	require.NoError(t, err)

	got, err := s.Get(ctx, "things", "a")
	require.NoError(t, err)
	assert.Equal(t, "4", got.Data)
	assert.NotEqual(t, second.ETag, got.ETag)
}

func TestSQLite_LockFieldsRoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	record, ok, err := store.TryAcquireLock(ctx, s, store.LockRequest{
		Collection:      store.MainCollection,
		ID:              "masterLock",
		OwnerID:         "node-1",
		OwnerType:       "master",
		Duration:        time.Minute,
		CreateIfMissing: true,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, store.MainCollection, "masterLock")
	require.NoError(t, err)
	assert.True(t, got.IsLockedBy(time.Now().UTC(), "node-1", "master"))
	assert.Equal(t, record.LockExpiration.UnixMilli(), got.LockExpiration.UnixMilli())

	_, ok, err = store.TryAcquireLock(ctx, s, store.LockRequest{
		Collection: store.MainCollection,
		ID:         "masterLock",
		OwnerID:    "node-2",
		OwnerType:  "master",
		Duration:   time.Minute,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_DeleteAndGetAll(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b", "d"} {
		_, err := s.Create(ctx, "things", store.Record{ID: id, Data: "{}"})
		require.NoError(t, err)
	}

	require.NoError(t, s.Delete(ctx, "things", "d"))
	require.NoError(t, s.Delete(ctx, "things", "d"))
	require.NoError(t, s.DeleteMultiple(ctx, "things", []string{"c", "zzz"}))
	require.NoError(t, s.DeleteMultiple(ctx, "things", nil))

	records, err := s.GetAll(ctx, "things")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].ID)
	assert.Equal(t, "b", records[1].ID)

	empty, err := s.GetAll(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
