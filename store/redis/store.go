package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/getpup/fleetsim/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by Store.
const DefaultPrefix = "fleetsim"

// Store is a Redis implementation of store.Engine.
// Each collection is a hash of id to record JSON plus a companion hash of id to ETag
// so the Lua scripts can compare ETags without decoding records.
type Store struct {
	client redis.Cmdable
	prefix string
}

// New creates a store over an existing client.
func New(client redis.Cmdable, prefix string) *Store {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: normalized,
	}
}

// Get returns a record by id.
// Returns store.ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Record, error) {
	raw, err := s.client.HGet(ctx, s.dataKey(collection), id).Result()
	if errors.Is(err, redis.Nil) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("redis hget: %w", err)
	}
	return decode(raw)
}

// GetAll returns every record in a collection, ordered by id.
func (s *Store) GetAll(ctx context.Context, collection string) ([]store.Record, error) {
	all, err := s.client.HGetAll(ctx, s.dataKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}

	records := make([]store.Record, 0, len(all))
	for _, raw := range all {
		record, err := decode(raw)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Create inserts a new record.
// Returns store.ErrAlreadyExists if a record with the same id exists.
func (s *Store) Create(ctx context.Context, collection string, record store.Record) (store.Record, error) {
	record = stamp(record)
	raw, err := json.Marshal(record)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to marshal record: %w", err)
	}

	created, err := createScript.Run(ctx, s.client,
		[]string{s.dataKey(collection), s.etagKey(collection)},
		record.ID, string(raw), record.ETag,
	).Int()
	if err != nil {
		return store.Record{}, fmt.Errorf("redis create: %w", err)
	}
	if created == 0 {
		return store.Record{}, store.ErrAlreadyExists
	}
	return record, nil
}

// Upsert writes a record, conditionally on expectedETag when it is not empty.
// Returns store.ErrConflict if the stored ETag differs or the record is missing.
func (s *Store) Upsert(ctx context.Context, collection string, record store.Record, expectedETag string) (store.Record, error) {
	record = stamp(record)
	raw, err := json.Marshal(record)
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to marshal record: %w", err)
	}

	keys := []string{s.dataKey(collection), s.etagKey(collection)}
	if expectedETag == "" {
		if err := upsertScript.Run(ctx, s.client, keys, record.ID, string(raw), record.ETag).Err(); err != nil {
			return store.Record{}, fmt.Errorf("redis upsert: %w", err)
		}
		return record, nil
	}

	written, err := compareAndSetScript.Run(ctx, s.client, keys, record.ID, string(raw), record.ETag, expectedETag).Int()
	if err != nil {
		return store.Record{}, fmt.Errorf("redis compare-and-set: %w", err)
	}
	if written == 0 {
		return store.Record{}, store.ErrConflict
	}
	return record, nil
}

// Delete removes a record. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.DeleteMultiple(ctx, collection, []string{id})
}

// DeleteMultiple removes several records. Missing records are ignored.
func (s *Store) DeleteMultiple(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.dataKey(collection), ids...)
		pipe.HDel(ctx, s.etagKey(collection), ids...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (s *Store) dataKey(collection string) string {
	return s.prefix + ":records:" + collection
}

func (s *Store) etagKey(collection string) string {
	return s.prefix + ":etags:" + collection
}

func decode(raw string) (store.Record, error) {
	var record store.Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return store.Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return record, nil
}

func stamp(record store.Record) store.Record {
	record.ETag = uuid.New().String()
	record.LastModified = time.Now().UTC()
	return record
}

var createScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)

var upsertScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)

var compareAndSetScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[2], ARGV[1])
if current ~= ARGV[4] then
  return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
return 1
`)
