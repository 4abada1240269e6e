package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/getpup/fleetsim/store"
	"github.com/google/uuid"
)

// Store is an in-memory implementation of store.Engine for tests and single-node runs.
// It provides thread-safe access to records using a sync.RWMutex.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]store.Record // collection -> id -> record
}

// New creates a new in-memory store with initialized maps.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]store.Record),
	}
}

// Get returns a record by id.
// Returns store.ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.collections[collection][id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}

	return record, nil
}

// GetAll returns every record in a collection, ordered by id.
func (s *Store) GetAll(ctx context.Context, collection string) ([]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]store.Record, 0, len(s.collections[collection]))
	for _, record := range s.collections[collection] {
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	return records, nil
}

// Create inserts a new record.
// Returns store.ErrAlreadyExists if a record with the same id exists.
func (s *Store) Create(ctx context.Context, collection string, record store.Record) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.collection(collection)
	if _, ok := records[record.ID]; ok {
		return store.Record{}, store.ErrAlreadyExists
	}

	record = stamp(record)
	records[record.ID] = record

	return record, nil
}

// Upsert writes a record, conditionally on expectedETag when it is not empty.
// Returns store.ErrConflict if the stored ETag differs or the record is missing.
func (s *Store) Upsert(ctx context.Context, collection string, record store.Record, expectedETag string) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.collection(collection)
	if expectedETag != "" {
		existing, ok := records[record.ID]
		if !ok || existing.ETag != expectedETag {
			return store.Record{}, store.ErrConflict
		}
	}

	record = stamp(record)
	records[record.ID] = record

	return record, nil
}

// Delete removes a record. Missing records are ignored.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections[collection], id)

	return nil
}

// DeleteMultiple removes several records. Missing records are ignored.
func (s *Store) DeleteMultiple(ctx context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.collections[collection], id)
	}

	return nil
}

func (s *Store) collection(name string) map[string]store.Record {
	records, ok := s.collections[name]
	if !ok {
		records = make(map[string]store.Record)
		s.collections[name] = records
	}
	return records
}

func stamp(record store.Record) store.Record {
	record.ETag = uuid.New().String()
	record.LastModified = time.Now().UTC()
	return record
}
