package store

import (
	"context"
	"sync"
)

// MockEngine is a configurable mock implementation of Engine for use in tests.
// It allows setting up return values, tracking method calls, and injecting errors.
type MockEngine struct {
	mu sync.RWMutex

	// GetFunc is called by Get if set.
	GetFunc func(ctx context.Context, collection, id string) (Record, error)

	// GetAllFunc is called by GetAll if set.
	GetAllFunc func(ctx context.Context, collection string) ([]Record, error)

	// CreateFunc is called by Create if set.
	CreateFunc func(ctx context.Context, collection string, record Record) (Record, error)

	// UpsertFunc is called by Upsert if set.
	UpsertFunc func(ctx context.Context, collection string, record Record, expectedETag string) (Record, error)

	// DeleteFunc is called by Delete if set.
	DeleteFunc func(ctx context.Context, collection, id string) error

	// DeleteMultipleFunc is called by DeleteMultiple if set.
	DeleteMultipleFunc func(ctx context.Context, collection string, ids []string) error

	// Call tracking
	GetCalls            []GetCall
	GetAllCalls         []GetAllCall
	CreateCalls         []CreateCall
	UpsertCalls         []UpsertCall
	DeleteCalls         []DeleteCall
	DeleteMultipleCalls []DeleteMultipleCall
}

// Call tracking structs
type GetCall struct {
	Collection string
	ID         string
}

type GetAllCall struct {
	Collection string
}

type CreateCall struct {
	Collection string
	Record     Record
}

type UpsertCall struct {
	Collection   string
	Record       Record
	ExpectedETag string
}

type DeleteCall struct {
	Collection string
	ID         string
}

type DeleteMultipleCall struct {
	Collection string
	IDs        []string
}

// NewMockEngine creates a new mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

// Get implements Engine.
func (m *MockEngine) Get(ctx context.Context, collection, id string) (Record, error) {
	m.mu.Lock()
	m.GetCalls = append(m.GetCalls, GetCall{Collection: collection, ID: id})
	m.mu.Unlock()

	if m.GetFunc != nil {
		return m.GetFunc(ctx, collection, id)
	}

	return Record{}, ErrNotFound
}

// GetAll implements Engine.
func (m *MockEngine) GetAll(ctx context.Context, collection string) ([]Record, error) {
	m.mu.Lock()
	m.GetAllCalls = append(m.GetAllCalls, GetAllCall{Collection: collection})
	m.mu.Unlock()

	if m.GetAllFunc != nil {
		return m.GetAllFunc(ctx, collection)
	}

	return []Record{}, nil
}

// Create implements Engine.
func (m *MockEngine) Create(ctx context.Context, collection string, record Record) (Record, error) {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, CreateCall{Collection: collection, Record: record})
	m.mu.Unlock()

	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, collection, record)
	}

	return record, nil
}

// Upsert implements Engine.
func (m *MockEngine) Upsert(ctx context.Context, collection string, record Record, expectedETag string) (Record, error) {
	m.mu.Lock()
	m.UpsertCalls = append(m.UpsertCalls, UpsertCall{
		Collection:   collection,
		Record:       record,
		ExpectedETag: expectedETag,
	})
	m.mu.Unlock()

	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, collection, record, expectedETag)
	}

	return record, nil
}

// Delete implements Engine.
func (m *MockEngine) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	m.DeleteCalls = append(m.DeleteCalls, DeleteCall{Collection: collection, ID: id})
	m.mu.Unlock()

	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, collection, id)
	}

	return nil
}

// DeleteMultiple implements Engine.
func (m *MockEngine) DeleteMultiple(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	m.DeleteMultipleCalls = append(m.DeleteMultipleCalls, DeleteMultipleCall{Collection: collection, IDs: ids})
	m.mu.Unlock()

	if m.DeleteMultipleFunc != nil {
		return m.DeleteMultipleFunc(ctx, collection, ids)
	}

	return nil
}

// WriteCount returns the number of mutating calls recorded so far.
func (m *MockEngine) WriteCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.CreateCalls) + len(m.UpsertCalls) + len(m.DeleteCalls) + len(m.DeleteMultipleCalls)
}
