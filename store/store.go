package store

import (
	"context"
	"time"
)

// Well-known collections shared by every node.
const (
	// ClusterNodesCollection holds one liveness record per node.
	ClusterNodesCollection = "clusterNodes"

	// MainCollection holds cluster-wide singletons such as the master lock.
	MainCollection = "main"

	// SimulationsCollection holds simulation definitions.
	SimulationsCollection = "simulations"

	// PartitionsCollection holds device partitions.
	PartitionsCollection = "partitions"
)

// Record is a JSON document stored in a collection, versioned by ETag and
// optionally carrying a time-boxed advisory lock.
type Record struct {
	// ID is unique within the collection.
	ID string `json:"id"`

	// Data is the JSON payload.
	Data string `json:"data"`

	// ETag changes on every write. Engines generate it; callers only pass it back.
	ETag string `json:"etag"`

	// LastModified is when the engine last wrote the record.
	LastModified time.Time `json:"lastModified"`

	// LockOwnerID is the owner of the advisory lock, empty when unlocked.
	LockOwnerID string `json:"lockOwnerId,omitempty"`

	// LockOwnerType distinguishes lock purposes held by the same owner.
	LockOwnerType string `json:"lockOwnerType,omitempty"`

	// LockExpiration is when the advisory lock lapses.
	LockExpiration time.Time `json:"lockExpiration,omitempty"`
}

// Engine is a shared document store with optimistic concurrency.
// Implementations must be safe for concurrent access from multiple nodes.
type Engine interface {
	// Get returns a record by id.
	// Returns ErrNotFound if the record does not exist.
	Get(ctx context.Context, collection, id string) (Record, error)

	// GetAll returns every record in a collection, ordered by id.
	// Returns an empty slice if the collection is empty.
	GetAll(ctx context.Context, collection string) ([]Record, error)

	// Create inserts a new record.
	// Returns ErrAlreadyExists if a record with the same id exists.
	Create(ctx context.Context, collection string, record Record) (Record, error)

	// Upsert writes a record. When expectedETag is empty the write is unconditional;
	// otherwise the stored record must exist with that ETag or ErrConflict is returned.
	// Returns the record with its new ETag.
	Upsert(ctx context.Context, collection string, record Record, expectedETag string) (Record, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// DeleteMultiple removes several records. Missing records are ignored.
	DeleteMultiple(ctx context.Context, collection string, ids []string) error
}

// Closer is implemented by engines holding connections.
type Closer interface {
	Close() error
}
