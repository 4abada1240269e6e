// Package simulations persists simulation definitions in the shared record store.
package simulations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/store"
	"github.com/getpup/pupsourcing/es"
)

// Config holds configuration for Repository.
type Config struct {
	// Store is the shared record store (required).
	Store store.Engine

	// Logger is for observability (optional).
	Logger es.Logger

	// Clock returns the current time (default: time.Now in UTC).
	Clock func() time.Time
}

// Repository reads and writes simulations in store.SimulationsCollection.
type Repository struct {
	config Config
}

// New creates a new Repository.
func New(cfg Config) *Repository {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Repository{config: cfg}
}

// GetAll returns every simulation. Records that cannot be decoded are logged and skipped.
func (r *Repository) GetAll(ctx context.Context) ([]fleetsim.Simulation, error) {
	records, err := r.config.Store.GetAll(ctx, store.SimulationsCollection)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list simulations: %w", fleetsim.ErrExternalDependency, err)
	}

	sims := make([]fleetsim.Simulation, 0, len(records))
	for _, rec := range records {
		sim, err := decode(rec)
		if err != nil {
			if r.config.Logger != nil {
				r.config.Logger.Error(ctx, "skipping undecodable simulation", "simulationID", rec.ID, "error", err)
			}
			continue
		}
		sims = append(sims, sim)
	}
	return sims, nil
}

// Get returns a simulation by id.
// Returns fleetsim.ErrSimulationNotFound if it does not exist.
func (r *Repository) Get(ctx context.Context, id string) (fleetsim.Simulation, error) {
	rec, err := r.config.Store.Get(ctx, store.SimulationsCollection, id)
	if errors.Is(err, store.ErrNotFound) {
		return fleetsim.Simulation{}, fleetsim.ErrSimulationNotFound
	}
	if err != nil {
		return fleetsim.Simulation{}, fmt.Errorf("%w: failed to get simulation %s: %w", fleetsim.ErrExternalDependency, id, err)
	}
	return decode(rec)
}

// Upsert writes a simulation. When sim.ETag is set the write is conditional on it
// and store.ErrConflict is returned if the stored version changed; lock fields on the
// stored record are kept. Without an ETag the record is overwritten.
//
// PartitioningComplete is cleared when the write makes an inactive simulation
// active again or changes its device models, so its partitions get rebuilt.
func (r *Repository) Upsert(ctx context.Context, sim fleetsim.Simulation) (fleetsim.Simulation, error) {
	rec := store.Record{ID: sim.ID}
	existing, err := r.config.Store.Get(ctx, store.SimulationsCollection, sim.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fleetsim.Simulation{}, fmt.Errorf("%w: failed to get simulation %s: %w", fleetsim.ErrExternalDependency, sim.ID, err)
	}
	if err == nil {
		if sim.ETag != "" {
			rec = existing
		}
		if prev, err := decode(existing); err == nil && needsRepartitioning(prev, sim, r.config.Clock()) {
			sim.PartitioningComplete = false
		}
	}

	sim.Modified = r.config.Clock()
	data, err := json.Marshal(sim)
	if err != nil {
		return fleetsim.Simulation{}, fmt.Errorf("failed to marshal simulation: %w", err)
	}
	rec.Data = string(data)

	written, err := r.config.Store.Upsert(ctx, store.SimulationsCollection, rec, sim.ETag)
	if errors.Is(err, store.ErrConflict) {
		return fleetsim.Simulation{}, err
	}
	if err != nil {
		return fleetsim.Simulation{}, fmt.Errorf("%w: failed to write simulation %s: %w", fleetsim.ErrExternalDependency, sim.ID, err)
	}

	sim.ETag = written.ETag
	return sim, nil
}

func needsRepartitioning(prev, next fleetsim.Simulation, now time.Time) bool {
	if !prev.IsActiveNow(now) && next.IsActiveNow(now) {
		return true
	}
	return !slices.Equal(prev.DeviceModels, next.DeviceModels)
}

// Delete removes a simulation. Deleting a missing simulation is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := r.config.Store.Delete(ctx, store.SimulationsCollection, id); err != nil {
		return fmt.Errorf("%w: failed to delete simulation %s: %w", fleetsim.ErrExternalDependency, id, err)
	}
	return nil
}

// Lock takes the advisory lock on a simulation record for duration.
// It returns false without error when another owner holds it or wins a concurrent write.
// The returned simulation is the version that was locked.
func (r *Repository) Lock(ctx context.Context, id, ownerID, ownerType string, duration time.Duration) (fleetsim.Simulation, bool, error) {
	rec, ok, err := store.TryAcquireLock(ctx, r.config.Store, store.LockRequest{
		Collection: store.SimulationsCollection,
		ID:         id,
		OwnerID:    ownerID,
		OwnerType:  ownerType,
		Duration:   duration,
		Now:        r.config.Clock(),
	})
	if err != nil {
		return fleetsim.Simulation{}, false, fmt.Errorf("%w: failed to lock simulation %s: %w", fleetsim.ErrExternalDependency, id, err)
	}
	if !ok {
		return fleetsim.Simulation{}, false, nil
	}

	sim, err := decode(rec)
	if err != nil {
		return fleetsim.Simulation{}, false, err
	}
	return sim, true, nil
}

// MarkPartitioningComplete sets PartitioningComplete and releases the lock held by
// ownerID/ownerType in one ETag-conditional write.
// Returns store.ErrConflict if the record changed since it was read and
// store.ErrLocked if another owner holds the lock.
func (r *Repository) MarkPartitioningComplete(ctx context.Context, id, ownerID, ownerType string) (fleetsim.Simulation, error) {
	rec, err := r.config.Store.Get(ctx, store.SimulationsCollection, id)
	if errors.Is(err, store.ErrNotFound) {
		return fleetsim.Simulation{}, fleetsim.ErrSimulationNotFound
	}
	if err != nil {
		return fleetsim.Simulation{}, fmt.Errorf("%w: failed to get simulation %s: %w", fleetsim.ErrExternalDependency, id, err)
	}

	sim, err := decode(rec)
	if err != nil {
		return fleetsim.Simulation{}, err
	}
	if err := rec.Unlock(r.config.Clock(), ownerID, ownerType); err != nil {
		return fleetsim.Simulation{}, err
	}

	sim.PartitioningComplete = true
	sim.Modified = r.config.Clock()
	data, err := json.Marshal(sim)
	if err != nil {
		return fleetsim.Simulation{}, fmt.Errorf("failed to marshal simulation: %w", err)
	}
	rec.Data = string(data)

	written, err := r.config.Store.Upsert(ctx, store.SimulationsCollection, rec, sim.ETag)
	if errors.Is(err, store.ErrConflict) {
		return fleetsim.Simulation{}, err
	}
	if err != nil {
		return fleetsim.Simulation{}, fmt.Errorf("%w: failed to write simulation %s: %w", fleetsim.ErrExternalDependency, id, err)
	}

	sim.ETag = written.ETag
	return sim, nil
}

// Seed creates the given simulations when they do not exist yet.
// Existing simulations are left untouched. Returns the number created.
func (r *Repository) Seed(ctx context.Context, sims []fleetsim.Simulation) (int, error) {
	created := 0
	for _, sim := range sims {
		sim.ETag = ""
		sim.PartitioningComplete = false
		sim.Modified = r.config.Clock()

		data, err := json.Marshal(sim)
		if err != nil {
			return created, fmt.Errorf("failed to marshal simulation: %w", err)
		}

		_, err = r.config.Store.Create(ctx, store.SimulationsCollection, store.Record{ID: sim.ID, Data: string(data)})
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("%w: failed to seed simulation %s: %w", fleetsim.ErrExternalDependency, sim.ID, err)
		}
		created++

		if r.config.Logger != nil {
			r.config.Logger.Info(ctx, "seeded simulation", "simulationID", sim.ID, "devices", sim.DeviceCount())
		}
	}
	return created, nil
}

func decode(rec store.Record) (fleetsim.Simulation, error) {
	var sim fleetsim.Simulation
	if err := json.Unmarshal([]byte(rec.Data), &sim); err != nil {
		return fleetsim.Simulation{}, fmt.Errorf("failed to unmarshal simulation %s: %w", rec.ID, err)
	}
	sim.ID = rec.ID
	sim.ETag = rec.ETag
	return sim, nil
}
