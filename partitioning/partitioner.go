// Package partitioning splits active simulations into bounded device partitions
// and lets nodes claim partitions with time-boxed locks.
package partitioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/metrics"
	"github.com/getpup/fleetsim/store"
	"github.com/getpup/pupsourcing/es"
)

const (
	// PartitioningLockOwnerType tags the lock a master holds on a simulation while partitioning it.
	PartitioningLockOwnerType = "PartitioningMaster"

	// PartitionLockOwnerType tags the lock a node holds on a partition it simulates.
	PartitionLockOwnerType = "Node"
)

// SimulationStore is the subset of the simulations repository the partitioner needs.
type SimulationStore interface {
	GetAll(ctx context.Context) ([]fleetsim.Simulation, error)
	Lock(ctx context.Context, id, ownerID, ownerType string, duration time.Duration) (fleetsim.Simulation, bool, error)
	MarkPartitioningComplete(ctx context.Context, id, ownerID, ownerType string) (fleetsim.Simulation, error)
}

// Config holds configuration for Partitioner.
type Config struct {
	// Store is the shared record store holding partitions (required).
	Store store.Engine

	// Simulations reads and locks simulations (required).
	Simulations SimulationStore

	// NodeID identifies this node as lock owner (required).
	NodeID string

	// MaxPartitionSize is the maximum number of devices per partition (default: 1000).
	MaxPartitionSize int

	// PartitionLockDuration is how long a node's claim on a partition lasts (default: 60s).
	PartitionLockDuration time.Duration

	// PartitioningLockDuration is how long a master holds a simulation while partitioning it (default: 60s).
	PartitioningLockDuration time.Duration

	// Logger is for observability (optional).
	Logger es.Logger

	// Metrics records created and deleted partitions (optional).
	Metrics *metrics.Collector

	// Clock returns the current time (default: time.Now in UTC).
	Clock func() time.Time
}

// Partitioner creates, deletes and assigns device partitions.
type Partitioner struct {
	config Config
}

// New creates a new Partitioner with the given configuration.
// Applies default values for sizes and durations if zero.
func New(cfg Config) *Partitioner {
	if cfg.MaxPartitionSize <= 0 {
		cfg.MaxPartitionSize = 1000
	}
	if cfg.PartitionLockDuration == 0 {
		cfg.PartitionLockDuration = 60 * time.Second
	}
	if cfg.PartitioningLockDuration == 0 {
		cfg.PartitioningLockDuration = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Partitioner{config: cfg}
}

// Create partitions a simulation that requires it and marks it complete.
// It is a no-op, with no store writes, when partitioning is not required.
// The simulation record is locked for the pass; when another node holds the lock
// the simulation is skipped until the next call.
//
// Partitions {id}__1 to {id}__N are deleted before new ones are written so a pass
// interrupted by a crash replays cleanly.
func (p *Partitioner) Create(ctx context.Context, sim fleetsim.Simulation) error {
	if !sim.PartitioningRequired(p.config.Clock()) {
		return nil
	}

	locked, ok, err := p.config.Simulations.Lock(ctx, sim.ID, p.config.NodeID, PartitioningLockOwnerType, p.config.PartitioningLockDuration)
	if err != nil {
		return err
	}
	if !ok {
		if p.config.Logger != nil {
			p.config.Logger.Debug(ctx, "simulation is being partitioned by another node", "simulationID", sim.ID)
		}
		return nil
	}

	if !locked.PartitioningRequired(p.config.Clock()) {
		return p.releaseSimulation(ctx, sim.ID)
	}

	expected := ExpectedPartitionCount(locked.DeviceCount(), p.config.MaxPartitionSize)
	if err := p.deleteForRecreate(ctx, locked.ID, expected); err != nil {
		return err
	}

	partitions := Pack(locked.ID, locked.DeviceIDsByModel(), p.config.MaxPartitionSize)
	for _, part := range partitions {
		if err := p.write(ctx, part); err != nil {
			return err
		}
	}

	if _, err := p.config.Simulations.MarkPartitioningComplete(ctx, locked.ID, p.config.NodeID, PartitioningLockOwnerType); err != nil {
		return fmt.Errorf("failed to mark simulation %s partitioned: %w", locked.ID, err)
	}

	if p.config.Metrics != nil {
		p.config.Metrics.AddPartitionsCreated(len(partitions))
		p.config.Metrics.IncSimulationsPartitioned()
	}
	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "simulation partitioned",
			"simulationID", locked.ID,
			"devices", locked.DeviceCount(),
			"partitions", len(partitions),
			"maxPartitionSize", p.config.MaxPartitionSize)
	}
	return nil
}

// deleteForRecreate removes partitions 1..expected of a simulation along with any
// other partition already stored for it, so leftovers from a larger previous pass go too.
func (p *Partitioner) deleteForRecreate(ctx context.Context, simulationID string, expected int) error {
	ids := make([]string, 0, expected)
	seen := make(map[string]bool, expected)
	for seq := 1; seq <= expected; seq++ {
		id := fleetsim.PartitionID(simulationID, seq)
		ids = append(ids, id)
		seen[id] = true
	}

	existing, err := p.config.Store.GetAll(ctx, store.PartitionsCollection)
	if err != nil {
		return fmt.Errorf("%w: failed to list partitions: %w", fleetsim.ErrExternalDependency, err)
	}
	for _, rec := range existing {
		if !seen[rec.ID] && fleetsim.PartitionSimulationID(rec.ID) == simulationID {
			ids = append(ids, rec.ID)
		}
	}

	if len(ids) == 0 {
		return nil
	}
	if err := p.config.Store.DeleteMultiple(ctx, store.PartitionsCollection, ids); err != nil {
		return fmt.Errorf("%w: failed to delete partitions of %s: %w", fleetsim.ErrExternalDependency, simulationID, err)
	}
	return nil
}

func (p *Partitioner) write(ctx context.Context, part fleetsim.DevicesPartition) error {
	data, err := json.Marshal(part)
	if err != nil {
		return fmt.Errorf("failed to marshal partition: %w", err)
	}
	if _, err := p.config.Store.Upsert(ctx, store.PartitionsCollection, store.Record{ID: part.ID, Data: string(data)}, ""); err != nil {
		return fmt.Errorf("%w: failed to write partition %s: %w", fleetsim.ErrExternalDependency, part.ID, err)
	}
	return nil
}

func (p *Partitioner) releaseSimulation(ctx context.Context, simulationID string) error {
	err := store.ReleaseLock(ctx, p.config.Store, store.LockRequest{
		Collection: store.SimulationsCollection,
		ID:         simulationID,
		OwnerID:    p.config.NodeID,
		OwnerType:  PartitioningLockOwnerType,
		Now:        p.config.Clock(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", fleetsim.ErrExternalDependency, err)
	}
	return nil
}

// Pack groups device ids into partitions of at most maxSize devices.
// Models are visited in order and ids keep their order within a model; a partition
// is sealed as soon as it holds maxSize devices. Sequence numbers start at 1.
func Pack(simulationID string, groups []fleetsim.ModelDeviceIDs, maxSize int) []fleetsim.DevicesPartition {
	if maxSize <= 0 {
		maxSize = 1
	}

	partitions := make([]fleetsim.DevicesPartition, 0)
	current := newPartition(simulationID, 1)
	for _, g := range groups {
		for _, id := range g.DeviceIDs {
			current.DeviceIDsByModel[g.ModelID] = append(current.DeviceIDsByModel[g.ModelID], id)
			current.Size++
			if current.Size == maxSize {
				partitions = append(partitions, current)
				current = newPartition(simulationID, len(partitions)+1)
			}
		}
	}
	if current.Size > 0 {
		partitions = append(partitions, current)
	}
	return partitions
}

func newPartition(simulationID string, seq int) fleetsim.DevicesPartition {
	return fleetsim.DevicesPartition{
		ID:               fleetsim.PartitionID(simulationID, seq),
		SimulationID:     simulationID,
		DeviceIDsByModel: make(map[string][]string),
	}
}

// ExpectedPartitionCount returns ceil(devices / maxSize).
func ExpectedPartitionCount(devices, maxSize int) int {
	if devices <= 0 || maxSize <= 0 {
		return 0
	}
	return (devices + maxSize - 1) / maxSize
}

// DeleteInactivePartitions deletes every partition whose simulation is missing or not
// active now. Returns the number of partitions deleted.
func (p *Partitioner) DeleteInactivePartitions(ctx context.Context) (int, error) {
	records, err := p.config.Store.GetAll(ctx, store.PartitionsCollection)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to list partitions: %w", fleetsim.ErrExternalDependency, err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	sims, err := p.config.Simulations.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	now := p.config.Clock()
	active := make(map[string]bool, len(sims))
	for _, s := range sims {
		if s.IsActiveNow(now) {
			active[s.ID] = true
		}
	}

	ids := make([]string, 0)
	for _, rec := range records {
		if !active[partitionSimulationID(rec)] {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if err := p.config.Store.DeleteMultiple(ctx, store.PartitionsCollection, ids); err != nil {
		return 0, fmt.Errorf("%w: failed to delete inactive partitions: %w", fleetsim.ErrExternalDependency, err)
	}

	if p.config.Metrics != nil {
		p.config.Metrics.AddPartitionsDeleted(len(ids))
	}
	if p.config.Logger != nil {
		p.config.Logger.Info(ctx, "deleted partitions of inactive simulations", "count", len(ids))
	}
	return len(ids), nil
}

// GetAll returns every stored partition. Undecodable records are logged and skipped.
func (p *Partitioner) GetAll(ctx context.Context) ([]fleetsim.DevicesPartition, error) {
	records, err := p.config.Store.GetAll(ctx, store.PartitionsCollection)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list partitions: %w", fleetsim.ErrExternalDependency, err)
	}

	partitions := make([]fleetsim.DevicesPartition, 0, len(records))
	for _, rec := range records {
		part, err := decode(rec)
		if err != nil {
			if p.config.Logger != nil {
				p.config.Logger.Error(ctx, "skipping undecodable partition", "partitionID", rec.ID, "error", err)
			}
			continue
		}
		partitions = append(partitions, part)
	}
	return partitions, nil
}

// TryToAssignPartition claims or renews this node's lock on a partition for PartitionLockDuration.
// It returns false without error when the partition is gone or owned by another node.
func (p *Partitioner) TryToAssignPartition(ctx context.Context, partitionID string) (fleetsim.DevicesPartition, bool, error) {
	rec, ok, err := store.TryAcquireLock(ctx, p.config.Store, store.LockRequest{
		Collection: store.PartitionsCollection,
		ID:         partitionID,
		OwnerID:    p.config.NodeID,
		OwnerType:  PartitionLockOwnerType,
		Duration:   p.config.PartitionLockDuration,
		Now:        p.config.Clock(),
	})
	if err != nil {
		return fleetsim.DevicesPartition{}, false, fmt.Errorf("%w: failed to claim partition %s: %w", fleetsim.ErrExternalDependency, partitionID, err)
	}
	if !ok {
		return fleetsim.DevicesPartition{}, false, nil
	}

	part, err := decode(rec)
	if err != nil {
		return fleetsim.DevicesPartition{}, false, err
	}
	return part, true, nil
}

// ReleasePartition drops this node's claim on a partition. Missing partitions are ignored.
func (p *Partitioner) ReleasePartition(ctx context.Context, partitionID string) error {
	err := store.ReleaseLock(ctx, p.config.Store, store.LockRequest{
		Collection: store.PartitionsCollection,
		ID:         partitionID,
		OwnerID:    p.config.NodeID,
		OwnerType:  PartitionLockOwnerType,
		Now:        p.config.Clock(),
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: failed to release partition %s: %w", fleetsim.ErrExternalDependency, partitionID, err)
	}
	return nil
}

func decode(rec store.Record) (fleetsim.DevicesPartition, error) {
	var part fleetsim.DevicesPartition
	if err := json.Unmarshal([]byte(rec.Data), &part); err != nil {
		return fleetsim.DevicesPartition{}, fmt.Errorf("failed to unmarshal partition %s: %w", rec.ID, err)
	}
	part.ID = rec.ID
	if part.SimulationID == "" {
		part.SimulationID = fleetsim.PartitionSimulationID(rec.ID)
	}
	return part, nil
}

func partitionSimulationID(rec store.Record) string {
	part, err := decode(rec)
	if err != nil {
		return fleetsim.PartitionSimulationID(rec.ID)
	}
	return part.SimulationID
}
