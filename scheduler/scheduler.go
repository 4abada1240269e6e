// Package scheduler runs the devices of the partitions this node has claimed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/metrics"
	"github.com/getpup/pupsourcing/es"
	"golang.org/x/sync/errgroup"
)

// Partitions lists, claims and releases device partitions.
// partitioning.Partitioner implements it.
type Partitions interface {
	GetAll(ctx context.Context) ([]fleetsim.DevicesPartition, error)
	TryToAssignPartition(ctx context.Context, partitionID string) (fleetsim.DevicesPartition, bool, error)
	ReleasePartition(ctx context.Context, partitionID string) error
}

// Models resolves device models by id. simulations.ModelCatalog implements it.
type Models interface {
	Get(id string) (fleetsim.DeviceModel, error)
}

// SimulationLister lists simulations. Used to place devices among their model's peers.
type SimulationLister interface {
	GetAll(ctx context.Context) ([]fleetsim.Simulation, error)
}

// Device is one running simulated device.
type Device interface {
	Tick(ctx context.Context, now time.Time) error
	Stop(ctx context.Context) error
}

// DeviceFactory builds a device. position and total place it among the
// devices of its model in the simulation.
type DeviceFactory func(deviceID string, model fleetsim.DeviceModel, position, total int) (Device, error)

// Config holds configuration for Scheduler.
type Config struct {
	// Partitions is used to claim partitions (required).
	Partitions Partitions

	// Models resolves the model of each device (required).
	Models Models

	// NewDevice builds devices (required).
	NewDevice DeviceFactory

	// Simulations provides device counts per model (optional).
	// Without it a device is placed among the devices of its partition.
	Simulations SimulationLister

	// MaxDevicesPerNode caps the devices claimed by this node (default: 1000).
	MaxDevicesPerNode int

	// Workers bounds how many devices tick in parallel
	// (default: 4 x GOMAXPROCS, never more than MaxDevicesPerNode).
	Workers int

	// TickInterval is the pause between device ticks (default: 250ms).
	TickInterval time.Duration

	// AssignmentInterval is how often partitions are claimed and renewed (default: 15s).
	// It must stay below the partition lock duration.
	AssignmentInterval time.Duration

	// Rand shuffles the order partitions are claimed in (default: time seeded).
	Rand *rand.Rand

	// Logger is an optional logger.
	Logger es.Logger

	// Metrics records assignment and tick timings (optional).
	Metrics *metrics.Collector

	// Clock returns the current time (default: time.Now in UTC).
	Clock func() time.Time
}

type assignedDevice struct {
	partitionID string
	device      Device
}

// Scheduler claims partitions up to MaxDevicesPerNode and ticks their devices.
type Scheduler struct {
	config Config

	mu         sync.Mutex
	partitions map[string]fleetsim.DevicesPartition
	devices    map[string]assignedDevice

	randMu   sync.Mutex
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.MaxDevicesPerNode == 0 {
		cfg.MaxDevicesPerNode = 1000
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4 * runtime.GOMAXPROCS(0)
	}
	if cfg.Workers > cfg.MaxDevicesPerNode {
		cfg.Workers = cfg.MaxDevicesPerNode
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 250 * time.Millisecond
	}
	if cfg.AssignmentInterval == 0 {
		cfg.AssignmentInterval = 15 * time.Second
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Scheduler{
		config:     cfg,
		partitions: make(map[string]fleetsim.DevicesPartition),
		devices:    make(map[string]assignedDevice),
		stopCh:     make(chan struct{}),
	}
}

// Run assigns partitions and ticks devices until Stop is called or ctx is cancelled.
// On the way out it stops every device and releases every claimed partition.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "scheduler starting",
			"maxDevicesPerNode", s.config.MaxDevicesPerNode,
			"workers", s.config.Workers,
			"tickInterval", s.config.TickInterval)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.ReleaseAll(releaseCtx); err != nil && s.config.Logger != nil {
			s.config.Logger.Error(ctx, "failed to release partitions", "error", err)
		}
	}()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	var lastAssignment time.Time
	for {
		if s.stopped.Load() {
			return nil
		}

		now := s.config.Clock()
		if lastAssignment.IsZero() || now.Sub(lastAssignment) >= s.config.AssignmentInterval {
			if err := s.Assign(ctx); err != nil && s.config.Logger != nil {
				s.config.Logger.Error(ctx, "partition assignment failed", "error", err)
			}
			lastAssignment = now
		}
		s.TickDevices(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop asks Run to return after the current iteration. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Assign renews this node's claims, drops partitions it lost or that disappeared,
// claims new partitions while capacity remains, and reconciles the running devices.
func (s *Scheduler) Assign(ctx context.Context) error {
	visible, err := s.config.Partitions.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list partitions: %w", err)
	}
	visibleByID := make(map[string]fleetsim.DevicesPartition, len(visible))
	for _, p := range visible {
		visibleByID[p.ID] = p
	}

	s.mu.Lock()
	owned := make([]string, 0, len(s.partitions))
	for id := range s.partitions {
		owned = append(owned, id)
	}
	s.mu.Unlock()
	sort.Strings(owned)

	var errs []error
	claimed := make(map[string]fleetsim.DevicesPartition, len(owned))
	deviceCount := 0

	for _, id := range owned {
		if _, ok := visibleByID[id]; !ok {
			if s.config.Logger != nil {
				s.config.Logger.Info(ctx, "partition removed", "partitionID", id)
			}
			continue
		}
		part, ok, err := s.config.Partitions.TryToAssignPartition(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			if s.config.Logger != nil {
				s.config.Logger.Info(ctx, "partition claim lost", "partitionID", id)
			}
			continue
		}
		claimed[id] = part
		deviceCount += part.Size
	}

	for _, candidate := range s.shuffled(visible) {
		if _, ok := claimed[candidate.ID]; ok {
			continue
		}
		if deviceCount+candidate.Size > s.config.MaxDevicesPerNode {
			continue
		}
		part, ok, err := s.config.Partitions.TryToAssignPartition(ctx, candidate.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if deviceCount+part.Size > s.config.MaxDevicesPerNode {
			if err := s.config.Partitions.ReleasePartition(ctx, part.ID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if s.config.Logger != nil {
			s.config.Logger.Info(ctx, "partition claimed", "partitionID", part.ID, "devices", part.Size)
		}
		claimed[part.ID] = part
		deviceCount += part.Size
	}

	for _, id := range owned {
		if _, ok := claimed[id]; ok {
			continue
		}
		if err := s.config.Partitions.ReleasePartition(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	s.reconcile(ctx, claimed)
	return errors.Join(errs...)
}

func (s *Scheduler) shuffled(parts []fleetsim.DevicesPartition) []fleetsim.DevicesPartition {
	out := make([]fleetsim.DevicesPartition, len(parts))
	copy(out, parts)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	s.randMu.Lock()
	s.config.Rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.randMu.Unlock()
	return out
}

type desiredDevice struct {
	partitionID string
	modelID     string
	position    int
	total       int
}

// reconcile starts devices of newly claimed partitions and stops devices that
// are no longer claimed.
func (s *Scheduler) reconcile(ctx context.Context, claimed map[string]fleetsim.DevicesPartition) {
	desired := make(map[string]desiredDevice)
	totals := s.modelTotals(ctx)
	for _, part := range claimed {
		for modelID, ids := range part.DeviceIDsByModel {
			total := totals[part.SimulationID+"/"+modelID]
			for i, id := range ids {
				position, t := placement(id, i, len(ids), total)
				desired[id] = desiredDevice{partitionID: part.ID, modelID: modelID, position: position, total: t}
			}
		}
	}

	s.mu.Lock()
	var removed []Device
	for id, d := range s.devices {
		if _, ok := desired[id]; !ok {
			removed = append(removed, d.device)
			delete(s.devices, id)
		}
	}
	var added []string
	for id := range desired {
		if _, ok := s.devices[id]; !ok {
			added = append(added, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(added)

	for _, d := range removed {
		if err := d.Stop(ctx); err != nil && s.config.Logger != nil {
			s.config.Logger.Error(ctx, "failed to stop device", "error", err)
		}
	}

	started := make(map[string]assignedDevice, len(added))
	for _, id := range added {
		want := desired[id]
		model, err := s.config.Models.Get(want.modelID)
		if err != nil {
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "unknown device model", "deviceID", id, "modelID", want.modelID, "error", err)
			}
			continue
		}
		d, err := s.config.NewDevice(id, model, want.position, want.total)
		if err != nil {
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "failed to create device", "deviceID", id, "error", err)
			}
			continue
		}
		started[id] = assignedDevice{partitionID: want.partitionID, device: d}
	}

	s.mu.Lock()
	for id, d := range started {
		s.devices[id] = d
	}
	s.partitions = claimed
	partitions, devices := len(s.partitions), len(s.devices)
	s.mu.Unlock()

	if s.config.Metrics != nil {
		s.config.Metrics.SetAssignment(partitions, devices)
	}
	if s.config.Logger != nil && (len(added) > 0 || len(removed) > 0) {
		s.config.Logger.Info(ctx, "devices reconciled",
			"partitions", partitions,
			"devices", devices,
			"started", len(started),
			"stopped", len(removed))
	}
}

func (s *Scheduler) modelTotals(ctx context.Context) map[string]int {
	totals := make(map[string]int)
	if s.config.Simulations == nil {
		return totals
	}
	sims, err := s.config.Simulations.GetAll(ctx)
	if err != nil {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "failed to list simulations", "error", err)
		}
		return totals
	}
	for _, sim := range sims {
		for _, m := range sim.DeviceModels {
			totals[sim.ID+"/"+m.ID] = m.Count
		}
	}
	return totals
}

// placement derives a device's position from the 1-based sequence at the end of
// its id. Without a known model total it falls back to the device's index in its partition.
func placement(deviceID string, index, partitionCount, modelTotal int) (int, int) {
	if modelTotal > 0 {
		if i := strings.LastIndex(deviceID, "."); i >= 0 {
			if n, err := strconv.Atoi(deviceID[i+1:]); err == nil && n >= 1 && n <= modelTotal {
				return n - 1, modelTotal
			}
		}
	}
	return index, partitionCount
}

// TickDevices ticks every assigned device once on the worker pool.
// A failing device is logged and never affects the others.
func (s *Scheduler) TickDevices(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	ids := make([]string, 0, len(s.devices))
	devices := make([]Device, 0, len(s.devices))
	for id, d := range s.devices {
		ids = append(ids, id)
		devices = append(devices, d.device)
	}
	s.mu.Unlock()

	now := s.config.Clock()
	var g errgroup.Group
	g.SetLimit(s.config.Workers)
	for i := range devices {
		id, d := ids[i], devices[i]
		g.Go(func() error {
			if err := d.Tick(ctx, now); err != nil && s.config.Logger != nil {
				s.config.Logger.Error(ctx, "device tick failed", "deviceID", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.config.Metrics != nil {
		s.config.Metrics.ObserveSchedulerTick(time.Since(start).Seconds())
	}
}

// ReleaseAll stops every device and releases every claimed partition.
func (s *Scheduler) ReleaseAll(ctx context.Context) error {
	s.mu.Lock()
	devices := s.devices
	partitions := s.partitions
	s.devices = make(map[string]assignedDevice)
	s.partitions = make(map[string]fleetsim.DevicesPartition)
	s.mu.Unlock()

	var errs []error
	for _, d := range devices {
		if err := d.device.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	ids := make([]string, 0, len(partitions))
	for id := range partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := s.config.Partitions.ReleasePartition(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	if s.config.Metrics != nil {
		s.config.Metrics.SetAssignment(0, 0)
	}
	return errors.Join(errs...)
}

// AssignedPartitions returns the ids of the partitions this node holds, sorted.
func (s *Scheduler) AssignedPartitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AssignedDevices returns the ids of the devices this node runs, sorted.
func (s *Scheduler) AssignedDevices() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
