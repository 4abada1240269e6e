// Package coordinator runs the periodic cluster cycle: every node keeps itself alive,
// and the elected master removes stale nodes and maintains device partitions.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/metrics"
	"github.com/getpup/pupsourcing/es"
	"golang.org/x/sync/errgroup"
)

// Membership is the cluster view the agent drives.
type Membership interface {
	NodeID() string
	KeepAlive(ctx context.Context) error
	TryBecomeMaster(ctx context.Context) (bool, error)
	RemoveStaleNodes(ctx context.Context) (int, error)
}

// Partitioner creates and deletes device partitions.
type Partitioner interface {
	Create(ctx context.Context, sim fleetsim.Simulation) error
	DeleteInactivePartitions(ctx context.Context) (int, error)
}

// SimulationLister lists every simulation.
type SimulationLister interface {
	GetAll(ctx context.Context) ([]fleetsim.Simulation, error)
}

// Config holds configuration for the Agent.
type Config struct {
	// Membership tracks liveness and leadership (required).
	Membership Membership

	// Partitioner maintains device partitions (required).
	Partitioner Partitioner

	// Simulations lists simulations to partition (required).
	Simulations SimulationLister

	// CheckInterval is the pause between cycles (default: 15s).
	CheckInterval time.Duration

	// Logger is for observability (optional).
	Logger es.Logger

	// Metrics records cycle durations and failures (optional).
	Metrics *metrics.Collector

	// Clock returns the current time (default: time.Now in UTC).
	Clock func() time.Time
}

// Agent is the partitioning agent loop of one node.
type Agent struct {
	config   Config
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a new Agent with the given configuration.
// Applies default values for CheckInterval and Clock if not set.
func New(cfg Config) *Agent {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Agent{
		config: cfg,
		stopCh: make(chan struct{}),
	}
}

// Run executes cycles until Stop is called or the context is cancelled.
// A failed cycle is logged and does not stop the loop.
// Returns nil after Stop and ctx.Err() on cancellation.
func (a *Agent) Run(ctx context.Context) error {
	if a.config.Logger != nil {
		a.config.Logger.Info(ctx, "partitioning agent started",
			"nodeID", a.config.Membership.NodeID(),
			"checkInterval", a.config.CheckInterval)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return a.stop(ctx)
		case <-timer.C:
		}

		if a.stopped.Load() {
			return a.stop(ctx)
		}

		_ = a.RunOnce(ctx)
		timer.Reset(a.config.CheckInterval)
	}
}

// Stop asks Run to return before its next cycle. A cycle in progress completes.
func (a *Agent) Stop() {
	a.stopped.Store(true)
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Agent) stop(ctx context.Context) error {
	if a.config.Logger != nil {
		a.config.Logger.Info(ctx, "partitioning agent stopped", "nodeID", a.config.Membership.NodeID())
	}
	return nil
}

// RunOnce executes one cycle: keep-alive, election and, when master, stale-node
// removal and partition maintenance run concurrently. Every step runs even when an
// earlier one fails; the returned error joins all failures.
func (a *Agent) RunOnce(ctx context.Context) error {
	start := time.Now()
	nodeID := a.config.Membership.NodeID()
	var errs []error

	if err := a.config.Membership.KeepAlive(ctx); err != nil {
		a.logError(ctx, "keep-alive failed", err)
		errs = append(errs, err)
	}

	isMaster, err := a.config.Membership.TryBecomeMaster(ctx)
	if err != nil {
		a.logError(ctx, "master election failed", err)
		errs = append(errs, err)
	}

	if isMaster {
		var mu sync.Mutex
		collect := func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}

		var g errgroup.Group
		g.Go(func() error {
			if _, err := a.config.Membership.RemoveStaleNodes(ctx); err != nil {
				a.logError(ctx, "failed to remove stale nodes", err)
				collect(err)
			}
			return nil
		})
		g.Go(func() error {
			if err := a.UpdateDevicePartitions(ctx); err != nil {
				collect(err)
			}
			return nil
		})
		_ = g.Wait()
	}

	if a.config.Metrics != nil {
		a.config.Metrics.ObserveCoordinatorCycle(time.Since(start).Seconds())
	}

	if len(errs) > 0 {
		if a.config.Metrics != nil {
			a.config.Metrics.IncCoordinatorCycleFailures()
		}
		return fmt.Errorf("coordinator cycle failed on node %s: %w", nodeID, errors.Join(errs...))
	}

	if a.config.Logger != nil {
		a.config.Logger.Debug(ctx, "coordinator cycle complete", "nodeID", nodeID, "isMaster", isMaster)
	}
	return nil
}

// UpdateDevicePartitions partitions every simulation that requires it, then deletes
// partitions of inactive simulations. A failure on one simulation does not stop the others.
func (a *Agent) UpdateDevicePartitions(ctx context.Context) error {
	var errs []error

	sims, err := a.config.Simulations.GetAll(ctx)
	if err != nil {
		a.logError(ctx, "failed to list simulations", err)
		errs = append(errs, err)
	}

	now := a.config.Clock()
	for _, sim := range sims {
		if !sim.PartitioningRequired(now) {
			continue
		}
		if err := a.config.Partitioner.Create(ctx, sim); err != nil {
			if a.config.Logger != nil {
				a.config.Logger.Error(ctx, "failed to partition simulation", "simulationID", sim.ID, "error", err)
			}
			errs = append(errs, err)
		}
	}

	if _, err := a.config.Partitioner.DeleteInactivePartitions(ctx); err != nil {
		a.logError(ctx, "failed to delete inactive partitions", err)
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (a *Agent) logError(ctx context.Context, msg string, err error) {
	if a.config.Logger != nil {
		a.config.Logger.Error(ctx, msg, "nodeID", a.config.Membership.NodeID(), "error", err)
	}
}
