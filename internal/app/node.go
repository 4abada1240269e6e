// Package app wires one simulation node from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/actors"
	"github.com/getpup/fleetsim/cluster"
	"github.com/getpup/fleetsim/config"
	"github.com/getpup/fleetsim/coordinator"
	"github.com/getpup/fleetsim/hub"
	"github.com/getpup/fleetsim/logging"
	"github.com/getpup/fleetsim/metrics"
	"github.com/getpup/fleetsim/partitioning"
	"github.com/getpup/fleetsim/ratelimit"
	"github.com/getpup/fleetsim/scheduler"
	"github.com/getpup/fleetsim/script"
	"github.com/getpup/fleetsim/simulations"
	"github.com/getpup/fleetsim/store"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the cleanup done by Close.
const shutdownTimeout = 10 * time.Second

// Option customizes how New builds a Node.
type Option func(*options)

type options struct {
	logger *logging.Logger
	store  store.Engine
	hub    hub.Client
}

// WithLogger replaces the logger built from Config.LogLevel.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStore replaces the record store selected by Config.Store.
func WithStore(s store.Engine) Option {
	return func(o *options) { o.store = s }
}

// WithHub replaces the device-hub client selected by Config.Hub.
func WithHub(h hub.Client) Option {
	return func(o *options) { o.hub = h }
}

// Node holds every component of one simulation node.
type Node struct {
	Config  config.Config
	Logger  *logging.Logger
	Metrics *metrics.Collector

	Store       store.Engine
	Simulations *simulations.Repository
	Models      *simulations.ModelCatalog
	Cluster     *cluster.Cluster
	Partitioner *partitioning.Partitioner
	Agent       *coordinator.Agent
	Limiter     *ratelimit.Limiter
	Hub         hub.Client
	Scheduler   *scheduler.Scheduler

	// MetricsServer is nil when Config.MetricsAddr is empty.
	MetricsServer *metrics.Server

	closeStore func() error
	closeHub   func()
}

// New builds a Node. cfg must already be validated.
// The store is opened, and for SQL backends migrated, before New returns.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{Config: cfg, closeStore: func() error { return nil }, closeHub: func() {}}

	n.Logger = o.logger
	if n.Logger == nil {
		l, err := logging.New(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", fleetsim.ErrInvalidConfiguration, err)
		}
		n.Logger = l
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = cluster.GenerateNodeID()
	}
	n.Logger = n.Logger.With("nodeID", nodeID)
	n.Metrics = metrics.NewCollector(nodeID)

	n.Store = o.store
	if n.Store == nil {
		s, closeStore, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		n.Store, n.closeStore = s, closeStore
	}

	n.Simulations = simulations.New(simulations.Config{Store: n.Store, Logger: n.Logger})
	n.Models = simulations.NewModelCatalog(cfg.DeviceModels)

	n.Cluster = cluster.New(cluster.Config{
		Store:              n.Store,
		NodeID:             nodeID,
		NodeRecordMaxAge:   cfg.Cluster.NodeRecordMaxAge(),
		MasterLockDuration: cfg.Cluster.MasterLockDuration(),
		Logger:             n.Logger,
		Metrics:            n.Metrics,
	})

	n.Partitioner = partitioning.New(partitioning.Config{
		Store:                    n.Store,
		Simulations:              n.Simulations,
		NodeID:                   nodeID,
		MaxPartitionSize:         cfg.Cluster.MaxPartitionSize,
		PartitionLockDuration:    cfg.Cluster.PartitionLockDuration(),
		PartitioningLockDuration: cfg.Cluster.MasterLockDuration(),
		Logger:                   n.Logger,
		Metrics:                  n.Metrics,
	})

	n.Agent = coordinator.New(coordinator.Config{
		Membership:    n.Cluster,
		Partitioner:   n.Partitioner,
		Simulations:   n.Simulations,
		CheckInterval: cfg.Cluster.CheckInterval(),
		Logger:        n.Logger,
		Metrics:       n.Metrics,
	})

	limiter, err := ratelimit.New(ratelimit.Config{
		RegistryOperationsPerMinute: cfg.RateLimits.RegistryOperationsPerMinute,
		TwinReadsPerSecond:          cfg.RateLimits.TwinReadsPerSecond,
		TwinWritesPerSecond:         cfg.RateLimits.TwinWritesPerSecond,
		ConnectionsPerSecond:        cfg.RateLimits.ConnectionsPerSecond,
		MessagesPerSecond:           cfg.RateLimits.MessagesPerSecond,
		MessagesPerDay:              cfg.RateLimits.MessagesPerDay,
		Metrics:                     n.Metrics,
	})
	if err != nil {
		_ = n.closeStore()
		return nil, err
	}
	n.Limiter = limiter

	n.Hub = o.hub
	if n.Hub == nil {
		h, closeHub, err := openHub(cfg.Hub, n.Logger)
		if err != nil {
			_ = n.closeStore()
			return nil, err
		}
		n.Hub, n.closeHub = h, closeHub
	}

	actorConfig := actors.Config{
		Hub:         n.Hub,
		Limiter:     n.Limiter,
		Interpreter: script.NewInternal(nil),
		RetryDelay:  time.Duration(cfg.Scheduler.RetryDelayMsecs) * time.Millisecond,
		Logger:      n.Logger,
		Metrics:     n.Metrics,
	}

	n.Scheduler = scheduler.New(scheduler.Config{
		Partitions: n.Partitioner,
		Models:     n.Models,
		NewDevice: func(deviceID string, model fleetsim.DeviceModel, position, total int) (scheduler.Device, error) {
			d, err := actors.NewDevice(actorConfig, deviceID, model, position, total)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		Simulations:        n.Simulations,
		MaxDevicesPerNode:  cfg.Cluster.MaxDevicesPerNode,
		Workers:            cfg.Scheduler.Workers,
		TickInterval:       time.Duration(cfg.Scheduler.TickIntervalMsecs) * time.Millisecond,
		AssignmentInterval: time.Duration(cfg.Scheduler.AssignmentIntervalMsecs) * time.Millisecond,
		Logger:             n.Logger,
		Metrics:            n.Metrics,
	})

	if cfg.MetricsAddr != "" {
		n.MetricsServer = metrics.NewServer(cfg.MetricsAddr, n.Healthy)
	}

	return n, nil
}

// Healthy reports whether the record store answers. A missing master lock is healthy.
func (n *Node) Healthy(ctx context.Context) error {
	_, err := n.Store.Get(ctx, store.MainCollection, cluster.MasterLockID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: record store unavailable: %w", fleetsim.ErrExternalDependency, err)
	}
	return nil
}

// Run seeds the configured simulations, then runs the partitioning agent and the
// scheduler until ctx is cancelled, Stop is called or either of them fails.
// Returns nil on a clean shutdown.
func (n *Node) Run(ctx context.Context) error {
	created, err := n.Simulations.Seed(ctx, n.Config.Simulations)
	if err != nil {
		return err
	}

	n.Logger.Info(ctx, "simulation node starting",
		"storeBackend", n.Config.Store.Backend,
		"hubTransport", n.Config.Hub.Transport,
		"deviceModels", len(n.Config.DeviceModels),
		"simulationsSeeded", created)

	if n.MetricsServer != nil {
		n.MetricsServer.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Agent.Run(gctx)
	})
	g.Go(func() error {
		return n.Scheduler.Run(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	if err == nil && n.MetricsServer != nil {
		err = n.MetricsServer.Err()
	}

	n.Logger.Info(context.WithoutCancel(ctx), "simulation node stopped")
	return err
}

// Stop asks the agent and the scheduler to return. Run then returns nil.
func (n *Node) Stop() {
	n.Agent.Stop()
	n.Scheduler.Stop()
}

// Close releases the master lock and closes the metrics server, hub and store.
// Call it after Run has returned.
func (n *Node) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := n.Cluster.ResignMaster(ctx); err != nil {
		errs = append(errs, err)
	}
	if n.MetricsServer != nil {
		if err := n.MetricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down metrics server: %w", err))
		}
	}
	n.closeHub()
	if err := n.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close record store: %w", err))
	}
	_ = n.Logger.Sync()

	return errors.Join(errs...)
}
