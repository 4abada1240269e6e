// Package cluster tracks live simulation nodes through keep-alive records and
// elects a single master node with a time-boxed lock in the shared store.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/metrics"
	"github.com/getpup/fleetsim/store"
	"github.com/getpup/pupsourcing/es"
	"github.com/google/uuid"
)

const (
	// MasterLockID is the id of the cluster-wide leadership record in store.MainCollection.
	MasterLockID = "masterLock"

	// MasterLockOwnerType tags the leadership lock.
	MasterLockOwnerType = "Master"
)

// Config holds configuration for Cluster.
type Config struct {
	// Store is the shared record store (required).
	Store store.Engine

	// NodeID identifies this process. Generated when empty.
	NodeID string

	// NodeRecordMaxAge is how long a node stays alive without a keep-alive (default: 30s).
	NodeRecordMaxAge time.Duration

	// MasterLockDuration is how long a master election lasts without renewal (default: 60s).
	MasterLockDuration time.Duration

	// Logger is for observability (optional).
	Logger es.Logger

	// Metrics records keep-alives and elections (optional).
	Metrics *metrics.Collector

	// Clock returns the current time (default: time.Now in UTC).
	Clock func() time.Time
}

// Cluster is one node's view of cluster membership and leadership.
type Cluster struct {
	config   Config
	isMaster atomic.Bool
}

// New creates a new Cluster with the given configuration.
// Applies default values for durations if zero.
func New(cfg Config) *Cluster {
	if cfg.NodeID == "" {
		cfg.NodeID = GenerateNodeID()
	}
	if cfg.NodeRecordMaxAge == 0 {
		cfg.NodeRecordMaxAge = 30 * time.Second
	}
	if cfg.MasterLockDuration == 0 {
		cfg.MasterLockDuration = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Cluster{config: cfg}
}

// GenerateNodeID returns a new process-lifetime node id formatted as "<random>.<timestamp>".
func GenerateNodeID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s.%d", random, time.Now().UTC().UnixMilli())
}

// NodeID returns this node's id.
func (c *Cluster) NodeID() string {
	return c.config.NodeID
}

// IsMaster reports the outcome of the last TryBecomeMaster call.
func (c *Cluster) IsMaster() bool {
	return c.isMaster.Load()
}

// KeepAlive writes this node's liveness record with the current time.
// Returns an error wrapping fleetsim.ErrExternalDependency if the store write fails.
func (c *Cluster) KeepAlive(ctx context.Context) error {
	node := fleetsim.ClusterNode{
		ID:            c.config.NodeID,
		LastKeepAlive: c.config.Clock(),
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster node: %w", err)
	}

	_, err = c.config.Store.Upsert(ctx, store.ClusterNodesCollection, store.Record{ID: node.ID, Data: string(data)}, "")
	if err != nil {
		return fmt.Errorf("%w: failed to write keep-alive for node %s: %w", fleetsim.ErrExternalDependency, node.ID, err)
	}

	if c.config.Metrics != nil {
		c.config.Metrics.IncKeepAlives()
	}
	if c.config.Logger != nil {
		c.config.Logger.Debug(ctx, "keep-alive written", "nodeID", node.ID)
	}
	return nil
}

// ListNodes returns every node record in the store.
// Records that cannot be decoded are returned with a zero LastKeepAlive.
func (c *Cluster) ListNodes(ctx context.Context) ([]fleetsim.ClusterNode, error) {
	records, err := c.config.Store.GetAll(ctx, store.ClusterNodesCollection)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list cluster nodes: %w", fleetsim.ErrExternalDependency, err)
	}

	nodes := make([]fleetsim.ClusterNode, 0, len(records))
	for _, r := range records {
		var node fleetsim.ClusterNode
		if err := json.Unmarshal([]byte(r.Data), &node); err != nil {
			node = fleetsim.ClusterNode{}
		}
		node.ID = r.ID
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ListStaleNodes returns the nodes whose last keep-alive is older than maxAge.
func (c *Cluster) ListStaleNodes(ctx context.Context, maxAge time.Duration) ([]fleetsim.ClusterNode, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	now := c.config.Clock()
	stale := make([]fleetsim.ClusterNode, 0)
	for _, n := range nodes {
		if !n.IsAlive(now, maxAge) {
			stale = append(stale, n)
		}
	}
	return stale, nil
}

// CountAliveNodes returns the number of nodes within NodeRecordMaxAge.
func (c *Cluster) CountAliveNodes(ctx context.Context) (int, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return 0, err
	}

	now := c.config.Clock()
	alive := 0
	for _, n := range nodes {
		if n.IsAlive(now, c.config.NodeRecordMaxAge) {
			alive++
		}
	}
	return alive, nil
}

// RemoveStaleNodes deletes every node record older than NodeRecordMaxAge.
// Returns the number of records removed.
func (c *Cluster) RemoveStaleNodes(ctx context.Context) (int, error) {
	stale, err := c.ListStaleNodes(ctx, c.config.NodeRecordMaxAge)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, n := range stale {
		ids[i] = n.ID
	}
	if err := c.config.Store.DeleteMultiple(ctx, store.ClusterNodesCollection, ids); err != nil {
		return 0, fmt.Errorf("%w: failed to delete stale nodes: %w", fleetsim.ErrExternalDependency, err)
	}

	if c.config.Metrics != nil {
		c.config.Metrics.AddStaleNodesRemoved(len(ids))
	}
	if c.config.Logger != nil {
		c.config.Logger.Info(ctx, "removed stale nodes", "nodeID", c.config.NodeID, "count", len(ids), "staleNodeIDs", ids)
	}
	return len(ids), nil
}

// TryBecomeMaster acquires or renews the master lock for MasterLockDuration.
// It returns false when another node holds a non-expired lock or wins a concurrent write.
// Store failures return false with an error; the node simply stays a non-master this cycle.
func (c *Cluster) TryBecomeMaster(ctx context.Context) (bool, error) {
	_, acquired, err := store.TryAcquireLock(ctx, c.config.Store, store.LockRequest{
		Collection:      store.MainCollection,
		ID:              MasterLockID,
		OwnerID:         c.config.NodeID,
		OwnerType:       MasterLockOwnerType,
		Duration:        c.config.MasterLockDuration,
		Now:             c.config.Clock(),
		CreateIfMissing: true,
	})
	if err != nil && !errors.Is(err, store.ErrLocked) {
		c.setMaster(ctx, false)
		return false, fmt.Errorf("%w: master election failed: %w", fleetsim.ErrExternalDependency, err)
	}

	c.setMaster(ctx, acquired)
	return acquired, nil
}

// ResignMaster releases the master lock if this node holds it.
func (c *Cluster) ResignMaster(ctx context.Context) error {
	err := store.ReleaseLock(ctx, c.config.Store, store.LockRequest{
		Collection: store.MainCollection,
		ID:         MasterLockID,
		OwnerID:    c.config.NodeID,
		OwnerType:  MasterLockOwnerType,
		Now:        c.config.Clock(),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to release master lock: %w", fleetsim.ErrExternalDependency, err)
	}
	c.setMaster(ctx, false)
	return nil
}

func (c *Cluster) setMaster(ctx context.Context, master bool) {
	was := c.isMaster.Swap(master)

	if c.config.Metrics != nil {
		c.config.Metrics.RecordElection(master)
	}
	if c.config.Logger == nil || was == master {
		return
	}
	if master {
		c.config.Logger.Info(ctx, "became master", "nodeID", c.config.NodeID)
	} else {
		c.config.Logger.Info(ctx, "no longer master", "nodeID", c.config.NodeID)
	}
}
