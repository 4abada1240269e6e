package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KeepAlivesTotal tracks the total number of node keep-alives written.
var KeepAlivesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_keepalives_total",
		Help: "Total node keep-alives written",
	},
	[]string{"node_id"},
)

// MasterElectionsTotal tracks master election attempts by result (won, lost).
var MasterElectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_master_elections_total",
		Help: "Master election attempts by result",
	},
	[]string{"node_id", "result"},
)

// IsMaster is 1 while the node holds the master lock, 0 otherwise.
var IsMaster = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fleetsim_is_master",
		Help: "Whether the node currently holds the master lock",
	},
	[]string{"node_id"},
)

// StaleNodesRemovedTotal tracks the total number of stale node records removed.
var StaleNodesRemovedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_stale_nodes_removed_total",
		Help: "Total stale node records removed",
	},
	[]string{"node_id"},
)

// PartitionsCreatedTotal tracks the total number of device partitions written.
var PartitionsCreatedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_partitions_created_total",
		Help: "Total device partitions created",
	},
	[]string{"node_id"},
)

// PartitionsDeletedTotal tracks the total number of partitions of inactive simulations deleted.
var PartitionsDeletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_partitions_deleted_total",
		Help: "Total device partitions deleted",
	},
	[]string{"node_id"},
)

// SimulationsPartitionedTotal tracks the total number of completed partitioning passes.
var SimulationsPartitionedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_simulations_partitioned_total",
		Help: "Total simulations partitioned",
	},
	[]string{"node_id"},
)

// CoordinatorCycleFailuresTotal tracks coordinator iterations that logged an error.
var CoordinatorCycleFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_coordinator_cycle_failures_total",
		Help: "Total failed coordinator cycles",
	},
	[]string{"node_id"},
)

// RateLimitDenialsTotal tracks rate limiter denials per dimension.
var RateLimitDenialsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_rate_limit_denials_total",
		Help: "Total rate limiter denials",
	},
	[]string{"node_id", "dimension"},
)

// ActorEventsTotal tracks device actor events per kind.
var ActorEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetsim_actor_events_total",
		Help: "Total device actor events",
	},
	[]string{"node_id", "kind"},
)

// AssignedPartitions tracks the number of partitions claimed by the node.
var AssignedPartitions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fleetsim_assigned_partitions",
		Help: "Partitions currently claimed by the node",
	},
	[]string{"node_id"},
)

// AssignedDevices tracks the number of devices the node simulates.
var AssignedDevices = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fleetsim_assigned_devices",
		Help: "Devices currently simulated by the node",
	},
	[]string{"node_id"},
)

// CoordinatorCycleDuration tracks time spent in one coordinator iteration.
var CoordinatorCycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fleetsim_coordinator_cycle_duration_seconds",
		Help:    "Time spent in one coordinator cycle",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"node_id"},
)

// SchedulerTickDuration tracks time spent ticking every assigned device once.
var SchedulerTickDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fleetsim_scheduler_tick_duration_seconds",
		Help:    "Time spent ticking all assigned devices",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"node_id"},
)
