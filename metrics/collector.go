package metrics

// Collector wraps metrics and provides helper methods with the node id label pre-filled.
type Collector struct {
	nodeID string
}

// NewCollector creates a new Collector for the given node.
func NewCollector(nodeID string) *Collector {
	return &Collector{nodeID: nodeID}
}

// IncKeepAlives increments the keep-alive counter.
func (c *Collector) IncKeepAlives() {
	KeepAlivesTotal.WithLabelValues(c.nodeID).Inc()
}

// RecordElection records a master election attempt and updates the master gauge.
func (c *Collector) RecordElection(won bool) {
	result := "lost"
	value := 0.0
	if won {
		result = "won"
		value = 1
	}
	MasterElectionsTotal.WithLabelValues(c.nodeID, result).Inc()
	IsMaster.WithLabelValues(c.nodeID).Set(value)
}

// AddStaleNodesRemoved adds to the stale nodes removed counter.
func (c *Collector) AddStaleNodesRemoved(count int) {
	StaleNodesRemovedTotal.WithLabelValues(c.nodeID).Add(float64(count))
}

// AddPartitionsCreated adds to the partitions created counter.
func (c *Collector) AddPartitionsCreated(count int) {
	PartitionsCreatedTotal.WithLabelValues(c.nodeID).Add(float64(count))
}

// AddPartitionsDeleted adds to the partitions deleted counter.
func (c *Collector) AddPartitionsDeleted(count int) {
	PartitionsDeletedTotal.WithLabelValues(c.nodeID).Add(float64(count))
}

// IncSimulationsPartitioned increments the simulations partitioned counter.
func (c *Collector) IncSimulationsPartitioned() {
	SimulationsPartitionedTotal.WithLabelValues(c.nodeID).Inc()
}

// IncCoordinatorCycleFailures increments the failed coordinator cycles counter.
func (c *Collector) IncCoordinatorCycleFailures() {
	CoordinatorCycleFailuresTotal.WithLabelValues(c.nodeID).Inc()
}

// IncRateLimitDenials increments the denial counter for a rate limiter dimension.
func (c *Collector) IncRateLimitDenials(dimension string) {
	RateLimitDenialsTotal.WithLabelValues(c.nodeID, dimension).Inc()
}

// IncActorEvents increments the actor event counter for an event kind.
func (c *Collector) IncActorEvents(kind string) {
	ActorEventsTotal.WithLabelValues(c.nodeID, kind).Inc()
}

// SetAssignment sets the assigned partitions and devices gauges.
func (c *Collector) SetAssignment(partitions, devices int) {
	AssignedPartitions.WithLabelValues(c.nodeID).Set(float64(partitions))
	AssignedDevices.WithLabelValues(c.nodeID).Set(float64(devices))
}

// ObserveCoordinatorCycle records a coordinator cycle duration observation.
func (c *Collector) ObserveCoordinatorCycle(seconds float64) {
	CoordinatorCycleDuration.WithLabelValues(c.nodeID).Observe(seconds)
}

// ObserveSchedulerTick records a scheduler tick duration observation.
func (c *Collector) ObserveSchedulerTick(seconds float64) {
	SchedulerTickDuration.WithLabelValues(c.nodeID).Observe(seconds)
}
