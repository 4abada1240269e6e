package fleetsim

import (
	"fmt"
	"strings"
	"time"
)

// ClusterNode is the liveness record a simulation node keeps in the shared store.
// A node is alive while its LastKeepAlive is no older than the configured max age.
type ClusterNode struct {
	// ID is the process-lifetime node identifier, formatted as "<random>.<timestamp>".
	ID string `json:"id"`

	// LastKeepAlive is the last time the owning node refreshed its record.
	LastKeepAlive time.Time `json:"lastKeepAlive"`
}

// IsAlive reports whether the node refreshed its record within maxAge of now.
func (n ClusterNode) IsAlive(now time.Time, maxAge time.Duration) bool {
	return now.Sub(n.LastKeepAlive) <= maxAge
}

// DeviceModelRef is a (device model, device count) pair declared by a simulation.
type DeviceModelRef struct {
	ID    string `json:"id" yaml:"id"`
	Count int    `json:"count" yaml:"count"`
}

// Simulation describes a set of simulated devices and the time window they run in.
type Simulation struct {
	// ID is the unique simulation identifier.
	ID string `json:"id" yaml:"id"`

	// ETag is the store version the simulation was read at. It is not serialized.
	ETag string `json:"-" yaml:"-"`

	// Enabled switches the simulation on or off regardless of its time window.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// StartTime is the inclusive start of the run window. Nil means unbounded.
	StartTime *time.Time `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// EndTime is the exclusive end of the run window. Nil means unbounded.
	EndTime *time.Time `json:"endTime,omitempty" yaml:"endTime,omitempty"`

	// DeviceModels lists how many devices of each model the simulation runs.
	DeviceModels []DeviceModelRef `json:"deviceModels" yaml:"deviceModels"`

	// PartitioningComplete is set once the simulation's device partitions exist.
	PartitioningComplete bool `json:"partitioningComplete" yaml:"-"`

	// Modified is when the simulation record was last written.
	Modified time.Time `json:"modified" yaml:"-"`
}

// IsActiveNow reports whether the simulation is enabled and now falls in [start, end).
func (s Simulation) IsActiveNow(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.StartTime != nil && now.Before(*s.StartTime) {
		return false
	}
	if s.EndTime != nil && !now.Before(*s.EndTime) {
		return false
	}
	return true
}

// PartitioningRequired reports whether the simulation is active but has no partitions yet.
func (s Simulation) PartitioningRequired(now time.Time) bool {
	return s.IsActiveNow(now) && !s.PartitioningComplete
}

// DeviceCount returns the total number of devices across all models.
func (s Simulation) DeviceCount() int {
	total := 0
	for _, m := range s.DeviceModels {
		if m.Count > 0 {
			total += m.Count
		}
	}
	return total
}

// ModelDeviceIDs holds the ordered device ids generated for one device model.
type ModelDeviceIDs struct {
	ModelID   string
	DeviceIDs []string
}

// DeviceIDsByModel generates the simulation's device ids grouped by model,
// in the order the models are declared. Ids are "{simulationID}.{modelID}.{n}", n starting at 1.
func (s Simulation) DeviceIDsByModel() []ModelDeviceIDs {
	groups := make([]ModelDeviceIDs, 0, len(s.DeviceModels))
	for _, m := range s.DeviceModels {
		if m.Count <= 0 {
			continue
		}
		ids := make([]string, m.Count)
		for i := 0; i < m.Count; i++ {
			ids[i] = DeviceID(s.ID, m.ID, i+1)
		}
		groups = append(groups, ModelDeviceIDs{ModelID: m.ID, DeviceIDs: ids})
	}
	return groups
}

// DeviceID builds the id of the n-th device of a model within a simulation.
func DeviceID(simulationID, modelID string, n int) string {
	return fmt.Sprintf("%s.%s.%d", simulationID, modelID, n)
}

// DevicesPartition is a bounded group of device ids belonging to one simulation.
type DevicesPartition struct {
	// ID is "{simulationID}__{sequence}", sequence starting at 1.
	ID string `json:"id"`

	// SimulationID is the simulation the devices belong to.
	SimulationID string `json:"simulationId"`

	// Size is the total number of devices in the partition.
	Size int `json:"size"`

	// DeviceIDsByModel maps a device model id to the ordered device ids of that model.
	DeviceIDsByModel map[string][]string `json:"deviceIdsByModel"`
}

// PartitionID returns the id of the seq-th partition of a simulation.
func PartitionID(simulationID string, seq int) string {
	return fmt.Sprintf("%s__%d", simulationID, seq)
}

// PartitionSimulationID extracts the simulation id from a partition id.
func PartitionSimulationID(partitionID string) string {
	i := strings.LastIndex(partitionID, "__")
	if i < 0 {
		return partitionID
	}
	return partitionID[:i]
}

// Script is a state or telemetry script declared by a device model.
type Script struct {
	// Type selects the interpreter, e.g. "internal".
	Type string `json:"type" yaml:"type"`

	// Path names the script, e.g. "Math.Increasing".
	Path string `json:"path" yaml:"path"`

	// Params are passed to the script unchanged.
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// DeviceModelSimulation holds the state simulation settings of a device model.
type DeviceModelSimulation struct {
	InitialState map[string]interface{} `json:"initialState" yaml:"initialState"`
	Interval     time.Duration          `json:"interval" yaml:"interval"`
	Scripts      []Script               `json:"scripts" yaml:"scripts"`
}

// DeviceModelMessage is one telemetry message a device model sends periodically.
type DeviceModelMessage struct {
	Interval        time.Duration `json:"interval" yaml:"interval"`
	MessageTemplate string        `json:"messageTemplate" yaml:"messageTemplate"`
	MessageSchema   string        `json:"messageSchema" yaml:"messageSchema"`
}

// DeviceModel is the template every simulated device of a kind is built from.
type DeviceModel struct {
	ID         string                 `json:"id" yaml:"id"`
	Name       string                 `json:"name" yaml:"name"`
	Simulation DeviceModelSimulation  `json:"simulation" yaml:"simulation"`
	Properties map[string]interface{} `json:"properties" yaml:"properties"`
	Telemetry  []DeviceModelMessage   `json:"telemetry" yaml:"telemetry"`
}
