package fleetsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulation_IsActiveNow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	before := now.Add(-time.Hour)
	after := now.Add(time.Hour)

	t.Run("disabled simulation inside its window is inactive", func(t *testing.T) {
		sim := Simulation{Enabled: false, StartTime: &before, EndTime: &after}
		assert.False(t, sim.IsActiveNow(now))
	})

	t.Run("enabled simulation without window is active", func(t *testing.T) {
		sim := Simulation{Enabled: true}
		assert.True(t, sim.IsActiveNow(now))
	})

	t.Run("enabled simulation inside window is active", func(t *testing.T) {
		sim := Simulation{Enabled: true, StartTime: &before, EndTime: &after}
		assert.True(t, sim.IsActiveNow(now))
	})

	t.Run("start time is inclusive", func(t *testing.T) {
		sim := Simulation{Enabled: true, StartTime: &now}
		assert.True(t, sim.IsActiveNow(now))
	})

	t.Run("end time is exclusive", func(t *testing.T) {
		sim := Simulation{Enabled: true, EndTime: &now}
		assert.False(t, sim.IsActiveNow(now))
	})

	t.Run("not started yet", func(t *testing.T) {
		sim := Simulation{Enabled: true, StartTime: &after}
		assert.False(t, sim.IsActiveNow(now))
	})

	t.Run("already ended", func(t *testing.T) {
		sim := Simulation{Enabled: true, EndTime: &before}
		assert.False(t, sim.IsActiveNow(now))
	})
}

func TestSimulation_PartitioningRequired(t *testing.T) {
	now := time.Now()

	assert.True(t, Simulation{Enabled: true}.PartitioningRequired(now))
	assert.False(t, Simulation{Enabled: true, PartitioningComplete: true}.PartitioningRequired(now))
	assert.False(t, Simulation{Enabled: false}.PartitioningRequired(now))
}

func TestSimulation_DeviceIDsByModel(t *testing.T) {
	sim := Simulation{
		ID: "sim1",
		DeviceModels: []DeviceModelRef{
			{ID: "truck", Count: 2},
			{ID: "empty", Count: 0},
			{ID: "chiller", Count: 3},
		},
	}

	groups := sim.DeviceIDsByModel()

	require.Len(t, groups, 2)
	assert.Equal(t, "truck", groups[0].ModelID)
	assert.Equal(t, []string{"sim1.truck.1", "sim1.truck.2"}, groups[0].DeviceIDs)
	assert.Equal(t, "chiller", groups[1].ModelID)
	assert.Equal(t, []string{"sim1.chiller.1", "sim1.chiller.2", "sim1.chiller.3"}, groups[1].DeviceIDs)
	assert.Equal(t, 5, sim.DeviceCount())
}

func TestClusterNode_IsAlive(t *testing.T) {
	now := time.Now()
	node := ClusterNode{ID: "n1", LastKeepAlive: now.Add(-10 * time.Second)}

	assert.True(t, node.IsAlive(now, 10*time.Second))
	assert.False(t, node.IsAlive(now, 9*time.Second))
}

func TestPartitionID(t *testing.T) {
	id := PartitionID("sim-a", 3)

	assert.Equal(t, "sim-a__3", id)
	assert.Equal(t, "sim-a", PartitionSimulationID(id))
	assert.Equal(t, "plain", PartitionSimulationID("plain"))
}
