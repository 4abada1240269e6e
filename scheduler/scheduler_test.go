package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/metrics"
	"github.com/getpup/fleetsim/partitioning"
	"github.com/getpup/fleetsim/simulations"
	"github.com/getpup/fleetsim/store"
	"github.com/getpup/fleetsim/store/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	id      string
	pos     int
	total   int
	tickErr error
	ticks   atomic.Int64
	stops   atomic.Int64
}

func (d *fakeDevice) Tick(ctx context.Context, now time.Time) error {
	d.ticks.Add(1)
	return d.tickErr
}

func (d *fakeDevice) Stop(ctx context.Context) error {
	d.stops.Add(1)
	return nil
}

type deviceRegistry struct {
	mu      sync.Mutex
	devices map[string][]*fakeDevice
}

func newRegistry() *deviceRegistry {
	return &deviceRegistry{devices: map[string][]*fakeDevice{}}
}

func (r *deviceRegistry) factory(deviceID string, model fleetsim.DeviceModel, position, total int) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &fakeDevice{id: deviceID, pos: position, total: total}
	r.devices[deviceID] = append(r.devices[deviceID], d)
	return d, nil
}

func (r *deviceRegistry) latest(id string) *fakeDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.devices[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

type cluster struct {
	store       *memory.Store
	simulations *simulations.Repository
	models      *simulations.ModelCatalog
}

func newCluster(t *testing.T, sims ...fleetsim.Simulation) cluster {
	t.Helper()
	ctx := context.Background()

	s := memory.New()
	repo := simulations.New(simulations.Config{Store: s})
	_, err := repo.Seed(ctx, sims)
	require.NoError(t, err)

	p := partitioning.New(partitioning.Config{Store: s, Simulations: repo, NodeID: "master", MaxPartitionSize: 3})
	for _, sim := range sims {
		require.NoError(t, p.Create(ctx, sim))
	}

	return cluster{
		store:       s,
		simulations: repo,
		models:      simulations.NewModelCatalog([]fleetsim.DeviceModel{{ID: "chiller", Name: "Chiller"}, {ID: "truck", Name: "Truck"}}),
	}
}

func (c cluster) scheduler(nodeID string, maxDevices int, reg *deviceRegistry) *Scheduler {
	return New(Config{
		Partitions:        partitioning.New(partitioning.Config{Store: c.store, Simulations: c.simulations, NodeID: nodeID}),
		Models:            c.models,
		NewDevice:         reg.factory,
		Simulations:       c.simulations,
		MaxDevicesPerNode: maxDevices,
		Rand:              rand.New(rand.NewSource(7)),
	})
}

func tenChillers() fleetsim.Simulation {
	return fleetsim.Simulation{ID: "sim", Enabled: true, DeviceModels: []fleetsim.DeviceModelRef{{ID: "chiller", Count: 10}}}
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := New(Config{})

	assert.Equal(t, 1000, s.config.MaxDevicesPerNode)
	assert.Greater(t, s.config.Workers, 0)
	assert.Equal(t, 250*time.Millisecond, s.config.TickInterval)
	assert.Equal(t, 15*time.Second, s.config.AssignmentInterval)
	assert.NotNil(t, s.config.Rand)
	assert.NotNil(t, s.config.Clock)
}

func TestNew_WorkersNeverExceedDeviceCap(t *testing.T) {
	s := New(Config{MaxDevicesPerNode: 2, Workers: 50})

	assert.Equal(t, 2, s.config.Workers)
}

func TestAssign_ClaimsEverythingWithinCapacity(t *testing.T) {
	c := newCluster(t, tenChillers())
	reg := newRegistry()
	s := c.scheduler("node-a", 1000, reg)

	require.NoError(t, s.Assign(context.Background()))

	assert.Equal(t, []string{"sim__1", "sim__2", "sim__3", "sim__4"}, s.AssignedPartitions())
	assert.Len(t, s.AssignedDevices(), 10)

	d := reg.latest("sim.chiller.7")
	require.NotNil(t, d)
	assert.Equal(t, 6, d.pos)
	assert.Equal(t, 10, d.total)
}

func TestAssign_NeverExceedsMaxDevicesPerNode(t *testing.T) {
	c := newCluster(t, tenChillers())
	s := c.scheduler("node-a", 6, newRegistry())

	require.NoError(t, s.Assign(context.Background()))

	assert.NotEmpty(t, s.AssignedDevices())
	assert.LessOrEqual(t, len(s.AssignedDevices()), 6)
}

func TestAssign_NodesNeverShareDevices(t *testing.T) {
	c := newCluster(t, tenChillers())
	ctx := context.Background()
	a := c.scheduler("node-a", 6, newRegistry())
	b := c.scheduler("node-b", 1000, newRegistry())

	require.NoError(t, a.Assign(ctx))
	require.NoError(t, b.Assign(ctx))
	require.NoError(t, a.Assign(ctx))

	seen := map[string]string{}
	for _, node := range []struct {
		name string
		s    *Scheduler
	}{{"a", a}, {"b", b}} {
		for _, id := range node.s.AssignedDevices() {
			other, dup := seen[id]
			assert.False(t, dup, "device %s on node %s and %s", id, other, node.name)
			seen[id] = node.name
		}
	}
	assert.Len(t, seen, 10)
}

func TestAssign_RenewalKeepsDevicesRunning(t *testing.T) {
	c := newCluster(t, tenChillers())
	reg := newRegistry()
	s := c.scheduler("node-a", 1000, reg)
	ctx := context.Background()

	require.NoError(t, s.Assign(ctx))
	first := reg.latest("sim.chiller.1")
	require.NoError(t, s.Assign(ctx))

	assert.Same(t, first, reg.latest("sim.chiller.1"), "renewal does not rebuild devices")
	assert.Zero(t, first.stops.Load())

	rec, err := c.store.Get(ctx, store.PartitionsCollection, "sim__1")
	require.NoError(t, err)
	assert.True(t, rec.IsLockedBy(time.Now().UTC(), "node-a", partitioning.PartitionLockOwnerType))
}

func TestAssign_RemovedPartitionStopsDevices(t *testing.T) {
	c := newCluster(t, tenChillers())
	reg := newRegistry()
	s := c.scheduler("node-a", 1000, reg)
	ctx := context.Background()
	require.NoError(t, s.Assign(ctx))

	require.NoError(t, c.store.Delete(ctx, store.PartitionsCollection, "sim__4"))
	require.NoError(t, s.Assign(ctx))

	assert.Equal(t, []string{"sim__1", "sim__2", "sim__3"}, s.AssignedPartitions())
	assert.Len(t, s.AssignedDevices(), 9)
	assert.Equal(t, int64(1), reg.latest("sim.chiller.10").stops.Load())
}

type mockPartitions struct {
	mu sync.Mutex

	parts       []fleetsim.DevicesPartition
	getAllErr   error
	refuse      map[string]bool
	assignCalls []string
	released    []string
}

func (m *mockPartitions) GetAll(ctx context.Context) ([]fleetsim.DevicesPartition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parts, m.getAllErr
}

func (m *mockPartitions) TryToAssignPartition(ctx context.Context, id string) (fleetsim.DevicesPartition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignCalls = append(m.assignCalls, id)
	if m.refuse[id] {
		return fleetsim.DevicesPartition{}, false, nil
	}
	for _, p := range m.parts {
		if p.ID == id {
			return p, true, nil
		}
	}
	return fleetsim.DevicesPartition{}, false, nil
}

func (m *mockPartitions) ReleasePartition(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, id)
	return nil
}

func partition(id string, deviceIDs ...string) fleetsim.DevicesPartition {
	return fleetsim.DevicesPartition{
		ID:               id,
		SimulationID:     fleetsim.PartitionSimulationID(id),
		Size:             len(deviceIDs),
		DeviceIDsByModel: map[string][]string{"chiller": deviceIDs},
	}
}

func newMockScheduler(p *mockPartitions, reg *deviceRegistry) *Scheduler {
	return New(Config{
		Partitions: p,
		Models:     simulations.NewModelCatalog([]fleetsim.DeviceModel{{ID: "chiller"}}),
		NewDevice:  reg.factory,
		Rand:       rand.New(rand.NewSource(1)),
	})
}

func TestAssign_LostClaimReleasesAndStops(t *testing.T) {
	p := &mockPartitions{
		parts:  []fleetsim.DevicesPartition{partition("s__1", "s.chiller.1", "s.chiller.2")},
		refuse: map[string]bool{},
	}
	reg := newRegistry()
	s := newMockScheduler(p, reg)
	ctx := context.Background()
	require.NoError(t, s.Assign(ctx))
	require.Len(t, s.AssignedDevices(), 2)

	p.refuse["s__1"] = true
	require.NoError(t, s.Assign(ctx))

	assert.Empty(t, s.AssignedPartitions())
	assert.Empty(t, s.AssignedDevices())
	assert.Equal(t, []string{"s__1"}, p.released)
	assert.Equal(t, int64(1), reg.latest("s.chiller.1").stops.Load())
}

func TestAssign_ListFailureKeepsCurrentDevices(t *testing.T) {
	p := &mockPartitions{parts: []fleetsim.DevicesPartition{partition("s__1", "s.chiller.1")}}
	s := newMockScheduler(p, newRegistry())
	ctx := context.Background()
	require.NoError(t, s.Assign(ctx))

	p.getAllErr = fleetsim.ErrExternalDependency
	err := s.Assign(ctx)

	assert.ErrorIs(t, err, fleetsim.ErrExternalDependency)
	assert.Equal(t, []string{"s.chiller.1"}, s.AssignedDevices())
}

func TestAssign_UnknownModelIsSkipped(t *testing.T) {
	part := partition("s__1", "s.chiller.1")
	part.DeviceIDsByModel["ghost"] = []string{"s.ghost.1"}
	part.Size = 2
	p := &mockPartitions{parts: []fleetsim.DevicesPartition{part}}
	s := newMockScheduler(p, newRegistry())

	require.NoError(t, s.Assign(context.Background()))

	assert.Equal(t, []string{"s.chiller.1"}, s.AssignedDevices())
}

func TestAssign_RecordsAssignmentMetrics(t *testing.T) {
	p := &mockPartitions{parts: []fleetsim.DevicesPartition{partition("s__1", "s.chiller.1", "s.chiller.2")}}
	s := New(Config{
		Partitions: p,
		Models:     simulations.NewModelCatalog([]fleetsim.DeviceModel{{ID: "chiller"}}),
		NewDevice:  newRegistry().factory,
		Metrics:    metrics.NewCollector("scheduler-test-node"),
	})

	require.NoError(t, s.Assign(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AssignedPartitions.WithLabelValues("scheduler-test-node")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.AssignedDevices.WithLabelValues("scheduler-test-node")))
}

func TestTickDevices_OneFailingDeviceDoesNotAffectOthers(t *testing.T) {
	p := &mockPartitions{parts: []fleetsim.DevicesPartition{partition("s__1", "s.chiller.1", "s.chiller.2", "s.chiller.3")}}
	reg := newRegistry()
	s := newMockScheduler(p, reg)
	ctx := context.Background()
	require.NoError(t, s.Assign(ctx))
	reg.latest("s.chiller.2").tickErr = errors.New("broken device")

	s.TickDevices(ctx)
	s.TickDevices(ctx)

	for _, id := range []string{"s.chiller.1", "s.chiller.2", "s.chiller.3"} {
		assert.Equal(t, int64(2), reg.latest(id).ticks.Load(), id)
	}
}

func TestReleaseAll(t *testing.T) {
	p := &mockPartitions{parts: []fleetsim.DevicesPartition{
		partition("s__1", "s.chiller.1"),
		partition("s__2", "s.chiller.2"),
	}}
	reg := newRegistry()
	s := newMockScheduler(p, reg)
	ctx := context.Background()
	require.NoError(t, s.Assign(ctx))

	require.NoError(t, s.ReleaseAll(ctx))

	assert.Equal(t, []string{"s__1", "s__2"}, p.released)
	assert.Empty(t, s.AssignedDevices())
	assert.Equal(t, int64(1), reg.latest("s.chiller.2").stops.Load())
}

func TestRun_TicksUntilStoppedThenReleases(t *testing.T) {
	p := &mockPartitions{parts: []fleetsim.DevicesPartition{partition("s__1", "s.chiller.1")}}
	reg := newRegistry()
	s := New(Config{
		Partitions:   p,
		Models:       simulations.NewModelCatalog([]fleetsim.DeviceModel{{ID: "chiller"}}),
		NewDevice:    reg.factory,
		TickInterval: 5 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		d := reg.latest("s.chiller.1")
		return d != nil && d.ticks.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int64(1), reg.latest("s.chiller.1").stops.Load())
	p.mu.Lock()
	assert.Equal(t, []string{"s__1"}, p.released)
	p.mu.Unlock()
}

func TestRun_ReturnsOnContextCancel(t *testing.T) {
	s := newMockScheduler(&mockPartitions{}, newRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlacement(t *testing.T) {
	pos, total := placement("sim.chiller.7", 0, 3, 10)
	assert.Equal(t, 6, pos)
	assert.Equal(t, 10, total)

	pos, total = placement("sim.chiller.7", 1, 3, 0)
	assert.Equal(t, 1, pos, "no model total falls back to the partition index")
	assert.Equal(t, 3, total)

	pos, total = placement("custom-id", 2, 3, 10)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 3, total)

	pos, _ = placement("sim.chiller.11", 2, 3, 10)
	assert.Equal(t, 2, pos, "sequence beyond the model total is ignored")
}
