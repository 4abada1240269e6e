package simulations

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getpup/fleetsim"
	"github.com/getpup/fleetsim/store"
	"github.com/getpup/fleetsim/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSimulation(id string) fleetsim.Simulation {
	return fleetsim.Simulation{
		ID:      id,
		Enabled: true,
		DeviceModels: []fleetsim.DeviceModelRef{
			{ID: "chiller", Count: 3},
		},
	}
}

func TestSeed_CreatesOnlyMissing(t *testing.T) {
	repo := New(Config{Store: memory.New()})
	ctx := context.Background()

	created, err := repo.Seed(ctx, []fleetsim.Simulation{newSimulation("a"), newSimulation("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	changed := newSimulation("a")
	changed.Enabled = false
	created, err = repo.Seed(ctx, []fleetsim.Simulation{changed})
	require.NoError(t, err)
	assert.Zero(t, created)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Enabled, "existing simulation is untouched")
	assert.NotEmpty(t, got.ETag)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGet_NotFound(t *testing.T) {
	repo := New(Config{Store: memory.New()})

	_, err := repo.Get(context.Background(), "missing")

	assert.ErrorIs(t, err, fleetsim.ErrSimulationNotFound)
}

func TestGetAll_SkipsUndecodable(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.Create(ctx, store.SimulationsCollection, store.Record{ID: "bad", Data: "{"})
	require.NoError(t, err)

	repo := New(Config{Store: s})
	_, err = repo.Seed(ctx, []fleetsim.Simulation{newSimulation("good")})
	require.NoError(t, err)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "good", all[0].ID)
}

func TestGetAll_StoreFailure(t *testing.T) {
	engine := store.NewMockEngine()
	engine.GetAllFunc = func(ctx context.Context, collection string) ([]store.Record, error) {
		return nil, errors.New("down")
	}
	repo := New(Config{Store: engine})

	_, err := repo.GetAll(context.Background())

	assert.ErrorIs(t, err, fleetsim.ErrExternalDependency)
}

func TestUpsert_ConditionalOnETag(t *testing.T) {
	repo := New(Config{Store: memory.New()})
	ctx := context.Background()

	first, err := repo.Upsert(ctx, newSimulation("a"))
	require.NoError(t, err)
	require.NotEmpty(t, first.ETag)

	first.Enabled = false
	second, err := repo.Upsert(ctx, first)
	require.NoError(t, err)

	_, err = repo.Upsert(ctx, first)
	assert.ErrorIs(t, err, store.ErrConflict, "stale etag")

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, second.ETag, got.ETag)
}

func TestUpsert_ClearsPartitioningCompleteWhenPartitionsMustBeRebuilt(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	ctx := context.Background()

	cases := []struct {
		name    string
		before  func(s *fleetsim.Simulation)
		after   func(s *fleetsim.Simulation)
		rebuild bool
	}{
		{"unchanged", func(s *fleetsim.Simulation) {}, func(s *fleetsim.Simulation) {}, false},
		{"disabled", func(s *fleetsim.Simulation) {}, func(s *fleetsim.Simulation) { s.Enabled = false }, false},
		{"re-enabled", func(s *fleetsim.Simulation) { s.Enabled = false }, func(s *fleetsim.Simulation) { s.Enabled = true }, true},
		{"window moved to the present", func(s *fleetsim.Simulation) { s.EndTime = &past }, func(s *fleetsim.Simulation) { s.EndTime = &future }, true},
		{"device count changed", func(s *fleetsim.Simulation) {}, func(s *fleetsim.Simulation) {
			s.DeviceModels = []fleetsim.DeviceModelRef{{ID: "chiller", Count: 5}}
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := New(Config{Store: memory.New(), Clock: func() time.Time { return now }})

			sim := newSimulation("a")
			sim.PartitioningComplete = true
			tc.before(&sim)
			stored, err := repo.Upsert(ctx, sim)
			require.NoError(t, err)
			require.True(t, stored.PartitioningComplete)

			tc.after(&stored)
			written, err := repo.Upsert(ctx, stored)
			require.NoError(t, err)

			got, err := repo.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, !tc.rebuild, written.PartitioningComplete)
			assert.Equal(t, !tc.rebuild, got.PartitioningComplete)
		})
	}
}

func TestLockAndMarkPartitioningComplete(t *testing.T) {
	s := memory.New()
	repo := New(Config{Store: s})
	ctx := context.Background()

	_, err := repo.Seed(ctx, []fleetsim.Simulation{newSimulation("a")})
	require.NoError(t, err)

	locked, ok, err := repo.Lock(ctx, "a", "node-1", "PartitioningMaster", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", locked.ID)

	_, ok, err = repo.Lock(ctx, "a", "node-2", "PartitioningMaster", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by node-1")

	_, err = repo.MarkPartitioningComplete(ctx, "a", "node-2", "PartitioningMaster")
	assert.ErrorIs(t, err, store.ErrLocked)

	done, err := repo.MarkPartitioningComplete(ctx, "a", "node-1", "PartitioningMaster")
	require.NoError(t, err)
	assert.True(t, done.PartitioningComplete)

	rec, err := s.Get(ctx, store.SimulationsCollection, "a")
	require.NoError(t, err)
	assert.False(t, rec.IsLocked(time.Now().UTC()), "lock released with the flag")

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.PartitioningComplete)
}

func TestLock_MissingSimulation(t *testing.T) {
	repo := New(Config{Store: memory.New()})

	_, ok, err := repo.Lock(context.Background(), "missing", "node-1", "PartitioningMaster", time.Minute)

	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkPartitioningComplete_NotFound(t *testing.T) {
	repo := New(Config{Store: memory.New()})

	_, err := repo.MarkPartitioningComplete(context.Background(), "missing", "node-1", "PartitioningMaster")

	assert.ErrorIs(t, err, fleetsim.ErrSimulationNotFound)
}

func TestDelete_IsIdempotent(t *testing.T) {
	repo := New(Config{Store: memory.New()})
	ctx := context.Background()

	_, err := repo.Seed(ctx, []fleetsim.Simulation{newSimulation("a")})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, "a"))
	require.NoError(t, repo.Delete(ctx, "a"))

	_, err = repo.Get(ctx, "a")
	assert.ErrorIs(t, err, fleetsim.ErrSimulationNotFound)
}
