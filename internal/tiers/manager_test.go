package tiers

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
	"github.com/fyrsmithlabs/recalld/internal/repository"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const testDim = 8

func unitVec(components ...float32) []float32 {
	v := make([]float32, testDim)
	copy(v, components)
	var norm float64
	for _, c := range v {
		norm += float64(c) * float64(c)
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// spreadVec returns vectors that stay pairwise far below the dedup
// similarity threshold.
func spreadVec(i int) []float32 {
	v := make([]float32, testDim)
	if i < testDim {
		v[i] = 1
	} else {
		v[2*(i-testDim)] = 1
		v[2*(i-testDim)+1] = 1
	}
	return unitVec(v...)
}

type testEnv struct {
	mgr  *Manager
	repo *repository.Repository
	rel  *relstore.InMem
	vec  vectorstore.Store
	fake *embeddings.Fake
}

func newTestManager(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	rel := relstore.NewInMem()
	vec, err := vectorstore.NewChromem(vectorstore.ChromemConfig{Dimension: testDim}, zap.NewNop())
	require.NoError(t, err)
	fake := embeddings.NewFake(testDim)

	repo, err := repository.New(rel, vec, fake, repository.Config{
		TouchFlushInterval: time.Hour,
		RepairInterval:     time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, repo.EnsureCollections(context.Background()))
	t.Cleanup(func() { repo.Stop() })

	mgr, err := NewManager(repo, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	return &testEnv{mgr: mgr, repo: repo, rel: rel, vec: vec, fake: fake}
}

// seed inserts a memory with a backdated creation time.
func (env *testEnv) seed(t *testing.T, content string, scope memory.VaultScope, tier memory.Tier, importance float64, age time.Duration, vec []float32) *memory.Memory {
	t.Helper()
	ctx := context.Background()

	m, err := memory.New(content, memory.ContextGeneral, scope, nil)
	require.NoError(t, err)
	m.Importance = importance
	m.CreatedAt = time.Now().UTC().Add(-age)
	m.LastAccessedAt = m.CreatedAt
	require.NoError(t, env.repo.Put(ctx, m, vec))

	if tier != memory.TierWorking {
		require.NoError(t, env.repo.UpdateTier(ctx, m.ID, tier))
		m.Tier = tier
	}
	return m
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, Config{}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)

	env := newTestManager(t, Config{})

	_, err = NewManager(env.repo, Config{DedupSim: 1.5}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)

	_, err = NewManager(env.repo, Config{SweepBatch: -1}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 48*time.Hour, cfg.WorkingToSessionAge)
	assert.Equal(t, 14*24*time.Hour, cfg.SessionToLongAge)
	assert.Equal(t, 0.60, cfg.LongTermMinImportance)
	assert.Equal(t, 1.0, cfg.LowAccessPerWeek)
	assert.Equal(t, 0.30, cfg.EvictMinImportance)
	assert.Equal(t, 72*time.Hour, cfg.EvictAge)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, 500, cfg.SweepBatch)
	assert.Equal(t, 0.95, cfg.DedupSim)
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.Tiers.SweepBatch = 42
	cfg.Tiers.DedupSim = 0.90

	tc := ConfigFrom(cfg)
	assert.Equal(t, 42, tc.SweepBatch)
	assert.Equal(t, 0.90, tc.DedupSim)
	assert.Equal(t, 48*time.Hour, tc.WorkingToSessionAge)
	assert.Equal(t, 50.0, tc.RatePerSec)
}

func TestSweeperLifecycle(t *testing.T) {
	env := newTestManager(t, Config{SweepInterval: 20 * time.Millisecond})
	ctx := context.Background()

	m := env.seed(t, "background migration", memory.VaultProject, memory.TierWorking, 0.7, 50*time.Hour, unitVec(1))

	env.mgr.Start(ctx)
	env.mgr.Start(ctx) // second start is a no-op

	require.Eventually(t, func() bool {
		got, err := env.repo.Get(ctx, m.ID)
		return err == nil && got.Tier == memory.TierSession
	}, 2*time.Second, 10*time.Millisecond)

	env.mgr.Stop()
	env.mgr.Stop() // idempotent
}
