package tiers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

func TestHashDedupKeepsHighestImportance(t *testing.T) {
	env := newTestManager(t, Config{LowAccessPerWeek: 10})
	ctx := context.Background()

	keeper := env.seed(t, "release uses make dist", memory.VaultProject, memory.TierWorking, 0.8, 50*time.Hour, unitVec(1))
	keeper.AccessCount = 2
	require.NoError(t, env.repo.Update(ctx, keeper))

	dup := env.seed(t, "release uses make dist", memory.VaultProject, memory.TierWorking, 0.6, 49*time.Hour, unitVec(1, 0.01))
	dup.AccessCount = 3
	dup.Metadata = map[string]string{"file": "service.go"}
	require.NoError(t, env.repo.Update(ctx, dup))

	// same content in another vault must not be folded in
	core := env.seed(t, "release uses make dist", memory.VaultCore, memory.TierSession, 0.5, 20*24*time.Hour, unitVec(0, 1))

	report, err := env.mgr.ForceMigrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.MigratedToSession)
	assert.Equal(t, 1, report.Merged)
	assert.Zero(t, report.Errors)

	got, err := env.repo.Get(ctx, keeper.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierSession, got.Tier)
	assert.InDelta(t, 0.8, got.Importance, 1e-9)
	assert.EqualValues(t, 5, got.AccessCount, "access history should be absorbed")
	assert.Equal(t, "service.go", got.Metadata["file"])

	_, err = env.repo.Get(ctx, dup.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	_, err = env.repo.Get(ctx, core.ID)
	assert.NoError(t, err)
}

func TestHashDedupProbesBeyondTheBatch(t *testing.T) {
	env := newTestManager(t, Config{SweepBatch: 1})
	ctx := context.Background()

	old := env.seed(t, "duplicate fact", memory.VaultProject, memory.TierSession, 0.55, 20*24*time.Hour, unitVec(1))
	newer := env.seed(t, "duplicate fact", memory.VaultProject, memory.TierSession, 0.50, 15*24*time.Hour, unitVec(1, 0.01))

	// a budgeted sweep only reaches the older copy; the hash probe must
	// still find its twin outside the page
	report, err := env.mgr.sweep(ctx, 1, true, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Merged)
	assert.Zero(t, report.MigratedToLongTerm)

	got, err := env.repo.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, got.Importance, 1e-9)

	_, err = env.repo.Get(ctx, newer.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestNearDupMergesRecentRows(t *testing.T) {
	env := newTestManager(t, Config{})
	ctx := context.Background()

	a := env.seed(t, "deploys run from the release branch", memory.VaultProject, memory.TierSession, 0.55, 15*24*time.Hour, unitVec(1))
	b := env.seed(t, "releases deploy off the release branch", memory.VaultProject, memory.TierSession, 0.57, 15*24*time.Hour, unitVec(1, 0.05))

	// a recent read pulls a into the near-duplicate pass
	a.LastAccessedAt = time.Now().UTC()
	a.AccessCount = 4
	require.NoError(t, env.repo.Update(ctx, a))
	b.AccessCount = 3
	require.NoError(t, env.repo.Update(ctx, b))

	report, err := env.mgr.ForceMigrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)
	assert.Zero(t, report.Errors)

	got, err := env.repo.Get(ctx, a.ID)
	require.NoError(t, err, "the more recently accessed copy survives")
	assert.EqualValues(t, 7, got.AccessCount, "absorbed accesses are summed")

	_, err = env.repo.Get(ctx, b.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestNearDupRespectsImportanceGap(t *testing.T) {
	env := newTestManager(t, Config{})
	ctx := context.Background()

	a := env.seed(t, "the gateway retries twice", memory.VaultProject, memory.TierSession, 0.50, 15*24*time.Hour, unitVec(1))
	b := env.seed(t, "gateway calls retry two times", memory.VaultProject, memory.TierSession, 0.59, 15*24*time.Hour, unitVec(1, 0.05))

	a.LastAccessedAt = time.Now().UTC()
	require.NoError(t, env.repo.Update(ctx, a))

	report, err := env.mgr.ForceMigrate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Merged)

	_, err = env.repo.Get(ctx, a.ID)
	assert.NoError(t, err)
	_, err = env.repo.Get(ctx, b.ID)
	assert.NoError(t, err)
}

func TestNearDupHonorsVaultBoundary(t *testing.T) {
	env := newTestManager(t, Config{})
	ctx := context.Background()

	a := env.seed(t, "builds are tagged by commit", memory.VaultProject, memory.TierSession, 0.55, 15*24*time.Hour, unitVec(1))
	b := env.seed(t, "each build gets a commit tag", memory.VaultCore, memory.TierSession, 0.55, 15*24*time.Hour, unitVec(1, 0.01))

	a.LastAccessedAt = time.Now().UTC()
	require.NoError(t, env.repo.Update(ctx, a))

	report, err := env.mgr.ForceMigrate(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Merged)

	_, err = env.repo.Get(ctx, a.ID)
	assert.NoError(t, err)
	_, err = env.repo.Get(ctx, b.ID)
	assert.NoError(t, err)
}
