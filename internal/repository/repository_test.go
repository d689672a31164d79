package repository

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const testDim = 8

// unitVec pads the components to testDim and normalizes, so stored and
// retrieved vectors compare within float tolerance.
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

// flakyVec wraps a vector store and fails selected operations.
type flakyVec struct {
	vectorstore.Store
	mu     sync.Mutex
	addErr error
	getErr error
}

func (f *flakyVec) setAddErr(err error) {
	f.mu.Lock()
	f.addErr = err
	f.mu.Unlock()
}

func (f *flakyVec) setGetErr(err error) {
	f.mu.Lock()
	f.getErr = err
	f.mu.Unlock()
}

func (f *flakyVec) Add(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error {
	f.mu.Lock()
	err := f.addErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Add(ctx, collection, id, vector, payload)
}

func (f *flakyVec) GetVector(ctx context.Context, collection, id string) ([]float32, error) {
	f.mu.Lock()
	err := f.getErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.GetVector(ctx, collection, id)
}

func newTestRepo(t *testing.T) (*Repository, *relstore.InMem, *flakyVec, *embeddings.Fake) {
	t.Helper()
	rel := relstore.NewInMem()
	repo := newTestRepoWith(t, rel, nil)
	return repo, rel, repo.vec.(*flakyVec), repo.embedder.(*embeddings.Fake)
}

// newTestRepoWith builds a repository on the given relational store,
// a fresh in-memory vector store, and a deterministic embedder. A nil
// fake gets a default one.
func newTestRepoWith(t *testing.T, rel relstore.Store, fake *embeddings.Fake) *Repository {
	t.Helper()
	inner, err := vectorstore.NewChromem(vectorstore.ChromemConfig{Dimension: testDim}, zap.NewNop())
	require.NoError(t, err)
	if fake == nil {
		fake = embeddings.NewFake(testDim)
	}

	repo, err := New(rel, &flakyVec{Store: inner}, fake, Config{
		TouchFlushInterval: time.Hour,
		RepairInterval:     time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, repo.EnsureCollections(context.Background()))
	t.Cleanup(func() { repo.Stop() })
	return repo
}

func putMemory(t *testing.T, repo *Repository, content string, vec []float32) *memory.Memory {
	t.Helper()
	m, err := memory.New(content, memory.ContextGeneral, memory.VaultProject, nil)
	require.NoError(t, err)
	m.Importance = 0.5
	require.NoError(t, repo.Put(context.Background(), m, vec))
	return m
}

func TestPutStoresRowAndVector(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	m := putMemory(t, repo, "the parser rejects unterminated strings", unitVec(1, 2))

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, got.PendingEmbedding)
	assert.Equal(t, memory.TierWorking, got.Tier)

	stored, err := vec.GetVector(ctx, memory.TierWorking.Collection(), m.ID)
	require.NoError(t, err)
	assert.InDeltaSlice(t, unitVec(1, 2), stored, 1e-6)
}

func TestPutGeneratesID(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)

	m, err := memory.New("ids are uuidv7", memory.ContextGeneral, memory.VaultCore, nil)
	require.NoError(t, err)
	m.ID = ""

	require.NoError(t, repo.Put(context.Background(), m, unitVec(1)))
	_, err = uuid.Parse(m.ID)
	assert.NoError(t, err)
}

func TestPutWithoutEmbeddingIsPending(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	m := putMemory(t, repo, "no vector arrived with this write", nil)

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.PendingEmbedding)

	_, err = vec.GetVector(ctx, memory.TierWorking.Collection(), m.ID)
	assert.ErrorIs(t, err, vectorstore.ErrVectorNotFound)
}

func TestPutVectorFailureDegradesToPending(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	vec.setAddErr(assert.AnError)
	m := putMemory(t, repo, "the index write failed but the row landed", unitVec(1))
	vec.setAddErr(nil)

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.PendingEmbedding)

	_, err = vec.GetVector(ctx, memory.TierWorking.Collection(), m.ID)
	assert.ErrorIs(t, err, vectorstore.ErrVectorNotFound)
}

func TestPutConflict(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)

	m := putMemory(t, repo, "first write wins", unitVec(1))

	dup := m.Clone()
	err := repo.Put(context.Background(), dup, unitVec(1))
	assert.ErrorIs(t, err, memory.ErrConflict)
}

func TestPutInvalid(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	assert.ErrorIs(t, repo.Put(ctx, nil, nil), memory.ErrInvalid)

	m, err := memory.New("importance out of range", memory.ContextGeneral, memory.VaultCore, nil)
	require.NoError(t, err)
	m.Importance = 1.5
	assert.ErrorIs(t, repo.Put(ctx, m, unitVec(1)), memory.ErrInvalid)
}

func TestDeleteRemovesRowAndVector(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	m := putMemory(t, repo, "deletes are idempotent", unitVec(1))

	require.NoError(t, repo.Delete(ctx, m.ID))

	_, err := rel.Get(ctx, m.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)
	_, err = vec.GetVector(ctx, memory.TierWorking.Collection(), m.ID)
	assert.ErrorIs(t, err, vectorstore.ErrVectorNotFound)

	assert.NoError(t, repo.Delete(ctx, m.ID), "repeat delete succeeds")
}

func TestUpdateTierMovesVector(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	m := putMemory(t, repo, "promotion copies before it flips", unitVec(3, 4))

	require.NoError(t, repo.UpdateTier(ctx, m.ID, memory.TierSession))

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierSession, got.Tier)
	assert.False(t, got.PendingEmbedding)

	moved, err := vec.GetVector(ctx, memory.TierSession.Collection(), m.ID)
	require.NoError(t, err)
	assert.InDeltaSlice(t, unitVec(3, 4), moved, 1e-6)

	_, err = vec.GetVector(ctx, memory.TierWorking.Collection(), m.ID)
	assert.ErrorIs(t, err, vectorstore.ErrVectorNotFound)
}

func TestUpdateTierSameTierNoop(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	m := putMemory(t, repo, "already there", unitVec(1))
	assert.NoError(t, repo.UpdateTier(context.Background(), m.ID, memory.TierWorking))
}

func TestUpdateTierMissingVectorGoesPending(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	m := putMemory(t, repo, "the vector vanished underneath us", unitVec(1))
	require.NoError(t, vec.Delete(ctx, memory.TierWorking.Collection(), m.ID))

	require.NoError(t, repo.UpdateTier(ctx, m.ID, memory.TierSession))

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.TierSession, got.Tier)
	assert.True(t, got.PendingEmbedding, "migrated without a vector, repair finishes")
}

func TestUpdateTierCopyFailureAborts(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	m := putMemory(t, repo, "a failed copy leaves everything in place", unitVec(1))

	vec.setAddErr(assert.AnError)
	err := repo.UpdateTier(ctx, m.ID, memory.TierSession)
	vec.setAddErr(nil)
	require.Error(t, err)

	got, gerr := rel.Get(ctx, m.ID)
	require.NoError(t, gerr)
	assert.Equal(t, memory.TierWorking, got.Tier)
	assert.False(t, got.PendingEmbedding)

	_, verr := vec.GetVector(ctx, memory.TierWorking.Collection(), m.ID)
	assert.NoError(t, verr, "original vector untouched")
}

func TestUpdateTierReadFailureAborts(t *testing.T) {
	ctx := context.Background()
	repo, rel, vec, _ := newTestRepo(t)

	m := putMemory(t, repo, "transient reads do not migrate", unitVec(1))

	vec.setGetErr(assert.AnError)
	err := repo.UpdateTier(ctx, m.ID, memory.TierSession)
	vec.setGetErr(nil)
	require.Error(t, err)

	got, gerr := rel.Get(ctx, m.ID)
	require.NoError(t, gerr)
	assert.Equal(t, memory.TierWorking, got.Tier)
}

func TestUpdateTierValidation(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)
	ctx := context.Background()

	assert.ErrorIs(t, repo.UpdateTier(ctx, uuid.NewString(), memory.Tier("frozen")), memory.ErrInvalid)
	assert.ErrorIs(t, repo.UpdateTier(ctx, uuid.NewString(), memory.TierSession), memory.ErrNotFound)
}

func TestStats(t *testing.T) {
	repo, _, _, _ := newTestRepo(t)

	putMemory(t, repo, "one memory with a vector", unitVec(1))
	putMemory(t, repo, "one memory still pending", nil)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Relational.Total)
	assert.Equal(t, int64(1), stats.Relational.Pending)
	assert.Equal(t, 1, stats.VectorCounts[memory.TierWorking.Collection()])
}
