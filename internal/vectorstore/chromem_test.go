package vectorstore

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDim = 4

func newTestChromem(t *testing.T) *Chromem {
	t.Helper()
	store, err := NewChromem(ChromemConfig{Dimension: testDim}, zap.NewNop())
	require.NoError(t, err)
	return store
}

// unit returns a normalized vector so stored and retrieved vectors
// compare exactly (chromem normalizes on insert).
func unit(components ...float32) []float32 {
	v := make([]float32, testDim)
	copy(v, components)
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

func TestChromemConfigValidate(t *testing.T) {
	assert.NoError(t, ChromemConfig{Dimension: 4}.Validate())
	assert.ErrorIs(t, ChromemConfig{}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, ChromemConfig{Dimension: -1}.Validate(), ErrInvalidConfig)

	_, err := NewChromem(ChromemConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestChromemEnsureCollections(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	names := []string{"mem_working", "mem_session", "mem_long_term"}
	require.NoError(t, store.EnsureCollections(ctx, names))
	// Idempotent.
	require.NoError(t, store.EnsureCollections(ctx, names))

	for _, name := range names {
		count, err := store.Count(ctx, name)
		require.NoError(t, err)
		assert.Zero(t, count)
	}

	err := store.EnsureCollections(ctx, []string{"Bad Name"})
	assert.ErrorIs(t, err, ErrInvalidCollectionName)
}

func TestChromemAddAndSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	require.NoError(t, store.Add(ctx, "mem_working", "id-a", unit(1, 0, 0, 0), map[string]string{"tier": "working"}))
	require.NoError(t, store.Add(ctx, "mem_working", "id-b", unit(1, 1, 0, 0), nil))
	require.NoError(t, store.Add(ctx, "mem_working", "id-c", unit(0, 0, 1, 0), nil))

	hits, err := store.SearchByVector(ctx, []string{"mem_working"}, unit(1, 0, 0, 0), 10, 0.1)
	require.NoError(t, err)
	require.Len(t, hits, 2, "orthogonal vector filtered by min similarity")
	assert.Equal(t, "id-a", hits[0].ID)
	assert.InDelta(t, 1.0, float64(hits[0].Similarity), 1e-4)
	assert.Equal(t, "id-b", hits[1].ID)
	assert.InDelta(t, 1/math.Sqrt2, float64(hits[1].Similarity), 1e-4)
	assert.Equal(t, "mem_working", hits[0].Collection)
}

func TestChromemSearchAcrossCollections(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	require.NoError(t, store.Add(ctx, "mem_working", "w1", unit(1, 1, 0, 0), nil))
	require.NoError(t, store.Add(ctx, "mem_session", "s1", unit(1, 0, 0, 0), nil))

	// mem_long_term was never created; the union search skips it.
	hits, err := store.SearchByVector(ctx,
		[]string{"mem_working", "mem_session", "mem_long_term"},
		unit(1, 0, 0, 0), 10, 0.1)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "s1", hits[0].ID, "best match first regardless of collection")
	assert.Equal(t, "mem_session", hits[0].Collection)
	assert.Equal(t, "w1", hits[1].ID)

	capped, err := store.SearchByVector(ctx,
		[]string{"mem_working", "mem_session"}, unit(1, 0, 0, 0), 1, 0.1)
	require.NoError(t, err)
	require.Len(t, capped, 1)
	assert.Equal(t, "s1", capped[0].ID)
}

func TestChromemSearchValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	_, err := store.SearchByVector(ctx, []string{"mem_working"}, unit(1, 0, 0, 0), 0, 0)
	assert.Error(t, err)

	_, err = store.SearchByVector(ctx, []string{"mem_working"}, []float32{1, 0}, 5, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = store.Add(ctx, "mem_working", "short", []float32{1}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestChromemGetVector(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	vec := unit(0, 1, 1, 0)
	require.NoError(t, store.Add(ctx, "mem_working", "id-a", vec, nil))

	got, err := store.GetVector(ctx, "mem_working", "id-a")
	require.NoError(t, err)
	require.Len(t, got, testDim)
	for i := range vec {
		assert.InDelta(t, float64(vec[i]), float64(got[i]), 1e-5)
	}

	// Returned slice must not alias the stored vector.
	got[0] = 99
	again, err := store.GetVector(ctx, "mem_working", "id-a")
	require.NoError(t, err)
	assert.InDelta(t, float64(vec[0]), float64(again[0]), 1e-5)

	_, err = store.GetVector(ctx, "mem_working", "missing")
	assert.ErrorIs(t, err, ErrVectorNotFound)

	_, err = store.GetVector(ctx, "mem_session", "id-a")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromemDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	require.NoError(t, store.Add(ctx, "mem_working", "id-a", unit(1, 0, 0, 0), nil))
	require.NoError(t, store.Add(ctx, "mem_working", "id-b", unit(0, 1, 0, 0), nil))

	require.NoError(t, store.Delete(ctx, "mem_working", "id-a", "never-existed"))

	count, err := store.Count(ctx, "mem_working")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Deleting from an absent collection is not an error.
	assert.NoError(t, store.Delete(ctx, "mem_session", "id-a"))
	// Nor is an empty id list.
	assert.NoError(t, store.Delete(ctx, "mem_working"))
}

func TestChromemListIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	ids, err := store.ListIDs(ctx, "mem_working")
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Add(ctx, "mem_working", "id-a", unit(1, 0, 0, 0), nil))
	require.NoError(t, store.Add(ctx, "mem_working", "id-b", unit(0, 1, 0, 0), nil))
	require.NoError(t, store.Add(ctx, "mem_working", "id-c", unit(0, 0, 1, 0), nil))

	ids, err = store.ListIDs(ctx, "mem_working")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id-a", "id-b", "id-c"}, ids)
}

func TestChromemUpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTestChromem(t)

	require.NoError(t, store.Add(ctx, "mem_working", "id-a", unit(1, 0, 0, 0), nil))
	require.NoError(t, store.Add(ctx, "mem_working", "id-a", unit(0, 1, 0, 0), nil))

	count, err := store.Count(ctx, "mem_working")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetVector(ctx, "mem_working", "id-a")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, float64(got[0]), 1e-5)
	assert.InDelta(t, 1.0, float64(got[1]), 1e-5)
}

func TestChromemPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewChromem(ChromemConfig{Path: dir, Dimension: testDim}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, "mem_working", "id-a", unit(1, 0, 0, 0), map[string]string{"tier": "working"}))
	require.NoError(t, store.Close())

	reopened, err := NewChromem(ChromemConfig{Path: dir, Dimension: testDim}, zap.NewNop())
	require.NoError(t, err)
	count, err := reopened.Count(ctx, "mem_working")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := reopened.GetVector(ctx, "mem_working", "id-a")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(got[0]), 1e-5)
}
