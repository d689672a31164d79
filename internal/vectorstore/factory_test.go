package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

func TestFactoryDefaultsToChromem(t *testing.T) {
	store, err := New(config.VectorConfig{}, testDim, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, ok := store.(*Chromem)
	assert.True(t, ok)

	// In-memory store is usable immediately.
	require.NoError(t, store.Add(context.Background(), "mem_working", "id-a", unit(1, 0, 0, 0), nil))
	count, err := store.Count(context.Background(), "mem_working")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFactoryUnknownProvider(t *testing.T) {
	_, err := New(config.VectorConfig{Provider: "weaviate"}, testDim, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
