package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

func newGuardedFake(t *testing.T, maxAttempts int) (*Guarded, *Fake) {
	t.Helper()
	fake := NewFake(8)
	guarded := NewGuarded(fake, GuardConfig{
		Retry: config.RetryConfig{
			Base:        time.Millisecond,
			Cap:         5 * time.Millisecond,
			MaxAttempts: maxAttempts,
		},
		MaxConcurrent: 4,
	}, zap.NewNop())
	return guarded, fake
}

func TestGuarded_RetriesTransient(t *testing.T) {
	guarded, fake := newGuardedFake(t, 3)
	fake.QueueErrors(memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable)

	vec, err := guarded.EmbedQuery(context.Background(), "eventually works")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, 3, fake.Calls())
}

func TestGuarded_ExhaustsAttempts(t *testing.T) {
	guarded, fake := newGuardedFake(t, 3)
	fake.QueueErrors(memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable)

	_, err := guarded.EmbedQuery(context.Background(), "never works")
	require.ErrorIs(t, err, memory.ErrEmbedUnavailable)
	assert.Equal(t, 3, fake.Calls())
}

func TestGuarded_NoRetryOnInvalid(t *testing.T) {
	guarded, fake := newGuardedFake(t, 5)
	fake.QueueErrors(memory.ErrEmbedInvalid)

	_, err := guarded.EmbedQuery(context.Background(), "rejected")
	require.ErrorIs(t, err, memory.ErrEmbedInvalid)
	assert.Equal(t, 1, fake.Calls())
}

func TestGuarded_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	guarded, fake := newGuardedFake(t, 3)
	fake.QueueErrors(
		memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable,
		memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable,
	)

	_, err := guarded.EmbedQuery(context.Background(), "one")
	require.ErrorIs(t, err, memory.ErrEmbedUnavailable)
	require.Equal(t, 3, fake.Calls())

	// Failures four and five trip the breaker mid-call.
	_, err = guarded.EmbedQuery(context.Background(), "two")
	require.ErrorIs(t, err, memory.ErrEmbedUnavailable)
	require.Equal(t, 5, fake.Calls())

	// Breaker is open: the provider is not touched.
	_, err = guarded.EmbedQuery(context.Background(), "three")
	require.ErrorIs(t, err, memory.ErrEmbedUnavailable)
	assert.Equal(t, 5, fake.Calls())
}

func TestGuarded_EmbedDocuments(t *testing.T) {
	guarded, fake := newGuardedFake(t, 3)
	fake.QueueErrors(memory.ErrEmbedUnavailable)

	vecs, err := guarded.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 2, fake.Calls())
}

func TestGuarded_ContextCanceled(t *testing.T) {
	guarded, fake := newGuardedFake(t, 5)
	fake.QueueErrors(memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable,
		memory.ErrEmbedUnavailable, memory.ErrEmbedUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := guarded.EmbedQuery(ctx, "canceled")
	require.Error(t, err)
}

func TestGuarded_Dimension(t *testing.T) {
	guarded, _ := newGuardedFake(t, 1)
	assert.Equal(t, 8, guarded.Dimension())
	assert.NoError(t, guarded.Close())
}
