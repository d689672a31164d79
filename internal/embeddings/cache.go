package embeddings

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached wraps a provider with an LRU cache keyed by model and text.
// Store and recall frequently embed the same content (dedup checks,
// repeated queries), so hits skip the provider entirely.
type Cached struct {
	inner   Provider
	cache   *lru.Cache[string, []float32]
	model   string
	metrics *Metrics
}

var _ Provider = (*Cached)(nil)

// NewCached wraps inner with an LRU cache of the given size.
func NewCached(inner Provider, size int, model string, metrics *Metrics) (*Cached, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: cache size must be positive", ErrInvalidConfig)
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}
	return &Cached{
		inner:   inner,
		cache:   cache,
		model:   model,
		metrics: metrics,
	}, nil
}

func (c *Cached) key(text string) string {
	return c.model + "\x00" + text
}

// EmbedQuery returns the cached vector when present.
// Returned slices are copies; chromem normalizes vectors in place.
func (c *Cached) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(c.key(text)); ok {
		c.metrics.RecordCacheHit(ctx, c.model)
		return cloneVector(vec), nil
	}
	c.metrics.RecordCacheMiss(ctx, c.model)

	vec, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(c.key(text), cloneVector(vec))
	return vec, nil
}

// EmbedDocuments embeds only the texts missing from the cache.
func (c *Cached) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.key(text)); ok {
			c.metrics.RecordCacheHit(ctx, c.model)
			out[i] = cloneVector(vec)
			continue
		}
		c.metrics.RecordCacheMiss(ctx, c.model)
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedDocuments(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		c.cache.Add(c.key(missing[j]), cloneVector(vec))
		out[missingIdx[j]] = vec
	}
	return out, nil
}

// Healthy reports the inner provider's health when it exposes one.
func (c *Cached) Healthy() bool {
	if h, ok := c.inner.(interface{ Healthy() bool }); ok {
		return h.Healthy()
	}
	return true
}

// Dimension returns the inner provider's dimension.
func (c *Cached) Dimension() int {
	return c.inner.Dimension()
}

// Close purges the cache and closes the inner provider.
func (c *Cached) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
