package embeddings

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Provider is the interface for embedding providers.
type Provider interface {
	// EmbedQuery generates an embedding for a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// NewProvider creates an embedding provider from the configuration.
//
// The returned provider is wrapped with a retry/breaker guard and, when
// cache_size > 0, an LRU cache. Callers get the full stack.
func NewProvider(cfg config.EmbeddingConfig, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(logger)

	var base Provider
	var err error

	switch cfg.Provider {
	case "tei", "":
		base, err = NewTEI(TEIConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Dim:     cfg.Dim,
		}, metrics)
	case "fastembed":
		base, err = NewFastEmbed(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "fake":
		base = NewFake(cfg.Dim)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	guarded := NewGuarded(base, GuardConfig{
		Retry:         cfg.Retry,
		MaxConcurrent: cfg.MaxConcurrent,
	}, logger)

	if cfg.CacheSize > 0 {
		return NewCached(guarded, cfg.CacheSize, cfg.Model, metrics)
	}
	return guarded, nil
}
