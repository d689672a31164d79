package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// New builds the configured Store implementation. The dimension comes
// from the embedding provider so the two can never disagree.
func New(cfg config.VectorConfig, dim int, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "", "chromem":
		return NewChromem(ChromemConfig{
			Path:      cfg.Chromem.Path,
			Compress:  cfg.Chromem.Compress,
			Dimension: dim,
		}, logger)
	case "qdrant":
		return NewQdrant(QdrantConfig{
			Host:      cfg.Qdrant.Host,
			Port:      cfg.Qdrant.Port,
			APIKey:    cfg.Qdrant.APIKey.Value(),
			UseTLS:    cfg.Qdrant.UseTLS,
			Dimension: dim,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
