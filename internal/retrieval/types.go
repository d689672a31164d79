package retrieval

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/repository"
)

// Searcher is the slice of the repository the engine depends on.
type Searcher interface {
	// ExactSearch returns non-quarantined rows containing the query.
	ExactSearch(ctx context.Context, query string, f memory.Filter, limit int) ([]*memory.Memory, error)

	// VectorSearch returns the nearest hydrated memories.
	VectorSearch(ctx context.Context, vector []float32, tiers []memory.Tier, k int, minSimilarity float32) ([]repository.Match, error)

	// Touch records an access without blocking.
	Touch(id string, at time.Time)
}

var _ Searcher = (*repository.Repository)(nil)

// Config tunes scoring and blending.
type Config struct {
	// MinSimilarity drops semantic candidates below this cosine
	// similarity before scoring.
	MinSimilarity float64

	// ExactWeight is the default hybrid mix.
	ExactWeight float64

	// DefaultLimit applies when the caller passes limit <= 0.
	DefaultLimit int

	// Weights are the multi-signal scoring weights; they must sum to 1.
	Weights config.ScoreWeights

	// VaultMode, CoreWeight, and ProjectWeight control dual-vault
	// blending. In dual mode a search spanning both scopes multiplies
	// each final score by its scope's weight.
	VaultMode     string
	CoreWeight    float64
	ProjectWeight float64
}

// ApplyDefaults fills unset fields with the standard values.
func (c *Config) ApplyDefaults() {
	if c.MinSimilarity == 0 {
		c.MinSimilarity = 0.50
	}
	if c.ExactWeight == 0 {
		c.ExactWeight = 0.40
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.Weights == (config.ScoreWeights{}) {
		c.Weights = config.ScoreWeights{
			Similarity: 0.35,
			Recency:    0.25,
			Importance: 0.15,
			Frequency:  0.10,
			Context:    0.15,
		}
	}
	if c.VaultMode == "" {
		c.VaultMode = config.VaultModeSingle
	}
	if c.CoreWeight == 0 {
		c.CoreWeight = 0.3
	}
	if c.ProjectWeight == 0 {
		c.ProjectWeight = 0.7
	}
}

// Validate checks ranges after defaults are applied.
func (c Config) Validate() error {
	if sum := c.Weights.Sum(); math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("%w: scoring weights sum to %.3f, want 1.0", memory.ErrInvalid, sum)
	}
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity %.3f outside [0,1]", memory.ErrInvalid, c.MinSimilarity)
	}
	if c.ExactWeight < 0 || c.ExactWeight > 1 {
		return fmt.Errorf("%w: exact_weight %.3f outside [0,1]", memory.ErrInvalid, c.ExactWeight)
	}
	return nil
}

// ConfigFrom assembles the engine settings from the loaded service
// configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MinSimilarity: cfg.Retrieval.MinSimilarity,
		ExactWeight:   cfg.Retrieval.ExactWeight,
		DefaultLimit:  cfg.Retrieval.DefaultLimit,
		Weights:       cfg.Retrieval.Weights,
		VaultMode:     cfg.Memory.VaultMode,
		CoreWeight:    cfg.Memory.CoreWeight,
		ProjectWeight: cfg.Memory.ProjectWeight,
	}
}

// Signals is the per-factor breakdown behind a result's score.
type Signals struct {
	Similarity   float64 `json:"similarity,omitempty"`
	Recency      float64 `json:"recency,omitempty"`
	Importance   float64 `json:"importance,omitempty"`
	Frequency    float64 `json:"frequency,omitempty"`
	ContextMatch float64 `json:"context_match,omitempty"`

	// ExactNorm and SemanticNorm are the normalized per-leg scores
	// that fed the hybrid blend.
	ExactNorm    float64 `json:"exact_norm,omitempty"`
	SemanticNorm float64 `json:"semantic_norm,omitempty"`
}

// Result is one ranked memory.
type Result struct {
	Memory  *memory.Memory `json:"memory"`
	Score   float64        `json:"score"`
	Signals Signals        `json:"signals"`
}

// ResultSet is a ranked answer. Degraded marks semantic unavailability
// with the exact leg still answering.
type ResultSet struct {
	Results  []Result `json:"results"`
	Degraded bool     `json:"degraded,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}
