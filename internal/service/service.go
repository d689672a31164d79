package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/repository"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/tiers"
)

var tracer = otel.Tracer("recalld.service")

// Config holds the write-gate settings the facade owns.
type Config struct {
	// StoreThreshold is the minimum assessed importance to persist.
	StoreThreshold float64
}

// ApplyDefaults fills unset fields with the standard values.
func (c *Config) ApplyDefaults() {
	if c.StoreThreshold == 0 {
		c.StoreThreshold = 0.40
	}
}

// Validate checks ranges after defaults are applied.
func (c Config) Validate() error {
	if c.StoreThreshold < 0 || c.StoreThreshold > 1 {
		return fmt.Errorf("%w: store_threshold %.3f outside [0,1]", memory.ErrInvalid, c.StoreThreshold)
	}
	return nil
}

// ConfigFrom assembles the facade settings from the loaded service
// configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{StoreThreshold: cfg.Memory.StoreThreshold}
}

// StoreRequest is one write-path submission.
type StoreRequest struct {
	Content string `json:"content"`

	// Context is the enumerated label the importance assessor keys on.
	// Empty means general.
	Context string `json:"context,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// VaultScope partitions the memory. Empty means core.
	VaultScope memory.VaultScope `json:"vault_scope,omitempty"`
}

// StoreResult reports what the write path did. Stored false means the
// content scored below the threshold and was discarded.
type StoreResult struct {
	ID         string      `json:"id,omitempty"`
	Stored     bool        `json:"stored"`
	Importance float64     `json:"importance"`
	Tier       memory.Tier `json:"tier,omitempty"`

	// PendingEmbedding is true when the row persisted without a vector
	// and waits for the repair worker.
	PendingEmbedding bool `json:"pending_embedding,omitempty"`
}

// RecallRequest is one semantic read.
type RecallRequest struct {
	Query  string        `json:"query"`
	Limit  int           `json:"limit,omitempty"`
	Filter memory.Filter `json:"filter"`
}

// Stats merges storage counts with the lifetime lifecycle counters.
type Stats struct {
	*repository.Stats
	Lifecycle tiers.Totals `json:"lifecycle"`
}

// Health reports per-dependency liveness and the backlog gauges an
// operator checks first.
type Health struct {
	RelationalOK      bool  `json:"relational_ok"`
	VectorOK          bool  `json:"vector_ok"`
	EmbedderOK        bool  `json:"embedder_ok"`
	PendingEmbeddings int64 `json:"pending_embeddings"`
	Quarantined       int64 `json:"quarantined"`
}

// OK reports whether every dependency answered.
func (h Health) OK() bool {
	return h.RelationalOK && h.VectorOK && h.EmbedderOK
}

// Service gates writes, routes reads, and exposes the operational
// surface. It owns no workers; the repository and tier manager run
// their own.
type Service struct {
	repo     *repository.Repository
	engine   *retrieval.Engine
	tiers    *tiers.Manager
	embedder embeddings.Provider
	assessor *memory.Assessor
	config   Config
	logger   *zap.Logger
}

// New creates the facade over an assembled repository, retrieval
// engine, and tier manager.
func New(repo *repository.Repository, engine *retrieval.Engine, manager *tiers.Manager, embedder embeddings.Provider, assessor *memory.Assessor, cfg Config, logger *zap.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: repository is required", memory.ErrInvalid)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: retrieval engine is required", memory.ErrInvalid)
	}
	if manager == nil {
		return nil, fmt.Errorf("%w: tier manager is required", memory.ErrInvalid)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", memory.ErrInvalid)
	}
	if assessor == nil {
		assessor = memory.NewAssessor(memory.AssessorConfig{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Service{
		repo:     repo,
		engine:   engine,
		tiers:    manager,
		embedder: embedder,
		assessor: assessor,
		config:   cfg,
		logger:   logger,
	}, nil
}

// Store assesses the content and persists it when it clears the
// importance threshold. A transient embedder failure does not fail the
// write; the row lands pending and the repair worker finishes it.
func (s *Service) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	ctx, span := tracer.Start(ctx, "Service.Store")
	defer span.End()

	m, err := memory.New(req.Content, req.Context, req.VaultScope, req.Metadata)
	if err != nil {
		StoreOutcomes.WithLabelValues("invalid").Inc()
		span.RecordError(err)
		return nil, err
	}
	m.Importance = s.assessor.Assess(m.Content, m.Context, m.Metadata)

	span.SetAttributes(
		attribute.String("memory.id", m.ID),
		attribute.String("memory.context", m.Context),
		attribute.Float64("memory.importance", m.Importance),
	)

	if m.Importance < s.config.StoreThreshold {
		StoreOutcomes.WithLabelValues("gated").Inc()
		s.logger.Debug("content below store threshold",
			zap.String("context", m.Context),
			zap.Float64("importance", m.Importance),
			zap.Float64("threshold", s.config.StoreThreshold),
		)
		return &StoreResult{Stored: false, Importance: m.Importance}, nil
	}

	embedding, err := s.embed(ctx, m.Content)
	if err != nil {
		StoreOutcomes.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	if err := s.repo.Put(ctx, m, embedding); err != nil {
		StoreOutcomes.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	if m.PendingEmbedding {
		StoreOutcomes.WithLabelValues("pending").Inc()
	} else {
		StoreOutcomes.WithLabelValues("stored").Inc()
	}
	return &StoreResult{
		ID:               m.ID,
		Stored:           true,
		Importance:       m.Importance,
		Tier:             m.Tier,
		PendingEmbedding: m.PendingEmbedding,
	}, nil
}

// embed fetches the content vector. Transient failures return a nil
// vector so the write proceeds as pending; malformed input stays an
// error.
func (s *Service) embed(ctx context.Context, content string) ([]float32, error) {
	vecs, err := s.embedder.EmbedDocuments(ctx, []string{content})
	if err != nil {
		if errors.Is(err, memory.ErrEmbedInvalid) || errors.Is(err, embeddings.ErrEmptyInput) {
			return nil, err
		}
		s.logger.Warn("embedding failed, storing as pending", zap.Error(err))
		return nil, nil
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected one embedding, got %d", memory.ErrEmbedInvalid, len(vecs))
	}
	return vecs[0], nil
}

// Recall answers a query by semantic search. When the semantic leg is
// unavailable it answers from exact search instead, marked degraded.
func (s *Service) Recall(ctx context.Context, req RecallRequest) (*retrieval.ResultSet, error) {
	ctx, span := tracer.Start(ctx, "Service.Recall")
	defer span.End()

	rs, err := s.engine.SearchSemantic(ctx, req.Query, req.Filter, req.Limit)
	switch {
	case err == nil:
		RecallOutcomes.WithLabelValues("ok").Inc()
		return rs, nil
	case errors.Is(err, memory.ErrSemanticUnavailable):
		span.AddEvent("semantic leg unavailable")
	default:
		RecallOutcomes.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}

	reason := err.Error()
	s.logger.Warn("semantic recall unavailable, answering from exact search",
		zap.Error(err),
	)

	rs, err = s.engine.SearchExact(ctx, req.Query, req.Filter, req.Limit)
	if err != nil {
		RecallOutcomes.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	rs.Degraded = true
	rs.Reason = reason
	RecallOutcomes.WithLabelValues("degraded").Inc()
	return rs, nil
}

// SearchExact answers from the relational store only. The embedder is
// never consulted.
func (s *Service) SearchExact(ctx context.Context, query string, f memory.Filter, limit int) (*retrieval.ResultSet, error) {
	return s.engine.SearchExact(ctx, query, f, limit)
}

// SearchHybrid blends the exact and semantic legs. A negative
// exactWeight selects the configured default.
func (s *Service) SearchHybrid(ctx context.Context, query string, exactWeight float64, f memory.Filter, limit int) (*retrieval.ResultSet, error) {
	return s.engine.SearchHybrid(ctx, query, exactWeight, f, limit)
}

// Stats reports row counts, vector counts, and lifecycle counters.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "Service.Stats")
	defer span.End()

	repoStats, err := s.repo.Stats(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &Stats{Stats: repoStats, Lifecycle: s.tiers.Totals()}, nil
}

// Health probes each dependency. It never returns an error; a dead
// dependency shows up as a false flag.
func (s *Service) Health(ctx context.Context) Health {
	ctx, span := tracer.Start(ctx, "Service.Health")
	defer span.End()

	h := Health{
		RelationalOK: s.repo.PingRelational(ctx) == nil,
		VectorOK:     s.repo.PingVector(ctx) == nil,
		EmbedderOK:   true,
	}
	if hp, ok := s.embedder.(interface{ Healthy() bool }); ok {
		h.EmbedderOK = hp.Healthy()
	}
	if stats, err := s.repo.Stats(ctx); err == nil {
		h.PendingEmbeddings = stats.Relational.Pending
		h.Quarantined = stats.Relational.Quarantined
	}

	span.SetAttributes(attribute.Bool("healthy", h.OK()))
	return h
}

// ForceMigrate runs one full lifecycle pass over every tier, ignoring
// the sweep batch budget.
func (s *Service) ForceMigrate(ctx context.Context) (*tiers.SweepReport, error) {
	ctx, span := tracer.Start(ctx, "Service.ForceMigrate")
	defer span.End()

	report, err := s.tiers.ForceMigrate(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ForcedSweeps.Inc()
	return report, nil
}
