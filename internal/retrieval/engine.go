package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

var tracer = otel.Tracer("recalld.retrieval")

// candidateMultiplier oversizes each leg's candidate fetch so scoring
// has room to reorder before the final trim.
const candidateMultiplier = 2

// Engine composes exact and semantic candidates into ranked results.
type Engine struct {
	store    Searcher
	embedder embeddings.Provider
	config   Config
	logger   *zap.Logger

	// now is swapped in tests to pin the scoring clock.
	now func() time.Time
}

// NewEngine creates a retrieval engine.
func NewEngine(store Searcher, embedder embeddings.Provider, config Config, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: searcher is required", memory.ErrInvalid)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", memory.ErrInvalid)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Engine{
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// DefaultExactWeight returns the configured hybrid mix.
func (e *Engine) DefaultExactWeight() float64 {
	return e.config.ExactWeight
}

// SearchExact ranks substring matches from the relational store by
// match class, position, and recency. No embedding call is made.
func (e *Engine) SearchExact(ctx context.Context, query string, f memory.Filter, limit int) (rs *ResultSet, err error) {
	ctx, span := tracer.Start(ctx, "Retrieval.SearchExact")
	defer span.End()
	defer func(start time.Time) { observeSearch("exact", start, err) }(time.Now())

	limit = e.limitOr(limit)
	if strings.TrimSpace(query) == "" {
		err = fmt.Errorf("%w: query cannot be empty", memory.ErrInvalid)
		return nil, err
	}

	results, err := e.exactCandidates(ctx, query, f, limit*candidateMultiplier)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if e.applyVaultWeights(results, f) {
		sortResults(results)
	}
	results = trim(results, limit)
	e.touchAll(results)

	span.SetAttributes(attribute.Int("results", len(results)))
	return &ResultSet{Results: results}, nil
}

// SearchSemantic embeds the query once and ranks the nearest memories
// by the multi-signal score.
func (e *Engine) SearchSemantic(ctx context.Context, query string, f memory.Filter, limit int) (rs *ResultSet, err error) {
	ctx, span := tracer.Start(ctx, "Retrieval.SearchSemantic")
	defer span.End()
	defer func(start time.Time) { observeSearch("semantic", start, err) }(time.Now())

	limit = e.limitOr(limit)
	if strings.TrimSpace(query) == "" {
		err = fmt.Errorf("%w: query cannot be empty", memory.ErrInvalid)
		return nil, err
	}

	results, err := e.semanticCandidates(ctx, query, f, limit*candidateMultiplier)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if e.applyVaultWeights(results, f) {
		sortResults(results)
	}
	results = trim(results, limit)
	e.touchAll(results)

	span.SetAttributes(attribute.Int("results", len(results)))
	return &ResultSet{Results: results}, nil
}

// SearchHybrid runs both legs and blends their normalized scores with
// exactWeight. A negative exactWeight selects the configured default.
// When the semantic leg is unavailable the exact leg still answers,
// marked degraded.
func (e *Engine) SearchHybrid(ctx context.Context, query string, exactWeight float64, f memory.Filter, limit int) (rs *ResultSet, err error) {
	ctx, span := tracer.Start(ctx, "Retrieval.SearchHybrid")
	defer span.End()
	defer func(start time.Time) { observeSearch("hybrid", start, err) }(time.Now())

	limit = e.limitOr(limit)
	if strings.TrimSpace(query) == "" {
		err = fmt.Errorf("%w: query cannot be empty", memory.ErrInvalid)
		return nil, err
	}
	if exactWeight < 0 {
		exactWeight = e.config.ExactWeight
	}
	if exactWeight > 1 {
		err = fmt.Errorf("%w: exact_weight %.3f outside [0,1]", memory.ErrInvalid, exactWeight)
		return nil, err
	}
	span.SetAttributes(attribute.Float64("exact_weight", exactWeight))

	exact, err := e.exactCandidates(ctx, query, f, limit*candidateMultiplier)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	semantic, serr := e.semanticCandidates(ctx, query, f, limit*candidateMultiplier)
	if serr != nil {
		if !errors.Is(serr, memory.ErrSemanticUnavailable) {
			span.RecordError(serr)
			err = serr
			return nil, err
		}
		// The exact leg still answers.
		e.logger.Warn("hybrid search degraded to exact-only", zap.Error(serr))
		DegradedSearches.Inc()
		span.SetAttributes(attribute.Bool("degraded", true))

		if e.applyVaultWeights(exact, f) {
			sortResults(exact)
		}
		exact = trim(exact, limit)
		e.touchAll(exact)
		return &ResultSet{Results: exact, Degraded: true, Reason: serr.Error()}, nil
	}

	results := blend(exact, semantic, exactWeight)
	if e.applyVaultWeights(results, f) {
		sortResults(results)
	}
	results = trim(results, limit)
	e.touchAll(results)

	span.SetAttributes(attribute.Int("results", len(results)))
	return &ResultSet{Results: results}, nil
}

// exactCandidates fetches and ranks the exact leg. No touches.
func (e *Engine) exactCandidates(ctx context.Context, query string, f memory.Filter, k int) ([]Result, error) {
	rows, err := e.store.ExactSearch(ctx, query, f, k)
	if err != nil {
		return nil, err
	}
	return rankExact(rows, query, e.now()), nil
}

// semanticCandidates embeds the query and scores the nearest memories.
// No touches. Failures of the embedder or the vector index map onto
// ErrSemanticUnavailable; relational failures pass through.
func (e *Engine) semanticCandidates(ctx context.Context, query string, f memory.Filter, k int) ([]Result, error) {
	vector, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %v", memory.ErrSemanticUnavailable, err)
	}

	matches, err := e.store.VectorSearch(ctx, vector, f.Tiers, k, float32(e.config.MinSimilarity))
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrSemanticUnavailable),
			errors.Is(err, memory.ErrStoreUnavailable),
			errors.Is(err, memory.ErrTimeout):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", memory.ErrSemanticUnavailable, err)
		}
	}

	now := e.now()
	results := make([]Result, 0, len(matches))
	for _, match := range matches {
		if !f.Matches(match.Memory) {
			continue
		}
		score, sig := e.score(match.Memory, match.Similarity, f.Context, now)
		results = append(results, Result{Memory: match.Memory, Score: score, Signals: sig})
	}
	sortResults(results)
	return results, nil
}

func (e *Engine) limitOr(limit int) int {
	if limit <= 0 {
		return e.config.DefaultLimit
	}
	return limit
}

func (e *Engine) touchAll(results []Result) {
	now := e.now()
	for _, r := range results {
		e.store.Touch(r.Memory.ID, now)
	}
}

func trim(results []Result, limit int) []Result {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}
