package repository

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// ExactSearch returns rows whose content contains the query.
func (r *Repository) ExactSearch(ctx context.Context, query string, f memory.Filter, limit int) ([]*memory.Memory, error) {
	ctx, span := tracer.Start(ctx, "Repository.ExactSearch")
	defer span.End()
	return r.rel.ExactSearch(ctx, query, f, limit)
}

// VectorSearch finds the k nearest memories to the query vector across
// the given tiers (all tiers when empty) and hydrates them from the
// relational store. Rows pending a vector never appear; quarantined
// rows are dropped.
func (r *Repository) VectorSearch(ctx context.Context, vector []float32, tiers []memory.Tier, k int, minSimilarity float32) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Repository.VectorSearch")
	defer span.End()

	if len(tiers) == 0 {
		tiers = memory.Tiers
	}
	collections := make([]string, len(tiers))
	for i, t := range tiers {
		collections[i] = t.Collection()
	}
	span.SetAttributes(
		attribute.StringSlice("collections", collections),
		attribute.Int("k", k),
	)

	hits, err := r.vec.SearchByVector(ctx, collections, vector, k, minSimilarity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	matches, err := r.hydrate(ctx, hits)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// SimilarTo returns up to k neighbors of an existing memory within its
// own tier, excluding the memory itself. A memory without a vector has
// no neighbors.
func (r *Repository) SimilarTo(ctx context.Context, id string, tier memory.Tier, k int, minSimilarity float32) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Repository.SimilarTo")
	defer span.End()
	span.SetAttributes(attribute.String("memory.id", id))

	collection := tier.Collection()
	vector, err := r.vec.GetVector(ctx, collection, id)
	if err != nil {
		if errors.Is(err, vectorstore.ErrVectorNotFound) || errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return nil, nil
		}
		span.RecordError(err)
		return nil, err
	}

	// One extra so the memory itself does not crowd out a neighbor.
	hits, err := r.vec.SearchByVector(ctx, []string{collection}, vector, k+1, minSimilarity)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	matches, err := r.hydrate(ctx, hits)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := matches[:0]
	for _, match := range matches {
		if match.Memory.ID == id {
			continue
		}
		out = append(out, match)
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// hydrate resolves vector hits against the relational store, keeping
// hit order. Duplicate ids keep their best hit, quarantined rows are
// dropped, and hits without a row are orphans: counted and deleted
// inline, best effort.
func (r *Repository) hydrate(ctx context.Context, hits []vectorstore.Hit) ([]Match, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(hits))
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		ids = append(ids, h.ID)
	}

	rows, err := r.rel.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*memory.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	matches := make([]Match, 0, len(hits))
	taken := make(map[string]bool, len(hits))
	for _, h := range hits {
		if taken[h.ID] {
			continue
		}
		taken[h.ID] = true

		m, ok := byID[h.ID]
		if !ok {
			SearchOrphans.Inc()
			if derr := r.vec.Delete(ctx, h.Collection, h.ID); derr != nil {
				r.logger.Warn("orphan vector cleanup failed",
					zap.String("id", h.ID),
					zap.String("collection", h.Collection),
					zap.Error(derr),
				)
			}
			continue
		}
		if m.Quarantined {
			continue
		}
		matches = append(matches, Match{Memory: m, Similarity: float64(h.Similarity)})
	}
	return matches, nil
}
