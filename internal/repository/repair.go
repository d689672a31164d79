package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// reapChunkSize bounds how many vector ids are cross-checked against
// the relational store per round trip.
const reapChunkSize = 200

// repairLoop runs repair passes until stopped. The first pass runs
// immediately so rows left pending by a previous process are picked up
// without waiting a full interval.
func (r *Repository) repairLoop(ctx context.Context, stopCh <-chan struct{}) {
	if err := r.Repair(ctx); err != nil {
		r.logger.Warn("initial repair pass failed", zap.Error(err))
	}

	ticker := time.NewTicker(r.config.RepairInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Repair(ctx); err != nil {
				r.logger.Warn("repair pass failed", zap.Error(err))
			}
		}
	}
}

// Repair runs one repair pass: rows still waiting for a vector are
// re-embedded, and shadow vectors left behind by interrupted writes or
// tier migrations are reaped. Safe to call while the background worker
// runs; per-id locks keep the two from clobbering each other.
func (r *Repository) Repair(ctx context.Context) error {
	start := time.Now()

	repaired, rerr := r.repairPending(ctx)
	reaped, serr := r.reapShadows(ctx)
	err := errors.Join(rerr, serr)

	result := "ok"
	if err != nil {
		result = "error"
	}
	RepairRuns.WithLabelValues(result).Inc()

	if repaired > 0 || reaped > 0 || err != nil {
		r.logger.Info("repair pass finished",
			zap.Int("repaired", repaired),
			zap.Int("reaped", reaped),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
	}
	return err
}

// repairPending re-embeds rows whose vector write never landed.
func (r *Repository) repairPending(ctx context.Context) (int, error) {
	rows, err := r.rel.ListPending(ctx, r.config.RepairBatch)
	if err != nil {
		return 0, fmt.Errorf("listing pending rows: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	// Content is immutable after insert, so embedding outside the
	// per-id locks is safe.
	texts := make([]string, len(rows))
	for i, m := range rows {
		texts[i] = m.Content
	}
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, memory.ErrEmbedUnavailable) {
			return 0, fmt.Errorf("embedding %d pending rows: %w", len(rows), err)
		}
		// The batch fails wholly. Re-embed row by row so one rejected
		// text cannot hold the rest of the backlog back.
		return r.repairItemized(ctx, rows)
	}
	if len(vectors) != len(rows) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d rows", len(vectors), len(rows))
	}

	repaired := 0
	var errs []error
	for i, row := range rows {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.repairOne(ctx, row.ID, vectors[i]); err != nil {
			errs = append(errs, fmt.Errorf("repairing %s: %w", row.ID, err))
			continue
		}
		repaired++
	}
	if repaired > 0 {
		RepairedEmbeddings.Add(float64(repaired))
	}
	return repaired, errors.Join(errs...)
}

// repairItemized embeds pending rows one at a time. Rows the embedder
// permanently rejects are quarantined; transient failures leave the
// row pending for the next pass.
func (r *Repository) repairItemized(ctx context.Context, rows []*memory.Memory) (int, error) {
	repaired := 0
	var errs []error
	for _, row := range rows {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		vecs, err := r.embedder.EmbedDocuments(ctx, []string{row.Content})
		if err != nil {
			if errors.Is(err, memory.ErrEmbedInvalid) {
				if qerr := r.quarantinePending(ctx, row.ID); qerr != nil {
					errs = append(errs, fmt.Errorf("quarantining %s: %w", row.ID, qerr))
				}
				continue
			}
			errs = append(errs, fmt.Errorf("embedding %s: %w", row.ID, err))
			continue
		}
		if len(vecs) != 1 {
			errs = append(errs, fmt.Errorf("embedder returned %d vectors for one row", len(vecs)))
			continue
		}
		if err := r.repairOne(ctx, row.ID, vecs[0]); err != nil {
			errs = append(errs, fmt.Errorf("repairing %s: %w", row.ID, err))
			continue
		}
		repaired++
	}
	if repaired > 0 {
		RepairedEmbeddings.Add(float64(repaired))
	}
	return repaired, errors.Join(errs...)
}

// quarantinePending re-checks the row under its lock and marks it
// quarantined.
func (r *Repository) quarantinePending(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	m, err := r.rel.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil
		}
		return err
	}
	if !m.PendingEmbedding || m.Quarantined {
		return nil
	}

	m.Quarantined = true
	if err := r.rel.Update(ctx, m); err != nil {
		return err
	}
	QuarantinedPending.Inc()
	r.logger.Warn("pending row quarantined, content rejected by embedder",
		zap.String("id", m.ID),
	)
	return nil
}

// repairOne installs the vector for one pending row and clears the
// flag. The row is re-read under the lock: it may have been deleted,
// migrated, or already repaired since the listing.
func (r *Repository) repairOne(ctx context.Context, id string, vector []float32) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	m, err := r.rel.Get(ctx, id)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return nil
		}
		return err
	}
	if !m.PendingEmbedding {
		return nil
	}

	if err := r.vec.Add(ctx, m.Tier.Collection(), m.ID, vector, vectorPayload(m)); err != nil {
		return err
	}
	m.PendingEmbedding = false
	return r.rel.Update(ctx, m)
}

// reapShadows removes vectors with no backing row and vectors sitting
// in a collection the row's tier no longer names.
func (r *Repository) reapShadows(ctx context.Context) (int, error) {
	reaped := 0
	var errs []error
	for _, tier := range memory.Tiers {
		n, err := r.reapCollection(ctx, tier)
		reaped += n
		if err != nil {
			errs = append(errs, fmt.Errorf("reaping %s: %w", tier.Collection(), err))
		}
	}
	if reaped > 0 {
		ReapedShadows.Add(float64(reaped))
	}
	return reaped, errors.Join(errs...)
}

func (r *Repository) reapCollection(ctx context.Context, tier memory.Tier) (int, error) {
	collection := tier.Collection()

	ids, err := r.vec.ListIDs(ctx, collection)
	if err != nil {
		if errors.Is(err, vectorstore.ErrCollectionNotFound) {
			return 0, nil
		}
		return 0, err
	}

	reaped := 0
	for start := 0; start < len(ids); start += reapChunkSize {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}
		end := min(start+reapChunkSize, len(ids))
		chunk := ids[start:end]

		rows, err := r.rel.GetMany(ctx, chunk)
		if err != nil {
			return reaped, err
		}
		byID := make(map[string]*memory.Memory, len(rows))
		for _, m := range rows {
			byID[m.ID] = m
		}

		for _, id := range chunk {
			m, ok := byID[id]
			if ok && (m.Tier.Collection() == collection || m.PendingEmbedding) {
				continue
			}
			ok, err := r.reapOne(ctx, collection, id)
			if err != nil {
				return reaped, err
			}
			if ok {
				reaped++
			}
		}
	}
	return reaped, nil
}

// reapOne re-checks a shadow candidate under its lock and deletes the
// vector if the condition still holds. The re-check closes the race
// with an in-flight tier migration, whose freshly copied vector briefly
// disagrees with the row.
func (r *Repository) reapOne(ctx context.Context, collection, id string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	m, err := r.rel.Get(ctx, id)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		// No row: the write or delete that owned this vector never
		// finished.
	case err != nil:
		return false, err
	case m.Tier.Collection() == collection || m.PendingEmbedding:
		return false, nil
	}

	if err := r.vec.Delete(ctx, collection, id); err != nil {
		return false, err
	}
	return true, nil
}
