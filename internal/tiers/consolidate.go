package tiers

import (
	"context"
	"errors"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

const (
	// nearDupTopK bounds the neighbor probe in the near-duplicate pass.
	nearDupTopK = 3

	// nearDupImportanceDelta is the maximum importance difference for
	// a near-duplicate merge.
	nearDupImportanceDelta = 0.05
)

// Merge detection kinds for metrics.
const (
	mergeKindHash     = "hash"
	mergeKindSemantic = "semantic"
)

// consolidate runs the end-of-sweep dedup passes: exact duplicates by
// content hash within a vault scope, then semantic near-duplicates of
// recently touched rows.
func (tm *Manager) consolidate(ctx context.Context, st *sweepState, report *SweepReport) {
	gone := make(map[string]bool)

	for key, rows := range st.groups {
		if ctx.Err() != nil || stopped(st.stopCh) {
			return
		}
		group := rows
		if len(group) == 1 {
			mate := tm.hashMate(ctx, key, group[0], report)
			if mate == nil {
				continue
			}
			group = append(group, mate)
		}
		tm.mergeHashGroup(ctx, group, gone, report)
	}

	tm.nearDupPass(ctx, st, gone, report)
}

// hashMate probes for a duplicate outside the scan window. GetByHash
// returns the newest row for the key, which is the scanned row itself
// unless a newer duplicate exists.
func (tm *Manager) hashMate(ctx context.Context, key dedupKey, seen *memory.Memory, report *SweepReport) *memory.Memory {
	mate, err := tm.store.GetByHash(ctx, key.hash, key.scope)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			report.Errors++
			RowErrors.Inc()
			tm.logger.Warn("dedup probe failed", zap.String("id", seen.ID), zap.Error(err))
		}
		return nil
	}
	if mate.ID == seen.ID || mate.Quarantined || mate.Tier == memory.TierWorking {
		return nil
	}
	return mate
}

// mergeHashGroup removes exact duplicates: the highest-importance row
// absorbs the rest. Ties go to the more recently accessed row.
func (tm *Manager) mergeHashGroup(ctx context.Context, group []*memory.Memory, gone map[string]bool, report *SweepReport) {
	ids := make([]string, len(group))
	for i, m := range group {
		ids[i] = m.ID
	}
	fresh := tm.refresh(ctx, ids, gone, report)
	if len(fresh) < 2 {
		return
	}

	sort.Slice(fresh, func(i, j int) bool {
		a, b := fresh[i], fresh[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.After(b.LastAccessedAt)
		}
		return a.ID < b.ID
	})

	tm.merge(ctx, fresh[0], fresh[1:], mergeKindHash, gone, report)
}

// nearDupPass merges semantically near-identical rows of comparable
// importance. Only rows accessed or migrated within the sweep window
// are probed, each against the top neighbors of its own tier.
func (tm *Manager) nearDupPass(ctx context.Context, st *sweepState, gone map[string]bool, report *SweepReport) {
	probed := make(map[string]bool, len(st.nearDup))
	for _, c := range st.nearDup {
		if ctx.Err() != nil || stopped(st.stopCh) {
			return
		}
		if gone[c.id] || probed[c.id] {
			continue
		}
		probed[c.id] = true

		matches, err := tm.store.SimilarTo(ctx, c.id, c.tier, nearDupTopK, float32(tm.config.DedupSim))
		if err != nil {
			if errors.Is(err, memory.ErrSemanticUnavailable) {
				tm.logger.Debug("near-duplicate probe skipped", zap.String("id", c.id), zap.Error(err))
				continue
			}
			report.Errors++
			RowErrors.Inc()
			tm.logger.Warn("near-duplicate probe failed", zap.String("id", c.id), zap.Error(err))
			continue
		}
		if len(matches) == 0 || matches[0].Memory == nil {
			continue
		}
		top := matches[0].Memory
		if top.ID == c.id || gone[top.ID] {
			continue
		}

		pair := tm.refresh(ctx, []string{c.id, top.ID}, gone, report)
		if len(pair) < 2 {
			continue
		}
		a, b := pair[0], pair[1]
		if a.VaultScope != b.VaultScope || a.Tier != b.Tier {
			continue
		}
		if math.Abs(a.Importance-b.Importance) >= nearDupImportanceDelta {
			continue
		}

		survivor, loser := a, b
		if nearDupSurvives(b, a) {
			survivor, loser = b, a
		}
		tm.merge(ctx, survivor, []*memory.Memory{loser}, mergeKindSemantic, gone, report)
	}
}

// nearDupSurvives reports whether a outlives b in a near-duplicate
// merge: more recently accessed first, then higher importance, then
// smaller id.
func nearDupSurvives(a, b *memory.Memory) bool {
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.After(b.LastAccessedAt)
	}
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	return a.ID < b.ID
}

// refresh re-reads rows so merges act on current counters, dropping
// duplicates of ids and rows gone or quarantined meanwhile.
func (tm *Manager) refresh(ctx context.Context, ids []string, gone map[string]bool, report *SweepReport) []*memory.Memory {
	fresh := make([]*memory.Memory, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if gone[id] || seen[id] {
			continue
		}
		seen[id] = true
		m, err := tm.store.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, memory.ErrNotFound) {
				report.Errors++
				RowErrors.Inc()
				tm.logger.Warn("dedup read failed", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		if m.Quarantined {
			continue
		}
		fresh = append(fresh, m)
	}
	return fresh
}

// merge folds the losers into the survivor and deletes them. The
// survivor update lands before the deletes; after a partial failure
// the next sweep retries the merge, so access totals are
// at-least-once.
func (tm *Manager) merge(ctx context.Context, survivor *memory.Memory, losers []*memory.Memory, kind string, gone map[string]bool, report *SweepReport) {
	for _, l := range losers {
		survivor.Absorb(l)
	}

	if err := tm.limiter.Wait(ctx); err != nil {
		return
	}
	if err := tm.store.Update(ctx, survivor); err != nil {
		tm.logger.Warn("merge update failed", zap.String("id", survivor.ID), zap.Error(err))
		tm.recordFailure(ctx, survivor.ID, report)
		return
	}
	delete(tm.strikes, survivor.ID)

	for _, l := range losers {
		if err := tm.store.Delete(ctx, l.ID); err != nil {
			tm.logger.Warn("merge delete failed", zap.String("id", l.ID), zap.Error(err))
			tm.recordFailure(ctx, l.ID, report)
			continue
		}
		gone[l.ID] = true
		report.Merged++
		Merges.WithLabelValues(kind).Inc()
		tm.logger.Debug("duplicate merged",
			zap.String("survivor", survivor.ID),
			zap.String("duplicate", l.ID),
			zap.String("kind", kind),
		)
	}
}
