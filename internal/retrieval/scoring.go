package retrieval

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// recencyTau is the decay constant of the recency signal: a memory
// untouched for one tau scores 1/e.
const recencyTau = 7 * 24 * time.Hour

// frequencySaturation is the access count at which the frequency
// signal reaches 1.0.
const frequencySaturation = 50

// codeContextPrefix groups the code_* labels into one family for the
// context-match signal.
const codeContextPrefix = "code_"

// recencyScore decays exponentially with time since last access.
func recencyScore(now, lastAccessed time.Time) float64 {
	delta := now.Sub(lastAccessed)
	if delta <= 0 {
		return 1
	}
	return math.Exp(-float64(delta) / float64(recencyTau))
}

// frequencyScore grows logarithmically and saturates at
// frequencySaturation accesses.
func frequencyScore(accessCount int64) float64 {
	if accessCount <= 0 {
		return 0
	}
	v := math.Log1p(float64(accessCount)) / math.Log1p(frequencySaturation)
	return math.Min(1, v)
}

// contextMatchScore compares the filter context against the memory's.
// No filter is neutral; the code_* labels count as one family.
func contextMatchScore(filterContext, memoryContext string) float64 {
	switch {
	case filterContext == "":
		return 0.5
	case filterContext == memoryContext:
		return 1.0
	case strings.HasPrefix(filterContext, codeContextPrefix) && strings.HasPrefix(memoryContext, codeContextPrefix):
		return 0.7
	default:
		return 0
	}
}

// score fuses the retrieval signals for one semantic candidate.
func (e *Engine) score(m *memory.Memory, similarity float64, filterContext string, now time.Time) (float64, Signals) {
	sig := Signals{
		Similarity:   similarity,
		Recency:      recencyScore(now, m.LastAccessedAt),
		Importance:   m.Importance,
		Frequency:    frequencyScore(m.AccessCount),
		ContextMatch: contextMatchScore(filterContext, m.Context),
	}
	w := e.config.Weights
	total := w.Similarity*sig.Similarity +
		w.Recency*sig.Recency +
		w.Importance*sig.Importance +
		w.Frequency*sig.Frequency +
		w.Context*sig.ContextMatch
	return total, sig
}

// minMaxNormalize scales the scores to [0,1]. A uniform set normalizes
// to all ones: every member is equally the best of its leg.
func minMaxNormalize(results []Result) []float64 {
	if len(results) == 0 {
		return nil
	}
	lo, hi := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		lo = math.Min(lo, r.Score)
		hi = math.Max(hi, r.Score)
	}
	out := make([]float64, len(results))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, r := range results {
		out[i] = (r.Score - lo) / (hi - lo)
	}
	return out
}

// sortResults orders by score descending; ties rank the most recently
// accessed first, then by id for determinism.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ti, tj := results[i].Memory.LastAccessedAt, results[j].Memory.LastAccessedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}

// applyVaultWeights scales final scores by vault scope when a
// dual-mode search spans both scopes. Returns whether anything was
// scaled, in which case the caller re-sorts.
func (e *Engine) applyVaultWeights(results []Result, f memory.Filter) bool {
	if e.config.VaultMode != config.VaultModeDual || f.VaultScope != "" {
		return false
	}
	for i := range results {
		switch results[i].Memory.VaultScope {
		case memory.VaultCore:
			results[i].Score *= e.config.CoreWeight
		case memory.VaultProject:
			results[i].Score *= e.config.ProjectWeight
		}
	}
	return len(results) > 0
}

// blend merges the two candidate sets by id. Scores are normalized
// within each leg first so the weight mixes standings, not raw
// magnitudes. An id present in both legs keeps the sum of its weighted
// halves.
func blend(exact, semantic []Result, exactWeight float64) []Result {
	exactNorm := minMaxNormalize(exact)
	semanticNorm := minMaxNormalize(semantic)

	merged := make(map[string]Result, len(exact)+len(semantic))
	for i, r := range exact {
		r.Score = exactWeight * exactNorm[i]
		r.Signals.ExactNorm = exactNorm[i]
		merged[r.Memory.ID] = r
	}
	for i, r := range semantic {
		if prev, ok := merged[r.Memory.ID]; ok {
			// Keep the semantic breakdown, carry the exact half over.
			r.Signals.ExactNorm = prev.Signals.ExactNorm
			r.Score = prev.Score + (1-exactWeight)*semanticNorm[i]
		} else {
			r.Score = (1 - exactWeight) * semanticNorm[i]
		}
		r.Signals.SemanticNorm = semanticNorm[i]
		merged[r.Memory.ID] = r
	}

	out := make([]Result, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sortResults(out)
	return out
}
