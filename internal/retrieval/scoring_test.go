package retrieval

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

func TestRecencyScore(t *testing.T) {
	now := time.Now().UTC()

	assert.Equal(t, 1.0, recencyScore(now, now))
	assert.Equal(t, 1.0, recencyScore(now, now.Add(time.Minute)), "clock skew clamps to 1")
	assert.InDelta(t, math.Exp(-1), recencyScore(now, now.Add(-7*24*time.Hour)), 1e-9)
	assert.InDelta(t, math.Exp(-2), recencyScore(now, now.Add(-14*24*time.Hour)), 1e-9)
}

func TestFrequencyScore(t *testing.T) {
	assert.Equal(t, 0.0, frequencyScore(0))
	assert.Equal(t, 0.0, frequencyScore(-3))
	assert.InDelta(t, math.Log1p(7)/math.Log1p(50), frequencyScore(7), 1e-9)
	assert.InDelta(t, 1.0, frequencyScore(50), 1e-9)
	assert.Equal(t, 1.0, frequencyScore(10000), "saturates")
}

func TestContextMatchScore(t *testing.T) {
	assert.Equal(t, 0.5, contextMatchScore("", memory.ContextDecision))
	assert.Equal(t, 1.0, contextMatchScore(memory.ContextDecision, memory.ContextDecision))
	assert.Equal(t, 0.7, contextMatchScore(memory.ContextCodeSymbol, "code_reference"))
	assert.Equal(t, 0.0, contextMatchScore(memory.ContextDecision, memory.ContextGeneral))
	assert.Equal(t, 0.0, contextMatchScore(memory.ContextCodeSymbol, memory.ContextGeneral))
}

func TestEngineScore(t *testing.T) {
	env := newTestEngine(t, Config{})
	now := time.Now().UTC()

	m, err := memory.New("decision: ship behind the flag", memory.ContextDecision, memory.VaultCore, nil)
	require.NoError(t, err)
	m.Importance = 0.6
	m.LastAccessedAt = now

	score, sig := env.engine.score(m, 0.8, memory.ContextDecision, now)
	assert.InDelta(t, 0.8, sig.Similarity, 1e-9)
	assert.InDelta(t, 1.0, sig.Recency, 1e-9)
	assert.InDelta(t, 0.6, sig.Importance, 1e-9)
	assert.InDelta(t, 0.0, sig.Frequency, 1e-9)
	assert.InDelta(t, 1.0, sig.ContextMatch, 1e-9)
	// 0.35*0.8 + 0.25*1 + 0.15*0.6 + 0.10*0 + 0.15*1
	assert.InDelta(t, 0.77, score, 1e-9)
}

func TestMinMaxNormalize(t *testing.T) {
	assert.Nil(t, minMaxNormalize(nil))

	mk := func(score float64) Result { return Result{Score: score} }

	got := minMaxNormalize([]Result{mk(3), mk(1), mk(2)})
	assert.InDeltaSlice(t, []float64{1, 0, 0.5}, got, 1e-9)

	uniform := minMaxNormalize([]Result{mk(2), mk(2)})
	assert.InDeltaSlice(t, []float64{1, 1}, uniform, 1e-9)

	single := minMaxNormalize([]Result{mk(0.4)})
	assert.InDeltaSlice(t, []float64{1}, single, 1e-9)
}

func TestBlendSumsSharedIDs(t *testing.T) {
	mk := func(id string, score float64) Result {
		return Result{Memory: &memory.Memory{ID: id, LastAccessedAt: time.Unix(0, 0)}, Score: score}
	}

	exact := []Result{mk("both", 2), mk("only-exact", 1)}
	semantic := []Result{mk("both", 0.9), mk("only-semantic", 0.3)}

	out := blend(exact, semantic, 0.4)
	require.Len(t, out, 3)

	scores := map[string]Result{}
	for _, r := range out {
		scores[r.Memory.ID] = r
	}

	// Exact leg normalizes to {both: 1, only-exact: 0}; semantic to
	// {both: 1, only-semantic: 0}.
	assert.InDelta(t, 0.4*1+0.6*1, scores["both"].Score, 1e-9)
	assert.InDelta(t, 0.0, scores["only-exact"].Score, 1e-9)
	assert.InDelta(t, 0.0, scores["only-semantic"].Score, 1e-9)

	assert.InDelta(t, 1.0, scores["both"].Signals.ExactNorm, 1e-9)
	assert.InDelta(t, 1.0, scores["both"].Signals.SemanticNorm, 1e-9)
	assert.Equal(t, "both", out[0].Memory.ID)
}

func TestSortResultsTieBreaks(t *testing.T) {
	older := Result{Memory: &memory.Memory{ID: "a", LastAccessedAt: time.Unix(100, 0)}, Score: 0.5}
	newer := Result{Memory: &memory.Memory{ID: "b", LastAccessedAt: time.Unix(200, 0)}, Score: 0.5}
	top := Result{Memory: &memory.Memory{ID: "c", LastAccessedAt: time.Unix(0, 0)}, Score: 0.9}

	results := []Result{older, newer, top}
	sortResults(results)

	assert.Equal(t, "c", results[0].Memory.ID)
	assert.Equal(t, "b", results[1].Memory.ID, "newer access wins the tie")
	assert.Equal(t, "a", results[2].Memory.ID)
}
