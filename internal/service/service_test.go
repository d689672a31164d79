package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
	"github.com/fyrsmithlabs/recalld/internal/repository"
	"github.com/fyrsmithlabs/recalld/internal/retrieval"
	"github.com/fyrsmithlabs/recalld/internal/tiers"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

const testDim = 8

func unitVec(components ...float32) []float32 {
	v := make([]float32, testDim)
	copy(v, components)
	var norm float64
	for _, c := range v {
		norm += float64(c) * float64(c)
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

type testEnv struct {
	svc  *Service
	repo *repository.Repository
	rel  *relstore.InMem
	fake *embeddings.Fake
}

func newTestService(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	rel := relstore.NewInMem()
	vec, err := vectorstore.NewChromem(vectorstore.ChromemConfig{Dimension: testDim}, zap.NewNop())
	require.NoError(t, err)
	fake := embeddings.NewFake(testDim)

	repo, err := repository.New(rel, vec, fake, repository.Config{
		TouchFlushInterval: time.Hour,
		RepairInterval:     time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, repo.EnsureCollections(context.Background()))
	t.Cleanup(func() { repo.Stop() })

	engine, err := retrieval.NewEngine(repo, fake, retrieval.Config{}, zap.NewNop())
	require.NoError(t, err)

	mgr, err := tiers.NewManager(repo, tiers.Config{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(mgr.Stop)

	svc, err := New(repo, engine, mgr, fake, nil, cfg, zap.NewNop())
	require.NoError(t, err)

	return &testEnv{svc: svc, repo: repo, rel: rel, fake: fake}
}

func TestNewValidation(t *testing.T) {
	env := newTestService(t, Config{})

	_, err := New(nil, env.svc.engine, env.svc.tiers, env.fake, nil, Config{}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)

	_, err = New(env.repo, nil, env.svc.tiers, env.fake, nil, Config{}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)

	_, err = New(env.repo, env.svc.engine, nil, env.fake, nil, Config{}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)

	_, err = New(env.repo, env.svc.engine, env.svc.tiers, nil, nil, Config{}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)

	_, err = New(env.repo, env.svc.engine, env.svc.tiers, env.fake, nil, Config{StoreThreshold: 1.5}, zap.NewNop())
	assert.ErrorIs(t, err, memory.ErrInvalid)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.InDelta(t, 0.40, cfg.StoreThreshold, 1e-9)
}

func TestConfigFrom(t *testing.T) {
	got := ConfigFrom(config.Default())
	assert.InDelta(t, 0.40, got.StoreThreshold, 1e-9)
}

func TestStorePersistsImportantContent(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	content := "The release is built with 'make dist'"
	env.fake.Pin(content, unitVec(1))
	env.fake.Pin("how do we build the release", unitVec(1, 0.05))

	res, err := env.svc.Store(ctx, StoreRequest{
		Content: content,
		Context: memory.ContextTaskCritical,
	})
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.InDelta(t, 0.85, res.Importance, 1e-9)
	assert.Equal(t, memory.TierWorking, res.Tier)
	assert.False(t, res.PendingEmbedding)
	_, err = uuid.Parse(res.ID)
	assert.NoError(t, err)

	rs, err := env.svc.Recall(ctx, RecallRequest{Query: "how do we build the release"})
	require.NoError(t, err)
	assert.False(t, rs.Degraded)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, res.ID, rs.Results[0].Memory.ID)
	assert.Positive(t, rs.Results[0].Signals.Similarity)
}

func TestStoreGatesLowValueContent(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	res, err := env.svc.Store(ctx, StoreRequest{Content: "ok thanks"})
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.InDelta(t, 0.35, res.Importance, 1e-9)
	assert.Empty(t, res.ID)

	// A metadata importance override gates otherwise important text.
	res, err = env.svc.Store(ctx, StoreRequest{
		Content:  "The release is built with 'make dist'",
		Context:  memory.ContextTaskCritical,
		Metadata: map[string]string{"importance": "0.1"},
	})
	require.NoError(t, err)
	assert.False(t, res.Stored)
	assert.InDelta(t, 0.1, res.Importance, 1e-9)

	stats, err := env.rel.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
	assert.Zero(t, env.fake.Calls(), "gated writes must not reach the embedder")
}

func TestStoreRejectsInvalidContent(t *testing.T) {
	env := newTestService(t, Config{})

	_, err := env.svc.Store(context.Background(), StoreRequest{})
	assert.ErrorIs(t, err, memory.ErrInvalid)
}

func TestStoreSurvivesEmbedderOutage(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	env.fake.QueueErrors(memory.ErrEmbedUnavailable)
	res, err := env.svc.Store(ctx, StoreRequest{
		Content: "deploys run through the ansible playbook",
		Context: memory.ContextReference,
	})
	require.NoError(t, err)
	assert.True(t, res.Stored)
	assert.True(t, res.PendingEmbedding)

	got, err := env.repo.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, got.PendingEmbedding)

	rs, err := env.svc.SearchExact(ctx, "ansible", memory.Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, res.ID, rs.Results[0].Memory.ID)
}

func TestStoreFailsOnMalformedEmbedInput(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	env.fake.QueueErrors(memory.ErrEmbedInvalid)
	_, err := env.svc.Store(ctx, StoreRequest{
		Content: "the gateway rejects payloads over one megabyte",
		Context: memory.ContextReference,
	})
	assert.ErrorIs(t, err, memory.ErrEmbedInvalid)

	stats, err := env.rel.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestRecallDegradesToExactSearch(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	res, err := env.svc.Store(ctx, StoreRequest{
		Content: "deploys run through the ansible playbook",
		Context: memory.ContextReference,
	})
	require.NoError(t, err)
	require.True(t, res.Stored)

	env.fake.QueueErrors(memory.ErrEmbedUnavailable)
	rs, err := env.svc.Recall(ctx, RecallRequest{Query: "ansible"})
	require.NoError(t, err)
	assert.True(t, rs.Degraded)
	assert.NotEmpty(t, rs.Reason)
	require.Len(t, rs.Results, 1)
	assert.Equal(t, res.ID, rs.Results[0].Memory.ID)
}

func TestHybridWeightControlsBlend(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	exactHit := "grpc retry budget is five attempts"
	semanticHit := "rpc backoff policy caps attempts"
	env.fake.Pin(exactHit, unitVec(0, 1))
	env.fake.Pin(semanticHit, unitVec(1, 0.02))
	env.fake.Pin("grpc retry budget", unitVec(1))

	a, err := env.svc.Store(ctx, StoreRequest{Content: exactHit, Context: memory.ContextCodeSymbol})
	require.NoError(t, err)
	b, err := env.svc.Store(ctx, StoreRequest{Content: semanticHit, Context: memory.ContextCodeSymbol})
	require.NoError(t, err)

	rs, err := env.svc.SearchHybrid(ctx, "grpc retry budget", 0.9, memory.Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, rs.Results, 2)
	assert.Equal(t, a.ID, rs.Results[0].Memory.ID)

	rs, err = env.svc.SearchHybrid(ctx, "grpc retry budget", 0.1, memory.Filter{}, 5)
	require.NoError(t, err)
	require.Len(t, rs.Results, 2)
	assert.Equal(t, b.ID, rs.Results[0].Memory.ID)
}

func TestStatsMergesStorageAndLifecycle(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	env.fake.Pin("the ingest worker batches writes every second", unitVec(1))
	env.fake.Pin("the scheduler pins one worker per shard", unitVec(0, 1))
	for _, content := range []string{
		"the ingest worker batches writes every second",
		"the scheduler pins one worker per shard",
	} {
		res, serr := env.svc.Store(ctx, StoreRequest{Content: content, Context: memory.ContextReference})
		require.NoError(t, serr)
		require.True(t, res.Stored)
	}

	stats, err := env.svc.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Relational.Total)
	assert.EqualValues(t, 2, stats.Relational.ByTier[memory.TierWorking].Count)
	assert.Equal(t, 2, stats.VectorCounts[memory.TierWorking.Collection()])
	assert.Zero(t, stats.Lifecycle.Sweeps)

	report, err := env.svc.ForceMigrate(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, report.Scanned)

	stats, err = env.svc.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Lifecycle.Sweeps)
}

func TestForceMigrateKeepsRecallWarm(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	query := "timeline of the march outage"
	env.fake.Pin(query, unitVec(1))

	// Ten aged working rows. Each vector leans 0.7 toward the query
	// axis and the rest toward its own complement axis: similar enough
	// to recall, distinct enough that the near-duplicate pass leaves
	// them alone.
	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		v := make([]float32, testDim)
		v[0] = 0.7
		if i < 7 {
			v[1+i] = 0.714
		} else {
			j := 1 + 2*(i-7)
			v[j], v[j+1] = 0.505, 0.505
		}

		m, err := memory.New(
			fmt.Sprintf("outage note %d: retries exhausted on shard %d", i, i),
			memory.ContextGeneral, memory.VaultProject, nil,
		)
		require.NoError(t, err)
		m.Importance = 0.7
		m.CreatedAt = time.Now().UTC().Add(-50 * time.Hour)
		m.LastAccessedAt = m.CreatedAt
		require.NoError(t, env.repo.Put(ctx, m, v))
		ids = append(ids, m.ID)
	}

	rs, err := env.svc.Recall(ctx, RecallRequest{Query: query, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rs.Results, 10)

	stop := make(chan struct{})
	var gap atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			got, rerr := env.svc.Recall(ctx, RecallRequest{Query: query, Limit: 10})
			if rerr != nil || len(got.Results) == 0 {
				gap.Store(true)
				return
			}
		}
	}()

	report, err := env.svc.ForceMigrate(ctx)
	close(stop)
	wg.Wait()

	require.NoError(t, err)
	assert.EqualValues(t, 10, report.MigratedToSession)
	assert.Zero(t, report.Merged)
	assert.Zero(t, report.Evicted)
	assert.False(t, gap.Load(), "recall returned no rows while the sweep was moving them")

	for _, id := range ids {
		got, gerr := env.repo.Get(ctx, id)
		require.NoError(t, gerr)
		assert.Equal(t, memory.TierSession, got.Tier)
	}

	rs, err = env.svc.Recall(ctx, RecallRequest{Query: query, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, rs.Results, 10)
}

func TestHealthReportsBacklogs(t *testing.T) {
	env := newTestService(t, Config{})
	ctx := context.Background()

	h := env.svc.Health(ctx)
	assert.True(t, h.OK())
	assert.True(t, h.RelationalOK)
	assert.True(t, h.VectorOK)
	assert.True(t, h.EmbedderOK)
	assert.Zero(t, h.PendingEmbeddings)
	assert.Zero(t, h.Quarantined)

	env.fake.QueueErrors(memory.ErrEmbedUnavailable)
	res, err := env.svc.Store(ctx, StoreRequest{
		Content: "the cache invalidation fanout uses redis streams",
		Context: memory.ContextReference,
	})
	require.NoError(t, err)
	require.True(t, res.PendingEmbedding)

	h = env.svc.Health(ctx)
	assert.True(t, h.OK())
	assert.EqualValues(t, 1, h.PendingEmbeddings)
}
