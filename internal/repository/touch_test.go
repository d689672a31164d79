package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/relstore"
)

func TestTouchQueuePushDrain(t *testing.T) {
	q := newTouchQueue(4)
	now := time.Now().UTC()

	q.Push("a", now)
	q.Push("b", now.Add(time.Second))
	q.Push("a", now.Add(2*time.Second))
	assert.Equal(t, 3, q.Len())

	events := q.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].id)
	assert.Equal(t, "b", events[1].id)
	assert.Equal(t, "a", events[2].id)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Drain())
}

func TestTouchQueueOverflowDropsOldest(t *testing.T) {
	q := newTouchQueue(3)
	now := time.Now().UTC()

	q.Push("a", now)
	q.Push("b", now)
	q.Push("c", now)
	q.Push("d", now)

	events := q.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, "b", events[0].id)
	assert.Equal(t, "c", events[1].id)
	assert.Equal(t, "d", events[2].id)
}

func TestCapTouchesKeepsNewest(t *testing.T) {
	now := time.Now().UTC()
	batch := []relstore.Touch{
		{ID: "old", Count: 1, At: now.Add(-time.Hour)},
		{ID: "new", Count: 1, At: now},
		{ID: "mid", Count: 1, At: now.Add(-time.Minute)},
	}

	capped := capTouches(batch, 2)
	require.Len(t, capped, 2)
	assert.Equal(t, "new", capped[0].ID)
	assert.Equal(t, "mid", capped[1].ID)

	same := capTouches(capped, 5)
	assert.Len(t, same, 2)
}

func TestFlushTouchesCoalesces(t *testing.T) {
	ctx := context.Background()
	repo, rel, _, _ := newTestRepo(t)

	m := putMemory(t, repo, "retry uses exponential backoff", unitVec(1))
	other := putMemory(t, repo, "the scheduler drains before exit", unitVec(0, 1))

	base := time.Now().UTC().Truncate(time.Microsecond)
	repo.Touch(m.ID, base)
	repo.Touch(m.ID, base.Add(time.Minute))
	repo.Touch(other.ID, base)
	repo.Touch("", base) // ignored

	repo.flushTouches(ctx)

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.True(t, got.LastAccessedAt.Equal(base.Add(time.Minute)))

	gotOther, err := rel.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotOther.AccessCount)
}

func TestFlushTouchesRetainsFailedBatch(t *testing.T) {
	ctx := context.Background()
	rel := &flakyRel{InMem: relstore.NewInMem()}
	repo := newTestRepoWith(t, rel, nil)

	m := putMemory(t, repo, "connection pool caps at twenty five", unitVec(1))

	rel.setTouchErr(assert.AnError)
	repo.Touch(m.ID, time.Now().UTC())
	repo.flushTouches(ctx)

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.AccessCount, "failed flush must not bump")

	rel.setTouchErr(nil)
	repo.Touch(m.ID, time.Now().UTC())
	repo.flushTouches(ctx)

	got, err = rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount, "retained batch merges into next flush")
}

func TestStartStopFlushesBufferedTouches(t *testing.T) {
	ctx := context.Background()
	repo, rel, _, _ := newTestRepo(t)

	m := putMemory(t, repo, "grace period is five seconds", unitVec(1))

	repo.Start(ctx)
	repo.Start(ctx) // second start is a no-op
	repo.Touch(m.ID, time.Now().UTC())
	repo.Stop()
	repo.Stop() // second stop is a no-op

	got, err := rel.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
}

// flakyRel wraps the in-memory store and fails BatchTouch on demand.
type flakyRel struct {
	*relstore.InMem
	mu       sync.Mutex
	touchErr error
}

func (f *flakyRel) setTouchErr(err error) {
	f.mu.Lock()
	f.touchErr = err
	f.mu.Unlock()
}

func (f *flakyRel) BatchTouch(ctx context.Context, touches []relstore.Touch) error {
	f.mu.Lock()
	err := f.touchErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.InMem.BatchTouch(ctx, touches)
}
