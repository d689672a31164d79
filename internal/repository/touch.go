package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/relstore"
)

// finalFlushTimeout bounds the last touch flush during shutdown.
const finalFlushTimeout = 5 * time.Second

// touchEvent is one recorded access, pre-aggregation.
type touchEvent struct {
	id string
	at time.Time
}

// touchQueue is a fixed-size ring buffer of access events. Push never
// blocks: on overflow the oldest event is overwritten. Losing a touch
// costs one access-count bump, nothing more.
type touchQueue struct {
	mu      sync.Mutex
	buf     []touchEvent
	head    int
	size    int
	dropped uint64
}

func newTouchQueue(capacity int) *touchQueue {
	return &touchQueue{buf: make([]touchEvent, capacity)}
}

// Push records an access event, overwriting the oldest on overflow.
func (q *touchQueue) Push(id string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == len(q.buf) {
		q.buf[q.head] = touchEvent{id: id, at: at}
		q.head = (q.head + 1) % len(q.buf)
		q.dropped++
		TouchesDropped.Inc()
		return
	}
	q.buf[(q.head+q.size)%len(q.buf)] = touchEvent{id: id, at: at}
	q.size++
	TouchQueueDepth.Set(float64(q.size))
}

// noteDropped counts touches shed outside the ring, such as a retained
// retry batch trimmed to capacity.
func (q *touchQueue) noteDropped(n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	q.dropped += uint64(n)
	q.mu.Unlock()
	TouchesDropped.Add(float64(n))
}

// Dropped returns the cumulative number of lossy touch events.
func (q *touchQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain removes and returns every buffered event in arrival order.
func (q *touchQueue) Drain() []touchEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return nil
	}
	out := make([]touchEvent, 0, q.size)
	for i := 0; i < q.size; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	q.head, q.size = 0, 0
	TouchQueueDepth.Set(0)
	return out
}

// Len returns the number of buffered events.
func (q *touchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Touch records an access for later batched persistence. It never
// blocks the read path; the flusher aggregates and writes the bumps.
func (r *Repository) Touch(id string, at time.Time) {
	if id == "" {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.touches.Push(id, at)
}

// flushLoop periodically writes buffered touches. On stop it performs
// one final flush so clean shutdowns lose nothing.
func (r *Repository) flushLoop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(r.config.TouchFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			r.flushTouches(flushCtx)
			cancel()
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushTouches(ctx)
		}
	}
}

// flushTouches drains the queue, coalesces events per id, and writes
// one batch. A failed batch is retained and merged into the next flush.
// Only the flush loop calls this, so retryTouches needs no lock.
func (r *Repository) flushTouches(ctx context.Context) {
	events := r.touches.Drain()
	if len(events) == 0 && len(r.retryTouches) == 0 {
		return
	}

	merged := make(map[string]relstore.Touch, len(events)+len(r.retryTouches))
	for _, t := range r.retryTouches {
		merged[t.ID] = t
	}
	for _, e := range events {
		t := merged[e.id]
		t.ID = e.id
		t.Count++
		if e.at.After(t.At) {
			t.At = e.at
		}
		merged[e.id] = t
	}

	batch := make([]relstore.Touch, 0, len(merged))
	for _, t := range merged {
		batch = append(batch, t)
	}

	if err := r.rel.BatchTouch(ctx, batch); err != nil {
		kept := capTouches(batch, r.config.TouchQueueSize)
		r.touches.noteDropped(len(batch) - len(kept))
		r.retryTouches = kept
		r.logger.Warn("touch flush failed, batch retained",
			zap.Int("touches", len(kept)),
			zap.Error(err),
		)
		return
	}
	r.retryTouches = nil
	TouchesFlushed.Add(float64(len(batch)))
}

// capTouches bounds a retained batch by dropping the oldest accesses.
func capTouches(batch []relstore.Touch, max int) []relstore.Touch {
	if len(batch) <= max {
		return batch
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].At.After(batch[j].At) })
	return batch[:max]
}
