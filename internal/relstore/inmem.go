package relstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// InMem implements Store on a map. It mirrors the Postgres semantics,
// including ordering and pagination, for tests and the examples.
type InMem struct {
	mu   sync.RWMutex
	rows map[string]*memory.Memory
}

var _ Store = (*InMem)(nil)

// NewInMem returns an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{rows: make(map[string]*memory.Memory)}
}

func (s *InMem) Insert(_ context.Context, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[m.ID]; ok {
		return fmt.Errorf("%w: %s", memory.ErrConflict, m.ID)
	}
	s.rows[m.ID] = m.Clone()
	return nil
}

func (s *InMem) Get(_ context.Context, id string) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (s *InMem) GetMany(_ context.Context, ids []string) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*memory.Memory, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.rows[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *InMem) GetByHash(_ context.Context, hash string, scope memory.VaultScope) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *memory.Memory
	for _, m := range s.rows {
		if m.ContentHash != hash || m.VaultScope != scope {
			continue
		}
		if newest == nil || m.CreatedAt.After(newest.CreatedAt) ||
			(m.CreatedAt.Equal(newest.CreatedAt) && m.ID > newest.ID) {
			newest = m
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("%w: hash %s", memory.ErrNotFound, hash)
	}
	return newest.Clone(), nil
}

func (s *InMem) Update(_ context.Context, m *memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[m.ID]; !ok {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, m.ID)
	}
	s.rows[m.ID] = m.Clone()
	return nil
}

func (s *InMem) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return fmt.Errorf("%w: %s", memory.ErrNotFound, id)
	}
	delete(s.rows, id)
	return nil
}

func (s *InMem) ExactSearch(_ context.Context, query string, f memory.Filter, limit int) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var matched []*memory.Memory
	for _, m := range s.rows {
		if m.Quarantined {
			continue
		}
		if !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		if f.Context != "" && m.Context != f.Context {
			continue
		}
		if !f.WantsTier(m.Tier) {
			continue
		}
		if f.VaultScope != "" && m.VaultScope != f.VaultScope {
			continue
		}
		if !matchesMetadata(m.Metadata, f.Metadata) {
			continue
		}
		matched = append(matched, m)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*memory.Memory, len(matched))
	for i, m := range matched {
		out[i] = m.Clone()
	}
	return out, nil
}

func matchesMetadata(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (s *InMem) ListPage(_ context.Context, tier memory.Tier, after PageToken, limit int) ([]*memory.Memory, PageToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*memory.Memory
	for _, m := range s.rows {
		if m.Tier != tier || m.Quarantined {
			continue
		}
		if !after.IsZero() {
			if m.CreatedAt.Before(after.CreatedAt) {
				continue
			}
			if m.CreatedAt.Equal(after.CreatedAt) && m.ID <= after.ID {
				continue
			}
		}
		matched = append(matched, m)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*memory.Memory, len(matched))
	for i, m := range matched {
		out[i] = m.Clone()
	}

	var next PageToken
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1]
		next = PageToken{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, next, nil
}

func (s *InMem) ListPending(_ context.Context, limit int) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*memory.Memory
	for _, m := range s.rows {
		if m.PendingEmbedding && !m.Quarantined {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*memory.Memory, len(matched))
	for i, m := range matched {
		out[i] = m.Clone()
	}
	return out, nil
}

func (s *InMem) BatchTouch(_ context.Context, touches []Touch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range touches {
		m, ok := s.rows[t.ID]
		if !ok {
			continue
		}
		m.AccessCount += t.Count
		if t.At.After(m.LastAccessedAt) {
			m.LastAccessedAt = t.At
		}
	}
	return nil
}

func (s *InMem) Stats(_ context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		ByTier:  make(map[memory.Tier]TierStats),
		ByVault: make(map[memory.VaultScope]int64),
	}
	importanceSums := make(map[memory.Tier]float64)
	for _, m := range s.rows {
		stats.Total++
		stats.ByVault[m.VaultScope]++
		if m.PendingEmbedding {
			stats.Pending++
		}
		if m.Quarantined {
			stats.Quarantined++
		}

		ts := stats.ByTier[m.Tier]
		ts.Count++
		importanceSums[m.Tier] += m.Importance
		if ts.Oldest.IsZero() || m.CreatedAt.Before(ts.Oldest) {
			ts.Oldest = m.CreatedAt
		}
		if m.CreatedAt.After(ts.Newest) {
			ts.Newest = m.CreatedAt
		}
		stats.ByTier[m.Tier] = ts
	}
	for tier, ts := range stats.ByTier {
		ts.AvgImportance = importanceSums[tier] / float64(ts.Count)
		stats.ByTier[tier] = ts
	}
	return stats, nil
}

func (s *InMem) Ping(context.Context) error { return nil }

func (s *InMem) Close() error { return nil }
