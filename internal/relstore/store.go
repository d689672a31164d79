package relstore

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// Store is the relational source of truth for memory rows.
//
// Implementations map backend failures onto the memory error kinds:
// unreachable backends return memory.ErrStoreUnavailable, missing rows
// memory.ErrNotFound, and id collisions memory.ErrConflict.
type Store interface {
	// Insert adds a new row. Returns memory.ErrConflict when the id
	// already exists.
	Insert(ctx context.Context, m *memory.Memory) error

	// Get returns the row by id.
	Get(ctx context.Context, id string) (*memory.Memory, error)

	// GetMany returns the rows for the given ids. Missing ids are
	// silently absent from the result; order follows ids.
	GetMany(ctx context.Context, ids []string) ([]*memory.Memory, error)

	// GetByHash returns the newest row with the content hash in the
	// vault scope, or memory.ErrNotFound.
	GetByHash(ctx context.Context, hash string, scope memory.VaultScope) (*memory.Memory, error)

	// Update rewrites all mutable columns of the row.
	Update(ctx context.Context, m *memory.Memory) error

	// Delete removes the row.
	Delete(ctx context.Context, id string) error

	// ExactSearch returns non-quarantined rows whose content contains
	// the query, case-insensitive, newest first. Ranking is the
	// retrieval engine's job.
	ExactSearch(ctx context.Context, query string, f memory.Filter, limit int) ([]*memory.Memory, error)

	// ListPage pages non-quarantined rows of one tier ordered by
	// (created_at, id). The returned token resumes after the last row;
	// a zero token means the tier is exhausted.
	ListPage(ctx context.Context, tier memory.Tier, after PageToken, limit int) ([]*memory.Memory, PageToken, error)

	// ListPending returns rows awaiting a vector write, oldest first.
	ListPending(ctx context.Context, limit int) ([]*memory.Memory, error)

	// BatchTouch applies aggregated access bumps: each touch raises
	// access_count by Count and last_accessed_at to at most At.
	// Missing ids are ignored.
	BatchTouch(ctx context.Context, touches []Touch) error

	// Stats returns row counts for observability and the stats API.
	Stats(ctx context.Context) (*Stats, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// PageToken is a (created_at, id) cursor for ListPage.
type PageToken struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the token is the start-of-tier cursor.
func (t PageToken) IsZero() bool {
	return t.CreatedAt.IsZero() && t.ID == ""
}

// Touch is one aggregated access bump for BatchTouch.
type Touch struct {
	ID    string
	Count int64
	At    time.Time
}

// Stats summarizes the table for the stats API.
type Stats struct {
	Total       int64                       `json:"total"`
	ByTier      map[memory.Tier]TierStats   `json:"by_tier"`
	ByVault     map[memory.VaultScope]int64 `json:"by_vault"`
	Pending     int64                       `json:"pending"`
	Quarantined int64                       `json:"quarantined"`
}

// TierStats aggregates one tier's rows. Tiers without rows are absent
// from Stats.ByTier.
type TierStats struct {
	Count         int64     `json:"count"`
	AvgImportance float64   `json:"avg_importance"`
	Oldest        time.Time `json:"oldest"`
	Newest        time.Time `json:"newest"`
}
