package tiers

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/memory"
	"github.com/fyrsmithlabs/recalld/internal/relstore"
	"github.com/fyrsmithlabs/recalld/internal/repository"
)

// Store is the slice of the repository the lifecycle workers depend on.
type Store interface {
	// ListPage pages non-quarantined rows of one tier by (created_at, id).
	ListPage(ctx context.Context, tier memory.Tier, after relstore.PageToken, limit int) ([]*memory.Memory, relstore.PageToken, error)

	// Get returns the row by id.
	Get(ctx context.Context, id string) (*memory.Memory, error)

	// GetByHash returns the newest row with the content hash in the
	// vault scope.
	GetByHash(ctx context.Context, hash string, scope memory.VaultScope) (*memory.Memory, error)

	// Update rewrites the mutable fields of a row.
	Update(ctx context.Context, m *memory.Memory) error

	// Delete removes a memory everywhere. Absent ids succeed.
	Delete(ctx context.Context, id string) error

	// UpdateTier migrates a memory between tiers in two phases.
	UpdateTier(ctx context.Context, id string, newTier memory.Tier) error

	// SimilarTo returns the nearest neighbors of a stored memory within
	// one tier.
	SimilarTo(ctx context.Context, id string, tier memory.Tier, k int, minSimilarity float32) ([]repository.Match, error)
}

var _ Store = (*repository.Repository)(nil)

// Config holds the lifecycle thresholds and sweeper pacing.
type Config struct {
	// WorkingToSessionAge is the minimum age for working → session.
	WorkingToSessionAge time.Duration

	// SessionToLongAge is the minimum age for session → long_term.
	SessionToLongAge time.Duration

	// LongTermMinImportance gates promotion into long_term.
	LongTermMinImportance float64

	// LowAccessPerWeek gates working → session: only memories accessed
	// less often than this migrate. Negative disables the guard,
	// making the transition purely age-based.
	LowAccessPerWeek float64

	// EvictMinImportance and EvictAge bound eviction: working rows
	// below the importance floor and past the age are deleted.
	EvictMinImportance float64
	EvictAge           time.Duration

	// SweepInterval is the time between sweeps.
	SweepInterval time.Duration

	// SweepBatch caps rows scanned per periodic sweep.
	SweepBatch int

	// DedupSim is the cosine similarity above which two memories are
	// near-duplicates.
	DedupSim float64

	// RatePerSec caps row transitions per second.
	RatePerSec float64
}

// ApplyDefaults fills unset fields with the standard values.
func (c *Config) ApplyDefaults() {
	if c.WorkingToSessionAge == 0 {
		c.WorkingToSessionAge = 48 * time.Hour
	}
	if c.SessionToLongAge == 0 {
		c.SessionToLongAge = 14 * 24 * time.Hour
	}
	if c.LongTermMinImportance == 0 {
		c.LongTermMinImportance = 0.60
	}
	if c.LowAccessPerWeek == 0 {
		c.LowAccessPerWeek = 1
	}
	if c.EvictMinImportance == 0 {
		c.EvictMinImportance = 0.30
	}
	if c.EvictAge == 0 {
		c.EvictAge = 72 * time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	if c.SweepBatch == 0 {
		c.SweepBatch = 500
	}
	if c.DedupSim == 0 {
		c.DedupSim = 0.95
	}
	if c.RatePerSec == 0 {
		c.RatePerSec = 50
	}
}

// Validate checks ranges after defaults are applied.
func (c Config) Validate() error {
	for _, check := range []struct {
		name string
		v    time.Duration
	}{
		{"working_to_session_age", c.WorkingToSessionAge},
		{"session_to_long_age", c.SessionToLongAge},
		{"evict_age", c.EvictAge},
		{"sweep_interval", c.SweepInterval},
	} {
		if check.v <= 0 {
			return fmt.Errorf("%w: %s must be positive", memory.ErrInvalid, check.name)
		}
	}
	for _, check := range []struct {
		name string
		v    float64
	}{
		{"long_term_min_importance", c.LongTermMinImportance},
		{"evict_min_importance", c.EvictMinImportance},
		{"dedup_sim", c.DedupSim},
	} {
		if check.v < 0 || check.v > 1 {
			return fmt.Errorf("%w: %s %.3f outside [0,1]", memory.ErrInvalid, check.name, check.v)
		}
	}
	if c.SweepBatch <= 0 {
		return fmt.Errorf("%w: sweep_batch must be positive", memory.ErrInvalid)
	}
	if c.RatePerSec <= 0 {
		return fmt.Errorf("%w: rate_per_sec must be positive", memory.ErrInvalid)
	}
	return nil
}

// ConfigFrom assembles the lifecycle settings from the loaded service
// configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		WorkingToSessionAge:   cfg.Tiers.WorkingToSessionAge,
		SessionToLongAge:      cfg.Tiers.SessionToLongAge,
		LongTermMinImportance: cfg.Tiers.LongTermMinImportance,
		LowAccessPerWeek:      cfg.Tiers.LowAccessPerWeek,
		EvictMinImportance:    cfg.Tiers.EvictMinImportance,
		EvictAge:              cfg.Tiers.EvictAge,
		SweepInterval:         cfg.Tiers.SweepInterval,
		SweepBatch:            cfg.Tiers.SweepBatch,
		DedupSim:              cfg.Tiers.DedupSim,
		RatePerSec:            cfg.Tiers.RatePerSec,
	}
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	// Scanned is the number of rows evaluated.
	Scanned int `json:"scanned"`

	// MigratedToSession and MigratedToLongTerm count transitions per
	// edge.
	MigratedToSession  int `json:"migrated_to_session"`
	MigratedToLongTerm int `json:"migrated_to_long_term"`

	// Merged counts duplicate rows absorbed and deleted.
	Merged int `json:"merged"`

	// Evicted counts low-value working rows deleted.
	Evicted int `json:"evicted"`

	// Quarantined counts rows flagged after repeated failures.
	Quarantined int `json:"quarantined"`

	// Errors counts per-row failures; the sweep continues past them.
	Errors int `json:"errors"`

	Duration time.Duration `json:"duration"`
}

// activity reports whether the sweep changed anything.
func (r *SweepReport) activity() int {
	return r.MigratedToSession + r.MigratedToLongTerm + r.Merged + r.Evicted + r.Quarantined
}
