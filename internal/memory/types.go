// Package memory defines the core domain model for the hierarchical
// memory service: the Memory entity, its tier lifecycle, vault scoping,
// and the importance assessment that gates writes.
package memory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tier identifies which lifecycle stage a memory is in. The tier also
// names the vector collection that holds the memory's embedding.
type Tier string

const (
	// TierWorking holds fresh memories with full retrieval priority.
	TierWorking Tier = "working"

	// TierSession holds memories that aged out of the working set but
	// are still recent enough to matter within a session horizon.
	TierSession Tier = "session"

	// TierLongTerm holds important memories retained indefinitely.
	TierLongTerm Tier = "long_term"
)

// Tiers lists all tiers in lifecycle order.
var Tiers = []Tier{TierWorking, TierSession, TierLongTerm}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierWorking, TierSession, TierLongTerm:
		return true
	}
	return false
}

// Collection returns the vector collection name for this tier.
func (t Tier) Collection() string {
	return "mem_" + string(t)
}

// Next returns the tier a memory migrates into, or the same tier if it
// is already long_term. Transitions are monotonic: working → session →
// long_term, never backwards.
func (t Tier) Next() Tier {
	switch t {
	case TierWorking:
		return TierSession
	case TierSession:
		return TierLongTerm
	default:
		return t
	}
}

// Well-known context labels. Callers may also supply a free-form tag of
// bounded length; unknown tags score with the neutral base.
const (
	ContextGeneral      = "general"
	ContextCodeSymbol   = "code_symbol"
	ContextTaskCritical = "task_critical"
	ContextDecision     = "decision"
	ContextReference    = "reference"
	ContextConversation = "conversation"
)

// maxContextLen bounds caller-supplied context tags.
const maxContextLen = 64

// VaultScope partitions memories into the cross-project core vault and
// the per-project vault. Dual-vault retrieval blends both with
// configurable weights.
type VaultScope string

const (
	VaultCore    VaultScope = "core"
	VaultProject VaultScope = "project"
)

// Valid reports whether s is a known vault scope.
func (s VaultScope) Valid() bool {
	return s == VaultCore || s == VaultProject
}

// Metadata bounds. Values beyond these limits fail validation rather
// than being truncated silently.
const (
	maxMetadataKeys   = 32
	maxMetadataKeyLen = 64
	maxMetadataValLen = 512
)

// Memory is the primary entity: a stored text fragment with tier
// bookkeeping, access counters, and scoring metadata. The embedding
// itself lives only in the vector store, keyed by ID.
type Memory struct {
	// ID is a UUIDv7, monotonically sortable by creation time.
	ID string `json:"id"`

	// Content is the canonical text payload.
	Content string `json:"content"`

	// ContentHash is the hash of the normalized content, used as the
	// deduplication key within a vault scope.
	ContentHash string `json:"content_hash"`

	// Context is the enumerated label or caller tag this memory was
	// stored under.
	Context string `json:"context"`

	// Importance is the assessed score in [0,1]. Set at write time,
	// mutable by the consolidator.
	Importance float64 `json:"importance"`

	// Tier is the current lifecycle tier.
	Tier Tier `json:"tier"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// AccessCount is incremented on every retrieval hit.
	AccessCount int64 `json:"access_count"`

	// Metadata is a bounded key→scalar map (file path, line, language,
	// tags). Values are stored as strings.
	Metadata map[string]string `json:"metadata,omitempty"`

	// VaultScope is the logical partition this memory belongs to.
	VaultScope VaultScope `json:"vault_scope"`

	// PendingEmbedding is true while the vector write has not
	// succeeded. Pending memories are invisible to semantic search but
	// visible to exact search; the repair worker clears the flag.
	PendingEmbedding bool `json:"pending_embedding,omitempty"`

	// Quarantined is set after repeated sweep failures. Quarantined
	// memories are excluded from sweeps and retrieval until cleared.
	Quarantined bool `json:"quarantined,omitempty"`
}

// New creates a memory in the working tier with a fresh UUIDv7 and the
// content hash computed. Importance is left for the assessor.
func New(content, context string, scope VaultScope, metadata map[string]string) (*Memory, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: content cannot be empty", ErrInvalid)
	}
	if context == "" {
		context = ContextGeneral
	}
	if scope == "" {
		scope = VaultCore
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating id: %w", err)
	}

	now := time.Now().UTC()
	m := &Memory{
		ID:             id.String(),
		Content:        content,
		ContentHash:    HashContent(content),
		Context:        context,
		Tier:           TierWorking,
		CreatedAt:      now,
		LastAccessedAt: now,
		Metadata:       metadata,
		VaultScope:     scope,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks structural invariants. It does not consult either
// store.
func (m *Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalid)
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("%w: malformed id %q", ErrInvalid, m.ID)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrInvalid)
	}
	if m.Context == "" || len(m.Context) > maxContextLen {
		return fmt.Errorf("%w: context must be 1-%d characters", ErrInvalid, maxContextLen)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("%w: importance %.3f outside [0,1]", ErrInvalid, m.Importance)
	}
	if !m.Tier.Valid() {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalid, m.Tier)
	}
	if !m.VaultScope.Valid() {
		return fmt.Errorf("%w: unknown vault scope %q", ErrInvalid, m.VaultScope)
	}
	if m.AccessCount < 0 {
		return fmt.Errorf("%w: access count cannot be negative", ErrInvalid)
	}
	if m.LastAccessedAt.Before(m.CreatedAt) {
		return fmt.Errorf("%w: last_accessed_at precedes created_at", ErrInvalid)
	}
	if len(m.Metadata) > maxMetadataKeys {
		return fmt.Errorf("%w: metadata exceeds %d keys", ErrInvalid, maxMetadataKeys)
	}
	for k, v := range m.Metadata {
		if k == "" || len(k) > maxMetadataKeyLen {
			return fmt.Errorf("%w: metadata key must be 1-%d characters", ErrInvalid, maxMetadataKeyLen)
		}
		if len(v) > maxMetadataValLen {
			return fmt.Errorf("%w: metadata value for %q exceeds %d characters", ErrInvalid, k, maxMetadataValLen)
		}
	}
	return nil
}

// Age returns the wall-clock age relative to now.
func (m *Memory) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// AccessesPerWeek returns the access rate normalized to a 7-day window.
// Ages under a week are treated as one week so that brand-new memories
// are not penalized with an inflated rate.
func (m *Memory) AccessesPerWeek(now time.Time) float64 {
	const week = 7 * 24 * time.Hour
	age := m.Age(now)
	if age < week {
		age = week
	}
	return float64(m.AccessCount) / (float64(age) / float64(week))
}

// Absorb merges a duplicate into this memory: access counts are summed,
// the newest last_accessed_at wins, and metadata keys missing here are
// filled from the duplicate. Content, importance, and tier of the
// survivor are untouched.
func (m *Memory) Absorb(dup *Memory) {
	if dup == nil {
		return
	}
	m.AccessCount += dup.AccessCount
	if dup.LastAccessedAt.After(m.LastAccessedAt) {
		m.LastAccessedAt = dup.LastAccessedAt
	}
	if len(dup.Metadata) > 0 && m.Metadata == nil {
		m.Metadata = make(map[string]string, len(dup.Metadata))
	}
	for k, v := range dup.Metadata {
		if _, ok := m.Metadata[k]; !ok {
			m.Metadata[k] = v
		}
	}
}

// Clone returns a deep copy. The repository hands clones outward so
// callers cannot mutate cached rows.
func (m *Memory) Clone() *Memory {
	if m == nil {
		return nil
	}
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Filter narrows search operations. Zero values mean "no constraint".
type Filter struct {
	// Context restricts results to one context label. It also feeds
	// the context-match retrieval signal.
	Context string `json:"context,omitempty"`

	// Tiers restricts which tiers are searched. Empty means all.
	Tiers []Tier `json:"tiers,omitempty"`

	// VaultScope restricts results to one vault. Empty follows the
	// configured vault mode.
	VaultScope VaultScope `json:"vault_scope,omitempty"`

	// Metadata requires exact key/value matches.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WantsTier reports whether the filter admits the given tier.
func (f Filter) WantsTier(t Tier) bool {
	if len(f.Tiers) == 0 {
		return true
	}
	for _, want := range f.Tiers {
		if want == t {
			return true
		}
	}
	return false
}

// Matches reports whether the memory satisfies every constraint.
func (f Filter) Matches(m *Memory) bool {
	if m == nil {
		return false
	}
	if f.Context != "" && m.Context != f.Context {
		return false
	}
	if !f.WantsTier(m.Tier) {
		return false
	}
	if f.VaultScope != "" && m.VaultScope != f.VaultScope {
		return false
	}
	for k, v := range f.Metadata {
		if m.Metadata[k] != v {
			return false
		}
	}
	return true
}
