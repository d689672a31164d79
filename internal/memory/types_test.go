package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m, err := New("remember the milk", ContextGeneral, VaultCore, nil)
	require.NoError(t, err)

	parsed, err := uuid.Parse(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())

	assert.Equal(t, TierWorking, m.Tier)
	assert.Equal(t, HashContent("remember the milk"), m.ContentHash)
	assert.Equal(t, VaultCore, m.VaultScope)
	assert.False(t, m.LastAccessedAt.Before(m.CreatedAt))
	assert.Zero(t, m.AccessCount)
}

func TestNewDefaults(t *testing.T) {
	m, err := New("content", "", "", nil)
	require.NoError(t, err)
	assert.Equal(t, ContextGeneral, m.Context)
	assert.Equal(t, VaultCore, m.VaultScope)
}

func TestNewIDsSortByCreation(t *testing.T) {
	a, err := New("first", ContextGeneral, VaultCore, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := New("second", ContextGeneral, VaultCore, nil)
	require.NoError(t, err)

	assert.Less(t, a.ID, b.ID, "UUIDv7 ids must sort by creation time")
}

func TestNewEmptyContent(t *testing.T) {
	_, err := New("", ContextGeneral, VaultCore, nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryValidate(t *testing.T) {
	valid := func() *Memory {
		m, err := New("some content", ContextDecision, VaultProject, map[string]string{"file": "a.go"})
		require.NoError(t, err)
		m.Importance = 0.8
		return m
	}

	tests := []struct {
		name   string
		mutate func(*Memory)
		wantOK bool
	}{
		{"valid", func(m *Memory) {}, true},
		{"missing id", func(m *Memory) { m.ID = "" }, false},
		{"malformed id", func(m *Memory) { m.ID = "not-a-uuid" }, false},
		{"empty content", func(m *Memory) { m.Content = "" }, false},
		{"context too long", func(m *Memory) { m.Context = strings.Repeat("x", maxContextLen+1) }, false},
		{"importance above one", func(m *Memory) { m.Importance = 1.2 }, false},
		{"importance below zero", func(m *Memory) { m.Importance = -0.1 }, false},
		{"unknown tier", func(m *Memory) { m.Tier = "archived" }, false},
		{"unknown vault", func(m *Memory) { m.VaultScope = "global" }, false},
		{"negative access count", func(m *Memory) { m.AccessCount = -1 }, false},
		{"accessed before created", func(m *Memory) { m.LastAccessedAt = m.CreatedAt.Add(-time.Hour) }, false},
		{"oversized metadata value", func(m *Memory) {
			m.Metadata = map[string]string{"k": strings.Repeat("v", maxMetadataValLen+1)}
		}, false},
		{"free-form context tag", func(m *Memory) { m.Context = "sprint-42" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := m.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestTierHelpers(t *testing.T) {
	assert.Equal(t, "mem_working", TierWorking.Collection())
	assert.Equal(t, "mem_session", TierSession.Collection())
	assert.Equal(t, "mem_long_term", TierLongTerm.Collection())

	assert.Equal(t, TierSession, TierWorking.Next())
	assert.Equal(t, TierLongTerm, TierSession.Next())
	assert.Equal(t, TierLongTerm, TierLongTerm.Next())

	assert.True(t, TierWorking.Valid())
	assert.False(t, Tier("frozen").Valid())
}

func TestAbsorb(t *testing.T) {
	now := time.Now().UTC()
	keep := &Memory{
		AccessCount:    3,
		LastAccessedAt: now.Add(-time.Hour),
		Metadata:       map[string]string{"file": "a.go"},
	}
	dup := &Memory{
		AccessCount:    5,
		LastAccessedAt: now,
		Metadata:       map[string]string{"file": "b.go", "lang": "go"},
	}

	keep.Absorb(dup)

	assert.EqualValues(t, 8, keep.AccessCount)
	assert.Equal(t, now, keep.LastAccessedAt)
	// Existing keys win; missing keys are filled from the duplicate.
	assert.Equal(t, "a.go", keep.Metadata["file"])
	assert.Equal(t, "go", keep.Metadata["lang"])
}

func TestAbsorbNilMetadata(t *testing.T) {
	keep := &Memory{}
	keep.Absorb(&Memory{Metadata: map[string]string{"k": "v"}, AccessCount: 1})
	assert.Equal(t, "v", keep.Metadata["k"])
	keep.Absorb(nil)
	assert.EqualValues(t, 1, keep.AccessCount)
}

func TestAccessesPerWeek(t *testing.T) {
	now := time.Now().UTC()

	// Two weeks old with four accesses: two per week.
	m := &Memory{CreatedAt: now.Add(-14 * 24 * time.Hour), AccessCount: 4}
	assert.InDelta(t, 2.0, m.AccessesPerWeek(now), 1e-9)

	// Younger than a week is normalized to a full week.
	fresh := &Memory{CreatedAt: now.Add(-time.Hour), AccessCount: 3}
	assert.InDelta(t, 3.0, fresh.AccessesPerWeek(now), 1e-9)
}

func TestCloneIsIndependent(t *testing.T) {
	m, err := New("content", ContextGeneral, VaultCore, map[string]string{"k": "v"})
	require.NoError(t, err)

	c := m.Clone()
	c.Metadata["k"] = "changed"
	c.Content = "other"

	assert.Equal(t, "v", m.Metadata["k"])
	assert.Equal(t, "content", m.Content)
}

func TestFilterWantsTier(t *testing.T) {
	assert.True(t, Filter{}.WantsTier(TierSession))
	f := Filter{Tiers: []Tier{TierWorking, TierLongTerm}}
	assert.True(t, f.WantsTier(TierWorking))
	assert.False(t, f.WantsTier(TierSession))
}

func TestFilterMatches(t *testing.T) {
	m, err := New("the handler returns 429 on overload", ContextCodeSymbol, VaultProject, map[string]string{"file": "limit.go", "lang": "go"})
	require.NoError(t, err)

	assert.True(t, Filter{}.Matches(m))
	assert.True(t, Filter{Context: ContextCodeSymbol}.Matches(m))
	assert.False(t, Filter{Context: ContextDecision}.Matches(m))
	assert.True(t, Filter{Tiers: []Tier{TierWorking}}.Matches(m))
	assert.False(t, Filter{Tiers: []Tier{TierLongTerm}}.Matches(m))
	assert.True(t, Filter{VaultScope: VaultProject}.Matches(m))
	assert.False(t, Filter{VaultScope: VaultCore}.Matches(m))
	assert.True(t, Filter{Metadata: map[string]string{"file": "limit.go"}}.Matches(m))
	assert.False(t, Filter{Metadata: map[string]string{"file": "other.go"}}.Matches(m))
	assert.False(t, Filter{Metadata: map[string]string{"missing": "x"}}.Matches(m))
	assert.False(t, Filter{}.Matches(nil))
}
