package relstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "no rows", err: sql.ErrNoRows, want: memory.ErrNotFound},
		{name: "deadline", err: context.DeadlineExceeded, want: memory.ErrTimeout},
		{name: "bad conn", err: driver.ErrBadConn, want: memory.ErrStoreUnavailable},
		{
			name: "unique violation",
			err:  &pq.Error{Code: "23505", Detail: "Key (id) already exists."},
			want: memory.ErrConflict,
		},
		{
			name: "connection failure class",
			err:  &pq.Error{Code: "08006"},
			want: memory.ErrStoreUnavailable,
		},
		{
			name: "admin shutdown class",
			err:  &pq.Error{Code: "57P01"},
			want: memory.ErrStoreUnavailable,
		},
		{
			name: "net error",
			err:  &net.OpError{Op: "dial", Err: errors.New("refused")},
			want: memory.ErrStoreUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}

	t.Run("unknown error passes through", func(t *testing.T) {
		sentinel := errors.New("syntax error")
		assert.Equal(t, sentinel, classify(sentinel))
	})
}

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain", "plain"},
		{"50%", `50\%`},
		{"snake_case", `snake\_case`},
		{`back\slash`, `back\\slash`},
		{`all_%\of_them`, `all\_\%\\of\_them`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeLike(tt.in))
	}
}

func TestBuildExactQuery(t *testing.T) {
	t.Run("no filter", func(t *testing.T) {
		sqlStr, args, err := buildExactQuery("needle", memory.Filter{}, 20)
		require.NoError(t, err)
		assert.Contains(t, sqlStr, "content ILIKE '%' || $1 || '%'")
		assert.Contains(t, sqlStr, "NOT quarantined")
		assert.Contains(t, sqlStr, "ORDER BY created_at DESC, id DESC LIMIT $2")
		require.Len(t, args, 2)
		assert.Equal(t, "needle", args[0])
		assert.Equal(t, 20, args[1])
	})

	t.Run("all filters", func(t *testing.T) {
		f := memory.Filter{
			Context:    memory.ContextDecision,
			Tiers:      []memory.Tier{memory.TierWorking, memory.TierSession},
			VaultScope: memory.VaultCore,
			Metadata:   map[string]string{"lang": "go"},
		}
		sqlStr, args, err := buildExactQuery("needle", f, 5)
		require.NoError(t, err)
		assert.Contains(t, sqlStr, "context = $2")
		assert.Contains(t, sqlStr, "tier = ANY($3)")
		assert.Contains(t, sqlStr, "vault_scope = $4")
		assert.Contains(t, sqlStr, "metadata @> $5::jsonb")
		assert.Contains(t, sqlStr, "LIMIT $6")
		require.Len(t, args, 6)
		assert.Equal(t, string(memory.ContextDecision), args[1])
		assert.JSONEq(t, `{"lang":"go"}`, args[4].(string))
		assert.Equal(t, 5, args[5])
	})

	t.Run("wildcards escaped", func(t *testing.T) {
		_, args, err := buildExactQuery("100%_done", memory.Filter{}, 1)
		require.NoError(t, err)
		assert.Equal(t, `100\%\_done`, args[0])
	})
}

func TestRowRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	m := &memory.Memory{
		ID:               "0191d2a8-0000-7000-8000-000000000001",
		Content:          "row mapping survives both directions",
		ContentHash:      memory.HashContent("row mapping survives both directions"),
		Context:          memory.ContextCodeSymbol,
		Importance:       0.73,
		Tier:             memory.TierSession,
		CreatedAt:        now.Add(-time.Hour),
		LastAccessedAt:   now,
		AccessCount:      12,
		Metadata:         map[string]string{"file": "store.go", "line": "42"},
		VaultScope:       memory.VaultCore,
		PendingEmbedding: true,
		Quarantined:      false,
	}

	r, err := toRow(m)
	require.NoError(t, err)
	back, err := r.toMemory()
	require.NoError(t, err)
	assert.Equal(t, m, back)
}

func TestRowNilMetadata(t *testing.T) {
	m := newTestMemory(t, "no metadata")
	r, err := toRow(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(r.Metadata))

	back, err := r.toMemory()
	require.NoError(t, err)
	assert.Nil(t, back.Metadata)
}
