package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestWithVault(t *testing.T) {
	ctx := WithVault(context.Background(), "core")
	assert.Equal(t, "core", VaultFromContext(ctx))
}

func TestWithVault_PanicsOnInvalid(t *testing.T) {
	tests := []struct {
		name  string
		vault string
	}{
		{"empty", ""},
		{"spaces", "my vault"},
		{"too long", strings.Repeat("a", maxIDLen+1)},
		{"shell metachars", "vault;rm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithVault(context.Background(), tt.vault)
			})
		})
	}
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-001")
	assert.Equal(t, "req-001", RequestIDFromContext(ctx))

	assert.Panics(t, func() {
		WithRequestID(context.Background(), "")
	})
}

func TestVaultFromContext_Missing(t *testing.T) {
	assert.Equal(t, "", VaultFromContext(context.Background()))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}

func TestContextFields(t *testing.T) {
	ctx := WithVault(context.Background(), "project-beta")
	ctx = WithRequestID(ctx, "abc123")

	fields := ContextFields(ctx)

	keys := make(map[string]string, len(fields))
	for _, f := range fields {
		keys[f.Key] = f.String
	}
	assert.Equal(t, "project-beta", keys["vault"])
	assert.Equal(t, "abc123", keys["request.id"])
	// No active span, so no trace correlation.
	_, hasTrace := keys["trace_id"]
	assert.False(t, hasTrace)
}

func TestFromContext_Fallback(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)
	// Nop logger must not panic.
	logger.Info(context.Background(), "into the void")
}

func TestWithLogger_RoundTrip(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)

	got := FromContext(ctx)
	got.Info(ctx, "round trip")

	tl.AssertLogged(t, zapcore.InfoLevel, "round trip")
}
