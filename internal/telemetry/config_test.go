package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "recalld", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.Sampling.Rate)
	assert.True(t, cfg.Sampling.AlwaysOnErrors)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Metrics.ExportInterval)
	assert.Equal(t, 5*time.Second, cfg.Shutdown.Timeout)
}

func TestFromApp(t *testing.T) {
	cfg := FromApp(config.TelemetryConfig{
		Enabled:      true,
		ServiceName:  "recalld-test",
		OTLPEndpoint: "127.0.0.1:14317",
		Insecure:     true,
	})

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "recalld-test", cfg.ServiceName)
	assert.Equal(t, "127.0.0.1:14317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	// Inherited defaults survive.
	assert.Equal(t, 1.0, cfg.Sampling.Rate)
}

func TestFromApp_EmptyFieldsInheritDefaults(t *testing.T) {
	cfg := FromApp(config.TelemetryConfig{Enabled: true, Insecure: true})

	assert.Equal(t, "recalld", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Enabled = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:   "disabled skips validation",
			mutate: func(c *Config) { c.Enabled = false; c.Endpoint = "" },
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "missing service name",
			mutate:  func(c *Config) { c.ServiceName = "" },
			wantErr: "service_name is required",
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Protocol = "thrift" },
			wantErr: "protocol must be",
		},
		{
			name:    "insecure remote endpoint",
			mutate:  func(c *Config) { c.Endpoint = "collector.example.com:4317" },
			wantErr: "insecure connections to remote endpoints",
		},
		{
			name:   "secure remote endpoint",
			mutate: func(c *Config) { c.Endpoint = "collector.example.com:4317"; c.Insecure = false },
		},
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Sampling.Rate = 1.5 },
			wantErr: "sampling.rate",
		},
		{
			name:    "zero export interval",
			mutate:  func(c *Config) { c.Metrics.ExportInterval = 0 },
			wantErr: "export_interval",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Shutdown.Timeout = 0 },
			wantErr: "shutdown.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_IsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		local    bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"127.0.0.53:4317", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"collector.example.com:4317", false},
		{"10.0.0.5:4317", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			cfg := &Config{Endpoint: tt.endpoint}
			assert.Equal(t, tt.local, cfg.isLocalEndpoint())
		})
	}
}
