// Package config provides configuration loading for recalld.
//
// Configuration is read from a YAML file and overridden by RECALLD_*
// environment variables, with hardcoded defaults underneath.
package config

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memory"
)

// hostnamePattern rejects shell metacharacters and whitespace in
// hostnames sourced from the environment.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

// Config holds the complete recalld configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Relational RelationalConfig `koanf:"relational"`
	Vector     VectorConfig     `koanf:"vector"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Memory     MemoryConfig     `koanf:"memory"`
	Tiers      TiersConfig      `koanf:"tiers"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Importance ImportanceConfig `koanf:"importance"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
	// Format is json or console.
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings. When disabled,
// tracing and OTel metrics are no-ops; Prometheus metrics on /metrics
// are always available.
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	ServiceName  string `koanf:"service_name"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	Insecure     bool   `koanf:"insecure"`
}

// RelationalConfig holds the relational store settings.
type RelationalConfig struct {
	// Driver selects the backend: postgres or memory.
	Driver string `koanf:"driver"`
	// DSN is the Postgres connection string. Required for postgres.
	DSN             Secret        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// VectorConfig holds the vector store settings.
type VectorConfig struct {
	// Provider selects the backend: chromem (embedded, default) or
	// qdrant.
	Provider string              `koanf:"provider"`
	Chromem  ChromemVectorConfig `koanf:"chromem"`
	Qdrant   QdrantVectorConfig  `koanf:"qdrant"`
}

// ChromemVectorConfig configures the embedded chromem backend.
type ChromemVectorConfig struct {
	// Path is the persistence directory. Empty keeps everything in
	// memory, which is what tests use.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantVectorConfig configures the Qdrant gRPC backend.
type QdrantVectorConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey Secret `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// EmbeddingConfig holds embedder settings.
type EmbeddingConfig struct {
	// Provider is tei, fastembed, or fake.
	Provider string `koanf:"provider"`
	// BaseURL is the TEI endpoint.
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	// Dim is the embedding dimension. Must match the model output.
	Dim int `koanf:"dim"`
	// CacheDir caches downloaded model files for the fastembed
	// provider.
	CacheDir string `koanf:"cache_dir"`
	// CacheSize bounds the embedding LRU cache. Zero disables it.
	CacheSize int `koanf:"cache_size"`
	// MaxConcurrent bounds in-flight embedding calls.
	MaxConcurrent int         `koanf:"max_concurrent"`
	Retry         RetryConfig `koanf:"retry"`
}

// RetryConfig bounds the exponential backoff applied to transient
// embedder failures.
type RetryConfig struct {
	Base        time.Duration `koanf:"base"`
	Cap         time.Duration `koanf:"cap"`
	MaxAttempts int           `koanf:"max_attempts"`
}

// MemoryConfig holds write-gate and vault settings.
type MemoryConfig struct {
	// StoreThreshold is the minimum importance to persist a memory.
	StoreThreshold float64 `koanf:"store_threshold"`
	// VaultMode is single or dual.
	VaultMode string `koanf:"vault_mode"`
	// CoreWeight and ProjectWeight scale scores when dual-vault
	// retrieval searches both scopes.
	CoreWeight    float64 `koanf:"core_weight"`
	ProjectWeight float64 `koanf:"project_weight"`
}

// TiersConfig holds lifecycle and background maintenance settings.
type TiersConfig struct {
	WorkingToSessionAge   time.Duration `koanf:"working_to_session_age"`
	SessionToLongAge      time.Duration `koanf:"session_to_long_age"`
	LongTermMinImportance float64       `koanf:"long_term_min_importance"`
	// LowAccessPerWeek gates the working→session transition: only
	// memories accessed less often than this migrate. Negative
	// disables the rate guard, making transitions purely age-based.
	LowAccessPerWeek   float64       `koanf:"low_access_per_week"`
	EvictMinImportance float64       `koanf:"evict_min_importance"`
	EvictAge           time.Duration `koanf:"evict_age"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	SweepBatch         int           `koanf:"sweep_batch"`
	DedupSim           float64       `koanf:"dedup_sim"`
	// RatePerSec caps row transitions per second so sweeps cannot
	// starve foreground retrieval.
	RatePerSec     float64       `koanf:"rate_per_sec"`
	RepairInterval time.Duration `koanf:"repair_interval"`
}

// RetrievalConfig holds search and scoring settings.
type RetrievalConfig struct {
	MinSimilarity float64 `koanf:"min_similarity"`
	ExactWeight   float64 `koanf:"exact_weight"`
	DefaultLimit  int     `koanf:"default_limit"`
	// TouchQueueSize bounds the async access-tracking queue. On
	// overflow the oldest entries are dropped.
	TouchQueueSize     int           `koanf:"touch_queue_size"`
	TouchFlushInterval time.Duration `koanf:"touch_flush_interval"`
	Weights            ScoreWeights  `koanf:"weights"`
}

// ScoreWeights are the multi-signal scoring weights. They must sum to
// 1.0.
type ScoreWeights struct {
	Similarity float64 `koanf:"similarity"`
	Recency    float64 `koanf:"recency"`
	Importance float64 `koanf:"importance"`
	Frequency  float64 `koanf:"frequency"`
	Context    float64 `koanf:"context"`
}

// Sum returns the total weight.
func (w ScoreWeights) Sum() float64 {
	return w.Similarity + w.Recency + w.Importance + w.Frequency + w.Context
}

// ImportanceConfig exposes the importance formula knobs. Zero values
// fall back to the pinned defaults.
type ImportanceConfig struct {
	ContextBase     map[string]float64 `koanf:"context_base"`
	UnknownBase     float64            `koanf:"unknown_base"`
	KeywordBonus    float64            `koanf:"keyword_bonus"`
	KeywordBonusCap float64            `koanf:"keyword_bonus_cap"`
	ShortLength     int                `koanf:"short_length"`
	ShortPenalty    float64            `koanf:"short_penalty"`
	LongLength      int                `koanf:"long_length"`
	LongBonus       float64            `koanf:"long_bonus"`
	FileLineBonus   float64            `koanf:"file_line_bonus"`
}

// AssessorConfig converts to the domain assessor parameters.
func (c ImportanceConfig) AssessorConfig() memory.AssessorConfig {
	return memory.AssessorConfig{
		ContextBase:     c.ContextBase,
		UnknownBase:     c.UnknownBase,
		KeywordBonus:    c.KeywordBonus,
		KeywordBonusCap: c.KeywordBonusCap,
		ShortLength:     c.ShortLength,
		ShortPenalty:    c.ShortPenalty,
		LongLength:      c.LongLength,
		LongBonus:       c.LongBonus,
		FileLineBonus:   c.FileLineBonus,
	}
}

// Vault modes.
const (
	VaultModeSingle = "single"
	VaultModeDual   = "dual"
)

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":9090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "recalld"
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = "localhost:4317"
	}

	if c.Relational.Driver == "" {
		c.Relational.Driver = "memory"
	}
	if c.Relational.MaxOpenConns == 0 {
		c.Relational.MaxOpenConns = 16
	}
	if c.Relational.MaxIdleConns == 0 {
		c.Relational.MaxIdleConns = 8
	}
	if c.Relational.ConnMaxLifetime == 0 {
		c.Relational.ConnMaxLifetime = 30 * time.Minute
	}

	if c.Vector.Provider == "" {
		c.Vector.Provider = "chromem"
	}
	if c.Vector.Qdrant.Host == "" {
		c.Vector.Qdrant.Host = "localhost"
	}
	if c.Vector.Qdrant.Port == 0 {
		c.Vector.Qdrant.Port = 6334
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "tei"
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "http://localhost:8080"
	}
	if c.Embedding.Dim == 0 {
		c.Embedding.Dim = 1536
	}
	if c.Embedding.CacheSize == 0 {
		c.Embedding.CacheSize = 2048
	}
	if c.Embedding.MaxConcurrent == 0 {
		c.Embedding.MaxConcurrent = 8
	}
	if c.Embedding.Retry.Base == 0 {
		c.Embedding.Retry.Base = 500 * time.Millisecond
	}
	if c.Embedding.Retry.Cap == 0 {
		c.Embedding.Retry.Cap = 30 * time.Second
	}
	if c.Embedding.Retry.MaxAttempts == 0 {
		c.Embedding.Retry.MaxAttempts = 5
	}

	if c.Memory.StoreThreshold == 0 {
		c.Memory.StoreThreshold = 0.40
	}
	if c.Memory.VaultMode == "" {
		c.Memory.VaultMode = VaultModeSingle
	}
	if c.Memory.CoreWeight == 0 {
		c.Memory.CoreWeight = 0.3
	}
	if c.Memory.ProjectWeight == 0 {
		c.Memory.ProjectWeight = 0.7
	}

	if c.Tiers.WorkingToSessionAge == 0 {
		c.Tiers.WorkingToSessionAge = 48 * time.Hour
	}
	if c.Tiers.SessionToLongAge == 0 {
		c.Tiers.SessionToLongAge = 14 * 24 * time.Hour
	}
	if c.Tiers.LongTermMinImportance == 0 {
		c.Tiers.LongTermMinImportance = 0.60
	}
	if c.Tiers.LowAccessPerWeek == 0 {
		c.Tiers.LowAccessPerWeek = 1
	}
	if c.Tiers.EvictMinImportance == 0 {
		c.Tiers.EvictMinImportance = 0.30
	}
	if c.Tiers.EvictAge == 0 {
		c.Tiers.EvictAge = 72 * time.Hour
	}
	if c.Tiers.SweepInterval == 0 {
		c.Tiers.SweepInterval = time.Hour
	}
	if c.Tiers.SweepBatch == 0 {
		c.Tiers.SweepBatch = 500
	}
	if c.Tiers.DedupSim == 0 {
		c.Tiers.DedupSim = 0.95
	}
	if c.Tiers.RatePerSec == 0 {
		c.Tiers.RatePerSec = 50
	}
	if c.Tiers.RepairInterval == 0 {
		c.Tiers.RepairInterval = 5 * time.Minute
	}

	if c.Retrieval.MinSimilarity == 0 {
		c.Retrieval.MinSimilarity = 0.50
	}
	if c.Retrieval.ExactWeight == 0 {
		c.Retrieval.ExactWeight = 0.40
	}
	if c.Retrieval.DefaultLimit == 0 {
		c.Retrieval.DefaultLimit = 10
	}
	if c.Retrieval.TouchQueueSize == 0 {
		c.Retrieval.TouchQueueSize = 10000
	}
	if c.Retrieval.TouchFlushInterval == 0 {
		c.Retrieval.TouchFlushInterval = time.Second
	}
	if c.Retrieval.Weights.Sum() == 0 {
		c.Retrieval.Weights = ScoreWeights{
			Similarity: 0.35,
			Recency:    0.25,
			Importance: 0.15,
			Frequency:  0.10,
			Context:    0.15,
		}
	}
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Validate checks ranges and required fields. Call after
// ApplyDefaults.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format: must be json or console, got %q", c.Logging.Format)
	}

	switch c.Relational.Driver {
	case "memory":
	case "postgres":
		if !c.Relational.DSN.IsSet() {
			return fmt.Errorf("relational.dsn: required for the postgres driver")
		}
	default:
		return fmt.Errorf("relational.driver: must be postgres or memory, got %q", c.Relational.Driver)
	}

	switch c.Vector.Provider {
	case "chromem":
	case "qdrant":
		if c.Vector.Qdrant.Port <= 0 || c.Vector.Qdrant.Port > 65535 {
			return fmt.Errorf("vector.qdrant.port: invalid port %d", c.Vector.Qdrant.Port)
		}
		if !hostnamePattern.MatchString(c.Vector.Qdrant.Host) {
			return fmt.Errorf("vector.qdrant.host: invalid hostname %q", c.Vector.Qdrant.Host)
		}
	default:
		return fmt.Errorf("vector.provider: must be chromem or qdrant, got %q", c.Vector.Provider)
	}

	switch c.Embedding.Provider {
	case "tei":
		u, err := url.Parse(c.Embedding.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("embedding.base_url: must be an http(s) URL, got %q", c.Embedding.BaseURL)
		}
	case "fastembed", "fake":
	default:
		return fmt.Errorf("embedding.provider: must be tei, fastembed, or fake, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("embedding.dim: must be positive, got %d", c.Embedding.Dim)
	}
	if c.Embedding.Retry.MaxAttempts < 1 {
		return fmt.Errorf("embedding.retry.max_attempts: must be at least 1")
	}

	if c.Memory.VaultMode != VaultModeSingle && c.Memory.VaultMode != VaultModeDual {
		return fmt.Errorf("memory.vault_mode: must be single or dual, got %q", c.Memory.VaultMode)
	}

	for _, check := range []struct {
		name string
		v    float64
	}{
		{"memory.store_threshold", c.Memory.StoreThreshold},
		{"memory.core_weight", c.Memory.CoreWeight},
		{"memory.project_weight", c.Memory.ProjectWeight},
		{"tiers.long_term_min_importance", c.Tiers.LongTermMinImportance},
		{"tiers.evict_min_importance", c.Tiers.EvictMinImportance},
		{"tiers.dedup_sim", c.Tiers.DedupSim},
		{"retrieval.min_similarity", c.Retrieval.MinSimilarity},
		{"retrieval.exact_weight", c.Retrieval.ExactWeight},
	} {
		if check.v < 0 || check.v > 1 {
			return fmt.Errorf("%s: %.3f outside [0,1]", check.name, check.v)
		}
	}

	for _, check := range []struct {
		name string
		v    time.Duration
	}{
		{"tiers.working_to_session_age", c.Tiers.WorkingToSessionAge},
		{"tiers.session_to_long_age", c.Tiers.SessionToLongAge},
		{"tiers.evict_age", c.Tiers.EvictAge},
		{"tiers.sweep_interval", c.Tiers.SweepInterval},
		{"tiers.repair_interval", c.Tiers.RepairInterval},
		{"retrieval.touch_flush_interval", c.Retrieval.TouchFlushInterval},
	} {
		if check.v <= 0 {
			return fmt.Errorf("%s: must be positive", check.name)
		}
	}

	if c.Tiers.SweepBatch <= 0 {
		return fmt.Errorf("tiers.sweep_batch: must be positive, got %d", c.Tiers.SweepBatch)
	}
	if c.Retrieval.TouchQueueSize <= 0 {
		return fmt.Errorf("retrieval.touch_queue_size: must be positive, got %d", c.Retrieval.TouchQueueSize)
	}

	if sum := c.Retrieval.Weights.Sum(); math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("retrieval.weights: must sum to 1.0, got %.6f", sum)
	}

	return nil
}
