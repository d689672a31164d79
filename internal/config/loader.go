package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// envPrefix namespaces recalld environment overrides.
	envPrefix = "RECALLD_"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// Load loads configuration from the default path and environment.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from a YAML file, then overrides
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RECALLD_SERVER_ADDR, RECALLD_EMBEDDING_DIM, ...)
//  2. YAML config file (~/.config/recalld/config.yaml)
//  3. Hardcoded defaults
//
// If configPath is empty the default path is used.
//
// # Security Considerations
//
// File Permissions: the config file may hold a database DSN or vector
// store API key, so it MUST have 0600 or 0400 permissions. Weaker
// permissions (e.g. 0644 world-readable) are rejected.
//
// Path Validation: only configuration files in allowed directories can
// be loaded:
//   - ~/.config/recalld/ (user's config directory)
//   - /etc/recalld/ (system-wide config directory)
//
// Paths outside these directories are rejected to prevent path
// traversal. Files larger than 1MB are rejected.
//
// # Environment Variable Mapping
//
// Variables are uppercased with underscore separators after the
// RECALLD_ prefix. The first underscore splits section from field;
// nested subsections (vector.chromem, vector.qdrant, embedding.retry,
// retrieval.weights) get a second split:
//
//	RECALLD_SERVER_ADDR              -> server.addr
//	RECALLD_MEMORY_STORE_THRESHOLD   -> memory.store_threshold
//	RECALLD_VECTOR_QDRANT_HOST       -> vector.qdrant.host
//	RECALLD_EMBEDDING_RETRY_MAX_ATTEMPTS -> embedding.retry.max_attempts
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "recalld", "config.yaml")
	}

	// Validate the path even when the file does not exist.
	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between the permission check and the read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyToPath), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envSubsections lists sections that nest one level deeper, so the
// key transformer knows where a second split belongs.
var envSubsections = map[string][]string{
	"vector":    {"chromem", "qdrant"},
	"embedding": {"retry"},
	"retrieval": {"weights"},
}

// envKeyToPath maps an environment variable name to a koanf path.
// The first underscore separates section from field; field names keep
// their underscores (RECALLD_MEMORY_STORE_THRESHOLD stays
// memory.store_threshold).
func envKeyToPath(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}

	section, rest := parts[0], parts[1]
	for _, sub := range envSubsections[section] {
		if strings.HasPrefix(rest, sub+"_") {
			return section + "." + sub + "." + strings.TrimPrefix(rest, sub+"_")
		}
	}
	return section + "." + rest
}

// EnsureConfigDir creates the recalld config directory if it doesn't
// exist, with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "recalld")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks that path resolves inside an allowed
// directory. Runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	// Evaluation fails for paths that don't exist yet; validate the
	// absolute path in that case.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "recalld"),
		"/etc/recalld",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(os.PathSeparator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/recalld/ or /etc/recalld/")
}

// validateConfigFileProperties checks permissions and size on an
// already-opened file's FileInfo.
func validateConfigFileProperties(info os.FileInfo) error {
	// Windows has a different permission model; skip the mode check.
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
