package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/alnah/go-pdfgate/internal/config"
	"github.com/alnah/go-pdfgate/internal/yamlutil"
)

const envPrefix = "PDFGATE_"

var errEnv = errors.New("invalid environment variable")

// envConfig holds configuration from environment variables.
// Container deployments set these instead of mounting a YAML file.
type envConfig struct {
	ConfigPath string // PDFGATE_CONFIG: config file name or path

	Addr       string        // PDFGATE_ADDR: listen address
	Shards     int           // PDFGATE_SHARDS: shard count
	PoolSize   int           // PDFGATE_POOL_SIZE: pages per shard
	Timeout    time.Duration // PDFGATE_TIMEOUT: per-generation timeout
	BrowserBin string        // PDFGATE_BROWSER_BIN: Chrome binary

	QuotaDSN     string // PDFGATE_QUOTA_DSN: sqlite DSN for quota records
	DefaultQuota int64  // PDFGATE_DEFAULT_QUOTA: monthly quota for new tenants
	RateLimit    int    // PDFGATE_RATE_LIMIT: requests per rate window

	StorageDir     string // PDFGATE_STORAGE_DIR: enables URL delivery
	StorageBaseURL string // PDFGATE_STORAGE_BASE_URL: public prefix for stored PDFs
	CacheSize      int    // PDFGATE_CACHE_SIZE: result cache entries, 0 disables

	LogLevel  string // PDFGATE_LOG_LEVEL
	LogFormat string // PDFGATE_LOG_FORMAT
}

// knownEnvVars lists valid PDFGATE_* environment variables.
// Used to detect typos and warn about unknown variables.
var knownEnvVars = map[string]bool{
	"PDFGATE_CONFIG":           true,
	"PDFGATE_ADDR":             true,
	"PDFGATE_SHARDS":           true,
	"PDFGATE_POOL_SIZE":        true,
	"PDFGATE_TIMEOUT":          true,
	"PDFGATE_BROWSER_BIN":      true,
	"PDFGATE_QUOTA_DSN":        true,
	"PDFGATE_DEFAULT_QUOTA":    true,
	"PDFGATE_RATE_LIMIT":       true,
	"PDFGATE_STORAGE_DIR":      true,
	"PDFGATE_STORAGE_BASE_URL": true,
	"PDFGATE_CACHE_SIZE":       true,
	"PDFGATE_LOG_LEVEL":        true,
	"PDFGATE_LOG_FORMAT":       true,
	"PDFGATE_CONTAINER":        true, // read by doctor
}

// loadEnvConfig reads PDFGATE_* variables. Malformed numbers and durations
// are errors rather than silently ignored.
func loadEnvConfig(getenv func(string) string) (*envConfig, error) {
	cfg := &envConfig{
		ConfigPath:     getenv("PDFGATE_CONFIG"),
		Addr:           getenv("PDFGATE_ADDR"),
		BrowserBin:     getenv("PDFGATE_BROWSER_BIN"),
		QuotaDSN:       getenv("PDFGATE_QUOTA_DSN"),
		StorageDir:     getenv("PDFGATE_STORAGE_DIR"),
		StorageBaseURL: getenv("PDFGATE_STORAGE_BASE_URL"),
		LogLevel:       getenv("PDFGATE_LOG_LEVEL"),
		LogFormat:      getenv("PDFGATE_LOG_FORMAT"),
		CacheSize:      -1,
	}

	var err error
	if cfg.Shards, err = envInt(getenv, "PDFGATE_SHARDS", 1); err != nil {
		return nil, err
	}
	if cfg.PoolSize, err = envInt(getenv, "PDFGATE_POOL_SIZE", 1); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = envInt(getenv, "PDFGATE_RATE_LIMIT", 1); err != nil {
		return nil, err
	}
	if v := getenv("PDFGATE_CACHE_SIZE"); v != "" {
		if cfg.CacheSize, err = envInt(getenv, "PDFGATE_CACHE_SIZE", 0); err != nil {
			return nil, err
		}
	}
	if v := getenv("PDFGATE_DEFAULT_QUOTA"); v != "" {
		q, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil || q < 1 {
			return nil, fmt.Errorf("%w: PDFGATE_DEFAULT_QUOTA=%q (must be a positive integer)", errEnv, v)
		}
		cfg.DefaultQuota = q
	}
	if v := getenv("PDFGATE_TIMEOUT"); v != "" {
		d, perr := yamlutil.ParseDuration(v)
		if perr != nil || d <= 0 {
			return nil, fmt.Errorf("%w: PDFGATE_TIMEOUT=%q (must be a positive duration like 30s)", errEnv, v)
		}
		cfg.Timeout = d
	}
	return cfg, nil
}

// envInt parses name as an integer >= minVal. Unset returns 0.
func envInt(getenv func(string) string, name string, minVal int) (int, error) {
	v := getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < minVal {
		return 0, fmt.Errorf("%w: %s=%q (must be an integer >= %d)", errEnv, name, v, minVal)
	}
	return n, nil
}

// warnUnknownEnvVars logs warnings for unrecognized PDFGATE_* variables.
// Helps catch typos like PDFGATE_SHARD instead of PDFGATE_SHARDS.
func warnUnknownEnvVars(w io.Writer, environ []string) {
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		name, _, _ := strings.Cut(kv, "=")
		if !knownEnvVars[name] {
			fmt.Fprintf(w, "warning: unknown environment variable %s (typo?)\n", name)
		}
	}
}

// applyEnvConfig overrides cfg with every variable that is set.
// Precedence: flags > environment > config file > defaults
// (flags are applied afterwards by applyServeFlags).
func applyEnvConfig(env *envConfig, cfg *config.Config) {
	if env.Addr != "" {
		cfg.Server.Addr = env.Addr
	}
	if env.Shards > 0 {
		cfg.Shards.Count = env.Shards
	}
	if env.PoolSize > 0 {
		cfg.Pool.Size = env.PoolSize
	}
	if env.Timeout > 0 {
		cfg.Render.Timeout = yamlutil.Duration(env.Timeout)
	}
	if env.BrowserBin != "" {
		cfg.Engine.BrowserBin = env.BrowserBin
	}
	if env.QuotaDSN != "" {
		cfg.Admission.QuotaDSN = env.QuotaDSN
	}
	if env.DefaultQuota > 0 {
		cfg.Admission.DefaultQuota = env.DefaultQuota
	}
	if env.RateLimit > 0 {
		cfg.Admission.RateLimit = env.RateLimit
	}
	if env.StorageDir != "" {
		cfg.Storage.Dir = env.StorageDir
	}
	if env.StorageBaseURL != "" {
		cfg.Storage.BaseURL = env.StorageBaseURL
	}
	if env.CacheSize >= 0 {
		cfg.Cache.Size = env.CacheSize
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.LogFormat != "" {
		cfg.Logging.Format = env.LogFormat
	}
}
