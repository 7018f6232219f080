// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alnah/go-pdfgate/internal/admission"
	"github.com/alnah/go-pdfgate/internal/cache"
	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/fileutil"
	"github.com/alnah/go-pdfgate/internal/hints"
	"github.com/alnah/go-pdfgate/internal/logging"
	"github.com/alnah/go-pdfgate/internal/pool"
	"github.com/alnah/go-pdfgate/internal/render"
	"github.com/alnah/go-pdfgate/internal/yamlutil"
)

// Sentinel errors for config operations.
var (
	ErrConfigNotFound  = errors.New("config file not found")
	ErrEmptyConfigName = errors.New("config name cannot be empty")
	ErrConfigParse     = errors.New("failed to parse config")
	ErrInvalid         = errors.New("invalid config")
)

// Limits.
const (
	MaxShards     = 64
	maxPayloadCap = 100 << 20
)

// Config holds the whole service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Shards    ShardsConfig    `yaml:"shards"`
	Pool      PoolConfig      `yaml:"pool"`
	Render    RenderConfig    `yaml:"render"`
	Engine    EngineConfig    `yaml:"engine"`
	Admission AdmissionConfig `yaml:"admission"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   logging.Config  `yaml:"logging"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr            string            `yaml:"addr"`
	ReadTimeout     yamlutil.Duration `yaml:"readTimeout"`
	WriteTimeout    yamlutil.Duration `yaml:"writeTimeout"`
	ShutdownTimeout yamlutil.Duration `yaml:"shutdownTimeout"`
}

// ShardsConfig sets how many independent pools tenants are spread over.
type ShardsConfig struct {
	Count int `yaml:"count"`
}

// PoolConfig sizes each shard's pool. Size 0 derives it from GOMAXPROCS.
type PoolConfig struct {
	Size            int               `yaml:"size"`
	MaxIdleTime     yamlutil.Duration `yaml:"maxIdleTime"`
	MaxPageAge      yamlutil.Duration `yaml:"maxPageAge"`
	CleanupInterval yamlutil.Duration `yaml:"cleanupInterval"`
	AcquireTimeout  yamlutil.Duration `yaml:"acquireTimeout"`
}

// RenderConfig defines generation limits and default options.
type RenderConfig struct {
	MaxPayloadBytes int               `yaml:"maxPayloadBytes"`
	Timeout         yamlutil.Duration `yaml:"timeout"`
	Defaults        render.Options    `yaml:"defaults"`
}

// EngineConfig configures the browser.
type EngineConfig struct {
	BrowserBin string `yaml:"browserBin"` // empty = $ROD_BROWSER_BIN, then rod's lookup
	NoSandbox  bool   `yaml:"noSandbox"`
}

// AdmissionConfig defines quotas and rate limits. An empty QuotaDSN keeps
// quotas in memory.
type AdmissionConfig struct {
	QuotaDSN        string            `yaml:"quotaDSN"`
	DefaultQuota    int64             `yaml:"defaultQuota"`
	RateLimit       int               `yaml:"rateLimit"`
	RateWindow      yamlutil.Duration `yaml:"rateWindow"`
	BurstMultiplier float64           `yaml:"burstMultiplier"`
}

// StorageConfig enables URL delivery when Dir is set.
type StorageConfig struct {
	Dir     string `yaml:"dir"`
	BaseURL string `yaml:"baseURL"`
}

// CacheConfig sizes the result cache. Size 0 disables it.
type CacheConfig struct {
	Size          int               `yaml:"size"`
	TTL           yamlutil.Duration `yaml:"ttl"`
	MaxEntryBytes int               `yaml:"maxEntryBytes"`
}

// DefaultConfig returns a single-shard configuration with in-memory
// admission and no URL delivery.
func DefaultConfig() *Config {
	pc := pool.DefaultConfig()
	rc := admission.DefaultRateConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     yamlutil.Duration(15 * time.Second),
			WriteTimeout:    yamlutil.Duration(90 * time.Second),
			ShutdownTimeout: yamlutil.Duration(30 * time.Second),
		},
		Shards: ShardsConfig{Count: 1},
		Pool: PoolConfig{
			MaxIdleTime:     yamlutil.Duration(pc.MaxIdleTime),
			MaxPageAge:      yamlutil.Duration(pc.MaxPageAge),
			CleanupInterval: yamlutil.Duration(pc.CleanupInterval),
			AcquireTimeout:  yamlutil.Duration(pc.AcquireTimeout),
		},
		Render: RenderConfig{
			MaxPayloadBytes: render.DefaultMaxPayload,
			Timeout:         yamlutil.Duration(render.DefaultTimeout),
			Defaults:        render.Defaults(),
		},
		Admission: AdmissionConfig{
			DefaultQuota:    admission.DefaultMonthlyQuota,
			RateLimit:       rc.Limit,
			RateWindow:      yamlutil.Duration(rc.Window),
			BurstMultiplier: rc.BurstMultiplier,
		},
		Cache: CacheConfig{
			Size:          cache.DefaultSize,
			TTL:           yamlutil.Duration(cache.DefaultTTL),
			MaxEntryBytes: cache.DefaultMaxEntryBytes,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is empty", ErrInvalid)
	}
	if c.Server.ShutdownTimeout < 0 || c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("%w: server timeouts cannot be negative", ErrInvalid)
	}
	if c.Shards.Count < 1 || c.Shards.Count > MaxShards {
		return fmt.Errorf("%w: shards.count %d (must be 1-%d)", ErrInvalid, c.Shards.Count, MaxShards)
	}
	if err := c.PoolConfig().Validate(); err != nil {
		return fmt.Errorf("%w: pool: %v", ErrInvalid, err)
	}
	if c.Render.MaxPayloadBytes < 0 || c.Render.MaxPayloadBytes > maxPayloadCap {
		return fmt.Errorf("%w: render.maxPayloadBytes %d (must be 0-%d)", ErrInvalid, c.Render.MaxPayloadBytes, maxPayloadCap)
	}
	if c.Render.Timeout < 0 {
		return fmt.Errorf("%w: render.timeout cannot be negative", ErrInvalid)
	}
	if err := c.Render.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: render.defaults: %v", ErrInvalid, err)
	}
	if c.Admission.DefaultQuota < 0 {
		return fmt.Errorf("%w: admission.defaultQuota cannot be negative", ErrInvalid)
	}
	if err := c.RateConfig().Validate(); err != nil {
		return fmt.Errorf("%w: admission: %v", ErrInvalid, err)
	}
	if c.Storage.Dir != "" && c.Storage.BaseURL != "" && !fileutil.IsURL(c.Storage.BaseURL) {
		return fmt.Errorf("%w: storage.baseURL %q is not an http(s) URL", ErrInvalid, c.Storage.BaseURL)
	}
	if c.Cache.Size < 0 || c.Cache.MaxEntryBytes < 0 || c.Cache.TTL < 0 {
		return fmt.Errorf("%w: cache values cannot be negative", ErrInvalid)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalid, err)
	}
	return nil
}

// PoolConfig converts the pool section. Name is set per shard.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		Size:            c.Pool.Size,
		MaxIdleTime:     c.Pool.MaxIdleTime.Std(),
		MaxPageAge:      c.Pool.MaxPageAge.Std(),
		CleanupInterval: c.Pool.CleanupInterval.Std(),
		AcquireTimeout:  c.Pool.AcquireTimeout.Std(),
	}
}

// RenderConfig converts the render section.
func (c *Config) RenderConfig() render.Config {
	return render.Config{
		MaxPayload: c.Render.MaxPayloadBytes,
		Timeout:    c.Render.Timeout.Std(),
		Defaults:   c.Render.Defaults,
	}
}

// RateConfig converts the rate part of the admission section.
func (c *Config) RateConfig() admission.RateConfig {
	return admission.RateConfig{
		Limit:           c.Admission.RateLimit,
		Window:          c.Admission.RateWindow.Std(),
		BurstMultiplier: c.Admission.BurstMultiplier,
	}
}

// CacheConfig converts the cache section.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Size:          c.Cache.Size,
		TTL:           c.Cache.TTL.Std(),
		MaxEntryBytes: c.Cache.MaxEntryBytes,
	}
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.RodConfig {
	return engine.RodConfig{BrowserBin: c.Engine.BrowserBin, NoSandbox: c.Engine.NoSandbox}
}

// LoadConfig loads configuration from a file path or config name, on top
// of DefaultConfig.
// If nameOrPath contains a path separator, it's treated as a file path.
// Otherwise, it's treated as a config name and searched in standard locations.
// Returns error if the file is not found (no silent fallback).
func LoadConfig(nameOrPath string) (*Config, error) {
	if nameOrPath == "" {
		return nil, ErrEmptyConfigName
	}

	configPath := nameOrPath
	if !fileutil.IsFilePath(nameOrPath) {
		var err error
		if configPath, err = resolveConfigPath(nameOrPath); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- config path is operator-provided
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s%s", ErrConfigNotFound, configPath, hints.ForConfigNotFound(nil))
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yamlutil.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfigPath searches for a config file by name.
// Tries extensions in order: .yaml, .yml
// Tries locations in order: current directory, <user config dir>/pdfgate/
func resolveConfigPath(name string) (string, error) {
	extensions := []string{".yaml", ".yml"}
	triedPaths := make([]string, 0, len(extensions)*2)

	for _, ext := range extensions {
		localPath := name + ext
		if fileutil.FileExists(localPath) {
			return localPath, nil
		}
		triedPaths = append(triedPaths, localPath)
	}

	if userConfigDir, err := os.UserConfigDir(); err == nil {
		for _, ext := range extensions {
			userPath := filepath.Join(userConfigDir, "pdfgate", name+ext)
			if fileutil.FileExists(userPath) {
				return userPath, nil
			}
			triedPaths = append(triedPaths, userPath)
		}
	}

	return "", fmt.Errorf("%w: tried %s%s", ErrConfigNotFound,
		strings.Join(triedPaths, ", "), hints.ForConfigNotFound(triedPaths))
}
