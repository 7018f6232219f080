package main

// Notes:
// - resolveConfig tests that fall back to the default config name set
//   XDG_CONFIG_HOME and the working directory, so they cannot run in parallel.

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alnah/go-pdfgate/internal/config"
	"github.com/alnah/go-pdfgate/internal/server"
)

// isolate points config lookup at an empty temp tree.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

// ---------------------------------------------------------------------------
// TestResolveConfig - Precedence of defaults, file, env and flags
// ---------------------------------------------------------------------------

func TestResolveConfig_DefaultsWithoutFile(t *testing.T) {
	isolate(t)

	cfg, err := resolveConfig(&serveFlags{}, &envConfig{CacheSize: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != config.DefaultConfig().Server.Addr {
		t.Errorf("Addr = %q, want default", cfg.Server.Addr)
	}
}

func TestResolveConfig_Precedence(t *testing.T) {
	dir := isolate(t)

	yaml := "server:\n  addr: \":7000\"\nshards:\n  count: 2\npool:\n  size: 3\n"
	if err := os.WriteFile(filepath.Join(dir, "pdfgate.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	// File only.
	cfg, err := resolveConfig(&serveFlags{}, &envConfig{CacheSize: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Shards.Count != 2 || cfg.Pool.Size != 3 {
		t.Errorf("file not applied: addr=%q shards=%d pool=%d", cfg.Server.Addr, cfg.Shards.Count, cfg.Pool.Size)
	}

	// Env beats file, flags beat env.
	cfg, err = resolveConfig(&serveFlags{addr: ":9000"}, &envConfig{Addr: ":8000", Shards: 4, CacheSize: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want flag value :9000", cfg.Server.Addr)
	}
	if cfg.Shards.Count != 4 {
		t.Errorf("Shards = %d, want env value 4", cfg.Shards.Count)
	}
	if cfg.Pool.Size != 3 {
		t.Errorf("Pool.Size = %d, want file value 3", cfg.Pool.Size)
	}
}

func TestResolveConfig_Errors(t *testing.T) {
	dir := isolate(t)

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("shards:\n  count: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := resolveConfig(&serveFlags{common: commonFlags{config: bad}}, &envConfig{CacheSize: -1})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("invalid file: error = %v, want ErrInvalid", err)
	}

	_, err = resolveConfig(&serveFlags{}, &envConfig{ConfigPath: "missing", CacheSize: -1})
	if !errors.Is(err, config.ErrConfigNotFound) {
		t.Errorf("missing env config: error = %v, want ErrConfigNotFound", err)
	}

	_, err = resolveConfig(&serveFlags{shards: config.MaxShards + 1}, &envConfig{CacheSize: -1})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("too many shards: error = %v, want ErrInvalid", err)
	}
}

// ---------------------------------------------------------------------------
// TestNewStore - URL delivery storage
// ---------------------------------------------------------------------------

func TestNewStore(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	store, err := newStore(cfg)
	if err != nil || store != nil {
		t.Fatalf("disabled storage = (%v, %v), want (nil, nil)", store, err)
	}

	cfg.Storage.Dir = filepath.Join(t.TempDir(), "pdf")
	store, err = newStore(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store == nil {
		t.Fatal("expected a store")
	}
}

func TestNewStore_Unwritable(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Storage.Dir = filepath.Join(file, "sub")

	_, err := newStore(cfg)
	if !errors.Is(err, errStorage) {
		t.Fatalf("error = %v, want errStorage", err)
	}
	if exitCodeFor(err) != ExitStorage {
		t.Errorf("exit code = %d, want %d", exitCodeFor(err), ExitStorage)
	}
}

// ---------------------------------------------------------------------------
// TestMaxBodyBytes / TestNewRegistry
// ---------------------------------------------------------------------------

func TestMaxBodyBytes(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Render.MaxPayloadBytes = 0
	if got := maxBodyBytes(cfg); got != server.DefaultMaxBodyBytes {
		t.Errorf("maxBodyBytes(0) = %d, want %d", got, server.DefaultMaxBodyBytes)
	}

	cfg.Render.MaxPayloadBytes = 1 << 20
	if got := maxBodyBytes(cfg); got <= 1<<20 {
		t.Errorf("maxBodyBytes = %d, want more than the payload limit", got)
	}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	families, err := newRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "go_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("registry should expose Go runtime metrics")
	}
}
