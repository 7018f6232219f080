package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/alnah/go-pdfgate/internal/admission"
	"github.com/alnah/go-pdfgate/internal/config"
	"github.com/alnah/go-pdfgate/internal/fileutil"
	"github.com/alnah/go-pdfgate/internal/hints"
	"github.com/alnah/go-pdfgate/internal/pool"
)

// doctorResult holds all diagnostic information.
type doctorResult struct {
	Status   string     `json:"status"` // "ready", "warnings", "errors"
	Chrome   chromeInfo `json:"chrome"`
	Env      envInfo    `json:"environment"`
	System   systemInfo `json:"system"`
	Config   configInfo `json:"config"`
	Warnings []string   `json:"warnings,omitempty"`
	Errors   []string   `json:"errors,omitempty"`
}

// chromeInfo holds Chrome/Chromium detection results.
type chromeInfo struct {
	Found   bool   `json:"found"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
	Sandbox bool   `json:"sandbox"`
}

// envInfo holds environment detection results.
type envInfo struct {
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	CPUs          int    `json:"cpus"`
	Container     bool   `json:"container"`
	ContainerHint string `json:"container_hint,omitempty"`
	CI            bool   `json:"ci"`
	NoSandbox     string `json:"rod_no_sandbox"`
	BrowserBin    string `json:"rod_browser_bin"`
}

// systemInfo holds system check results.
type systemInfo struct {
	TempWritable    bool `json:"temp_writable"`
	StorageWritable bool `json:"storage_writable"`
	QuotaStoreOK    bool `json:"quota_store_ok"`
}

// configInfo summarizes the effective configuration.
type configInfo struct {
	Source     string `json:"source"`
	Shards     int    `json:"shards"`
	PoolSize   int    `json:"pool_size"`
	QuotaStore string `json:"quota_store"`
	StorageDir string `json:"storage_dir,omitempty"`
}

// runDoctorCmd executes the doctor command and returns an exit code.
// Exit codes: 0 = OK (including warnings), 1 = errors found.
func runDoctorCmd(args []string, env *Environment) int {
	f, err := parseDoctorFlags(args, env.Stderr)
	if err != nil {
		return reportError(env, err)
	}

	result := runDoctor(f, env)

	if f.json {
		enc := json.NewEncoder(env.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		printDoctorResult(env.Stdout, result)
	}

	if result.Status == "errors" {
		return ExitGeneral
	}
	return ExitSuccess
}

// runDoctor performs all diagnostic checks.
func runDoctor(f *doctorFlags, env *Environment) *doctorResult {
	result := &doctorResult{
		Status: "ready",
		Env: envInfo{
			OS:         runtime.GOOS,
			Arch:       runtime.GOARCH,
			CPUs:       runtime.NumCPU(),
			NoSandbox:  env.Getenv("ROD_NO_SANDBOX"),
			BrowserBin: env.Getenv("ROD_BROWSER_BIN"),
		},
	}

	cfg := checkConfig(result, f, env)
	checkChrome(result, cfg)
	checkEnvironment(result, env)
	checkSystem(result, cfg)

	if len(result.Errors) > 0 {
		result.Status = "errors"
	} else if len(result.Warnings) > 0 {
		result.Status = "warnings"
	}

	return result
}

// checkConfig resolves configuration the way serve does. On failure the
// remaining checks run against defaults.
func checkConfig(result *doctorResult, f *doctorFlags, env *Environment) *config.Config {
	envCfg, err := loadEnvConfig(env.Getenv)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		envCfg = &envConfig{CacheSize: -1}
	}

	cfg, err := resolveConfig(&serveFlags{common: f.common}, envCfg)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		cfg = config.DefaultConfig()
		result.Config.Source = "defaults (config invalid)"
	} else {
		result.Config.Source = configSource(f.common.config, envCfg.ConfigPath)
	}

	result.Config.Shards = cfg.Shards.Count
	result.Config.PoolSize = pool.ResolveSize(cfg.Pool.Size)
	result.Config.StorageDir = cfg.Storage.Dir
	result.Config.QuotaStore = "sqlite"
	if cfg.Admission.QuotaDSN == "" {
		result.Config.QuotaStore = "memory"
		result.Warnings = append(result.Warnings,
			"Quota usage is kept in memory and lost on restart. Set admission.quotaDSN")
	}
	return cfg
}

func configSource(flagName, envName string) string {
	switch {
	case flagName != "":
		return flagName
	case envName != "":
		return envName
	}
	return "defaults or " + defaultConfigName + ".yaml"
}

// checkChrome detects Chrome/Chromium installation.
func checkChrome(result *doctorResult, cfg *config.Config) {
	chromePath := cfg.Engine.BrowserBin
	if chromePath == "" {
		chromePath = result.Env.BrowserBin
	}

	if chromePath == "" {
		var found bool
		chromePath, found = launcher.LookPath()
		if !found {
			result.Errors = append(result.Errors,
				"Chrome/Chromium not found. Install Chrome or set ROD_BROWSER_BIN")
			return
		}
	}

	if !fileutil.FileExists(chromePath) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("Chrome not found at %s", chromePath))
		return
	}

	result.Chrome.Found = true
	result.Chrome.Path = chromePath

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, chromePath, "--version").Output() // #nosec G204 -- operator-provided binary
	if err == nil {
		result.Chrome.Version = strings.TrimSpace(string(out))
	} else {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Could not get Chrome version: %v", err))
	}

	result.Chrome.Sandbox = !cfg.Engine.NoSandbox && result.Env.NoSandbox != "1"
}

// checkEnvironment detects container and CI environments.
func checkEnvironment(result *doctorResult, env *Environment) {
	result.Env.Container, result.Env.ContainerHint = isContainer(env.Getenv)
	result.Env.CI = hints.InCI()

	if (result.Env.Container || result.Env.CI) && result.Env.NoSandbox != "1" {
		result.Warnings = append(result.Warnings,
			"Container/CI detected: Chrome will run with --no-sandbox. Set ROD_NO_SANDBOX=1 to make this explicit")
	}
}

// isContainer detects if running in a container environment.
// Returns (isContainer, hint) where hint indicates which signal was detected.
func isContainer(getenv func(string) string) (bool, string) {
	if getenv("PDFGATE_CONTAINER") == "1" {
		return true, "PDFGATE_CONTAINER=1"
	}
	if hints.IsInContainer() {
		return true, "/.dockerenv"
	}
	// Podman / systemd-nspawn
	if v := getenv("container"); v != "" {
		return true, "container=" + v
	}
	if getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true, "KUBERNETES_SERVICE_HOST"
	}
	return false, ""
}

// checkSystem verifies the temp dir, PDF storage and quota database.
func checkSystem(result *doctorResult, cfg *config.Config) {
	if err := probeWritable(os.TempDir()); err != nil {
		result.Errors = append(result.Errors,
			fmt.Sprintf("Temp directory not writable: %s", os.TempDir()))
	} else {
		result.System.TempWritable = true
	}

	if dir := cfg.Storage.Dir; dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Storage directory %s: %v", dir, err))
		} else if err := probeWritable(dir); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Storage directory not writable: %s", dir))
		} else {
			result.System.StorageWritable = true
		}
	}

	if dsn := cfg.Admission.QuotaDSN; dsn != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := admission.OpenSQLQuotaStore(ctx, dsn, cfg.Admission.DefaultQuota, nil)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		defer func() { _ = store.Close() }()
		if err := store.Ping(ctx); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
		result.System.QuotaStoreOK = true
	}
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".pdfgate-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// printDoctorResult outputs human-readable diagnostic results.
func printDoctorResult(w io.Writer, r *doctorResult) {
	fmt.Fprintln(w, "pdfgate doctor")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Chrome/Chromium")
	if r.Chrome.Found {
		fmt.Fprintf(w, "  [OK] Found at %s\n", r.Chrome.Path)
		if r.Chrome.Version != "" {
			fmt.Fprintf(w, "  [OK] Version: %s\n", r.Chrome.Version)
		}
		if r.Chrome.Sandbox {
			fmt.Fprintln(w, "  [OK] Sandbox: enabled")
		} else {
			fmt.Fprintln(w, "  [OK] Sandbox: disabled")
		}
	} else {
		fmt.Fprintln(w, "  [ERROR] Not found")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Environment")
	fmt.Fprintf(w, "  [OK] Platform: %s/%s (%d CPUs)\n", r.Env.OS, r.Env.Arch, r.Env.CPUs)
	if r.Env.Container {
		fmt.Fprintf(w, "  [OK] Container: detected (%s)\n", r.Env.ContainerHint)
	}
	if r.Env.CI {
		fmt.Fprintln(w, "  [OK] CI: detected")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration")
	fmt.Fprintf(w, "  [OK] Source: %s\n", r.Config.Source)
	fmt.Fprintf(w, "  [OK] Shards: %d x %d pages\n", r.Config.Shards, r.Config.PoolSize)
	fmt.Fprintf(w, "  [OK] Quota store: %s\n", r.Config.QuotaStore)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "System")
	if r.System.TempWritable {
		fmt.Fprintln(w, "  [OK] Temp directory: writable")
	} else {
		fmt.Fprintln(w, "  [ERROR] Temp directory: not writable")
	}
	if r.Config.StorageDir != "" {
		if r.System.StorageWritable {
			fmt.Fprintf(w, "  [OK] Storage: %s writable\n", r.Config.StorageDir)
		} else {
			fmt.Fprintf(w, "  [ERROR] Storage: %s not writable\n", r.Config.StorageDir)
		}
	}
	if r.Config.QuotaStore == "sqlite" {
		if r.System.QuotaStoreOK {
			fmt.Fprintln(w, "  [OK] Quota database: reachable")
		} else {
			fmt.Fprintln(w, "  [ERROR] Quota database: unreachable")
		}
	}
	fmt.Fprintln(w)

	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "Warnings:")
		for _, warn := range r.Warnings {
			fmt.Fprintf(w, "  [WARN] %s\n", warn)
		}
		fmt.Fprintln(w)
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w, "Errors:")
		for _, err := range r.Errors {
			fmt.Fprintf(w, "  [ERROR] %s\n", err)
		}
		fmt.Fprintln(w)
	}

	switch r.Status {
	case "ready":
		fmt.Fprintln(w, "Status: Ready to serve")
	case "warnings":
		fmt.Fprintln(w, "Status: Ready with warnings")
	case "errors":
		fmt.Fprintln(w, "Status: Not ready (see errors above)")
	}
}
