// Package hints provides actionable error hints for common failure scenarios.
// Hints are formatted consistently as "\n  hint: <text>" for appending to error messages.
package hints

import (
	"os"
	"strings"

	"github.com/alnah/go-pdfgate/internal/fileutil"
)

// IsInContainer detects if running inside a Docker container or similar.
// Checks for /.dockerenv file which Docker creates automatically.
var IsInContainer = func() bool {
	return fileutil.FileExists("/.dockerenv")
}

// InCI reports whether a CI environment variable is set.
func InCI() bool {
	return os.Getenv("CI") != "" ||
		os.Getenv("GITHUB_ACTIONS") != "" ||
		os.Getenv("GITLAB_CI") != "" ||
		os.Getenv("JENKINS_URL") != ""
}

// NeedsNoSandbox reports whether Chrome must run without its sandbox here.
func NeedsNoSandbox() bool {
	return InCI() || IsInContainer() || os.Getenv("ROD_NO_SANDBOX") == "1"
}

// ForBrowserConnect returns hints for browser launch and connection errors.
func ForBrowserConnect() string {
	var hints []string

	if (InCI() || IsInContainer()) && os.Getenv("ROD_NO_SANDBOX") != "1" {
		hints = append(hints, "set ROD_NO_SANDBOX=1 for Docker/CI")
	}
	if os.Getenv("ROD_BROWSER_BIN") == "" {
		hints = append(hints, "set ROD_BROWSER_BIN or engine.browserBin to use an installed Chrome")
	}

	return formatHints(hints)
}

// ForTimeout returns a hint about raising the render timeout.
func ForTimeout() string {
	return format("raise render.timeout or options.waitUntil=load for heavy pages")
}

// ForPoolExhausted returns a hint for sustained pool exhaustion.
func ForPoolExhausted() string {
	return format("raise pool.size or add shards; check pdfgate_pool_acquire_wait_seconds")
}

// ForConfigNotFound returns hints for config file not found errors.
// Suggests --config and a user config in ~/.config/pdfgate/.
func ForConfigNotFound(searchedPaths []string) string {
	hint := "use --config /path/to/file.yaml"

	for _, p := range searchedPaths {
		if strings.Contains(filepathSlash(p), ".config/pdfgate") {
			hint += " or create " + p
			break
		}
	}

	return format(hint)
}

// ForStorageDir returns hints for storage directory errors.
func ForStorageDir() string {
	return format("check storage.dir exists and is writable by the service user")
}

func filepathSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// format creates a single hint string with consistent formatting.
func format(hint string) string {
	if hint == "" {
		return ""
	}
	return "\n  hint: " + hint
}

// formatHints joins multiple hints with consistent formatting.
func formatHints(hints []string) string {
	if len(hints) == 0 {
		return ""
	}
	return format(strings.Join(hints, "; "))
}
