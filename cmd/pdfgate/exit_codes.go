package main

import (
	"errors"

	"github.com/alnah/go-pdfgate/internal/admission"
	"github.com/alnah/go-pdfgate/internal/config"
	"github.com/alnah/go-pdfgate/internal/errdefs"
)

// Exit codes for the pdfgate binary.
// Follows Unix conventions: 0=success, 1=general, 2=usage, and custom codes < 126.
const (
	ExitSuccess = 0 // Clean shutdown
	ExitGeneral = 1 // General/unexpected error
	ExitUsage   = 2 // Invalid flags, environment or config
	ExitStorage = 3 // Quota database or PDF directory unusable
	ExitBrowser = 4 // Browser/Chrome errors
)

// errUsage marks command-line mistakes.
var errUsage = errors.New("usage error")

// exitCodeFor returns the appropriate exit code for an error.
// It uses errors.Is to check wrapped errors, so callers must use fmt.Errorf("%w", err).
func exitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	if errors.Is(err, errdefs.ErrEngine) ||
		errors.Is(err, errdefs.ErrPageOpen) {
		return ExitBrowser
	}

	if errors.Is(err, errStorage) ||
		errors.Is(err, admission.ErrStore) {
		return ExitStorage
	}

	if errors.Is(err, errUsage) ||
		errors.Is(err, errEnv) ||
		errors.Is(err, config.ErrConfigNotFound) ||
		errors.Is(err, config.ErrConfigParse) ||
		errors.Is(err, config.ErrEmptyConfigName) ||
		errors.Is(err, config.ErrInvalid) ||
		errors.Is(err, errdefs.ErrInvalidOptions) {
		return ExitUsage
	}

	return ExitGeneral
}
