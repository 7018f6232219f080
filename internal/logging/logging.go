// Package logging builds the process logger: zap underneath, logr on top.
//
// logr verbosity maps onto zap levels: V(0) is info, V(1) debug, V(2) trace.
package logging

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Output formats.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Verbosity levels for logr.V.
const (
	DEFAULT = 0
	DEBUG   = 1
	TRACE   = 2
)

// Config selects level and format.
type Config struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// DefaultConfig returns info-level JSON logging.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatJSON}
}

// Validate checks level and format names.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", FormatJSON, FormatConsole:
		return nil
	}
	return fmt.Errorf("unknown log format %q (must be json or console)", c.Format)
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return zapcore.Level(-TRACE), nil
	case "debug":
		return zapcore.Level(-DEBUG), nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q (must be trace, debug, info, warn, or error)", s)
}

// New builds a logger. The returned sync function flushes buffered entries
// and should be deferred by main.
func New(cfg Config) (logr.Logger, func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	var zc zap.Config
	if strings.EqualFold(cfg.Format, FormatConsole) {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true

	zl, err := zc.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("building logger: %w", err)
	}

	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
