package main

import (
	"fmt"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/alnah/go-pdfgate/internal/config"
	"github.com/alnah/go-pdfgate/internal/yamlutil"
)

// commonFlags holds flags shared across commands.
type commonFlags struct {
	config  string
	verbose bool
}

// serveFlags holds flags for the serve command. Zero values mean "not set".
type serveFlags struct {
	common    commonFlags
	addr      string
	shards    int
	poolSize  int
	timeout   string
	logLevel  string
	logFormat string
	storage   string
}

// doctorFlags holds flags for the doctor command.
type doctorFlags struct {
	common commonFlags
	json   bool
}

// addCommonFlags adds common flags to a FlagSet.
func addCommonFlags(fs *flag.FlagSet, f *commonFlags) {
	fs.StringVarP(&f.config, "config", "c", "", "config file name or path")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
}

// parseServeFlags parses serve command flags and returns positional args.
func parseServeFlags(args []string, stderr io.Writer) (*serveFlags, []string, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &serveFlags{}

	addCommonFlags(fs, &f.common)
	fs.StringVarP(&f.addr, "addr", "a", "", "listen address (e.g. :8080)")
	fs.IntVarP(&f.shards, "shards", "s", 0, "number of shards (0 = config)")
	fs.IntVarP(&f.poolSize, "pool-size", "p", 0, "pages per shard (0 = config)")
	fs.StringVarP(&f.timeout, "timeout", "t", "", "generation timeout (e.g. 30s, 2m)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: json, console")
	fs.StringVar(&f.storage, "storage-dir", "", "directory for URL delivery")

	fs.Usage = func() { printServeUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return f, fs.Args(), nil
}

// parseDoctorFlags parses doctor command flags.
func parseDoctorFlags(args []string, stderr io.Writer) (*doctorFlags, error) {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f := &doctorFlags{}

	addCommonFlags(fs, &f.common)
	fs.BoolVar(&f.json, "json", false, "machine-readable output")

	fs.Usage = func() { printDoctorUsage(stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	return f, nil
}

// applyServeFlags overrides cfg with every flag that was set.
func applyServeFlags(f *serveFlags, cfg *config.Config) error {
	if f.addr != "" {
		cfg.Server.Addr = f.addr
	}
	if f.shards > 0 {
		cfg.Shards.Count = f.shards
	}
	if f.poolSize > 0 {
		cfg.Pool.Size = f.poolSize
	}
	if f.timeout != "" {
		d, err := yamlutil.ParseDuration(f.timeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: --timeout %q (must be a positive duration like 30s)", errUsage, f.timeout)
		}
		cfg.Render.Timeout = yamlutil.Duration(d)
	}
	if f.storage != "" {
		cfg.Storage.Dir = f.storage
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	if f.common.verbose && f.logLevel == "" {
		cfg.Logging.Level = "debug"
	}
	return nil
}
