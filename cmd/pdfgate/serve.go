package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	pdfgate "github.com/alnah/go-pdfgate"
	"github.com/alnah/go-pdfgate/internal/config"
	"github.com/alnah/go-pdfgate/internal/hints"
	"github.com/alnah/go-pdfgate/internal/logging"
	"github.com/alnah/go-pdfgate/internal/metrics"
	"github.com/alnah/go-pdfgate/internal/server"
	"github.com/alnah/go-pdfgate/internal/storage"
)

// defaultConfigName is looked up when neither --config nor PDFGATE_CONFIG is set.
const defaultConfigName = "pdfgate"

// defaultFilesPath prefixes stored PDF URLs when storage.baseURL is empty.
const defaultFilesPath = "/v1/files"

var errStorage = errors.New("storage unavailable")

// resolveConfig builds the effective configuration.
// Precedence: flags > environment > config file > defaults.
func resolveConfig(f *serveFlags, env *envConfig) (*config.Config, error) {
	name := f.common.config
	if name == "" {
		name = env.ConfigPath
	}

	var cfg *config.Config
	switch {
	case name != "":
		var err error
		if cfg, err = config.LoadConfig(name); err != nil {
			return nil, err
		}
	default:
		var err error
		cfg, err = config.LoadConfig(defaultConfigName)
		if errors.Is(err, config.ErrConfigNotFound) {
			cfg, err = config.DefaultConfig(), nil
		}
		if err != nil {
			return nil, err
		}
	}

	applyEnvConfig(env, cfg)
	if err := applyServeFlags(f, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRegistry returns a registry with runtime, process and pdfgate collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(reg)
	return reg
}

// newStore opens URL delivery storage, or returns nil when it is disabled.
func newStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Dir == "" {
		return nil, nil
	}
	base := cfg.Storage.BaseURL
	if base == "" {
		base = defaultFilesPath
	}
	fs, err := storage.NewFS(cfg.Storage.Dir, base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v%s", errStorage, err, hints.ForStorageDir())
	}
	return fs, nil
}

// runServe runs the API until ctx is canceled.
func runServe(ctx context.Context, args []string, env *Environment) error {
	f, rest, err := parseServeFlags(args, env.Stderr)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return fmt.Errorf("%w: serve takes no arguments, got %q", errUsage, rest)
	}

	warnUnknownEnvVars(env.Stderr, env.Environ())
	envCfg, err := loadEnvConfig(env.Getenv)
	if err != nil {
		return err
	}
	cfg, err := resolveConfig(f, envCfg)
	if err != nil {
		return err
	}

	log, flush, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	defer flush()
	setMaxProcs(log)
	log.Info("starting pdfgate", "version", Version, "addr", cfg.Server.Addr)

	store, err := newStore(cfg)
	if err != nil {
		return err
	}

	svc, err := pdfgate.New(ctx, cfg, pdfgate.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			log.Error(cerr, "closing service")
		}
	}()

	opts := []server.Option{
		server.WithLogger(log),
		server.WithGatherer(newRegistry()),
	}
	if store != nil {
		opts = append(opts, server.WithStorage(store))
		log.V(logging.DEBUG).Info("url delivery enabled", "dir", cfg.Storage.Dir)
	}

	srv := server.New(svc, server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		MaxBodyBytes:    maxBodyBytes(cfg),
	}, opts...)

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// maxBodyBytes leaves room for JSON escaping around the payload limit.
func maxBodyBytes(cfg *config.Config) int64 {
	if cfg.Render.MaxPayloadBytes <= 0 {
		return server.DefaultMaxBodyBytes
	}
	return int64(cfg.Render.MaxPayloadBytes)*2 + 64<<10
}

// logrPrintf adapts maxprocs' printf logger to logr.
func logrPrintf(log logr.Logger) func(string, ...any) {
	return func(format string, args ...any) {
		log.V(logging.DEBUG).Info(fmt.Sprintf(format, args...))
	}
}
