// Package server exposes the generation service over HTTP.
//
// Routes:
//
//	POST /v1/pdf             generate (inline PDF or stored URL)
//	GET  /v1/usage           tenant quota state
//	GET  /v1/files/{key}     stored PDFs
//	GET  /v1/stats/pools     per-shard pool snapshots
//	GET  /v1/stats/shards    aggregated shard counters
//	GET  /healthz            liveness and dependencies
//	GET  /metrics            Prometheus
//
// Authentication happens upstream; the gateway passes the tenant in
// X-Tenant-ID.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	pdfgate "github.com/alnah/go-pdfgate"
	"github.com/alnah/go-pdfgate/internal/storage"
)

// Header names.
const (
	HeaderTenant    = "X-Tenant-ID"
	HeaderRequestID = "X-Request-ID"
)

// Service is what the handlers need from pdfgate.Service.
type Service interface {
	Generate(ctx context.Context, req pdfgate.Request) (*pdfgate.Result, error)
	Usage(ctx context.Context, tenantID string) (pdfgate.QuotaStatus, error)
	PoolStats(ctx context.Context) []pdfgate.PoolStats
	ShardStats(ctx context.Context) pdfgate.ShardStats
	Ping(ctx context.Context) error
}

var _ Service = (*pdfgate.Service)(nil)

// Config holds listener settings.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
}

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is 0.
const DefaultMaxBodyBytes = 24 << 20

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the access and error logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithStorage enables "delivery": "url" and GET /v1/files/{key}.
func WithStorage(store storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithGatherer serves g on /metrics. Without it /metrics is not routed.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// Server routes HTTP requests to a Service.
type Server struct {
	svc      Service
	cfg      Config
	store    storage.Store
	gatherer prometheus.Gatherer
	log      logr.Logger
	handler  http.Handler
}

// New creates a Server.
func New(svc Service, cfg Config, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{svc: svc, cfg: cfg, log: logr.Discard()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithName("http")
	s.handler = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/pdf", s.handleGenerate)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/stats/pools", s.handlePoolStats)
	mux.HandleFunc("GET /v1/stats/shards", s.handleShardStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.store != nil {
		mux.HandleFunc("GET /v1/files/{key}", s.handleFile)
	}
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.recoverer(s.accessLog(mux))
}

// Run serves until ctx ends, then shuts down gracefully within
// ShutdownTimeout. In-flight generations finish or hit their own timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.log.Info("shutting down", "timeout", timeout)
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.V(1).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"tenant", r.Header.Get(HeaderTenant),
			"duration", time.Since(start))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.log.Error(fmt.Errorf("panic: %v", v), "handler panicked", "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: CodeInternal})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
