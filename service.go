package pdfgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/alnah/go-pdfgate/internal/admission"
	"github.com/alnah/go-pdfgate/internal/cache"
	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/pipeline"
	"github.com/alnah/go-pdfgate/internal/pool"
	"github.com/alnah/go-pdfgate/internal/render"
	"github.com/alnah/go-pdfgate/internal/shard"
)

// CachedShard is the Result.ShardID of a cache hit.
const CachedShard = -1

// Service admits, prepares, routes and renders generation requests.
type Service struct {
	cfg      *Config
	log      logr.Logger
	clock    clock.PassiveClock
	admit    *admission.Controller
	results  *cache.Results
	router   *shard.Router
	preparer *pipeline.Preparer
	closers  []io.Closer

	closeOnce sync.Once
	closeErr  error
}

// New builds a Service from cfg: one engine and pool per shard, the quota
// store named by cfg.Admission.QuotaDSN (memory when empty), an in-memory
// rate limiter and the result cache. No browser starts until the first
// generation.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := serviceOptions{log: logr.Discard(), clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.engines == nil {
		rc := cfg.EngineConfig()
		o.engines = func(int) (Engine, error) { return engine.NewRod(rc, o.log), nil }
	}

	s := &Service{
		cfg:      cfg,
		log:      o.log,
		clock:    o.clock,
		results:  cache.New(cfg.CacheConfig()),
		preparer: pipeline.NewPreparer(),
	}

	quotas := o.quotaStore
	if quotas == nil {
		var err error
		if quotas, err = s.openQuotaStore(ctx); err != nil {
			return nil, err
		}
	}

	rates, err := admission.NewMemRateStore(cfg.RateConfig(), o.clock)
	if err != nil {
		_ = s.closeAll()
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	s.admit = admission.NewController(quotas, rates, admission.WithLogger(o.log.WithName("admission")))

	shards := make([]shard.Instance, 0, cfg.Shards.Count)
	for i := 0; i < cfg.Shards.Count; i++ {
		eng, err := o.engines(i)
		if err != nil {
			s.abort(shards)
			return nil, fmt.Errorf("engine for shard %d: %w", i, err)
		}
		sh, err := shard.New(i, eng, shard.Config{Pool: cfg.PoolConfig(), Render: cfg.RenderConfig()},
			shard.WithLogger(o.log), shard.WithClock(o.clock))
		if err != nil {
			_ = eng.Close()
			s.abort(shards)
			return nil, err
		}
		shards = append(shards, sh)
	}

	router, err := shard.NewRouter(shards, shard.WithRouterLogger(o.log.WithName("router")))
	if err != nil {
		s.abort(shards)
		return nil, err
	}
	s.router = router

	o.log.Info("service ready", "shards", cfg.Shards.Count, "poolSize", pool.ResolveSize(cfg.Pool.Size),
		"cache", cfg.Cache.Size, "quotaStore", quotaStoreKind(cfg.Admission.QuotaDSN, o.quotaStore != nil))
	return s, nil
}

func (s *Service) openQuotaStore(ctx context.Context) (admission.QuotaStore, error) {
	dsn := s.cfg.Admission.QuotaDSN
	if dsn == "" {
		return admission.NewMemQuotaStore(s.cfg.Admission.DefaultQuota, s.clock), nil
	}
	store, err := admission.OpenSQLQuotaStore(ctx, dsn, s.cfg.Admission.DefaultQuota, s.clock)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store)
	return store, nil
}

func quotaStoreKind(dsn string, injected bool) string {
	switch {
	case injected:
		return "external"
	case dsn == "":
		return "memory"
	}
	return "sqlite"
}

// Generate admits req, prepares its document and renders it on the
// tenant's shard. On success the tenant's usage is incremented, cache hits
// included.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := s.precheck(req); err != nil {
		return nil, err
	}

	html, err := s.preparer.Prepare(ctx, pipeline.Input{HTML: req.HTML, Markdown: req.Markdown, CSS: req.CSS})
	if err != nil {
		return nil, err
	}
	// Markdown expansion and injected styles can grow the document.
	if n, limit := len(html), s.maxPayload(); n > limit {
		return nil, fmt.Errorf("%w: prepared document is %d bytes, limit %d", errdefs.ErrPayloadTooLarge, n, limit)
	}

	decision, err := s.admit.Admit(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	key := cache.Key(req.TenantID, render.ContentHash(html), req.Options.Merge(s.cfg.Render.Defaults))
	if entry, ok := s.results.Get(key); ok {
		s.log.V(1).Info("cache hit", "tenant", req.TenantID, "requestId", req.RequestID)
		return s.finish(ctx, req, decision, &Result{
			PDF:         entry.PDF,
			ContentHash: entry.ContentHash,
			ShardID:     CachedShard,
			Cached:      true,
		}), nil
	}

	sh := s.router.RouteFor(req.TenantID)
	res, err := sh.Generate(ctx, render.Request{
		HTML:      html,
		Options:   req.Options,
		TenantID:  req.TenantID,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, err
	}

	s.results.Add(key, cache.Entry{PDF: res.PDF, ContentHash: res.ContentHash, CreatedAt: s.clock.Now()})
	return s.finish(ctx, req, decision, &Result{
		PDF:         res.PDF,
		ContentHash: res.ContentHash,
		ShardID:     sh.ID(),
		Elapsed:     res.Elapsed,
	}), nil
}

func (s *Service) maxPayload() int {
	if s.cfg.Render.MaxPayloadBytes <= 0 {
		return render.DefaultMaxPayload
	}
	return s.cfg.Render.MaxPayloadBytes
}

// precheck rejects what can be rejected before admission consumes a rate
// slot: oversized inputs and invalid options. The prepared document is
// checked again before admission.
func (s *Service) precheck(req Request) error {
	limit := s.maxPayload()
	if n := len(req.HTML) + len(req.Markdown) + len(req.CSS); n > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d", errdefs.ErrPayloadTooLarge, n, limit)
	}
	if req.HTML != "" && req.Markdown != "" {
		return fmt.Errorf("%w: html and markdown are mutually exclusive", errdefs.ErrInvalidOptions)
	}
	if req.HTML == "" && req.Markdown == "" {
		return errdefs.ErrEmptyDocument
	}
	return req.Options.Validate()
}

func (s *Service) finish(ctx context.Context, req Request, d admission.Decision, res *Result) *Result {
	res.RequestID = req.RequestID
	res.Rate = d.Rate
	res.Quota = d.Quota
	q, err := s.admit.RecordUsage(ctx, req.TenantID)
	if err != nil {
		// Best effort once the PDF exists.
		s.log.Error(err, "recording usage failed", "tenant", req.TenantID, "requestId", req.RequestID)
		return res
	}
	res.Quota = q
	return res
}

// Usage returns the tenant's quota state without consuming anything.
func (s *Service) Usage(ctx context.Context, tenantID string) (QuotaStatus, error) {
	return s.admit.CheckQuota(ctx, tenantID)
}

// PoolStats returns one entry per shard pool, in shard order. Shards that
// cannot answer are skipped.
func (s *Service) PoolStats(ctx context.Context) []PoolStats {
	agg := s.router.AggregateStats(ctx)
	out := make([]PoolStats, 0, len(agg.Reports))
	for _, r := range agg.Reports {
		if r.Err == nil {
			out = append(out, r.Stats.Pool)
		}
	}
	return out
}

// ShardStats aggregates counters across shards.
func (s *Service) ShardStats(ctx context.Context) ShardStats {
	return s.router.AggregateStats(ctx)
}

// Ping reports whether the service can take work: at least one shard
// answers and the quota store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	for _, c := range s.closers {
		if p, ok := c.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("quota store: %w", err)
			}
		}
	}
	if agg := s.router.AggregateStats(ctx); agg.Healthy == 0 {
		return errdefs.ErrShardUnavailable
	}
	return nil
}

// Shards returns the number of shards.
func (s *Service) Shards() int { return s.router.Len() }

// Close disposes every pool, closes the engines and the quota store.
// Later calls return the first result.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.router.Close(), s.closeAll())
		s.results.Purge()
	})
	return s.closeErr
}

func (s *Service) closeAll() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) abort(shards []shard.Instance) {
	for _, sh := range shards {
		_ = sh.Close()
	}
	_ = s.closeAll()
}
