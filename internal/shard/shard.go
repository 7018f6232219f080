// Package shard spreads tenants across independent pool instances. Each
// Shard owns one engine, one session pool and one orchestrator; a Router
// picks a shard by hashing the tenant id.
package shard

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/metrics"
	"github.com/alnah/go-pdfgate/internal/pool"
	"github.com/alnah/go-pdfgate/internal/render"
)

// Instance is what the router needs from a shard.
type Instance interface {
	ID() int
	Generate(ctx context.Context, req render.Request) (*render.Result, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

var _ Instance = (*Shard)(nil)

// Stats is a shard snapshot.
type Stats struct {
	ShardID        int
	TotalGenerated int64
	CurrentLoad    int64
	Pool           pool.Stats
}

// Config configures one shard.
type Config struct {
	Pool   pool.Config
	Render render.Config
}

// Option configures a Shard.
type Option func(*options)

type options struct {
	log   logr.Logger
	clock clock.WithTicker
}

// WithLogger sets the logger passed to the shard's pool and orchestrator.
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock sets the clock passed to the shard's pool and orchestrator.
func WithClock(c clock.WithTicker) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// Shard is a local Instance.
type Shard struct {
	id     int
	name   string
	engine engine.Engine
	pool   *pool.Pool
	orch   *render.Orchestrator
	clock  clock.PassiveClock
	log    logr.Logger

	totalGenerated atomic.Int64
	currentLoad    atomic.Int64
}

// New creates shard id over eng. The shard owns eng and closes it in Close.
func New(id int, eng engine.Engine, cfg Config, opts ...Option) (*Shard, error) {
	o := options{log: logr.Discard(), clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	name := fmt.Sprintf("shard-%d", id)
	log := o.log.WithName(name)

	cfg.Pool.Name = name
	p, err := pool.New(eng, cfg.Pool, pool.WithClock(o.clock), pool.WithLogger(log.WithName("pool")))
	if err != nil {
		return nil, fmt.Errorf("shard %d: %w", id, err)
	}

	return &Shard{
		id:     id,
		name:   name,
		engine: eng,
		pool:   p,
		orch: render.New(render.PoolProvider(p), cfg.Render,
			render.WithLogger(log.WithName("render")), render.WithClock(o.clock)),
		clock: o.clock,
		log:   log,
	}, nil
}

// ID returns the shard index.
func (s *Shard) ID() int { return s.id }

// Name returns the shard label used in logs and metrics.
func (s *Shard) Name() string { return s.name }

// Pool returns the shard's session pool.
func (s *Shard) Pool() *pool.Pool { return s.pool }

// Orchestrator returns the shard's orchestrator.
func (s *Shard) Orchestrator() *render.Orchestrator { return s.orch }

// Generate renders req on this shard's pool.
func (s *Shard) Generate(ctx context.Context, req render.Request) (*render.Result, error) {
	s.currentLoad.Add(1)
	defer s.currentLoad.Add(-1)

	start := s.clock.Now()
	res, err := s.orch.Generate(ctx, req)
	if err != nil {
		metrics.RecordGeneration(s.name, render.OutcomeFor(err), s.clock.Since(start))
		return nil, err
	}

	s.totalGenerated.Add(1)
	metrics.RecordGeneration(s.name, render.OutcomeOK, res.Elapsed)
	metrics.RecordOutputBytes(s.name, res.OutputSize)
	return res, nil
}

// Stats returns the shard's counters and pool snapshot. A disposed shard
// reports ErrShardUnavailable.
func (s *Shard) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	if s.pool.Closed() {
		return Stats{}, fmt.Errorf("%w: %s is closed", errdefs.ErrShardUnavailable, s.name)
	}
	return Stats{
		ShardID:        s.id,
		TotalGenerated: s.totalGenerated.Load(),
		CurrentLoad:    s.currentLoad.Load(),
		Pool:           s.pool.Stats(),
	}, nil
}

// Close disposes the pool, then closes the engine.
func (s *Shard) Close() error {
	s.pool.Dispose()
	if err := s.engine.Close(); err != nil {
		return fmt.Errorf("%s: close engine: %w", s.name, err)
	}
	return nil
}
