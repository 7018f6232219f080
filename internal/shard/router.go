package shard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/render"
)

// DefaultStatsTimeout bounds each shard's answer during aggregation.
const DefaultStatsTimeout = 2 * time.Second

// Report is one shard's contribution to an Aggregate. Err is set when the
// shard could not answer; Stats is then zero.
type Report struct {
	ShardID int
	Stats   Stats
	Err     error
}

// Aggregate sums stats across shards. Failed shards contribute nothing to
// the sums and are listed in Reports with their error.
type Aggregate struct {
	TotalGenerated int64
	LiveHandles    int64
	InUseHandles   int64
	CurrentLoad    int64
	Healthy        int
	Reports        []Report
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithStatsTimeout sets the per-shard timeout used by AggregateStats.
func WithStatsTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.statsTimeout = d
		}
	}
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(log logr.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// Router maps tenants to shards. The mapping is stable for a fixed shard
// count; changing the count remaps tenants.
type Router struct {
	shards       []Instance
	statsTimeout time.Duration
	log          logr.Logger
}

// NewRouter creates a router over shards, indexed by position.
func NewRouter(shards []Instance, opts ...RouterOption) (*Router, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("%w: router needs at least one shard", errdefs.ErrShardUnavailable)
	}
	r := &Router{
		shards:       shards,
		statsTimeout: DefaultStatsTimeout,
		log:          logr.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Len returns the shard count.
func (r *Router) Len() int { return len(r.shards) }

// Shards returns the shards in index order.
func (r *Router) Shards() []Instance { return r.shards }

// Index returns the shard index for tenantID.
func (r *Router) Index(tenantID string) int {
	return int(xxhash.Sum64String(tenantID) % uint64(len(r.shards)))
}

// RouteFor returns the shard that owns tenantID.
func (r *Router) RouteFor(tenantID string) Instance {
	return r.shards[r.Index(tenantID)]
}

// Generate forwards req to the tenant's shard.
func (r *Router) Generate(ctx context.Context, req render.Request) (*render.Result, error) {
	if req.TenantID == "" {
		return nil, errdefs.ErrMissingTenant
	}
	return r.RouteFor(req.TenantID).Generate(ctx, req)
}

// AggregateStats asks every shard for stats concurrently. A shard that
// fails or exceeds the stats timeout is reported, never fatal.
func (r *Router) AggregateStats(ctx context.Context) Aggregate {
	reports := make([]Report, len(r.shards))

	var g errgroup.Group
	for i, s := range r.shards {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, r.statsTimeout)
			defer cancel()

			st, err := r.shardStats(sctx, s)
			reports[i] = Report{ShardID: s.ID(), Stats: st, Err: err}
			if err != nil {
				r.log.Info("shard stats unavailable", "shard", s.ID(), "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	agg := Aggregate{Reports: reports}
	for _, rep := range reports {
		if rep.Err != nil {
			continue
		}
		agg.Healthy++
		agg.TotalGenerated += rep.Stats.TotalGenerated
		agg.LiveHandles += int64(rep.Stats.Pool.Total)
		agg.InUseHandles += int64(rep.Stats.Pool.InUse)
		agg.CurrentLoad += rep.Stats.CurrentLoad
	}
	return agg
}

// shardStats calls s.Stats but returns when ctx ends even if the shard does
// not, so a hung shard cannot stall aggregation.
func (r *Router) shardStats(ctx context.Context, s Instance) (Stats, error) {
	type result struct {
		st  Stats
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := s.Stats(ctx)
		done <- result{st, err}
	}()

	select {
	case res := <-done:
		return res.st, res.err
	case <-ctx.Done():
		return Stats{}, fmt.Errorf("%w: shard %d: %v", errdefs.ErrShardUnavailable, s.ID(), ctx.Err())
	}
}

// Close closes every shard and joins their errors.
func (r *Router) Close() error {
	var errs []error
	for _, s := range r.shards {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
