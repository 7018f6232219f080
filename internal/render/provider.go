package render

import (
	"context"

	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/pool"
)

// Lease is a page lent to one generation. Exactly one of Release or Discard
// is called when the generation ends.
type Lease interface {
	Page() engine.Page
	Release()
	Discard()
}

// HandleProvider hands out leases.
type HandleProvider interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Compile-time interface checks.
var (
	_ HandleProvider = (*poolProvider)(nil)
	_ HandleProvider = externalProvider{}
	_ Lease          = (*pool.Handle)(nil)
	_ Lease          = externalLease{}
)

type poolProvider struct {
	pool *pool.Pool
}

// PoolProvider leases handles from p.
func PoolProvider(p *pool.Pool) HandleProvider {
	return &poolProvider{pool: p}
}

func (pp *poolProvider) Acquire(ctx context.Context) (Lease, error) {
	h, err := pp.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// External leases a caller-owned page. Release and Discard leave the page
// open; its owner decides what to do with it and must not share it across
// concurrent generations.
func External(page engine.Page) HandleProvider {
	return externalProvider{page: page}
}

type externalProvider struct {
	page engine.Page
}

func (e externalProvider) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return externalLease(e), nil
}

type externalLease struct {
	page engine.Page
}

func (l externalLease) Page() engine.Page { return l.page }
func (externalLease) Release()            {}
func (externalLease) Discard()            {}
