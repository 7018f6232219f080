// Package pool keeps a bounded set of warm engine pages and lends them to one
// caller at a time.
//
// Pages are opened lazily on acquire and recycled on release. A background
// sweep closes pages that sat unused longer than MaxIdleTime or lived longer
// than MaxPageAge; in-use pages past their age are closed on release instead.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/metrics"
)

// Opener opens engine pages. engine.Engine satisfies it.
type Opener interface {
	OpenPage(ctx context.Context) (engine.Page, error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the clock used for timestamps, acquire timeouts and the
// cleanup ticker.
func WithClock(c clock.WithTicker) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger used for eviction failures.
func WithLogger(log logr.Logger) Option {
	return func(p *Pool) {
		p.log = log
	}
}

// Stats is a point-in-time snapshot of a pool.
type Stats struct {
	Name        string
	Size        int
	Total       int
	Available   int
	InUse       int
	AvgAge      time.Duration
	AvgIdleTime time.Duration
}

// Pool is a bounded set of reusable page handles.
//
// slots holds one token per handle that may be lent out at once; a caller
// owns a token from Acquire until Release or Discard. Pages are opened only
// when no idle handle exists, so idle+inUse+opening never exceeds Size.
type Pool struct {
	cfg    Config
	opener Opener
	clock  clock.WithTicker
	log    logr.Logger

	slots chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	handles map[string]*Handle
	idle    []*Handle // ordered by lastUsedAt, oldest first
	inUse   int
	opening int
	closed  bool

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	disposeOnce sync.Once
}

// New creates a pool and starts its cleanup loop. No page is opened until the
// first Acquire.
func New(opener Opener, cfg Config, opts ...Option) (*Pool, error) {
	if opener == nil {
		return nil, fmt.Errorf("%w: nil opener", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	p := &Pool{
		cfg:         cfg,
		opener:      opener,
		clock:       clock.RealClock{},
		log:         logr.Discard(),
		slots:       make(chan struct{}, cfg.Size),
		done:        make(chan struct{}),
		handles:     make(map[string]*Handle, cfg.Size),
		idle:        make([]*Handle, 0, cfg.Size),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithValues("pool", cfg.Name)

	for range cfg.Size {
		p.slots <- struct{}{}
	}
	p.publishLocked()
	p.startCleanup()
	return p, nil
}

// Config returns the effective configuration, defaults applied.
func (p *Pool) Config() Config { return p.cfg }

// Name returns the pool's label.
func (p *Pool) Name() string { return p.cfg.Name }

// Acquire lends an idle handle, or opens a new page when none is idle and the
// pool is below its size. It waits up to AcquireTimeout for a handle and then
// fails with ErrPoolExhausted. A cancelled ctx returns ctx.Err().
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	start := p.clock.Now()
	if err := p.takeSlot(ctx); err != nil {
		return nil, err
	}
	metrics.RecordAcquireWait(p.cfg.Name, p.clock.Since(start))

	h, err := p.checkout(ctx)
	if err != nil {
		p.returnSlot()
		return nil, err
	}
	return h, nil
}

func (p *Pool) takeSlot(ctx context.Context) error {
	select {
	case <-p.done:
		return errdefs.ErrPoolClosed
	default:
	}

	// Fast path: a slot is free
	select {
	case <-p.slots:
		return nil
	default:
	}

	timer := p.clock.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.slots:
		return nil
	case <-timer.C():
		return fmt.Errorf("%w: no handle freed within %s (size %d)",
			errdefs.ErrPoolExhausted, p.cfg.AcquireTimeout, p.cfg.Size)
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return errdefs.ErrPoolClosed
	}
}

// returnSlot never blocks: the channel cannot be full while accounting holds.
func (p *Pool) returnSlot() {
	select {
	case p.slots <- struct{}{}:
	default:
	}
}

// checkout runs with a slot held. It reuses the most recently released idle
// handle, closing any expired ones it meets, or opens a new page.
func (p *Pool) checkout(ctx context.Context) (*Handle, error) {
	var expired []*Handle

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errdefs.ErrPoolClosed
	}
	now := p.clock.Now()
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		h := p.idle[last]
		p.idle[last] = nil
		p.idle = p.idle[:last]

		if p.ageExceeded(h, now) {
			p.detachLocked(h)
			expired = append(expired, h)
			continue
		}
		h.state = stateInUse
		h.lastUsedAt = now
		p.inUse++
		p.publishLocked()
		p.mu.Unlock()

		p.closeAll(expired, metrics.EvictAge)
		return h, nil
	}
	p.opening++
	p.publishLocked()
	p.mu.Unlock()

	// Expired pages close before a replacement opens
	p.closeAll(expired, metrics.EvictAge)

	page, err := p.opener.OpenPage(ctx)

	p.mu.Lock()
	p.opening--
	if err != nil {
		p.publishLocked()
		p.mu.Unlock()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPageOpen, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closePage(page, "", metrics.EvictDispose)
		return nil, errdefs.ErrPoolClosed
	}
	now = p.clock.Now()
	h := &Handle{
		id:         uuid.NewString(),
		page:       page,
		pool:       p,
		createdAt:  now,
		lastUsedAt: now,
		state:      stateInUse,
	}
	p.handles[h.id] = h
	p.inUse++
	p.publishLocked()
	p.mu.Unlock()
	return h, nil
}

// Release returns h to the idle set, or closes it when it outlived
// MaxPageAge. Releasing a handle that is not in use is a no-op.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.pool != p {
		return
	}

	p.mu.Lock()
	if h.state != stateInUse {
		p.mu.Unlock()
		return
	}
	p.inUse--
	now := p.clock.Now()
	h.lastUsedAt = now

	if p.ageExceeded(h, now) {
		p.detachLocked(h)
		p.publishLocked()
		p.mu.Unlock()

		p.closeHandle(h, metrics.EvictAge)
		p.returnSlot()
		return
	}

	h.state = stateIdle
	p.idle = append(p.idle, h)
	p.publishLocked()
	p.mu.Unlock()

	p.returnSlot()
}

// Discard closes h instead of recycling it. Used when the page may be in an
// unknown state (engine error, timeout). Discarding a handle that is not in
// use is a no-op.
func (p *Pool) Discard(h *Handle) {
	if h == nil || h.pool != p {
		return
	}

	p.mu.Lock()
	if h.state != stateInUse {
		p.mu.Unlock()
		return
	}
	p.inUse--
	p.detachLocked(h)
	p.publishLocked()
	p.mu.Unlock()

	p.closeHandle(h, metrics.EvictDiscard)
	p.returnSlot()
}

// Dispose stops the cleanup loop and closes every handle, in use or not.
// Waiting and later Acquire calls fail with ErrPoolClosed. Close failures are
// logged, never returned. Safe to call more than once.
func (p *Pool) Dispose() {
	p.disposeOnce.Do(func() {
		close(p.stopCleanup)
		<-p.cleanupDone

		p.mu.Lock()
		p.closed = true
		all := make([]*Handle, 0, len(p.handles))
		for _, h := range p.handles {
			h.state = stateClosed
			all = append(all, h)
		}
		clear(p.handles)
		clear(p.idle)
		p.idle = p.idle[:0]
		p.inUse = 0
		p.publishLocked()
		p.mu.Unlock()

		close(p.done)
		p.closeAll(all, metrics.EvictDispose)
	})
}

// Stats returns current handle counts and mean ages.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Name:      p.cfg.Name,
		Size:      p.cfg.Size,
		Total:     len(p.handles),
		Available: len(p.idle),
		InUse:     p.inUse,
	}
	if s.Total == 0 {
		return s
	}

	now := p.clock.Now()
	var age time.Duration
	for _, h := range p.handles {
		age += now.Sub(h.createdAt)
	}
	s.AvgAge = age / time.Duration(s.Total)

	if s.Available > 0 {
		var idle time.Duration
		for _, h := range p.idle {
			idle += now.Sub(h.lastUsedAt)
		}
		s.AvgIdleTime = idle / time.Duration(s.Available)
	}
	return s
}

// Closed reports whether Dispose was called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) ageExceeded(h *Handle, now time.Time) bool {
	return now.Sub(h.createdAt) > p.cfg.MaxPageAge
}

func (p *Pool) idleExceeded(h *Handle, now time.Time) bool {
	return now.Sub(h.lastUsedAt) > p.cfg.MaxIdleTime
}

// detachLocked removes h from the arena. The caller closes its page.
func (p *Pool) detachLocked(h *Handle) {
	h.state = stateClosed
	delete(p.handles, h.id)
}

func (p *Pool) publishLocked() {
	metrics.SetPoolHandles(p.cfg.Name, len(p.idle), p.inUse)
}

func (p *Pool) closeAll(hs []*Handle, reason string) {
	for _, h := range hs {
		p.closeHandle(h, reason)
	}
}

func (p *Pool) closeHandle(h *Handle, reason string) {
	p.closePage(h.page, h.id, reason)
}

// closePage closes a detached page. Failures, panics included, are logged
// and counted; bookkeeping is already done by the time this runs.
func (p *Pool) closePage(page engine.Page, id, reason string) {
	metrics.RecordEviction(p.cfg.Name, reason, 1)

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEvictionFailure(p.cfg.Name)
			p.log.Error(fmt.Errorf("%w: panic: %v", errdefs.ErrEviction, r),
				"page close panicked", "handle", id, "reason", reason)
		}
	}()

	if err := page.Close(); err != nil {
		metrics.RecordEvictionFailure(p.cfg.Name)
		p.log.Error(fmt.Errorf("%w: %v", errdefs.ErrEviction, err),
			"page close failed", "handle", id, "reason", reason)
	}
}
