// Package enginetest provides an in-memory engine.Engine for tests.
// Pages record how they were used and detect concurrent use of one page.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alnah/go-pdfgate/internal/engine"
)

// Compile-time interface checks.
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Page   = (*Page)(nil)
)

// ErrPageClosed is returned by operations on a closed fake page.
var ErrPageClosed = errors.New("enginetest: page closed")

// DefaultPDF is what pages render unless SetOutput is called.
var DefaultPDF = []byte("%PDF-1.7 enginetest")

// Engine is a fake engine. The zero value is not usable; call New.
type Engine struct {
	mu          sync.Mutex
	openErr     error
	contentErr  error
	renderErr   error
	closePgErr  error
	renderDelay time.Duration
	output      []byte
	pages       []*Page

	opened     atomic.Int64
	closed     atomic.Int64
	violations atomic.Int64
	closedEng  atomic.Bool
}

// New creates a fake engine that renders DefaultPDF instantly.
func New() *Engine {
	return &Engine{output: DefaultPDF}
}

// SetOpenErr makes subsequent OpenPage calls fail.
func (e *Engine) SetOpenErr(err error) { e.mu.Lock(); e.openErr = err; e.mu.Unlock() }

// SetContentErr makes subsequent SetContent calls fail.
func (e *Engine) SetContentErr(err error) { e.mu.Lock(); e.contentErr = err; e.mu.Unlock() }

// SetRenderErr makes subsequent RenderPDF calls fail.
func (e *Engine) SetRenderErr(err error) { e.mu.Lock(); e.renderErr = err; e.mu.Unlock() }

// SetPageCloseErr makes page Close calls return err (the page still closes).
func (e *Engine) SetPageCloseErr(err error) { e.mu.Lock(); e.closePgErr = err; e.mu.Unlock() }

// SetRenderDelay makes RenderPDF block for d, or until its context ends
// or the page is closed.
func (e *Engine) SetRenderDelay(d time.Duration) { e.mu.Lock(); e.renderDelay = d; e.mu.Unlock() }

// SetOutput sets the bytes RenderPDF returns.
func (e *Engine) SetOutput(b []byte) { e.mu.Lock(); e.output = b; e.mu.Unlock() }

// OpenPage returns a new fake page.
func (e *Engine) OpenPage(ctx context.Context) (engine.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	p := &Page{engine: e, done: make(chan struct{})}
	e.pages = append(e.pages, p)
	e.opened.Add(1)
	return p, nil
}

// Close marks the engine closed.
func (e *Engine) Close() error {
	e.closedEng.Store(true)
	return nil
}

// Opened returns how many pages were opened.
func (e *Engine) Opened() int64 { return e.opened.Load() }

// ClosedPages returns how many pages were closed.
func (e *Engine) ClosedPages() int64 { return e.closed.Load() }

// Live returns opened minus closed pages.
func (e *Engine) Live() int64 { return e.opened.Load() - e.closed.Load() }

// Violations counts attempts to use a page that was already busy.
func (e *Engine) Violations() int64 { return e.violations.Load() }

// IsClosed reports whether Close was called.
func (e *Engine) IsClosed() bool { return e.closedEng.Load() }

// Pages returns a snapshot of every page opened so far.
func (e *Engine) Pages() []*Page {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Page(nil), e.pages...)
}

func (e *Engine) snapshot() (contentErr, renderErr error, delay time.Duration, out []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.contentErr, e.renderErr, e.renderDelay, e.output
}

// Page is a fake page.
type Page struct {
	engine *Engine
	busy   atomic.Bool
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	html     string
	wait     engine.WaitCondition
	opts     engine.PDFOptions
	renders  int
	isClosed bool
}

// SetContent stores the HTML and marks the page busy until RenderPDF ends.
func (p *Page) SetContent(ctx context.Context, html string, wait engine.WaitCondition) error {
	if p.Closed() {
		return ErrPageClosed
	}
	if !p.busy.CompareAndSwap(false, true) {
		p.engine.violations.Add(1)
	}
	contentErr, _, _, _ := p.engine.snapshot()
	if contentErr != nil {
		p.busy.Store(false)
		return contentErr
	}
	p.mu.Lock()
	p.html = html
	p.wait = wait
	p.mu.Unlock()
	return ctx.Err()
}

// RenderPDF returns the configured output after the configured delay.
func (p *Page) RenderPDF(ctx context.Context, opts engine.PDFOptions) ([]byte, error) {
	defer p.busy.Store(false)

	_, renderErr, delay, out := p.engine.snapshot()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, ErrPageClosed
		}
	}
	if p.Closed() {
		return nil, ErrPageClosed
	}
	if renderErr != nil {
		return nil, renderErr
	}

	p.mu.Lock()
	p.opts = opts
	p.renders++
	p.mu.Unlock()
	return append([]byte(nil), out...), nil
}

// Close closes the page once; later calls are no-ops.
func (p *Page) Close() error {
	closedNow := false
	p.once.Do(func() {
		p.mu.Lock()
		p.isClosed = true
		p.mu.Unlock()
		close(p.done)
		p.engine.closed.Add(1)
		closedNow = true
	})
	if !closedNow {
		return nil
	}
	p.engine.mu.Lock()
	err := p.engine.closePgErr
	p.engine.mu.Unlock()
	return err
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isClosed
}

// LastHTML returns the last document set on the page.
func (p *Page) LastHTML() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html
}

// LastWait returns the last wait condition passed to SetContent.
func (p *Page) LastWait() engine.WaitCondition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wait
}

// LastOptions returns the options of the last successful render.
func (p *Page) LastOptions() engine.PDFOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Renders returns the number of successful renders.
func (p *Page) Renders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.renders
}
