package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/alnah/go-pdfgate/internal/errdefs"
	"github.com/alnah/go-pdfgate/internal/hints"
	"github.com/alnah/go-pdfgate/internal/process"
)

// Compile-time interface checks.
var (
	_ Engine = (*Rod)(nil)
	_ Page   = (*rodPage)(nil)
)

const (
	// networkIdleWindow is how long the page must stay quiet for WaitNetworkIdle.
	networkIdleWindow = 500 * time.Millisecond

	// pageOpenTimeout bounds target creation when the caller has no deadline.
	pageOpenTimeout = 30 * time.Second

	// pageCloseTimeout bounds Page.Close, which runs after the request is gone.
	pageCloseTimeout = 5 * time.Second
)

// RodConfig configures the headless Chrome launcher.
type RodConfig struct {
	BrowserBin string // empty = $ROD_BROWSER_BIN, then rod's lookup/download
	NoSandbox  bool   // forced on in CI and containers
}

// Rod implements Engine using go-rod.
// The browser is launched lazily on the first OpenPage call.
type Rod struct {
	cfg RodConfig
	log logr.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRod creates a Rod engine. No browser is started until a page is opened.
func NewRod(cfg RodConfig, log logr.Logger) *Rod {
	return &Rod{cfg: cfg, log: log.WithName("engine")}
}

// ensureBrowser lazily launches and connects to the browser.
func (r *Rod) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	l := launcher.New().Headless(true)

	bin := r.cfg.BrowserBin
	if bin == "" {
		bin = os.Getenv("ROD_BROWSER_BIN")
	}
	if bin != "" {
		l = l.Bin(bin)
	}

	if r.cfg.NoSandbox || hints.NeedsNoSandbox() {
		l = l.NoSandbox(true)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("%w: launching browser: %v%s", errdefs.ErrEngine, err, hints.ForBrowserConnect())
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("%w: connecting to browser: %v%s", errdefs.ErrEngine, err, hints.ForBrowserConnect())
	}

	r.launcher = l
	r.browser = browser
	r.log.V(1).Info("browser launched", "pid", l.PID())
	return browser, nil
}

// OpenPage creates a blank page in the shared browser.
//
// The page lives on the browser's context, not ctx: pooled pages outlive the
// request that opened them and must still close after it ends. ctx only
// bounds the wait for the target.
func (r *Rod) OpenPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browser, err := r.ensureBrowser()
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, pageOpenTimeout)
	defer cancel()

	page, err := openDetached(openCtx,
		func() (*rod.Page, error) {
			return browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		},
		func(p *rod.Page) {
			if err := closeRodPage(p); err != nil {
				r.log.V(1).Info("closing abandoned page", "error", err.Error())
			}
		},
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrPageOpen, err)
	}
	return &rodPage{page: page}, nil
}

// openDetached runs open in its own goroutine and waits for it or for ctx.
// When ctx wins, the value open eventually returns is handed to abandon so
// nothing it created is leaked.
func openDetached[T any](ctx context.Context, open func() (T, error), abandon func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := open()
		done <- result{v, err}
	}()

	select {
	case res := <-done:
		return res.v, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.err == nil {
				abandon(res.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

// Close shuts the browser down and kills its process group.
func (r *Rod) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser == nil {
		return nil
	}

	err := r.browser.Close()
	if r.launcher != nil {
		if pid := r.launcher.PID(); pid > 0 {
			process.KillProcessGroup(pid)
		}
		r.launcher.Kill()
		r.launcher.Cleanup()
	}
	r.browser = nil
	r.launcher = nil
	return err
}

// rodPage adapts *rod.Page to Page.
type rodPage struct {
	page *rod.Page
}

// SetContent replaces the document and waits for the requested condition.
func (p *rodPage) SetContent(ctx context.Context, html string, wait WaitCondition) error {
	page := p.page.Context(ctx)

	if err := page.SetDocumentContent(html); err != nil {
		return fmt.Errorf("setting document content: %w", err)
	}

	switch wait {
	case WaitDOMContentLoaded:
		// document.write is synchronous; the DOM is ready once it returns
	case WaitNetworkIdle:
		if err := page.WaitStable(networkIdleWindow); err != nil {
			return fmt.Errorf("waiting for network idle: %w", err)
		}
	default:
		if err := page.WaitLoad(); err != nil {
			return fmt.Errorf("waiting for load: %w", err)
		}
	}
	return nil
}

// RenderPDF prints the current document.
func (p *rodPage) RenderPDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	reader, err := p.page.Context(ctx).PDF(buildPrintParams(opts))
	if err != nil {
		return nil, fmt.Errorf("printing to PDF: %w", err)
	}

	pdfBuf, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading PDF stream: %w", err)
	}
	return pdfBuf, nil
}

func (p *rodPage) Close() error {
	return closeRodPage(p.page)
}

// closeRodPage closes a page on a fresh bounded context derived from the
// browser's, independent of any request.
func closeRodPage(page *rod.Page) error {
	page = page.Timeout(pageCloseTimeout)
	defer page.CancelTimeout()
	return page.Close()
}

// buildPrintParams maps PDFOptions onto the CDP Page.printToPDF request.
func buildPrintParams(opts PDFOptions) *proto.PagePrintToPDF {
	params := &proto.PagePrintToPDF{
		Landscape:         opts.Landscape,
		PrintBackground:   opts.PrintBackground,
		PaperWidth:        floatPtr(opts.PaperWidth),
		PaperHeight:       floatPtr(opts.PaperHeight),
		MarginTop:         floatPtr(opts.MarginTop),
		MarginRight:       floatPtr(opts.MarginRight),
		MarginBottom:      floatPtr(opts.MarginBottom),
		MarginLeft:        floatPtr(opts.MarginLeft),
		PageRanges:        opts.PageRanges,
		PreferCSSPageSize: opts.PreferCSSPageSize,
	}
	if opts.Scale > 0 {
		params.Scale = floatPtr(opts.Scale)
	}

	if opts.DisplayHeaderFooter {
		params.DisplayHeaderFooter = true
		// Chrome prints its own date/title header when a template is empty
		params.HeaderTemplate = orEmptySpan(opts.HeaderTemplate)
		params.FooterTemplate = orEmptySpan(opts.FooterTemplate)
	}
	return params
}

func orEmptySpan(tmpl string) string {
	if tmpl == "" {
		return "<span></span>"
	}
	return tmpl
}

// floatPtr returns a pointer to a float64 value.
func floatPtr(v float64) *float64 {
	return &v
}
