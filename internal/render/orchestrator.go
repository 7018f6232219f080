// Package render turns one HTML document into a PDF on a leased page: it
// enforces the payload limit, resolves options, races the engine against a
// deadline and classifies what went wrong.
package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/alnah/go-pdfgate/internal/engine"
	"github.com/alnah/go-pdfgate/internal/errdefs"
)

// Orchestrator limits.
const (
	DefaultMaxPayload = 10 << 20 // 10 MiB
	DefaultTimeout    = 30 * time.Second
)

// Generation outcomes, used as metric labels.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomePayload  = "payload_too_large"
	OutcomeTimeout  = "timeout"
	OutcomeEngine   = "engine_error"
	OutcomePool     = "pool_exhausted"
	OutcomeClosed   = "pool_closed"
	OutcomeCanceled = "canceled"
	OutcomeOther    = "error"
)

// Config holds orchestrator limits and the option defaults merged under
// every request.
type Config struct {
	MaxPayload int
	Timeout    time.Duration
	Defaults   Options
}

// DefaultConfig returns the default limits and options.
func DefaultConfig() Config {
	return Config{
		MaxPayload: DefaultMaxPayload,
		Timeout:    DefaultTimeout,
		Defaults:   Defaults(),
	}
}

// Request is one generation. Provider overrides the orchestrator's own
// provider when set.
type Request struct {
	HTML      string
	Options   Options
	TenantID  string
	RequestID string
	Provider  HandleProvider
}

// Result is a generated PDF with its bookkeeping.
type Result struct {
	PDF         []byte
	Elapsed     time.Duration
	ContentHash string
	InputSize   int
	OutputSize  int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithClock sets the clock used to measure elapsed time.
func WithClock(c clock.PassiveClock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// Orchestrator drives leased pages through rendering.
type Orchestrator struct {
	cfg      Config
	provider HandleProvider
	clock    clock.PassiveClock
	log      logr.Logger
}

// New creates an orchestrator leasing from provider. Zero limits take their
// defaults; provider may be nil when every request brings its own.
func New(provider HandleProvider, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Defaults = cfg.Defaults.Merge(Defaults())

	o := &Orchestrator{
		cfg:      cfg,
		provider: provider,
		clock:    clock.RealClock{},
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Generate renders req.HTML to PDF. The payload limit is checked before any
// page is leased. The lease is released on success and discarded on any
// failure, so a timed-out or broken page never returns to its pool.
// Nothing is retried.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (*Result, error) {
	if len(req.HTML) > o.cfg.MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d",
			errdefs.ErrPayloadTooLarge, len(req.HTML), o.cfg.MaxPayload)
	}
	if strings.TrimSpace(req.HTML) == "" {
		return nil, errdefs.ErrEmptyDocument
	}

	pdfOpts, wait, err := req.Options.Merge(o.cfg.Defaults).Resolve()
	if err != nil {
		return nil, err
	}

	provider := req.Provider
	if provider == nil {
		provider = o.provider
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: no page provider configured", errdefs.ErrShardUnavailable)
	}

	start := o.clock.Now()
	lease, err := provider.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	pdf, err := o.run(ctx, lease, req.HTML, wait, pdfOpts)
	elapsed := o.clock.Since(start)
	if err != nil {
		lease.Discard()
		return nil, o.classify(ctx, err, elapsed, req)
	}
	lease.Release()

	o.log.V(1).Info("generated pdf",
		"tenant", req.TenantID, "requestId", req.RequestID,
		"inputBytes", len(req.HTML), "outputBytes", len(pdf), "elapsed", elapsed)

	return &Result{
		PDF:         pdf,
		Elapsed:     elapsed,
		ContentHash: ContentHash(req.HTML),
		InputSize:   len(req.HTML),
		OutputSize:  len(pdf),
	}, nil
}

type renderResult struct {
	pdf []byte
	err error
}

// run races the engine against the render deadline. On expiry it returns
// without waiting for the engine goroutine; the caller's Discard closes the
// page, which unblocks it.
func (o *Orchestrator) run(ctx context.Context, lease Lease, html string, wait engine.WaitCondition, opts engine.PDFOptions) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	done := make(chan renderResult, 1)
	go func() {
		page := lease.Page()
		if err := page.SetContent(rctx, html, wait); err != nil {
			done <- renderResult{err: err}
			return
		}
		pdf, err := page.RenderPDF(rctx, opts)
		done <- renderResult{pdf: pdf, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil && len(r.pdf) == 0 {
			return nil, errors.New("engine returned an empty document")
		}
		if r.err != nil && rctx.Err() != nil {
			return nil, rctx.Err()
		}
		return r.pdf, r.err
	case <-rctx.Done():
		return nil, rctx.Err()
	}
}

// classify maps a render failure onto the error taxonomy.
func (o *Orchestrator) classify(ctx context.Context, err error, elapsed time.Duration, req Request) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		o.log.Info("generation timed out",
			"tenant", req.TenantID, "requestId", req.RequestID, "elapsed", elapsed)
		return &errdefs.TimeoutError{Elapsed: elapsed, Timeout: o.cfg.Timeout}
	default:
		o.log.Error(err, "engine failure", "tenant", req.TenantID, "requestId", req.RequestID)
		return fmt.Errorf("%w: %v", errdefs.ErrEngine, err)
	}
}

// ContentHash returns the hex SHA-256 of html.
func ContentHash(html string) string {
	sum := sha256.Sum256([]byte(html))
	return hex.EncodeToString(sum[:])
}

// OutcomeFor maps a Generate error to a metric label.
func OutcomeFor(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errdefs.ErrPayloadTooLarge):
		return OutcomePayload
	case errors.Is(err, errdefs.ErrInvalidOptions), errors.Is(err, errdefs.ErrEmptyDocument):
		return OutcomeInvalid
	case errors.Is(err, errdefs.ErrGenerationTimeout):
		return OutcomeTimeout
	case errors.Is(err, errdefs.ErrEngine), errors.Is(err, errdefs.ErrPageOpen):
		return OutcomeEngine
	case errors.Is(err, errdefs.ErrPoolExhausted):
		return OutcomePool
	case errors.Is(err, errdefs.ErrPoolClosed):
		return OutcomeClosed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	}
	return OutcomeOther
}
