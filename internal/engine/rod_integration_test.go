//go:build integration

package engine

// Notes:
// - Needs a local Chrome (or ROD_BROWSER_BIN). Run with: go test -tags integration ./internal/engine/

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

const testTimeout = 30 * time.Second

func newTestRod(t *testing.T) *Rod {
	t.Helper()

	r := NewRod(RodConfig{}, logr.Discard())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRod_RenderPDF(t *testing.T) {
	r := newTestRod(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	page, err := r.OpenPage(ctx)
	if err != nil {
		t.Fatalf("OpenPage() error = %v", err)
	}
	defer page.Close()

	if err := page.SetContent(ctx, "<html><body><h1>pdfgate</h1></body></html>", WaitLoad); err != nil {
		t.Fatalf("SetContent() error = %v", err)
	}
	pdf, err := page.RenderPDF(ctx, PDFOptions{PaperWidth: 8.27, PaperHeight: 11.69})
	if err != nil {
		t.Fatalf("RenderPDF() error = %v", err)
	}
	if len(pdf) < 4 || string(pdf[:4]) != "%PDF" {
		t.Errorf("output does not start with %%PDF: %q", pdf[:min(len(pdf), 8)])
	}
}

func TestRod_PageOutlivesOpeningContext(t *testing.T) {
	r := newTestRod(t)

	reqCtx, cancelReq := context.WithTimeout(context.Background(), testTimeout)
	page, err := r.OpenPage(reqCtx)
	if err != nil {
		cancelReq()
		t.Fatalf("OpenPage() error = %v", err)
	}
	cancelReq()

	// a later request reuses the pooled page
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := page.SetContent(ctx, "<p>reused</p>", WaitDOMContentLoaded); err != nil {
		t.Fatalf("SetContent() after opening context ended: %v", err)
	}

	if err := page.Close(); err != nil {
		t.Fatalf("Close() after opening context ended: %v", err)
	}

	targets, err := r.browser.Pages()
	if err != nil {
		t.Fatal(err)
	}
	rp := page.(*rodPage)
	for _, p := range targets {
		if p.TargetID == rp.page.TargetID {
			t.Errorf("target %s still open after Close", p.TargetID)
		}
	}
}
